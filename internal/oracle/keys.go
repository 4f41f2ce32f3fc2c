package oracle

import (
	"encoding/hex"
	"os"

	"confidential-lottery/internal/fhe"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// keyFile is the on-disk TOML form of an oracle key pair.
type keyFile struct {
	Private string `toml:"private"`
	Public  string `toml:"public"`
}

// GenerateKeyPair creates a fresh oracle key pair.
func GenerateKeyPair() *key.Pair {
	return key.NewKeyPair(fhe.Suite)
}

// SaveKeyPair writes kp to path as TOML with owner-only permissions.
func SaveKeyPair(path string, kp *key.Pair) error {
	priv, err := kp.Private.MarshalBinary()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return xerrors.Errorf("creating key file: %v", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(keyFile{
		Private: hex.EncodeToString(priv),
		Public:  EncodePublicKey(kp.Public),
	})
}

// LoadKeyPair reads a key pair written by SaveKeyPair.
func LoadKeyPair(path string) (*key.Pair, error) {
	var kf keyFile
	if _, err := toml.DecodeFile(path, &kf); err != nil {
		return nil, xerrors.Errorf("reading key file %s: %v", path, err)
	}
	buf, err := hex.DecodeString(kf.Private)
	if err != nil {
		return nil, xerrors.Errorf("decoding private key: %v", err)
	}
	priv := fhe.Suite.Scalar()
	if err := priv.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("decoding private key: %v", err)
	}
	return &key.Pair{
		Private: priv,
		Public:  fhe.Suite.Point().Mul(priv, nil),
	}, nil
}

// EncodePublicKey renders a public key as hex.
func EncodePublicKey(p kyber.Point) string {
	buf, err := p.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// ParsePublicKey parses the hex form produced by EncodePublicKey.
func ParsePublicKey(s string) (kyber.Point, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, xerrors.Errorf("decoding public key: %v", err)
	}
	p := fhe.Suite.Point()
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, xerrors.Errorf("decoding public key: %v", err)
	}
	return p, nil
}
