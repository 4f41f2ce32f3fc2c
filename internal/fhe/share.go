package fhe

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof/dleq"
	"golang.org/x/xerrors"
)

// ErrPlaintextMismatch is returned when a share does not open a ciphertext to
// the claimed value.
var ErrPlaintextMismatch = errors.New("share does not open ciphertext to claimed value")

// ErrOutOfRange is returned when an additive plaintext exceeds the search bound.
var ErrOutOfRange = errors.New("plaintext outside search bound")

// Share is a decryption share D = xK together with a proof that
// log_G(X) == log_K(D), X being the oracle public key.
type Share struct {
	D     kyber.Point
	Proof *dleq.Proof
}

// DecryptShare produces the holder's decryption share for ct.
func DecryptShare(private kyber.Scalar, ct *Ciphertext) (*Share, error) {
	proof, _, d, err := dleq.NewDLEQProof(Suite, Suite.Point().Base(), ct.K, private)
	if err != nil {
		return nil, xerrors.Errorf("creating decryption proof: %v", err)
	}
	return &Share{D: d, Proof: proof}, nil
}

// Verify checks that the share was computed with the private key behind public.
func (s *Share) Verify(public kyber.Point, ct *Ciphertext) error {
	if s.D == nil || s.Proof == nil {
		return ErrInvalidCiphertext
	}
	return s.Proof.Verify(Suite, Suite.Point().Base(), ct.K, public, s.D)
}

// Open removes the share's mask and returns the plaintext point.
func Open(ct *Ciphertext, s *Share) kyber.Point {
	return Suite.Point().Sub(ct.C, s.D)
}

// Decode recovers the uint64 plaintext carried by an opened point. Additive
// plaintexts are searched from 0 up to max inclusive.
func Decode(kind Kind, m kyber.Point, max uint64) (uint64, error) {
	switch kind {
	case KindEmbedded:
		data, err := m.Data()
		if err != nil {
			return 0, xerrors.Errorf("extracting embedded data: %v", err)
		}
		if len(data) != 8 {
			return 0, ErrInvalidCiphertext
		}
		return binary.BigEndian.Uint64(data), nil
	case KindAdditive:
		acc := Suite.Point().Null()
		g := Suite.Point().Base()
		for v := uint64(0); v <= max; v++ {
			if acc.Equal(m) {
				return v, nil
			}
			acc = acc.Add(acc, g)
		}
		return 0, ErrOutOfRange
	default:
		return 0, ErrInvalidCiphertext
	}
}

// CheckOpening verifies that share opens ct to v without searching.
func CheckOpening(ct *Ciphertext, s *Share, v uint64) error {
	m := Open(ct, s)
	switch ct.Kind {
	case KindEmbedded:
		data, err := m.Data()
		if err != nil {
			return ErrPlaintextMismatch
		}
		want := make([]byte, 8)
		binary.BigEndian.PutUint64(want, v)
		if !bytes.Equal(data, want) {
			return ErrPlaintextMismatch
		}
	case KindAdditive:
		if !m.Equal(Suite.Point().Mul(scalarOf(v), nil)) {
			return ErrPlaintextMismatch
		}
	default:
		return ErrInvalidCiphertext
	}
	return nil
}
