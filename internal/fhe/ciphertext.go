// Package fhe implements the encrypted values the lottery engine keeps on its
// ledger. Values are ElGamal ciphertexts over Ed25519 under the decryption
// oracle's public key. The engine never holds the private key, so nothing in
// this package turns a ciphertext back into a plaintext without an oracle
// decryption share.
package fhe

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/util/random"
)

// Suite is the group every ciphertext, share and oracle key lives in.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// ErrInvalidCiphertext is returned when ciphertext is malformed
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// ErrIncompatibleCiphertexts is returned when ciphertexts can't be combined
var ErrIncompatibleCiphertexts = errors.New("incompatible ciphertexts")

// Kind tells how the plaintext is carried inside the ciphertext.
type Kind byte

const (
	// KindAdditive carries m as m*G, so ciphertexts can be added.
	KindAdditive Kind = 1
	// KindEmbedded carries a big-endian uint64 embedded into a point.
	KindEmbedded Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindAdditive:
		return "additive"
	case KindEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// Handle is the opaque identifier of a stored ciphertext.
type Handle [32]byte

// Hex returns the 0x-prefixed hex form of the handle.
func (h Handle) Hex() string { return common.Hash(h).Hex() }

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool { return h == Handle{} }

// MarshalText renders the handle as hex in JSON responses.
func (h Handle) MarshalText() ([]byte, error) { return common.Hash(h).MarshalText() }

// Ciphertext is an ElGamal pair (K, C) = (rG, rX + M).
type Ciphertext struct {
	Kind Kind
	K    kyber.Point
	C    kyber.Point
}

// EncryptCount encrypts v additively so the result can be combined with Add.
func EncryptCount(public kyber.Point, v uint64) *Ciphertext {
	m := Suite.Point().Mul(scalarOf(v), nil)
	return encryptPoint(KindAdditive, public, m)
}

// EncryptedZero is a fresh additive encryption of zero.
func EncryptedZero(public kyber.Point) *Ciphertext {
	return EncryptCount(public, 0)
}

// EncryptUint64 embeds v into a point and encrypts it. The result does not
// support Add, but any 64-bit value can be decrypted without a search.
func EncryptUint64(public kyber.Point, v uint64) *Ciphertext {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	m := Suite.Point().Embed(buf, random.New())
	return encryptPoint(KindEmbedded, public, m)
}

func encryptPoint(kind Kind, public kyber.Point, m kyber.Point) *Ciphertext {
	r := Suite.Scalar().Pick(random.New())
	S := Suite.Point().Mul(r, public)
	return &Ciphertext{
		Kind: kind,
		K:    Suite.Point().Mul(r, nil),
		C:    S.Add(S, m),
	}
}

// Add returns a ciphertext of the sum of both plaintexts.
func (c *Ciphertext) Add(o *Ciphertext) (*Ciphertext, error) {
	if c.Kind != KindAdditive || o.Kind != KindAdditive {
		return nil, ErrIncompatibleCiphertexts
	}
	return &Ciphertext{
		Kind: KindAdditive,
		K:    Suite.Point().Add(c.K, o.K),
		C:    Suite.Point().Add(c.C, o.C),
	}, nil
}

// MarshalBinary encodes the ciphertext as kind || K || C.
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	kb, err := c.K.MarshalBinary()
	if err != nil {
		return nil, err
	}
	cb, err := c.C.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(kb)+len(cb))
	out = append(out, byte(c.Kind))
	out = append(out, kb...)
	return append(out, cb...), nil
}

// Unmarshal decodes a ciphertext produced by MarshalBinary.
func Unmarshal(buf []byte) (*Ciphertext, error) {
	pl := Suite.PointLen()
	if len(buf) != 1+2*pl {
		return nil, ErrInvalidCiphertext
	}
	kind := Kind(buf[0])
	if kind != KindAdditive && kind != KindEmbedded {
		return nil, ErrInvalidCiphertext
	}
	ct := &Ciphertext{Kind: kind, K: Suite.Point(), C: Suite.Point()}
	if err := ct.K.UnmarshalBinary(buf[1 : 1+pl]); err != nil {
		return nil, ErrInvalidCiphertext
	}
	if err := ct.C.UnmarshalBinary(buf[1+pl:]); err != nil {
		return nil, ErrInvalidCiphertext
	}
	return ct, nil
}

// Handle derives the ciphertext's handle from its encoding.
func (c *Ciphertext) Handle() (Handle, error) {
	buf, err := c.MarshalBinary()
	if err != nil {
		return Handle{}, err
	}
	return Handle(crypto.Keccak256Hash(buf)), nil
}

func scalarOf(v uint64) kyber.Scalar {
	hi := Suite.Scalar().SetInt64(int64(v >> 32))
	shifted := Suite.Scalar().Mul(hi, Suite.Scalar().SetInt64(1<<32))
	return Suite.Scalar().Add(shifted, Suite.Scalar().SetInt64(int64(v&0xffffffff)))
}
