package oracle

import (
	"encoding/binary"
	"errors"

	"confidential-lottery/internal/fhe"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof/dleq"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

var (
	// ErrMalformedProof is returned when the proof bytes cannot be decoded.
	ErrMalformedProof = errors.New("malformed decryption proof")
	// ErrBadSignature is returned when the oracle signature does not cover
	// this request id and payload.
	ErrBadSignature = errors.New("invalid oracle signature")
	// ErrBadShare is returned when a decryption share or its opening is wrong.
	ErrBadShare = errors.New("invalid decryption share")
)

// Proof accompanies a decryption response. The signature binds the request id,
// the handles and the cleartexts; each share proves it was computed with the
// oracle key and opens the matching ciphertext.
type Proof struct {
	Signature []byte
	Shares    []ShareProof
}

// ShareProof is the wire form of an fhe.Share.
type ShareProof struct {
	D  []byte
	C  []byte
	R  []byte
	VG []byte
	VH []byte
}

// Digest is the message the oracle signs for a response.
func Digest(requestID uint64, handles []fhe.Handle, cleartexts []byte) []byte {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, requestID)
	parts := [][]byte{idBuf}
	for _, h := range handles {
		parts = append(parts, h[:])
	}
	parts = append(parts, cleartexts)
	return crypto.Keccak256(parts...)
}

// EncodeProof serializes a proof for transport.
func EncodeProof(sig []byte, shares []*fhe.Share) ([]byte, error) {
	p := &Proof{Signature: sig}
	for _, s := range shares {
		sp, err := marshalShare(s)
		if err != nil {
			return nil, err
		}
		p.Shares = append(p.Shares, *sp)
	}
	return protobuf.Encode(p)
}

// DecodeProof parses the transport form of a proof.
func DecodeProof(buf []byte) (*Proof, []*fhe.Share, error) {
	p := &Proof{}
	if err := protobuf.Decode(buf, p); err != nil {
		return nil, nil, ErrMalformedProof
	}
	shares := make([]*fhe.Share, len(p.Shares))
	for i := range p.Shares {
		s, err := unmarshalShare(&p.Shares[i])
		if err != nil {
			return nil, nil, ErrMalformedProof
		}
		shares[i] = s
	}
	return p, shares, nil
}

// Verify authenticates a decryption response for requestID against the
// ciphertexts that were bundled into that request, and returns the values.
func Verify(public kyber.Point, requestID uint64, handles []fhe.Handle, cts []*fhe.Ciphertext,
	cleartexts []byte, proof []byte) ([]uint64, error) {
	p, shares, err := DecodeProof(proof)
	if err != nil {
		return nil, err
	}
	if err := schnorr.Verify(fhe.Suite, public, Digest(requestID, handles, cleartexts), p.Signature); err != nil {
		return nil, ErrBadSignature
	}
	if len(shares) != len(cts) || len(handles) != len(cts) {
		return nil, ErrBadShare
	}
	vals, err := UnpackCleartexts(cleartexts, len(cts))
	if err != nil {
		return nil, err
	}
	for i, ct := range cts {
		if err := shares[i].Verify(public, ct); err != nil {
			return nil, xerrors.Errorf("share %d: %w", i, ErrBadShare)
		}
		if err := fhe.CheckOpening(ct, shares[i], vals[i]); err != nil {
			return nil, xerrors.Errorf("share %d: %w", i, ErrBadShare)
		}
	}
	return vals, nil
}

func marshalShare(s *fhe.Share) (*ShareProof, error) {
	sp := &ShareProof{}
	var err error
	if sp.D, err = s.D.MarshalBinary(); err != nil {
		return nil, err
	}
	if sp.C, err = s.Proof.C.MarshalBinary(); err != nil {
		return nil, err
	}
	if sp.R, err = s.Proof.R.MarshalBinary(); err != nil {
		return nil, err
	}
	if sp.VG, err = s.Proof.VG.MarshalBinary(); err != nil {
		return nil, err
	}
	if sp.VH, err = s.Proof.VH.MarshalBinary(); err != nil {
		return nil, err
	}
	return sp, nil
}

func unmarshalShare(sp *ShareProof) (*fhe.Share, error) {
	s := &fhe.Share{
		D: fhe.Suite.Point(),
		Proof: &dleq.Proof{
			C:  fhe.Suite.Scalar(),
			R:  fhe.Suite.Scalar(),
			VG: fhe.Suite.Point(),
			VH: fhe.Suite.Point(),
		},
	}
	if err := s.D.UnmarshalBinary(sp.D); err != nil {
		return nil, err
	}
	if err := s.Proof.C.UnmarshalBinary(sp.C); err != nil {
		return nil, err
	}
	if err := s.Proof.R.UnmarshalBinary(sp.R); err != nil {
		return nil, err
	}
	if err := s.Proof.VG.UnmarshalBinary(sp.VG); err != nil {
		return nil, err
	}
	if err := s.Proof.VH.UnmarshalBinary(sp.VH); err != nil {
		return nil, err
	}
	return s, nil
}
