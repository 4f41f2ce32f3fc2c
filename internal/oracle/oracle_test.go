package oracle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"confidential-lottery/internal/fhe"

	"github.com/stretchr/testify/require"
)

type recordingFulfiller struct {
	calls chan uint64
	got   map[uint64][]byte
}

func (r *recordingFulfiller) FulfillDecryption(requestID uint64, cleartexts []byte, proof []byte) error {
	r.got[requestID] = cleartexts
	r.calls <- requestID
	return nil
}

func newRequest(t *testing.T, o *Oracle, seed, count uint64) *Request {
	seedCt := fhe.EncryptUint64(o.PublicKey(), seed)
	countCt := fhe.EncryptedZero(o.PublicKey())
	for i := uint64(0); i < count; i++ {
		var err error
		countCt, err = countCt.Add(fhe.EncryptCount(o.PublicKey(), 1))
		require.NoError(t, err)
	}
	hs, err := seedCt.Handle()
	require.NoError(t, err)
	hc, err := countCt.Handle()
	require.NoError(t, err)
	return &Request{ID: 1, Handles: []fhe.Handle{hs, hc}, Ciphertexts: []*fhe.Ciphertext{seedCt, countCt}}
}

func TestOracle_DecryptAndVerify(t *testing.T) {
	o := New(GenerateKeyPair(), Options{MaxCount: 100})
	req := newRequest(t, o, 7, 2)

	cleartexts, proof, err := o.Decrypt(req)
	require.NoError(t, err)

	t.Run("authentic response verifies", func(t *testing.T) {
		vals, err := Verify(o.PublicKey(), req.ID, req.Handles, req.Ciphertexts, cleartexts, proof)
		require.NoError(t, err)
		require.Equal(t, []uint64{7, 2}, vals)
	})

	t.Run("tampered cleartexts are rejected", func(t *testing.T) {
		forged, err := PackCleartexts(8, 2)
		require.NoError(t, err)
		_, err = Verify(o.PublicKey(), req.ID, req.Handles, req.Ciphertexts, forged, proof)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("proof for another request id is rejected", func(t *testing.T) {
		_, err := Verify(o.PublicKey(), req.ID+1, req.Handles, req.Ciphertexts, cleartexts, proof)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("proof against other ciphertexts is rejected", func(t *testing.T) {
		other := newRequest(t, o, 7, 2)
		_, err := Verify(o.PublicKey(), req.ID, req.Handles, other.Ciphertexts, cleartexts, proof)
		require.ErrorIs(t, err, ErrBadShare)
	})

	t.Run("signature by another key is rejected", func(t *testing.T) {
		rogue := New(GenerateKeyPair(), Options{MaxCount: 100})
		_, err := Verify(rogue.PublicKey(), req.ID, req.Handles, req.Ciphertexts, cleartexts, proof)
		require.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestOracle_RunDeliversCallbacks(t *testing.T) {
	o := New(GenerateKeyPair(), Options{MaxCount: 10, Workers: 2, Delay: time.Millisecond})
	f := &recordingFulfiller{calls: make(chan uint64, 1), got: map[uint64][]byte{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, f)

	req := newRequest(t, o, 11, 3)
	id, err := o.RequestDecryption(req.Handles, req.Ciphertexts)
	require.NoError(t, err)

	select {
	case got := <-f.calls:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("oracle did not deliver callback")
	}
	vals, err := UnpackCleartexts(f.got[id], 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{11, 3}, vals)
}

func TestOracle_QueueFull(t *testing.T) {
	o := New(GenerateKeyPair(), Options{QueueSize: 1, MaxCount: 10})
	req := newRequest(t, o, 1, 1)
	_, err := o.RequestDecryption(req.Handles, req.Ciphertexts)
	require.NoError(t, err)
	_, err = o.RequestDecryption(req.Handles, req.Ciphertexts)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestKeyPair_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.toml")
	kp := GenerateKeyPair()
	require.NoError(t, SaveKeyPair(path, kp))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(loaded.Public))

	pub, err := ParsePublicKey(EncodePublicKey(kp.Public))
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(pub))
}

func TestCleartexts(t *testing.T) {
	buf, err := PackCleartexts(1<<63+5, 0)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	vals, err := UnpackCleartexts(buf, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{1<<63 + 5, 0}, vals)

	_, err = UnpackCleartexts(buf[:40], 2)
	require.Error(t, err)
}
