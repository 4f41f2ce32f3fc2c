// Package oracle is a reference decryption oracle. It accepts decryption
// requests from the lottery engine, decrypts them off-ledger after a delay and
// delivers the cleartexts back through a callback together with a proof the
// engine can check on its own.
package oracle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"confidential-lottery/internal/fhe"

	"github.com/google/logger"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// ErrQueueFull is returned when the oracle cannot accept more requests.
var ErrQueueFull = errors.New("oracle request queue is full")

// Fulfiller receives decryption results. The lottery service implements it.
type Fulfiller interface {
	FulfillDecryption(requestID uint64, cleartexts []byte, proof []byte) error
}

// Request is a bundle of ciphertexts to be decrypted together.
type Request struct {
	ID          uint64
	Handles     []fhe.Handle
	Ciphertexts []*fhe.Ciphertext
}

// Options tune the oracle's worker pool.
type Options struct {
	// Delay is waited before each request is decrypted.
	Delay time.Duration
	// Workers is the number of concurrent decryption goroutines.
	Workers int
	// QueueSize bounds pending requests.
	QueueSize int
	// MaxCount bounds the search for additive plaintexts.
	MaxCount uint64
	// FirstID is the id of the first request. Zero means 1.
	FirstID uint64
}

// Oracle holds the decryption key and a queue of outstanding requests.
type Oracle struct {
	key    *key.Pair
	opts   Options
	queue  chan *Request
	nextID uint64
}

// New creates an oracle around kp.
func New(kp *key.Pair, opts Options) *Oracle {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.FirstID == 0 {
		opts.FirstID = 1
	}
	return &Oracle{
		key:    kp,
		opts:   opts,
		queue:  make(chan *Request, opts.QueueSize),
		nextID: opts.FirstID - 1,
	}
}

// PublicKey is the key ciphertexts are encrypted under and proofs verify against.
func (o *Oracle) PublicKey() kyber.Point {
	return o.key.Public
}

// RequestDecryption queues the ciphertexts and returns the request id.
func (o *Oracle) RequestDecryption(handles []fhe.Handle, cts []*fhe.Ciphertext) (uint64, error) {
	if len(handles) != len(cts) || len(cts) == 0 {
		return 0, xerrors.New("handles and ciphertexts must match and be non-empty")
	}
	req := &Request{
		ID:          atomic.AddUint64(&o.nextID, 1),
		Handles:     handles,
		Ciphertexts: cts,
	}
	select {
	case o.queue <- req:
		logger.Infof("oracle: queued request %d with %d ciphertexts", req.ID, len(cts))
		return req.ID, nil
	default:
		return 0, ErrQueueFull
	}
}

// Decrypt produces the cleartexts and proof for req.
func (o *Oracle) Decrypt(req *Request) ([]byte, []byte, error) {
	vals := make([]uint64, len(req.Ciphertexts))
	shares := make([]*fhe.Share, len(req.Ciphertexts))
	for i, ct := range req.Ciphertexts {
		sh, err := fhe.DecryptShare(o.key.Private, ct)
		if err != nil {
			return nil, nil, err
		}
		v, err := fhe.Decode(ct.Kind, fhe.Open(ct, sh), o.opts.MaxCount)
		if err != nil {
			return nil, nil, xerrors.Errorf("request %d ciphertext %d: %w", req.ID, i, err)
		}
		vals[i] = v
		shares[i] = sh
	}
	cleartexts, err := PackCleartexts(vals...)
	if err != nil {
		return nil, nil, err
	}
	sig, err := schnorr.Sign(fhe.Suite, o.key.Private, Digest(req.ID, req.Handles, cleartexts))
	if err != nil {
		return nil, nil, xerrors.Errorf("signing response: %v", err)
	}
	proof, err := EncodeProof(sig, shares)
	if err != nil {
		return nil, nil, err
	}
	return cleartexts, proof, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context, f Fulfiller) {
	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx, f)
		}()
	}
	wg.Wait()
}

func (o *Oracle) work(ctx context.Context, f Fulfiller) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.queue:
			if o.opts.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.opts.Delay):
				}
			}
			cleartexts, proof, err := o.Decrypt(req)
			if err != nil {
				logger.Errorf("oracle: decrypting request %d: %v", req.ID, err)
				continue
			}
			// Delivery is not retried; the engine keeps the request pending.
			if err := f.FulfillDecryption(req.ID, cleartexts, proof); err != nil {
				logger.Warningf("oracle: callback for request %d rejected: %v", req.ID, err)
				continue
			}
			logger.Infof("oracle: fulfilled request %d", req.ID)
		}
	}
}
