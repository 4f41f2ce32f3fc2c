// Package store is the ledger the lottery engine runs against. It keeps every
// record in a bbolt file and exposes one transaction per engine call, so a
// call either commits all of its writes or none of them.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/models"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

var (
	bucketLotteries    = []byte("lotteries")
	bucketParticipants = []byte("participants")
	bucketIndex        = []byte("index")
	bucketCiphertexts  = []byte("ciphertexts")
	bucketACL          = []byte("acl")
	bucketRequests     = []byte("requests")
	bucketEvents       = []byte("events")
)

// Store owns the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the ledger file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening ledger %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLotteries, bucketParticipants, bucketIndex,
			bucketCiphertexts, bucketACL, bucketRequests, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating buckets: %v", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. Any error rolls back every write.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Tx is a ledger transaction.
type Tx struct {
	tx *bolt.Tx
}

// NextLotteryID reserves the next lottery id. Ids start at 0 and are never reused.
func (t *Tx) NextLotteryID() (uint64, error) {
	seq, err := t.tx.Bucket(bucketLotteries).NextSequence()
	if err != nil {
		return 0, err
	}
	return seq - 1, nil
}

// Lottery loads a lottery record.
func (t *Tx) Lottery(id uint64) (*models.Lottery, error) {
	buf := t.tx.Bucket(bucketLotteries).Get(u64(id))
	if buf == nil {
		return nil, ErrNotFound
	}
	l := &models.Lottery{}
	if err := protobuf.Decode(buf, l); err != nil {
		return nil, xerrors.Errorf("decoding lottery %d: %v", id, err)
	}
	return l, nil
}

// PutLottery writes a lottery record.
func (t *Tx) PutLottery(l *models.Lottery) error {
	buf, err := protobuf.Encode(l)
	if err != nil {
		return xerrors.Errorf("encoding lottery %d: %v", l.ID, err)
	}
	return t.tx.Bucket(bucketLotteries).Put(u64(l.ID), buf)
}

// ForEachLottery calls fn for every lottery in id order.
func (t *Tx) ForEachLottery(fn func(*models.Lottery) error) error {
	return t.tx.Bucket(bucketLotteries).ForEach(func(k, v []byte) error {
		l := &models.Lottery{}
		if err := protobuf.Decode(v, l); err != nil {
			return xerrors.Errorf("decoding lottery %x: %v", k, err)
		}
		return fn(l)
	})
}

// Participant loads the commitment of addr in lottery id.
func (t *Tx) Participant(id uint64, addr common.Address) (*models.Participant, error) {
	buf := t.tx.Bucket(bucketParticipants).Get(participantKey(id, addr))
	if buf == nil {
		return nil, ErrNotFound
	}
	p := &models.Participant{}
	if err := protobuf.Decode(buf, p); err != nil {
		return nil, xerrors.Errorf("decoding participant: %v", err)
	}
	return p, nil
}

// PutParticipant writes the commitment record of addr in lottery id.
func (t *Tx) PutParticipant(id uint64, addr common.Address, p *models.Participant) error {
	buf, err := protobuf.Encode(p)
	if err != nil {
		return xerrors.Errorf("encoding participant: %v", err)
	}
	return t.tx.Bucket(bucketParticipants).Put(participantKey(id, addr), buf)
}

// AppendParticipant adds addr to the end of the lottery's index list and
// returns its position.
func (t *Tx) AppendParticipant(id uint64, addr common.Address) (uint64, error) {
	b, err := t.tx.Bucket(bucketIndex).CreateBucketIfNotExists(u64(id))
	if err != nil {
		return 0, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	pos := seq - 1
	return pos, b.Put(u64(pos), addr.Bytes())
}

// ParticipantAt returns the address at position pos of the index list.
func (t *Tx) ParticipantAt(id uint64, pos uint64) (common.Address, error) {
	b := t.tx.Bucket(bucketIndex).Bucket(u64(id))
	if b == nil {
		return common.Address{}, ErrNotFound
	}
	v := b.Get(u64(pos))
	if v == nil {
		return common.Address{}, ErrNotFound
	}
	return common.BytesToAddress(v), nil
}

// ParticipantCount is the length of the lottery's index list.
func (t *Tx) ParticipantCount(id uint64) uint64 {
	b := t.tx.Bucket(bucketIndex).Bucket(u64(id))
	if b == nil {
		return 0
	}
	return b.Sequence()
}

// Participants returns the index list in entry order.
func (t *Tx) Participants(id uint64) ([]common.Address, error) {
	b := t.tx.Bucket(bucketIndex).Bucket(u64(id))
	if b == nil {
		return nil, nil
	}
	out := make([]common.Address, 0, b.Sequence())
	err := b.ForEach(func(_, v []byte) error {
		out = append(out, common.BytesToAddress(v))
		return nil
	})
	return out, err
}

// PutCiphertext stores ct and returns its handle.
func (t *Tx) PutCiphertext(ct *fhe.Ciphertext) (fhe.Handle, error) {
	buf, err := ct.MarshalBinary()
	if err != nil {
		return fhe.Handle{}, err
	}
	h, err := ct.Handle()
	if err != nil {
		return fhe.Handle{}, err
	}
	return h, t.tx.Bucket(bucketCiphertexts).Put(h[:], buf)
}

// Ciphertext loads the ciphertext behind h.
func (t *Tx) Ciphertext(h fhe.Handle) (*fhe.Ciphertext, error) {
	buf := t.tx.Bucket(bucketCiphertexts).Get(h[:])
	if buf == nil {
		return nil, ErrNotFound
	}
	return fhe.Unmarshal(buf)
}

// DeleteCiphertext drops the ciphertext behind h together with every grant on it.
func (t *Tx) DeleteCiphertext(h fhe.Handle) error {
	if err := t.tx.Bucket(bucketCiphertexts).Delete(h[:]); err != nil {
		return err
	}
	c := t.tx.Bucket(bucketACL).Cursor()
	var stale [][]byte
	for k, _ := c.Seek(h[:]); k != nil && bytes.HasPrefix(k, h[:]); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := t.tx.Bucket(bucketACL).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Allow grants grantee the right to request decryption of h.
func (t *Tx) Allow(h fhe.Handle, grantee common.Address) error {
	return t.tx.Bucket(bucketACL).Put(aclKey(h, grantee), []byte{1})
}

// IsAllowed reports whether grantee may request decryption of h.
func (t *Tx) IsAllowed(h fhe.Handle, grantee common.Address) bool {
	return t.tx.Bucket(bucketACL).Get(aclKey(h, grantee)) != nil
}

// Request loads the routing record of an oracle request.
func (t *Tx) Request(requestID uint64) (*models.DecryptionRequest, error) {
	buf := t.tx.Bucket(bucketRequests).Get(u64(requestID))
	if buf == nil {
		return nil, ErrNotFound
	}
	r := &models.DecryptionRequest{}
	if err := protobuf.Decode(buf, r); err != nil {
		return nil, xerrors.Errorf("decoding request %d: %v", requestID, err)
	}
	return r, nil
}

// PutRequest records requestID -> lottery routing.
func (t *Tx) PutRequest(requestID uint64, r *models.DecryptionRequest) error {
	buf, err := protobuf.Encode(r)
	if err != nil {
		return xerrors.Errorf("encoding request %d: %v", requestID, err)
	}
	return t.tx.Bucket(bucketRequests).Put(u64(requestID), buf)
}

// DeleteRequest drops the routing record of an oracle request.
func (t *Tx) DeleteRequest(requestID uint64) error {
	return t.tx.Bucket(bucketRequests).Delete(u64(requestID))
}

// AppendEvent adds e to its lottery's audit log, assigning the next sequence
// number of that log.
func (t *Tx) AppendEvent(e *models.Event) error {
	b, err := t.tx.Bucket(bucketEvents).CreateBucketIfNotExists(u64(e.LotteryID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	e.Seq = seq
	buf, err := protobuf.Encode(e)
	if err != nil {
		return xerrors.Errorf("encoding event: %v", err)
	}
	return b.Put(u64(seq), buf)
}

// Events returns the audit records of one lottery in append order.
func (t *Tx) Events(lotteryID uint64) ([]*models.Event, error) {
	b := t.tx.Bucket(bucketEvents).Bucket(u64(lotteryID))
	if b == nil {
		return nil, nil
	}
	out := make([]*models.Event, 0, b.Sequence())
	err := b.ForEach(func(_, v []byte) error {
		e := &models.Event{}
		if err := protobuf.Decode(v, e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func u64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func participantKey(id uint64, addr common.Address) []byte {
	var b bytes.Buffer
	b.Write(u64(id))
	b.Write(addr.Bytes())
	return b.Bytes()
}

func aclKey(h fhe.Handle, grantee common.Address) []byte {
	key := make([]byte, 0, len(h)+common.AddressLength)
	key = append(key, h[:]...)
	return append(key, grantee.Bytes()...)
}
