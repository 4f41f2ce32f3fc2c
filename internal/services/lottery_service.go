package services

import (
	"errors"
	"strings"
	"time"

	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/models"
	"confidential-lottery/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/logger"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// EngineAddress is the identity the engine uses on the ciphertext access list.
var EngineAddress = common.BytesToAddress(crypto.Keccak256([]byte("confidential-lottery/engine")))

// Gateway forwards ciphertexts to the decryption oracle and returns the
// oracle's request id. The result arrives later through FulfillDecryption.
type Gateway interface {
	RequestDecryption(handles []fhe.Handle, cts []*fhe.Ciphertext) (uint64, error)
}

// Options configures a LotteryService.
type Options struct {
	// OraclePublic is the key ciphertexts are encrypted under and decryption
	// proofs must verify against.
	OraclePublic kyber.Point
	// RequestTTL is how long a decryption request blocks a new one. Zero means forever.
	RequestTTL      time.Duration
	MaxParticipants uint64
	// Now defaults to time.Now.
	Now func() time.Time
}

// LotteryService runs the lottery state machine against the ledger.
// Each method is one ledger transaction.
type LotteryService struct {
	store           *store.Store
	gateway         Gateway
	oraclePub       kyber.Point
	requestTTL      time.Duration
	maxParticipants uint64
	now             func() time.Time
}

// NewLotteryService creates and initializes a new LotteryService.
func NewLotteryService(st *store.Store, gw Gateway, opts Options) *LotteryService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxParticipants == 0 {
		opts.MaxParticipants = 1 << 16
	}
	return &LotteryService{
		store:           st,
		gateway:         gw,
		oraclePub:       opts.OraclePublic,
		requestTTL:      opts.RequestTTL,
		maxParticipants: opts.MaxParticipants,
		now:             opts.Now,
	}
}

// Commitment binds addr to a secret salt: keccak256(addr || salt).
func Commitment(addr common.Address, salt common.Hash) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes(), salt.Bytes())
}

// CreateLottery opens a new lottery and returns its id.
func (s *LotteryService) CreateLottery(caller common.Address, description string, deadline time.Time) (uint64, error) {
	if strings.TrimSpace(description) == "" {
		return 0, xerrors.Errorf("prize description is empty: %w", ErrInvalidArgument)
	}
	now := s.now()
	if !deadline.After(now) {
		return 0, xerrors.Errorf("deadline %s is not in the future: %w", deadline.Format(time.RFC3339), ErrInvalidArgument)
	}

	var id uint64
	err := s.store.Update(func(tx *store.Tx) error {
		var err error
		id, err = tx.NextLotteryID()
		if err != nil {
			return err
		}
		h, err := s.putAllowed(tx, fhe.EncryptedZero(s.oraclePub))
		if err != nil {
			return err
		}
		l := &models.Lottery{
			ID:               id,
			Creator:          caller,
			PrizeDescription: description,
			Deadline:         deadline.UnixMilli(),
			State:            models.StateOpen,
			CreatedAt:        now.Unix(),
			CountHandle:      h,
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventLotteryCreated, id, caller, description)
	})
	if err != nil {
		return 0, err
	}
	logger.Infof("Created lottery %d by %s, deadline %s", id, caller.Hex(), deadline.Format(time.RFC3339))
	return id, nil
}

// EnterLottery records caller's commitment. Entering twice is a no-op.
func (s *LotteryService) EnterLottery(caller common.Address, id uint64, commitment common.Hash) error {
	if commitment == (common.Hash{}) {
		return xerrors.Errorf("empty commitment: %w", ErrInvalidArgument)
	}
	now := s.now()
	entered := false
	err := s.store.Update(func(tx *store.Tx) error {
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		if l.State != models.StateOpen {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}
		if now.UnixMilli() >= l.Deadline {
			return xerrors.Errorf("lottery %d closed for entries: %w", id, ErrTiming)
		}
		_, err = tx.Participant(id, caller)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if tx.ParticipantCount(id) >= s.maxParticipants {
			return xerrors.Errorf("lottery %d is full: %w", id, ErrStateConflict)
		}

		pos, err := tx.AppendParticipant(id, caller)
		if err != nil {
			return err
		}
		err = tx.PutParticipant(id, caller, &models.Participant{
			Commitment: commitment,
			Index:      pos,
			EnteredAt:  now.Unix(),
		})
		if err != nil {
			return err
		}

		counter, err := tx.Ciphertext(l.CountHandle)
		if err != nil {
			return xerrors.Errorf("loading counter of lottery %d: %v", id, err)
		}
		sum, err := counter.Add(fhe.EncryptCount(s.oraclePub, 1))
		if err != nil {
			return err
		}
		old := l.CountHandle
		if l.CountHandle, err = s.putAllowed(tx, sum); err != nil {
			return err
		}
		if err := tx.DeleteCiphertext(old); err != nil {
			return err
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		entered = true
		return s.emit(tx, models.EventLotteryEntered, id, caller, commitment.Hex())
	})
	if err != nil {
		return err
	}
	if entered {
		logger.Infof("Address %s entered lottery %d", caller.Hex(), id)
	}
	return nil
}

// DrawWinner closes entries and stores the creator's encrypted seed.
func (s *LotteryService) DrawWinner(caller common.Address, id uint64, encryptedSeed []byte) error {
	seed, err := parseSeed(encryptedSeed)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.store.Update(func(tx *store.Tx) error {
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		if caller != l.Creator {
			return xerrors.Errorf("only the creator can draw lottery %d: %w", id, ErrUnauthorized)
		}
		if l.State != models.StateOpen {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}
		if now.UnixMilli() < l.Deadline {
			return xerrors.Errorf("lottery %d deadline not reached: %w", id, ErrTiming)
		}
		if tx.ParticipantCount(id) == 0 {
			return xerrors.Errorf("lottery %d has no participants: %w", id, ErrStateConflict)
		}
		if l.SeedHandle, err = s.putAllowed(tx, seed); err != nil {
			return err
		}
		l.State = models.StateWinnerDrawn
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventWinnerDrawn, id, caller, l.SeedHandle.Hex())
	})
	if err != nil {
		return err
	}
	logger.Infof("Lottery %d drawn, awaiting decryption", id)
	return nil
}

// RevealWinner completes the lottery when caller sits at the resolved winner
// index and salt opens caller's commitment.
func (s *LotteryService) RevealWinner(caller common.Address, id uint64, salt common.Hash) error {
	now := s.now()
	err := s.store.Update(func(tx *store.Tx) error {
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		if l.State != models.StateWinnerDrawn {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}
		if !l.WinnerResolved {
			return xerrors.Errorf("lottery %d winner not decrypted yet: %w", id, ErrStateConflict)
		}
		winner, err := tx.ParticipantAt(id, l.WinnerIndex)
		if err != nil {
			return xerrors.Errorf("lottery %d winner index %d: %v: %w", id, l.WinnerIndex, err, ErrIntegrity)
		}
		if caller != winner {
			return xerrors.Errorf("%s is not the winner of lottery %d: %w", caller.Hex(), id, ErrUnauthorized)
		}
		p, err := tx.Participant(id, caller)
		if err != nil {
			return err
		}
		if Commitment(caller, salt) != p.Commitment {
			return xerrors.Errorf("salt does not open commitment: %w", ErrIntegrity)
		}
		if p.Revealed {
			return xerrors.Errorf("%s already revealed: %w", caller.Hex(), ErrStateConflict)
		}

		p.Revealed = true
		if err := tx.PutParticipant(id, caller, p); err != nil {
			return err
		}
		l.Winner = caller
		l.HasWinner = true
		l.State = models.StateCompleted
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventWinnerRevealed, id, caller, "")
	})
	if err != nil {
		return err
	}
	logger.Infof("Lottery %d completed at %s, winner %s", id, now.Format(time.RFC3339), caller.Hex())
	return nil
}

// Lottery returns the ledger record of a lottery.
func (s *LotteryService) Lottery(id uint64) (*models.Lottery, error) {
	var l *models.Lottery
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		l, err = s.lottery(tx, id)
		return err
	})
	return l, err
}

// State returns the lifecycle state of a lottery.
func (s *LotteryService) State(id uint64) (models.State, error) {
	l, err := s.Lottery(id)
	if err != nil {
		return 0, err
	}
	return l.State, nil
}

// PrizeDescription returns the prize text of a lottery.
func (s *LotteryService) PrizeDescription(id uint64) (string, error) {
	l, err := s.Lottery(id)
	if err != nil {
		return "", err
	}
	return l.PrizeDescription, nil
}

// ParticipantCount returns the number of distinct entrants.
func (s *LotteryService) ParticipantCount(id uint64) (uint64, error) {
	var n uint64
	err := s.store.View(func(tx *store.Tx) error {
		if _, err := s.lottery(tx, id); err != nil {
			return err
		}
		n = tx.ParticipantCount(id)
		return nil
	})
	return n, err
}

// Participants returns entrant addresses in entry order.
func (s *LotteryService) Participants(id uint64) ([]common.Address, error) {
	var out []common.Address
	err := s.store.View(func(tx *store.Tx) error {
		if _, err := s.lottery(tx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.Participants(id)
		return err
	})
	return out, err
}

// Participant returns addr's commitment record in a lottery.
func (s *LotteryService) Participant(id uint64, addr common.Address) (*models.Participant, error) {
	var p *models.Participant
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		p, err = tx.Participant(id, addr)
		if errors.Is(err, store.ErrNotFound) {
			return xerrors.Errorf("%s in lottery %d: %w", addr.Hex(), id, ErrNotFound)
		}
		return err
	})
	return p, err
}

// EncryptedCount returns the ciphertext behind the participant counter.
func (s *LotteryService) EncryptedCount(id uint64) ([]byte, error) {
	var buf []byte
	err := s.store.View(func(tx *store.Tx) error {
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		ct, err := tx.Ciphertext(l.CountHandle)
		if err != nil {
			return err
		}
		buf, err = ct.MarshalBinary()
		return err
	})
	return buf, err
}

// Events returns the audit trail of a lottery.
func (s *LotteryService) Events(id uint64) ([]*models.Event, error) {
	var evs []*models.Event
	err := s.store.View(func(tx *store.Tx) error {
		if _, err := s.lottery(tx, id); err != nil {
			return err
		}
		var err error
		evs, err = tx.Events(id)
		return err
	})
	return evs, err
}

func parseSeed(encryptedSeed []byte) (*fhe.Ciphertext, error) {
	seed, err := fhe.Unmarshal(encryptedSeed)
	if err != nil {
		return nil, xerrors.Errorf("encrypted seed: %v: %w", err, ErrInvalidArgument)
	}
	if seed.Kind != fhe.KindEmbedded {
		return nil, xerrors.Errorf("encrypted seed has kind %s: %w", seed.Kind, ErrInvalidArgument)
	}
	return seed, nil
}

func (s *LotteryService) lottery(tx *store.Tx, id uint64) (*models.Lottery, error) {
	l, err := tx.Lottery(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, xerrors.Errorf("lottery %d: %w", id, ErrNotFound)
	}
	return l, err
}

// putAllowed stores ct and grants the engine the right to decrypt it later.
func (s *LotteryService) putAllowed(tx *store.Tx, ct *fhe.Ciphertext) (fhe.Handle, error) {
	h, err := tx.PutCiphertext(ct)
	if err != nil {
		return fhe.Handle{}, err
	}
	return h, tx.Allow(h, EngineAddress)
}

func (s *LotteryService) emit(tx *store.Tx, kind models.EventKind, id uint64, actor common.Address, detail string) error {
	return tx.AppendEvent(&models.Event{
		Kind:      kind,
		LotteryID: id,
		Actor:     actor,
		Detail:    detail,
		Time:      s.now().Unix(),
	})
}
