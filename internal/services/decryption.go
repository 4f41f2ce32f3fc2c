package services

import (
	"errors"
	"fmt"
	"time"

	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/models"
	"confidential-lottery/internal/oracle"
	"confidential-lottery/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/logger"
	"golang.org/x/xerrors"
)

// RequestWinnerDecryption sends the encrypted seed and participant count to the
// oracle and records the returned request id. Only one request may be pending
// per lottery; once it outlives RequestTTL it can be replaced.
func (s *LotteryService) RequestWinnerDecryption(caller common.Address, id uint64) (uint64, error) {
	now := s.now()
	var reqID uint64
	var replaced *uint64
	err := s.store.Update(func(tx *store.Tx) error {
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		if caller != l.Creator {
			return xerrors.Errorf("only the creator can request decryption of lottery %d: %w", id, ErrUnauthorized)
		}
		if l.State != models.StateWinnerDrawn {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}
		if l.WinnerResolved {
			return xerrors.Errorf("lottery %d winner already resolved: %w", id, ErrStateConflict)
		}
		if l.HasPending {
			if !s.expired(l, now) {
				return xerrors.Errorf("lottery %d has pending request %d: %w", id, l.PendingRequest, ErrStateConflict)
			}
			old := l.PendingRequest
			if err := s.dropPending(tx, l); err != nil {
				return err
			}
			replaced = &old
		}

		handles := []fhe.Handle{l.SeedHandle, l.CountHandle}
		cts := make([]*fhe.Ciphertext, len(handles))
		for i, h := range handles {
			if !tx.IsAllowed(h, EngineAddress) {
				return xerrors.Errorf("engine may not decrypt %s: %w", h.Hex(), ErrUnauthorized)
			}
			if cts[i], err = tx.Ciphertext(h); err != nil {
				return xerrors.Errorf("loading ciphertext %s: %v", h.Hex(), err)
			}
		}

		reqID, err = s.gateway.RequestDecryption(handles, cts)
		if err != nil {
			return xerrors.Errorf("requesting decryption of lottery %d: %v", id, err)
		}
		err = tx.PutRequest(reqID, &models.DecryptionRequest{
			LotteryRef:  id + 1,
			Handles:     handles,
			RequestedAt: now.Unix(),
		})
		if err != nil {
			return err
		}
		l.PendingRequest = reqID
		l.HasPending = true
		l.RequestedAt = now.Unix()
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventDecryptionRequested, id, caller, fmt.Sprintf("request %d", reqID))
	})
	if err != nil {
		return 0, err
	}
	if replaced != nil {
		logger.Warningf("Lottery %d: expired request %d replaced by %d", id, *replaced, reqID)
	}
	logger.Infof("Lottery %d: decryption request %d sent", id, reqID)
	return reqID, nil
}

// FulfillDecryption is the oracle callback. It resolves the winner index from
// an authenticated decryption of the seed and participant count. A rejected
// call changes nothing, so the oracle may resubmit for the same request.
func (s *LotteryService) FulfillDecryption(requestID uint64, cleartexts []byte, proof []byte) error {
	var lotteryID, winnerIndex uint64
	err := s.store.Update(func(tx *store.Tx) error {
		r, err := tx.Request(requestID)
		if errors.Is(err, store.ErrNotFound) {
			return xerrors.Errorf("decryption request %d: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		id, ok := r.LotteryID()
		if !ok {
			return xerrors.Errorf("decryption request %d: %w", requestID, ErrNotFound)
		}
		lotteryID = id
		l, err := s.lottery(tx, id)
		if err != nil {
			return err
		}
		if l.State != models.StateWinnerDrawn {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}

		cts := make([]*fhe.Ciphertext, len(r.Handles))
		for i, h := range r.Handles {
			if cts[i], err = tx.Ciphertext(h); err != nil {
				return xerrors.Errorf("loading ciphertext %s: %v", h.Hex(), err)
			}
		}
		vals, err := oracle.Verify(s.oraclePub, requestID, r.Handles, cts, cleartexts, proof)
		if err != nil {
			return xerrors.Errorf("decryption request %d: %v: %w", requestID, err, ErrAuthenticity)
		}
		seed, count := vals[0], vals[1]
		if count == 0 || count != tx.ParticipantCount(id) {
			return xerrors.Errorf("lottery %d decrypted count %d does not match %d entrants: %w",
				id, count, tx.ParticipantCount(id), ErrIntegrity)
		}

		winnerIndex = seed % count
		l.WinnerIndex = winnerIndex
		l.WinnerResolved = true
		l.HasPending = false
		l.PendingRequest = 0
		if err := tx.DeleteRequest(requestID); err != nil {
			return err
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventWinnerIndexResolved, id, common.Address{}, fmt.Sprintf("index %d", winnerIndex))
	})
	if err != nil {
		return err
	}
	logger.Infof("Lottery %d: request %d resolved winner index %d", lotteryID, requestID, winnerIndex)
	return nil
}

// ReseedWinner replaces the encrypted seed of a drawn lottery whose winner is
// not resolved yet, for instance when the oracle cannot decrypt the first one.
// It is refused while a decryption request is live; an expired one is dropped.
func (s *LotteryService) ReseedWinner(caller common.Address, id uint64, encryptedSeed []byte) error {
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
			return xerrors.Errorf("only the creator can reseed lottery %d: %w", id, ErrUnauthorized)
		}
		if l.State != models.StateWinnerDrawn {
			return xerrors.Errorf("lottery %d is %s: %w", id, l.State, ErrStateConflict)
		}
		if l.WinnerResolved {
			return xerrors.Errorf("lottery %d winner already resolved: %w", id, ErrStateConflict)
		}
		if l.HasPending {
			if !s.expired(l, now) {
				return xerrors.Errorf("lottery %d has pending request %d: %w", id, l.PendingRequest, ErrStateConflict)
			}
			if err := s.dropPending(tx, l); err != nil {
				return err
			}
		}

		old := l.SeedHandle
		if l.SeedHandle, err = s.putAllowed(tx, seed); err != nil {
			return err
		}
		if err := tx.DeleteCiphertext(old); err != nil {
			return err
		}
		if err := tx.PutLottery(l); err != nil {
			return err
		}
		return s.emit(tx, models.EventWinnerReseeded, id, caller, l.SeedHandle.Hex())
	})
	if err != nil {
		return err
	}
	logger.Infof("Lottery %d reseeded by %s", id, caller.Hex())
	return nil
}

// ExpireStaleRequests drops pending requests older than RequestTTL so their
// creators can request again. It returns how many were dropped.
func (s *LotteryService) ExpireStaleRequests() (int, error) {
	if s.requestTTL <= 0 {
		return 0, nil
	}
	now := s.now()
	n := 0
	err := s.store.Update(func(tx *store.Tx) error {
		var stale []*models.Lottery
		err := tx.ForEachLottery(func(l *models.Lottery) error {
			if l.HasPending && s.expired(l, now) {
				stale = append(stale, l)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Writes happen after the scan; bbolt forbids mutating during ForEach.
		for _, l := range stale {
			if err := s.dropPending(tx, l); err != nil {
				return err
			}
			if err := tx.PutLottery(l); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *LotteryService) expired(l *models.Lottery, now time.Time) bool {
	if s.requestTTL <= 0 {
		return false
	}
	return now.Sub(time.Unix(l.RequestedAt, 0)) >= s.requestTTL
}

// dropPending forgets l's pending request. The caller writes l back.
func (s *LotteryService) dropPending(tx *store.Tx, l *models.Lottery) error {
	old := l.PendingRequest
	if err := tx.DeleteRequest(old); err != nil {
		return err
	}
	l.HasPending = false
	l.PendingRequest = 0
	return s.emit(tx, models.EventDecryptionExpired, l.ID, common.Address{}, fmt.Sprintf("request %d", old))
}
