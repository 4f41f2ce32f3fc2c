package store

import (
	"errors"
	"path/filepath"
	"testing"

	"confidential-lottery/internal/fhe"
	"confidential-lottery/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/util/key"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Lottery(t *testing.T) {
	s := openTestStore(t)
	alice := common.HexToAddress("0xa11ce")

	t.Run("ids start at zero and increase", func(t *testing.T) {
		err := s.Update(func(tx *Tx) error {
			for want := uint64(0); want < 3; want++ {
				id, err := tx.NextLotteryID()
				require.NoError(t, err)
				require.Equal(t, want, id)
				require.NoError(t, tx.PutLottery(&models.Lottery{ID: id, Creator: alice, PrizeDescription: "p"}))
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("record round trips", func(t *testing.T) {
		err := s.View(func(tx *Tx) error {
			l, err := tx.Lottery(1)
			require.NoError(t, err)
			require.Equal(t, alice, l.Creator)
			require.Equal(t, models.StateOpen, l.State)
			_, err = tx.Lottery(99)
			require.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(func(tx *Tx) error {
			require.NoError(t, tx.PutLottery(&models.Lottery{ID: 1, PrizeDescription: "changed"}))
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.NoError(t, s.View(func(tx *Tx) error {
			l, err := tx.Lottery(1)
			require.NoError(t, err)
			require.Equal(t, "p", l.PrizeDescription)
			return nil
		}))
	})
}

func TestStore_IndexList(t *testing.T) {
	s := openTestStore(t)
	addrs := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x2"), common.HexToAddress("0x3")}

	require.NoError(t, s.Update(func(tx *Tx) error {
		for i, a := range addrs {
			pos, err := tx.AppendParticipant(7, a)
			require.NoError(t, err)
			require.Equal(t, uint64(i), pos)
		}
		return nil
	}))
	require.NoError(t, s.View(func(tx *Tx) error {
		require.Equal(t, uint64(3), tx.ParticipantCount(7))
		require.Equal(t, uint64(0), tx.ParticipantCount(8))
		got, err := tx.ParticipantAt(7, 1)
		require.NoError(t, err)
		require.Equal(t, addrs[1], got)
		_, err = tx.ParticipantAt(7, 3)
		require.ErrorIs(t, err, ErrNotFound)
		all, err := tx.Participants(7)
		require.NoError(t, err)
		require.Equal(t, addrs, all)
		return nil
	}))
}

func TestStore_CiphertextsAndRequests(t *testing.T) {
	s := openTestStore(t)
	kp := key.NewKeyPair(fhe.Suite)
	engine := common.HexToAddress("0xe")
	ct := fhe.EncryptCount(kp.Public, 2)

	var h fhe.Handle
	require.NoError(t, s.Update(func(tx *Tx) error {
		var err error
		h, err = tx.PutCiphertext(ct)
		require.NoError(t, err)
		require.NoError(t, tx.Allow(h, engine))
		return tx.PutRequest(42, &models.DecryptionRequest{LotteryRef: 1, Handles: []fhe.Handle{h}})
	}))

	require.NoError(t, s.View(func(tx *Tx) error {
		got, err := tx.Ciphertext(h)
		require.NoError(t, err)
		require.True(t, got.C.Equal(ct.C))
		require.True(t, tx.IsAllowed(h, engine))
		require.False(t, tx.IsAllowed(h, common.HexToAddress("0xf")))

		r, err := tx.Request(42)
		require.NoError(t, err)
		id, ok := r.LotteryID()
		require.True(t, ok)
		require.Equal(t, uint64(0), id)
		require.Equal(t, []fhe.Handle{h}, r.Handles)
		return nil
	}))

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.DeleteRequest(42) }))
	require.NoError(t, s.View(func(tx *Tx) error {
		_, err := tx.Request(42)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	}))

	t.Run("deleting a ciphertext drops its grants only", func(t *testing.T) {
		other := fhe.EncryptCount(kp.Public, 3)
		var oh fhe.Handle
		require.NoError(t, s.Update(func(tx *Tx) error {
			var err error
			oh, err = tx.PutCiphertext(other)
			require.NoError(t, err)
			require.NoError(t, tx.Allow(oh, engine))
			require.NoError(t, tx.Allow(h, common.HexToAddress("0xf")))
			return tx.DeleteCiphertext(h)
		}))
		require.NoError(t, s.View(func(tx *Tx) error {
			_, err := tx.Ciphertext(h)
			require.ErrorIs(t, err, ErrNotFound)
			require.False(t, tx.IsAllowed(h, engine))
			require.False(t, tx.IsAllowed(h, common.HexToAddress("0xf")))
			_, err = tx.Ciphertext(oh)
			require.NoError(t, err)
			require.True(t, tx.IsAllowed(oh, engine))
			return nil
		}))
	})
}

func TestStore_Events(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Update(func(tx *Tx) error {
		require.NoError(t, tx.AppendEvent(&models.Event{Kind: models.EventLotteryCreated, LotteryID: 0}))
		require.NoError(t, tx.AppendEvent(&models.Event{Kind: models.EventLotteryCreated, LotteryID: 1}))
		return tx.AppendEvent(&models.Event{Kind: models.EventLotteryEntered, LotteryID: 0})
	}))
	require.NoError(t, s.View(func(tx *Tx) error {
		evs, err := tx.Events(0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		require.Equal(t, uint64(1), evs[0].Seq)
		require.Equal(t, models.EventLotteryEntered, evs[1].Kind)
		require.Equal(t, uint64(2), evs[1].Seq)

		evs, err = tx.Events(1)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		require.Equal(t, uint64(1), evs[0].Seq)

		evs, err = tx.Events(9)
		require.NoError(t, err)
		require.Empty(t, evs)
		return nil
	}))
}
