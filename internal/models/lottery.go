package models

import (
	"confidential-lottery/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle position of a lottery. It only moves forward.
type State int

const (
	StateOpen State = iota
	StateWinnerDrawn
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateWinnerDrawn:
		return "winner_drawn"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Lottery is the ledger record of a single lottery.
// The participant count and the seed are only ever held as ciphertext handles;
// the winner index appears once the oracle callback resolves it.
type Lottery struct {
	ID               uint64         `json:"id"`
	Creator          common.Address `json:"creator"`
	PrizeDescription string         `json:"prizeDescription"`
	Deadline         int64          `json:"deadline"` // unix milliseconds
	State            State          `json:"state"`
	CreatedAt        int64          `json:"createdAt"`

	CountHandle fhe.Handle `json:"countHandle"`
	SeedHandle  fhe.Handle `json:"seedHandle"`

	// WinnerResolved is set by the decryption callback. Index 0 is a valid winner.
	WinnerIndex    uint64 `json:"winnerIndex"`
	WinnerResolved bool   `json:"winnerResolved"`

	Winner    common.Address `json:"winner"`
	HasWinner bool           `json:"hasWinner"`

	PendingRequest uint64 `json:"pendingRequest"`
	HasPending     bool   `json:"hasPending"`
	RequestedAt    int64  `json:"requestedAt"`
}

// Participant is one entrant's commitment in a lottery.
type Participant struct {
	Commitment common.Hash `json:"commitment"`
	Revealed   bool        `json:"revealed"`
	Index      uint64      `json:"index"`
	EnteredAt  int64       `json:"enteredAt"`
}

// DecryptionRequest routes an oracle request id back to its lottery.
// LotteryRef holds lotteryID+1 so that a zero value never names lottery 0.
type DecryptionRequest struct {
	LotteryRef  uint64       `json:"lotteryRef"`
	Handles     []fhe.Handle `json:"handles"`
	RequestedAt int64        `json:"requestedAt"`
}

// LotteryID returns the lottery the request belongs to, or false if unset.
func (r *DecryptionRequest) LotteryID() (uint64, bool) {
	if r == nil || r.LotteryRef == 0 {
		return 0, false
	}
	return r.LotteryRef - 1, true
}

// EventKind names an audit record type.
type EventKind string

const (
	EventLotteryCreated      EventKind = "LotteryCreated"
	EventLotteryEntered      EventKind = "LotteryEntered"
	EventWinnerDrawn         EventKind = "WinnerDrawn"
	EventDecryptionRequested EventKind = "DecryptionRequested"
	EventWinnerIndexResolved EventKind = "WinnerIndexResolved"
	EventDecryptionExpired   EventKind = "DecryptionExpired"
	EventWinnerReseeded      EventKind = "WinnerReseeded"
	EventWinnerRevealed      EventKind = "WinnerRevealed"
)

// Event is an immutable audit record appended by every state-changing call.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	LotteryID uint64         `json:"lotteryId"`
	Actor     common.Address `json:"actor"`
	Detail    string         `json:"detail"`
	Time      int64          `json:"time"`
}
