// Package batch defines the batch lifecycle record and its persistence contract.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

var (
	ErrNonExistentBatch      = errs.Domain("batch", errs.CodeNotFound, errs.CanonicalNonExistentBatch)
	ErrBatchAlreadyCompleted = errs.Domain("batch", errs.CodeConflict, errs.CanonicalBatchAlreadyCompleted)
)

// Status is the batch state machine position.
type Status uint8

const (
	StatusCollecting Status = iota
	StatusPendingDecryption
	StatusCompleted
	// StatusReclaimed marks a pending batch whose escrow the owner refunded after the
	// decryption request expired.
	StatusReclaimed
)

func (s Status) String() string {
	switch s {
	case StatusCollecting:
		return "collecting"
	case StatusPendingDecryption:
		return "pending_decryption"
	case StatusCompleted:
		return "completed"
	case StatusReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusCollecting, StatusPendingDecryption, StatusCompleted, StatusReclaimed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown batch status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusReclaimed }

// Entry is the per-intent record kept while the batch waits for decryption.
type Entry struct {
	IntentID   common.Hash    `json:"intentId"`
	StrategyID common.Hash    `json:"strategyId"`
	User       common.Address `json:"user"`
	// Amount is the encrypted amount actually escrowed; zero when checks failed.
	Amount   fhe.Euint64 `json:"amount"`
	Flag     fhe.Ebool   `json:"flag"`
	PulledIn bool        `json:"pulledIn"`
	// RevertData carries the reason an intent was rejected at intake.
	RevertData []byte `json:"revertData,omitempty"`
}

// Batch is one execution round keyed by its decryption request id.
type Batch struct {
	RequestID    uint64         `json:"requestId"`
	Status       Status         `json:"status"`
	Requester    common.Address `json:"requester"`
	TotalIn      fhe.Euint64    `json:"totalIn"`
	PackedChecks fhe.Euint64    `json:"packedChecks"`
	Entries      []Entry        `json:"entries"`
	RequestedAt  time.Time      `json:"requestedAt"`

	ClearTotalIn uint64    `json:"clearTotalIn"`
	TotalOut     uint64    `json:"totalOut"`
	Processed    int       `json:"processed"`
	ResolvedAt   time.Time `json:"resolvedAt"`
}

// IsPending reports whether the batch waits for its decryption callback.
func (b Batch) IsPending() bool { return b.Status == StatusPendingDecryption }

// Store persists batches. Create fails with a conflict when the request id exists.
// Resolve writes the terminal record only if the stored batch is still pending and
// otherwise fails with ErrBatchAlreadyCompleted.
type Store interface {
	Create(ctx context.Context, b Batch) error
	Get(ctx context.Context, requestID uint64) (Batch, error)
	Resolve(ctx context.Context, b Batch) error
	ListPending(ctx context.Context, requestedBefore time.Time) ([]Batch, error)
	Count(ctx context.Context) (uint64, error)
}
