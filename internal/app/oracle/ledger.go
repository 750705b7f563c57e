package oracle

import (
	"context"
	"strconv"
	"sync"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu        sync.Mutex
	counter   uint64
	handles   map[uint64][]fhe.Handle
	fulfilled map[uint64]bool
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		handles:   make(map[uint64][]fhe.Handle),
		fulfilled: make(map[uint64]bool),
	}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) NextRequestID(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	return l.counter, nil
}

func (l *MemoryLedger) SaveHandles(_ context.Context, requestID uint64, handles []fhe.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[requestID]; ok {
		return ErrHandlesAlreadySaved.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	l.handles[requestID] = append([]fhe.Handle(nil), handles...)
	return nil
}

func (l *MemoryLedger) Handles(_ context.Context, requestID uint64) ([]fhe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs, ok := l.handles[requestID]
	if !ok {
		return nil, ErrNoHandleFound.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	return append([]fhe.Handle(nil), hs...), nil
}

func (l *MemoryLedger) MarkFulfilled(_ context.Context, requestID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[requestID]; !ok {
		return ErrNoHandleFound.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	if l.fulfilled[requestID] {
		return ErrAlreadyFulfilled.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	l.fulfilled[requestID] = true
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, requestID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fulfilled, requestID)
	return nil
}
