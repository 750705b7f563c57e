package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/batch"
)

// BatchStore keeps batches in a map keyed by request id.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[uint64]batch.Batch
}

var _ batch.Store = (*BatchStore)(nil)

// NewBatchStore constructs an empty store.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[uint64]batch.Batch)}
}

func (s *BatchStore) Create(_ context.Context, b batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.RequestID]; ok {
		return errs.New("batch", errs.CodeConflict,
			errs.WithMessage("batch already exists"),
			errs.WithField("request_id", strconv.FormatUint(b.RequestID, 10)))
	}
	s.batches[b.RequestID] = cloneBatch(b)
	return nil
}

func (s *BatchStore) Get(_ context.Context, requestID uint64) (batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[requestID]
	if !ok {
		return batch.Batch{}, batch.ErrNonExistentBatch.With(errs.WithField("request_id", strconv.FormatUint(requestID, 10)))
	}
	return cloneBatch(b), nil
}

// Resolve replaces a pending batch with its terminal record.
func (s *BatchStore) Resolve(_ context.Context, b batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.batches[b.RequestID]
	if !ok {
		return batch.ErrNonExistentBatch.With(errs.WithField("request_id", strconv.FormatUint(b.RequestID, 10)))
	}
	if !current.IsPending() {
		return batch.ErrBatchAlreadyCompleted.With(errs.WithField("request_id", strconv.FormatUint(b.RequestID, 10)))
	}
	s.batches[b.RequestID] = cloneBatch(b)
	return nil
}

// ListPending returns pending batches requested before the cutoff, oldest first.
func (s *BatchStore) ListPending(_ context.Context, requestedBefore time.Time) ([]batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []batch.Batch
	for _, b := range s.batches {
		if b.IsPending() && b.RequestedAt.Before(requestedBefore) {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (s *BatchStore) Count(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.batches)), nil
}

func cloneBatch(b batch.Batch) batch.Batch {
	entries := make([]batch.Entry, len(b.Entries))
	for i, e := range b.Entries {
		e.RevertData = append([]byte(nil), e.RevertData...)
		entries[i] = e
	}
	b.Entries = entries
	return b
}
