package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/fhe"
)

const DefaultResolveRetryTimeout = 2 * time.Second

// ErrResolutionPending reports a batch whose funds already moved but whose final
// record could not be written yet. Retrying the callback or the reclaim finishes it.
var ErrResolutionPending = errs.New("executor", errs.CodeUnavailable,
	errs.WithMessage("batch settled but its resolution is not persisted yet"))

// unresolved is a settled or reclaimed batch whose store write failed. The
// fulfillment marker stays claimed so the outcome is never recomputed.
type unresolved struct {
	record   batch.Batch
	pending  []pendingEvent
	refunded int
}

// commitLocked writes the final record, retrying transient store failures. When
// the budget runs out the outcome is parked and ErrResolutionPending is returned.
func (e *Engine) commitLocked(ctx context.Context, u unresolved) error {
	if err := e.persist(ctx, u.record); err != nil {
		e.unresolved[u.record.RequestID] = u
		e.logger.Printf("batch %d: persist resolution: %v", u.record.RequestID, err)
		return ErrResolutionPending.With(
			errs.WithCause(err),
			errs.WithField("request_id", strconv.FormatUint(u.record.RequestID, 10)),
			errs.WithField("status", u.record.Status.String()))
	}
	delete(e.unresolved, u.record.RequestID)
	return nil
}

func (e *Engine) persist(ctx context.Context, record batch.Batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.batches.Resolve(ctx, record)
		if errors.Is(err, batch.ErrNonExistentBatch) {
			return struct{}{}, backoff.Permanent(err)
		}
		if errors.Is(err, batch.ErrBatchAlreadyCompleted) {
			// An earlier attempt landed even though it reported failure.
			stored, getErr := e.batches.Get(ctx, record.RequestID)
			if getErr == nil && stored.Status == record.Status {
				return struct{}{}, nil
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(e.resolveRetry),
	)
	return err
}

// resumeLocked retries the write of a parked outcome. ok is false when nothing is
// parked for requestID.
func (e *Engine) resumeLocked(ctx context.Context, requestID uint64) (u unresolved, ok bool, err error) {
	u, ok = e.unresolved[requestID]
	if !ok {
		return unresolved{}, false, nil
	}
	return u, true, e.commitLocked(ctx, u)
}

// PersistUnresolved retries every parked resolution and flushes the events of
// those that land. It returns how many were persisted.
func (e *Engine) PersistUnresolved(ctx context.Context) int {
	e.mu.Lock()
	var done []unresolved
	for id := range e.unresolved {
		u, _, err := e.resumeLocked(ctx, id)
		if err != nil {
			continue
		}
		done = append(done, u)
	}
	e.mu.Unlock()

	for _, u := range done {
		e.flush(ctx, u.record.RequestID, u.pending)
		e.metrics.resolved(ctx, u.record.RequestedAt, u.record.ResolvedAt)
		e.logger.Printf("batch %d: resolution persisted as %s", u.record.RequestID, u.record.Status)
	}
	return len(done)
}

// Unresolved reports how many resolutions are waiting for a store write.
func (e *Engine) Unresolved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unresolved)
}

func (e *Engine) parked(requestID uint64) (batch.Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.unresolved[requestID]
	return u.record, ok
}

// CollectCiphertexts hands every ciphertext still referenced by balances, hook
// state and pending batches to a coprocessor that can drop the rest. It returns how
// many ciphertexts were dropped.
func (e *Engine) CollectCiphertexts(ctx context.Context) (int, error) {
	collector, ok := e.cp.(fhe.Collector)
	if !ok {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	live := append(e.token0.Handles(), e.token1.Handles()...)
	hookHandles, err := e.registry.Hooks().LiveHandles(ctx)
	if err != nil {
		return 0, fmt.Errorf("collect hook state: %w", err)
	}
	live = append(live, hookHandles...)
	pending, err := e.batches.ListPending(ctx, e.clock().Add(e.pendingTimeout+time.Hour))
	if err != nil {
		return 0, fmt.Errorf("collect pending batches: %w", err)
	}
	for _, b := range pending {
		live = append(live, b.TotalIn.Handle(), b.PackedChecks.Handle())
		for _, entry := range b.Entries {
			live = append(live, entry.Amount.Handle(), entry.Flag.Handle())
		}
	}
	dropped := collector.Collect(live)
	if dropped > 0 {
		e.logger.Printf("dropped %d unreferenced ciphertexts", dropped)
	}
	return dropped, nil
}
