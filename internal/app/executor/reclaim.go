package executor

import (
	"context"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

// ReclaimBatch refunds the escrow of a batch whose decryption never arrived. Only
// the owner may call it, and only once the batch has been pending for the pending
// timeout. The request's fulfillment marker is consumed, so a late callback fails
// with BatchAlreadyCompleted. A batch whose settlement is parked waiting for its
// final write is finished instead and the reclaim fails with BatchAlreadyCompleted.
func (e *Engine) ReclaimBatch(ctx context.Context, caller common.Address, requestID uint64) (err error) {
	defer func() { e.metrics.operation(ctx, "reclaim_batch", err) }()
	if err := e.controls.RequireOwner(caller); err != nil {
		return err
	}

	e.mu.Lock()
	u, resumed, err := e.resumeLocked(ctx, requestID)
	if !resumed {
		u, err = e.reclaimLocked(ctx, requestID)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.flush(ctx, requestID, u.pending)
	e.metrics.resolved(ctx, u.record.RequestedAt, u.record.ResolvedAt)
	if u.record.Status != batch.StatusReclaimed {
		return batch.ErrBatchAlreadyCompleted.With(
			errs.WithField("request_id", strconv.FormatUint(requestID, 10)),
			errs.WithField("status", u.record.Status.String()))
	}
	e.logger.Printf("batch %d reclaimed by %s: %d intents refunded", requestID, caller.Hex(), u.refunded)
	return nil
}

func (e *Engine) reclaimLocked(ctx context.Context, requestID uint64) (unresolved, error) {
	id := strconv.FormatUint(requestID, 10)
	b, err := e.batches.Get(ctx, requestID)
	if err != nil {
		return unresolved{}, err
	}
	if !b.IsPending() {
		return unresolved{}, batch.ErrBatchAlreadyCompleted.With(errs.WithField("request_id", id))
	}
	now := e.clock()
	if now.Sub(b.RequestedAt) < e.pendingTimeout {
		return unresolved{}, ErrBatchNotExpired.With(
			errs.WithField("request_id", id),
			errs.WithField("expires_at", b.RequestedAt.Add(e.pendingTimeout).UTC().Format("2006-01-02T15:04:05Z")))
	}
	if err := e.ledger.MarkFulfilled(ctx, requestID); err != nil {
		return unresolved{}, err
	}

	refunded := 0
	for _, entry := range b.Entries {
		if !entry.PulledIn {
			continue
		}
		if _, err := e.token0.Transfer(e.address, entry.User, entry.Amount); err != nil {
			e.logger.Printf("batch %d: refund intent %s: %v", requestID, entry.IntentID.Hex(), err)
			continue
		}
		refunded++
		e.metrics.intent(ctx, telemetry.OutcomeRefunded)
	}
	b.Status = batch.StatusReclaimed
	b.ResolvedAt = now.UTC()
	u := unresolved{record: b, refunded: refunded, pending: []pendingEvent{{typ: events.TypeBatchReclaimed, payload: events.BatchReclaimed{
		RequestID: requestID,
		Refunded:  refunded,
	}}}}
	return u, e.commitLocked(ctx, u)
}
