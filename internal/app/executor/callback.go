package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

var _ oracle.Fulfiller = (*Engine)(nil)

// Fulfill adapts a signed oracle response to DecryptionCallback. The response
// carries exactly two cleartexts: the batch total and the packed checks word.
func (e *Engine) Fulfill(ctx context.Context, resp oracle.Response) error {
	if len(resp.Cleartexts) != 2 {
		return ErrMalformedResponse.With(
			errs.WithField("request_id", strconv.FormatUint(resp.RequestID, 10)),
			errs.WithField("cleartexts", strconv.Itoa(len(resp.Cleartexts))))
	}
	return e.DecryptionCallback(ctx, resp.RequestID, resp.Cleartexts[0], resp.Cleartexts[1], resp.Signatures)
}

// DecryptionCallback settles a pending batch. Signature, lookup and replay failures
// reject the whole callback and leave the batch pending; failures of single intents
// are reported as events and never abort the batch. When the final write fails after
// funds moved the callback returns ErrResolutionPending and a retry only finishes the
// write.
func (e *Engine) DecryptionCallback(ctx context.Context, requestID, clearTotalIn, clearPacked uint64, signatures [][]byte) (err error) {
	defer func() { e.metrics.operation(ctx, "decryption_callback", err) }()

	if err := e.controls.Signers().Verify(requestID, []uint64{clearTotalIn, clearPacked}, signatures); err != nil {
		return err
	}

	e.mu.Lock()
	u, resumed, err := e.resumeLocked(ctx, requestID)
	if !resumed {
		u, err = e.settleLocked(ctx, requestID, clearTotalIn, clearPacked)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	record := u.record
	e.flush(ctx, requestID, u.pending)
	e.metrics.resolved(ctx, record.RequestedAt, record.ResolvedAt)
	if record.Status != batch.StatusCompleted {
		return batch.ErrBatchAlreadyCompleted.With(
			errs.WithField("request_id", strconv.FormatUint(requestID, 10)),
			errs.WithField("status", record.Status.String()))
	}
	e.logger.Printf("batch %d executed: total in %d, total out %d, %d intents",
		requestID, record.ClearTotalIn, record.TotalOut, record.Processed)
	return nil
}

func (e *Engine) settleLocked(ctx context.Context, requestID, clearTotalIn, clearPacked uint64) (unresolved, error) {
	b, err := e.batches.Get(ctx, requestID)
	if err != nil {
		return unresolved{}, err
	}
	if !b.IsPending() {
		return unresolved{}, batch.ErrBatchAlreadyCompleted.With(
			errs.WithField("request_id", strconv.FormatUint(requestID, 10)),
			errs.WithField("status", b.Status.String()))
	}
	if err := e.ledger.MarkFulfilled(ctx, requestID); err != nil {
		return unresolved{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := e.ledger.Release(ctx, requestID); err != nil {
				e.logger.Printf("batch %d: release fulfillment marker: %v", requestID, err)
			}
		}
	}()

	flags, err := e.codec.UnpackClear(clearPacked, len(b.Entries))
	if err != nil {
		return unresolved{}, err
	}
	now := e.clock()
	pending := []pendingEvent{{typ: events.TypeDecryptionFulfilled, payload: events.DecryptionFulfilled{
		RequestID:    requestID,
		TotalIn:      clearTotalIn,
		PackedChecks: clearPacked,
	}}}

	var totalOut uint64
	if clearTotalIn == 0 {
		for _, entry := range b.Entries {
			pending = append(pending, rejected(requestID, entry, nil))
			e.metrics.intent(ctx, telemetry.OutcomeRejected)
		}
	} else {
		out, venueErr, err := e.swap(ctx, clearTotalIn, now)
		if err != nil {
			return unresolved{}, err
		}
		if venueErr != nil {
			e.logger.Printf("batch %d: swap failed, refunding: %v", requestID, venueErr)
			pending = append(pending, e.refundAll(ctx, requestID, b.Entries, revertData(venueErr))...)
		} else {
			totalOut = out
			e.metrics.swapped(ctx, e.token0.Symbol(), clearTotalIn)
			for i, entry := range b.Entries {
				if !flags[i] {
					pending = append(pending, rejected(requestID, entry, entry.RevertData))
					e.metrics.intent(ctx, telemetry.OutcomeRejected)
					continue
				}
				pending = append(pending, e.settleIntent(ctx, requestID, entry, totalOut, clearTotalIn, now)...)
			}
		}
	}
	committed = true

	b.Status = batch.StatusCompleted
	b.ClearTotalIn = clearTotalIn
	b.TotalOut = totalOut
	b.Processed = len(b.Entries)
	b.ResolvedAt = now.UTC()
	pending = append(pending, pendingEvent{typ: events.TypeBatchExecuted, payload: events.BatchExecuted{
		RequestID: requestID,
		Processed: b.Processed,
		TotalIn:   clearTotalIn,
		TotalOut:  totalOut,
	}})
	u := unresolved{record: b, pending: pending}
	return u, e.commitLocked(ctx, u)
}

// swap unwraps the escrow, trades it and wraps the output into the engine's token1
// balance. A venue failure restores the escrow and is returned as venueErr.
func (e *Engine) swap(ctx context.Context, amountIn uint64, now time.Time) (out uint64, venueErr, err error) {
	minOut := e.minOut(amountIn)
	if err := e.token0.Withdraw(e.address, amountIn); err != nil {
		return 0, nil, fmt.Errorf("unwrap escrow: %w", err)
	}
	out, venueErr = e.venue.SwapExactIn(ctx, amountIn, minOut, now.Add(e.deadlineBuffer), now)
	if venueErr != nil {
		if _, err := e.token0.Deposit(e.address, amountIn); err != nil {
			return 0, nil, fmt.Errorf("restore escrow: %w", err)
		}
		return 0, venueErr, nil
	}
	if _, err := e.token1.Deposit(e.address, out); err != nil {
		return 0, nil, fmt.Errorf("wrap swap output: %w", err)
	}
	return out, nil, nil
}

func (e *Engine) minOut(amountIn uint64) uint64 {
	if e.slippageBps == 0 {
		return 0
	}
	quote, err := e.venue.Quote(amountIn)
	if err != nil {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(quote), uint256.NewInt(10_000-e.slippageBps))
	return v.Div(v, uint256.NewInt(10_000)).Uint64()
}

// settleIntent credits the pro-rata share of an accepted intent and commits its hooks.
func (e *Engine) settleIntent(ctx context.Context, requestID uint64, entry batch.Entry, totalOut, clearTotalIn uint64, now time.Time) []pendingEvent {
	share, err := e.cp.MulDiv(entry.Amount, totalOut, clearTotalIn)
	if err == nil {
		share, err = e.token1.Transfer(e.address, entry.User, share)
	}
	if err != nil {
		e.logger.Printf("batch %d: credit intent %s: %v", requestID, entry.IntentID.Hex(), err)
		e.metrics.intent(ctx, telemetry.OutcomeRejected)
		return []pendingEvent{rejected(requestID, entry, revertData(err))}
	}

	var out []pendingEvent
	result := intent.Result{
		IntentID:        entry.IntentID,
		User:            entry.User,
		StrategyID:      entry.StrategyID,
		Amount:          entry.Amount,
		HasPassedChecks: true,
		HasPulledIn:     entry.PulledIn,
	}
	postFailed := false
	_, hs, err := e.registry.Resolve(ctx, entry.StrategyID)
	if err != nil {
		postFailed = true
		out = append(out, pendingEvent{typ: events.TypePostHookFailed, payload: events.HookFailed{
			RequestID:  requestID,
			IntentID:   entry.IntentID,
			StrategyID: entry.StrategyID,
			RevertData: revertData(err),
		}})
	}
	for _, h := range hs {
		if err := h.PostSwap(ctx, e.address, entry.StrategyID, result, now); err != nil {
			postFailed = true
			e.metrics.hookFailure(ctx, h.Kind().String(), telemetry.StagePostSwap)
			out = append(out, pendingEvent{typ: events.TypePostHookFailed, payload: events.HookFailed{
				RequestID:  requestID,
				IntentID:   entry.IntentID,
				StrategyID: entry.StrategyID,
				Hook:       h.Address(),
				RevertData: revertData(err),
			}})
		}
	}
	if postFailed {
		e.metrics.intent(ctx, telemetry.OutcomeRejected)
		return out
	}
	e.metrics.intent(ctx, telemetry.OutcomeAccepted)
	return append(out, pendingEvent{typ: events.TypeIntentAccepted, payload: events.IntentAccepted{
		RequestID:  requestID,
		IntentID:   entry.IntentID,
		StrategyID: entry.StrategyID,
		User:       entry.User,
		AmountOut:  share.Handle(),
	}})
}

// refundAll returns every escrowed amount and rejects every intent with reason.
func (e *Engine) refundAll(ctx context.Context, requestID uint64, entries []batch.Entry, reason []byte) []pendingEvent {
	out := make([]pendingEvent, 0, len(entries))
	for _, entry := range entries {
		if entry.PulledIn {
			if _, err := e.token0.Transfer(e.address, entry.User, entry.Amount); err != nil {
				e.logger.Printf("batch %d: refund intent %s: %v", requestID, entry.IntentID.Hex(), err)
			}
			e.metrics.intent(ctx, telemetry.OutcomeRefunded)
		} else {
			e.metrics.intent(ctx, telemetry.OutcomeRejected)
		}
		out = append(out, rejected(requestID, entry, reason))
	}
	return out
}

func rejected(requestID uint64, entry batch.Entry, reason []byte) pendingEvent {
	return pendingEvent{typ: events.TypeIntentRejected, payload: events.IntentRejected{
		RequestID:  requestID,
		IntentID:   entry.IntentID,
		StrategyID: entry.StrategyID,
		User:       entry.User,
		RevertData: reason,
	}}
}
