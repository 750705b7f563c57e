// Package executor is the batch execution engine: it validates encrypted intents
// against their strategy hooks, escrows the accepted amounts, requests one threshold
// decryption per batch and settles the batch when the signed callback arrives.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/app/registry"
	"github.com/coachpo/kora/internal/app/token"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/domain/packedflags"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

const (
	DefaultMaxBatchSize          = 6
	DefaultMinSwapDeadlineBuffer = 5 * time.Minute
	DefaultPendingTimeout        = 24 * time.Hour
)

var (
	ErrBatchSizeExceedsMaximum = errs.Domain("executor", errs.CodeInvalid, errs.CanonicalBatchSizeExceedsMaximum)
	ErrDuplicateIntent         = errs.Domain("executor", errs.CodeInvalid, errs.CanonicalDuplicateIntent)
	ErrBatchNotExpired         = errs.Domain("executor", errs.CodeConflict, errs.CanonicalBatchNotExpired)
	ErrMalformedResponse       = errs.New("executor", errs.CodeInvalid, errs.WithMessage("decryption response must carry total and packed checks"))
	ErrDecryptionRequestFailed = errs.New("executor", errs.CodeUnavailable, errs.WithMessage("decryption request failed"))
)

// Venue executes the aggregated swap of token0 into token1.
type Venue interface {
	SwapExactIn(ctx context.Context, amountIn, minOut uint64, deadline, now time.Time) (uint64, error)
	Quote(amountIn uint64) (uint64, error)
}

// Config wires an Engine.
type Config struct {
	// Address is the engine identity: hooks only accept calls from it and it holds
	// escrowed funds.
	Address     common.Address
	Coprocessor fhe.Coprocessor
	Registry    *registry.Registry
	Token0      *token.Ledger
	Token1      *token.Ledger
	Venue       Venue
	Ledger      oracle.Ledger
	Requester   oracle.Requester
	Controls    *Controls
	Batches     batch.Store
	Emitter     *events.Emitter

	MaxBatchSize          int
	MinSwapDeadlineBuffer time.Duration
	PendingTimeout        time.Duration
	// SlippageBps bounds the swap output below the venue quote. Zero accepts any output.
	SlippageBps uint64
	// ResolveRetryTimeout bounds the retries of the final batch write.
	ResolveRetryTimeout time.Duration

	Clock  func() time.Time
	Logger *log.Logger
}

// Engine runs the two-phase batch protocol.
type Engine struct {
	address   common.Address
	cp        fhe.Coprocessor
	registry  *registry.Registry
	token0    *token.Ledger
	token1    *token.Ledger
	venue     Venue
	ledger    oracle.Ledger
	requester oracle.Requester
	controls  *Controls
	batches   batch.Store
	emitter   *events.Emitter
	codec     packedflags.Codec

	maxBatchSize   int
	deadlineBuffer time.Duration
	pendingTimeout time.Duration
	slippageBps    uint64
	resolveRetry   time.Duration

	clock   func() time.Time
	logger  *log.Logger
	metrics engineMetrics

	// mu serialises every state transition; hook and token state are single-writer.
	mu         sync.Mutex
	unresolved map[uint64]unresolved
}

// New validates cfg and constructs an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Address == (common.Address{}):
		return nil, fmt.Errorf("executor: address required")
	case cfg.Coprocessor == nil:
		return nil, fmt.Errorf("executor: coprocessor required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("executor: registry required")
	case cfg.Token0 == nil || cfg.Token1 == nil:
		return nil, fmt.Errorf("executor: token pair required")
	case cfg.Venue == nil:
		return nil, fmt.Errorf("executor: venue required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("executor: request ledger required")
	case cfg.Controls == nil:
		return nil, fmt.Errorf("executor: admin controls required")
	case cfg.Batches == nil:
		return nil, fmt.Errorf("executor: batch store required")
	case cfg.SlippageBps >= 10_000:
		return nil, fmt.Errorf("executor: slippage %d bps out of range", cfg.SlippageBps)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	codec, err := packedflags.New(cfg.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("executor: max batch size: %w", err)
	}
	if cfg.MinSwapDeadlineBuffer <= 0 {
		cfg.MinSwapDeadlineBuffer = DefaultMinSwapDeadlineBuffer
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.ResolveRetryTimeout <= 0 {
		cfg.ResolveRetryTimeout = DefaultResolveRetryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "executor ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Engine{
		address:        cfg.Address,
		cp:             cfg.Coprocessor,
		registry:       cfg.Registry,
		token0:         cfg.Token0,
		token1:         cfg.Token1,
		venue:          cfg.Venue,
		ledger:         cfg.Ledger,
		requester:      cfg.Requester,
		controls:       cfg.Controls,
		batches:        cfg.Batches,
		emitter:        cfg.Emitter,
		codec:          codec,
		maxBatchSize:   cfg.MaxBatchSize,
		deadlineBuffer: cfg.MinSwapDeadlineBuffer,
		pendingTimeout: cfg.PendingTimeout,
		slippageBps:    cfg.SlippageBps,
		resolveRetry:   cfg.ResolveRetryTimeout,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        newEngineMetrics(),
		unresolved:     make(map[uint64]unresolved),
	}, nil
}

// SetRequester installs the decryption transport. The local KMS relayer needs the
// engine as its Fulfiller, so it is attached after construction.
func (e *Engine) SetRequester(r oracle.Requester) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requester = r
}

func (e *Engine) Address() common.Address       { return e.address }
func (e *Engine) Controls() *Controls           { return e.controls }
func (e *Engine) Registry() *registry.Registry  { return e.registry }
func (e *Engine) MaxBatchSize() int             { return e.maxBatchSize }
func (e *Engine) PendingTimeout() time.Duration { return e.pendingTimeout }

// CreateStrategy registers a strategy. The pause flag is checked by the registry.
func (e *Engine) CreateStrategy(ctx context.Context, user common.Address, inits []strategy.HookInit, salt common.Hash) (id common.Hash, err error) {
	defer func() { e.metrics.operation(ctx, "create_strategy", err) }()
	return e.registry.CreateStrategy(ctx, user, inits, salt)
}

type pendingEvent struct {
	typ     events.Type
	payload any
}

type escrow struct {
	user   common.Address
	amount fhe.Euint64
}

// ExecuteBatch validates intents, escrows the amounts of those passing every hook
// check and issues one decryption request for the batch. Encrypted amounts must be
// bound to (engine, caller). The returned request id identifies the pending batch;
// when the decryption request itself fails the batch is still pending and the error
// wraps ErrDecryptionRequestFailed.
func (e *Engine) ExecuteBatch(ctx context.Context, caller common.Address, intents []intent.Intent) (requestID uint64, err error) {
	defer func() { e.metrics.operation(ctx, "execute_batch", err) }()

	if len(intents) == 0 || len(intents) > e.maxBatchSize {
		return 0, ErrBatchSizeExceedsMaximum.With(
			errs.WithField("size", strconv.Itoa(len(intents))),
			errs.WithField("max", strconv.Itoa(e.maxBatchSize)))
	}
	seen := make(map[common.Hash]struct{}, len(intents))
	for _, in := range intents {
		if _, dup := seen[in.ID]; dup {
			return 0, ErrDuplicateIntent.With(errs.WithField("intent", in.ID.Hex()))
		}
		seen[in.ID] = struct{}{}
	}
	amounts := make([]fhe.Euint64, len(intents))
	for i, in := range intents {
		amount, err := e.cp.FromExternal(in.Amount, e.address, caller)
		if err != nil {
			return 0, fmt.Errorf("intent %s: %w", in.ID.Hex(), err)
		}
		amounts[i] = amount
	}

	e.mu.Lock()
	record, pending, err := e.submitLocked(ctx, caller, intents, amounts)
	requester := e.requester
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.flush(ctx, record.RequestID, pending)
	e.metrics.requested(ctx, len(record.Entries))
	e.logger.Printf("batch %d requested by %s with %d intents", record.RequestID, caller.Hex(), len(record.Entries))

	handles := []fhe.Handle{record.TotalIn.Handle(), record.PackedChecks.Handle()}
	if requester == nil {
		return record.RequestID, ErrDecryptionRequestFailed.With(errs.WithField("reason", "no requester attached"))
	}
	if err := requester.RequestDecryption(ctx, record.RequestID, handles); err != nil {
		e.logger.Printf("batch %d: decryption request failed: %v", record.RequestID, err)
		return record.RequestID, ErrDecryptionRequestFailed.With(
			errs.WithCause(err), errs.WithField("request_id", strconv.FormatUint(record.RequestID, 10)))
	}
	return record.RequestID, nil
}

func (e *Engine) submitLocked(ctx context.Context, caller common.Address, intents []intent.Intent, amounts []fhe.Euint64) (batch.Batch, []pendingEvent, error) {
	if err := e.controls.RequireNotPaused(); err != nil {
		return batch.Batch{}, nil, err
	}
	now := e.clock()
	zero := e.cp.AsEuint64(0)
	totalIn := zero

	var escrowed []escrow
	rollback := func() {
		for _, esc := range escrowed {
			if _, err := e.token0.Transfer(e.address, esc.user, esc.amount); err != nil {
				e.logger.Printf("rollback escrow of %s failed: %v", esc.user.Hex(), err)
			}
		}
	}
	fail := func(err error) (batch.Batch, []pendingEvent, error) {
		rollback()
		return batch.Batch{}, nil, err
	}

	entries := make([]batch.Entry, 0, len(intents))
	flags := make([]fhe.Ebool, 0, len(intents))
	var failures []events.HookFailed
	inBatch := make(map[common.Hash]struct{}, len(intents))

	for i, in := range intents {
		entry := batch.Entry{IntentID: in.ID, StrategyID: in.StrategyID, Amount: zero, Flag: e.cp.AsEbool(false)}
		st, hs, err := e.registry.Resolve(ctx, in.StrategyID)
		if err != nil {
			if !errors.Is(err, strategy.ErrNonExistentStrategy) {
				return fail(fmt.Errorf("resolve strategy %s: %w", in.StrategyID.Hex(), err))
			}
			entry.RevertData = revertData(err)
			entries, flags = append(entries, entry), append(flags, entry.Flag)
			continue
		}
		entry.User = st.User
		if _, dup := inBatch[st.ID]; dup {
			entry.RevertData = revertData(strategy.ErrDuplicateStrategy)
			entries, flags = append(entries, entry), append(flags, entry.Flag)
			continue
		}
		inBatch[st.ID] = struct{}{}

		passed := e.cp.AsEbool(true)
		for _, h := range hs {
			ok, err := h.PreSwap(ctx, st.ID, hooks.Input{IntentID: in.ID, User: st.User, Amount: amounts[i]}, now)
			if err != nil {
				ok = e.cp.AsEbool(false)
				failures = append(failures, events.HookFailed{
					IntentID:   in.ID,
					StrategyID: st.ID,
					Hook:       h.Address(),
					RevertData: revertData(err),
				})
				e.metrics.hookFailure(ctx, h.Kind().String(), telemetry.StagePreSwap)
			}
			if passed, err = e.cp.And(passed, ok); err != nil {
				return fail(err)
			}
		}

		selected, err := e.cp.Select(passed, amounts[i], zero)
		if err != nil {
			return fail(err)
		}
		moved, err := e.token0.TransferFrom(e.address, st.User, e.address, selected)
		if err != nil {
			return fail(fmt.Errorf("escrow intent %s: %w", in.ID.Hex(), err))
		}
		escrowed = append(escrowed, escrow{user: st.User, amount: moved})
		if totalIn, err = e.cp.Add(totalIn, moved); err != nil {
			return fail(err)
		}
		full, err := e.cp.Eq(moved, amounts[i])
		if err != nil {
			return fail(err)
		}
		if passed, err = e.cp.And(passed, full); err != nil {
			return fail(err)
		}
		entry.Amount, entry.Flag, entry.PulledIn = moved, passed, true
		entries, flags = append(entries, entry), append(flags, passed)
	}

	packed, err := e.codec.Pack(e.cp, flags)
	if err != nil {
		return fail(err)
	}
	requestID, err := e.ledger.NextRequestID(ctx)
	if err != nil {
		return fail(fmt.Errorf("allocate request id: %w", err))
	}
	if err := e.ledger.SaveHandles(ctx, requestID, []fhe.Handle{totalIn.Handle(), packed.Handle()}); err != nil {
		return fail(err)
	}
	record := batch.Batch{
		RequestID:    requestID,
		Status:       batch.StatusPendingDecryption,
		Requester:    caller,
		TotalIn:      totalIn,
		PackedChecks: packed,
		Entries:      entries,
		RequestedAt:  now.UTC(),
	}
	if err := e.batches.Create(ctx, record); err != nil {
		return fail(fmt.Errorf("persist batch %d: %w", requestID, err))
	}

	pending := make([]pendingEvent, 0, len(failures)+1)
	for _, f := range failures {
		f.RequestID = requestID
		pending = append(pending, pendingEvent{typ: events.TypePreHookFailed, payload: f})
	}
	pending = append(pending, pendingEvent{typ: events.TypeBatchRequested, payload: events.BatchRequested{
		RequestID: requestID,
		Requester: caller,
		Size:      len(entries),
		Handles:   []fhe.Handle{totalIn.Handle(), packed.Handle()},
	}})
	return record, pending, nil
}

func (e *Engine) flush(ctx context.Context, requestID uint64, pending []pendingEvent) {
	id := strconv.FormatUint(requestID, 10)
	for _, p := range pending {
		e.emitter.Emit(ctx, p.typ, "batch", id, p.payload)
	}
}

// BatchInfo is the public view of a batch.
type BatchInfo struct {
	RequestID    uint64       `json:"requestId"`
	Status       batch.Status `json:"status"`
	TotalResults int          `json:"totalResults"`
	TotalIn      fhe.Euint64  `json:"totalIn"`
	IsPending    bool         `json:"isPending"`
	ClearTotalIn uint64       `json:"clearTotalIn"`
	TotalOut     uint64       `json:"totalOut"`
	Processed    int          `json:"processed"`
	RequestedAt  time.Time    `json:"requestedAt"`
}

// Batch returns the view of a batch, failing with NonExistentBatch. A settled
// batch whose record is still being written is reported with its final state.
func (e *Engine) Batch(ctx context.Context, requestID uint64) (BatchInfo, error) {
	b, ok := e.parked(requestID)
	if !ok {
		var err error
		if b, err = e.batches.Get(ctx, requestID); err != nil {
			return BatchInfo{}, err
		}
	}
	return BatchInfo{
		RequestID:    b.RequestID,
		Status:       b.Status,
		TotalResults: len(b.Entries),
		TotalIn:      b.TotalIn,
		IsPending:    b.IsPending(),
		ClearTotalIn: b.ClearTotalIn,
		TotalOut:     b.TotalOut,
		Processed:    b.Processed,
		RequestedAt:  b.RequestedAt,
	}, nil
}

// TotalBatches counts batches ever requested.
func (e *Engine) TotalBatches(ctx context.Context) (uint64, error) {
	return e.batches.Count(ctx)
}

// ExpiredBatches lists pending batches older than the pending timeout.
func (e *Engine) ExpiredBatches(ctx context.Context) ([]batch.Batch, error) {
	pending, err := e.batches.ListPending(ctx, e.clock().Add(-e.pendingTimeout))
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, b := range pending {
		if _, ok := e.parked(b.RequestID); !ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// revertData captures a failure the way observers see it: the canonical error name
// when there is one, the error text otherwise.
func revertData(err error) []byte {
	if err == nil {
		return nil
	}
	if code := errs.CanonicalOf(err); code != errs.CanonicalUnknown {
		return []byte(code)
	}
	return []byte(err.Error())
}
