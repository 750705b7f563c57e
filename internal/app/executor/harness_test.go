package executor_test

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/kora/internal/app/executor"
	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/app/registry"
	"github.com/coachpo/kora/internal/app/token"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/fhe/mockfhe"
	"github.com/coachpo/kora/internal/infra/persistence/memory"
	"github.com/coachpo/kora/internal/infra/venue/amm"
)

const (
	oneYear = 365 * 24 * time.Hour
	oneHour = uint64(3600)
	// 1 WETH at 6 decimals.
	unit = uint64(1_000_000)
	// Generations an unreferenced user-visible ciphertext survives collection.
	retention = 1
)

var (
	engineAddr  = common.HexToAddress("0x000000000000000000000000000000000000e0e0")
	ownerAddr   = common.HexToAddress("0x0000000000000000000000000000000000000123")
	relayerAddr = common.HexToAddress("0x0000000000000000000000000000000000000fee")
	aliceAddr   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bobAddr     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type decryptionRequest struct {
	requestID uint64
	handles   []fhe.Handle
}

// capturingRequester records requests; tests play the KMS by hand.
type capturingRequester struct {
	mu       sync.Mutex
	requests []decryptionRequest
}

func (r *capturingRequester) RequestDecryption(_ context.Context, requestID uint64, handles []fhe.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, decryptionRequest{requestID: requestID, handles: append([]fhe.Handle(nil), handles...)})
	return nil
}

func (r *capturingRequester) find(requestID uint64) (decryptionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.requestID == requestID {
			return req, true
		}
	}
	return decryptionRequest{}, false
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	cp        *mockfhe.Coprocessor
	engine    *executor.Engine
	controls  *executor.Controls
	hooks     *hooks.Directory
	token0    *token.Ledger
	token1    *token.Ledger
	pool      *amm.Pool
	recorder  *events.Recorder
	requester *capturingRequester
	kmsKeys   []*ecdsa.PrivateKey

	mu  sync.Mutex
	now time.Time
}

type harnessOption func(*executor.Config)

func withVenue(v executor.Venue) harnessOption {
	return func(cfg *executor.Config) { cfg.Venue = v }
}

func withBatches(store batch.Store) harnessOption {
	return func(cfg *executor.Config) { cfg.Batches = store }
}

func withResolveRetry(d time.Duration) harnessOption {
	return func(cfg *executor.Config) { cfg.ResolveRetryTimeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWithStates(t, nil, opts...)
}

// newHarnessWithStates backs every hook with states; nil keeps them in memory.
func newHarnessWithStates(t *testing.T, states hooks.StateStore, opts ...harnessOption) *harness {
	t.Helper()
	cp, err := mockfhe.New(mockfhe.WithRetention(retention))
	require.NoError(t, err)

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		cp:        cp,
		recorder:  &events.Recorder{},
		requester: &capturingRequester{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	quiet := log.New(io.Discard, "", 0)
	emitter := events.NewEmitter(h.recorder, events.WithClock(h.clock), events.WithLogger(quiet))

	signers := make([]common.Address, 0, 3)
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		h.kmsKeys = append(h.kmsKeys, key)
		signers = append(signers, crypto.PubkeyToAddress(key.PublicKey))
	}
	set, err := oracle.NewSignerSet(signers, 2)
	require.NoError(t, err)
	h.controls, err = executor.NewControls(ownerAddr, set, emitter)
	require.NoError(t, err)

	h.hooks, err = hooks.NewStandardDirectory(hooks.Config{Executor: engineAddr, Coprocessor: cp, States: states}, nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{
		Executor: engineAddr,
		Store:    memory.NewStrategyStore(),
		Hooks:    h.hooks,
		Guard:    h.controls,
		Emitter:  emitter,
		Clock:    h.clock,
		Logger:   quiet,
	})
	require.NoError(t, err)

	h.token0 = token.NewLedger("eWETH", 6, cp)
	h.token1 = token.NewLedger("eUSDC", 6, cp)
	h.pool, err = amm.NewPool(1_000*unit, 3_000_000*unit, 30)
	require.NoError(t, err)

	cfg := executor.Config{
		Address:     engineAddr,
		Coprocessor: cp,
		Registry:    reg,
		Token0:      h.token0,
		Token1:      h.token1,
		Venue:       h.pool,
		Ledger:      oracle.NewMemoryLedger(),
		Requester:   h.requester,
		Controls:    h.controls,
		Batches:     memory.NewBatchStore(),
		Emitter:     emitter,
		Clock:       h.clock,
		Logger:      quiet,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.engine, err = executor.New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// fund wraps amount for user and approves the engine to escrow all of it.
func (h *harness) fund(user common.Address, amount uint64) {
	h.t.Helper()
	_, err := h.token0.Deposit(user, amount)
	require.NoError(h.t, err)
	require.NoError(h.t, h.token0.Approve(user, engineAddr, h.cp.AsEuint64(amount)))
}

func (h *harness) external(contract, user common.Address, v uint64) fhe.External {
	h.t.Helper()
	in, err := h.cp.EncryptInput(contract, user, v)
	require.NoError(h.t, err)
	return in[0]
}

func (h *harness) initData(kind hooks.Kind, owner common.Address, v uint64) strategy.HookInit {
	h.t.Helper()
	hk, ok := h.hooks.ByKind(kind)
	require.True(h.t, ok)
	return strategy.HookInit{
		Hook: hk.Address(),
		Data: hooks.EncodeInitData(hooks.InitData{Owner: owner, Param: h.external(hk.Address(), owner, v)}),
	}
}

// createStrategy registers a four-hook strategy for user.
func (h *harness) createStrategy(user common.Address, maxBudget, maxPurchase uint64, validUntil time.Time, frequency uint64) common.Hash {
	h.t.Helper()
	inits := []strategy.HookInit{
		h.initData(hooks.KindBudget, user, maxBudget),
		h.initData(hooks.KindPurchaseAmount, user, maxPurchase),
		h.initData(hooks.KindTimeframe, user, uint64(validUntil.Unix())),
		h.initData(hooks.KindFrequency, user, frequency),
	}
	salt := crypto.Keccak256Hash([]byte(uuid.NewString()))
	id, err := h.engine.CreateStrategy(h.ctx, user, inits, salt)
	require.NoError(h.t, err)
	require.Equal(h.t, strategy.ComputeID(user, salt), id)
	return id
}

func (h *harness) intent(strategyID common.Hash, amount uint64) intent.Intent {
	h.t.Helper()
	return intent.Intent{
		ID:         intent.NewID(),
		StrategyID: strategyID,
		Amount:     h.external(engineAddr, relayerAddr, amount),
	}
}

// respond decrypts the request handles and signs them with the first n KMS keys.
func (h *harness) respond(requestID uint64, n int) oracle.Response {
	h.t.Helper()
	req, ok := h.requester.find(requestID)
	require.True(h.t, ok, "no decryption request %d", requestID)
	clear := make([]uint64, len(req.handles))
	for i, handle := range req.handles {
		v, err := h.cp.Decrypt(handle)
		require.NoError(h.t, err)
		clear[i] = v
	}
	resp := oracle.Response{RequestID: requestID, Cleartexts: clear}
	for _, key := range h.kmsKeys[:n] {
		sig, err := oracle.Sign(key, requestID, clear)
		require.NoError(h.t, err)
		resp.Signatures = append(resp.Signatures, sig)
	}
	return resp
}

func (h *harness) deliver(requestID uint64) error {
	return h.engine.Fulfill(h.ctx, h.respond(requestID, 2))
}

func (h *harness) balance(l *token.Ledger, user common.Address) uint64 {
	h.t.Helper()
	bal, err := l.BalanceOf(user)
	require.NoError(h.t, err)
	v, err := h.cp.UserDecrypt(bal.Handle(), user)
	require.NoError(h.t, err)
	return v
}

func (h *harness) spent(strategyID common.Hash) uint64 {
	h.t.Helper()
	b, ok := h.hooks.Budget()
	require.True(h.t, ok)
	s, err := b.Spent(h.ctx, strategyID)
	require.NoError(h.t, err)
	v, err := h.cp.Decrypt(s.Handle())
	require.NoError(h.t, err)
	return v
}

func (h *harness) eventsOf(typ events.Type) []*events.Event {
	return h.recorder.OfType(typ)
}
