package hooks

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/infra/fhe/mockfhe"
)

var (
	executorAddr = common.HexToAddress("0x00000000000000000000000000000000000e0e0e")
	aliceAddr    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	strategyA    = common.HexToHash("0xaaaa")
)

type fixture struct {
	cp  *mockfhe.Coprocessor
	dir *Directory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cp, err := mockfhe.New()
	if err != nil {
		t.Fatalf("coprocessor: %v", err)
	}
	dir, err := NewStandardDirectory(Config{Executor: executorAddr, Coprocessor: cp}, nil)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return fixture{cp: cp, dir: dir}
}

func (f fixture) hook(t *testing.T, kind Kind) Hook {
	t.Helper()
	h, ok := f.dir.ByKind(kind)
	if !ok {
		t.Fatalf("hook %s missing", kind)
	}
	return h
}

func (f fixture) external(t *testing.T, contract common.Address, v uint64) fhe.External {
	t.Helper()
	in, err := f.cp.EncryptInput(contract, aliceAddr, v)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return in[0]
}

func (f fixture) initialize(t *testing.T, h Hook, v uint64) {
	t.Helper()
	data := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, h.Address(), v)})
	if err := h.Initialize(context.Background(), executorAddr, strategyA, data); err != nil {
		t.Fatalf("initialize %s: %v", h.Kind(), err)
	}
}

func (f fixture) clear(t *testing.T, b fhe.Ebool) bool {
	t.Helper()
	v, err := f.cp.Decrypt(b.Handle())
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	return v == 1
}

func (f fixture) input(v uint64) Input {
	return Input{IntentID: common.HexToHash("0x01"), User: aliceAddr, Amount: f.cp.AsEuint64(v)}
}

func TestInitializeRequiresExecutor(t *testing.T) {
	f := newFixture(t)
	for _, kind := range Kinds() {
		h := f.hook(t, kind)
		data := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, h.Address(), 1)})
		err := h.Initialize(context.Background(), aliceAddr, strategyA, data)
		if !errors.Is(err, ErrNotExecutor) {
			t.Fatalf("%s: expected NotExecutor, got %v", kind, err)
		}
	}
}

func TestInitializeRejectsProofForOtherHook(t *testing.T) {
	f := newFixture(t)
	budget := f.hook(t, KindBudget)
	wrong := f.hook(t, KindPurchaseAmount).Address()
	data := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, wrong, 1)})
	if err := budget.Initialize(context.Background(), executorAddr, strategyA, data); !errors.Is(err, fhe.ErrInvalidInputProof) {
		t.Fatalf("expected InvalidInputProof, got %v", err)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindTimeframe)
	f.initialize(t, h, 100)
	data := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, h.Address(), 200)})
	if err := h.Initialize(context.Background(), executorAddr, strategyA, data); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already initialized, got %v", err)
	}
}

func TestPreSwapOnUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.hook(t, KindFrequency).PreSwap(context.Background(), strategyA, f.input(1), time.Now())
	if !errors.Is(err, ErrStrategyNotInitialized) {
		t.Fatalf("expected StrategyNotInitialized, got %v", err)
	}
}

func TestPurchaseAmountCap(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindPurchaseAmount)
	f.initialize(t, h, 250_000)
	ctx := context.Background()

	ok, err := h.PreSwap(ctx, strategyA, f.input(250_000), time.Now())
	if err != nil || !f.clear(t, ok) {
		t.Fatalf("expected amount at cap to pass (%v)", err)
	}
	over, err := h.PreSwap(ctx, strategyA, f.input(500_000), time.Now())
	if err != nil || f.clear(t, over) {
		t.Fatalf("expected amount over cap to fail (%v)", err)
	}
}

func TestTimeframeBoundary(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindTimeframe)
	validUntil := int64(1_800_000_000)
	f.initialize(t, h, uint64(validUntil))
	ctx := context.Background()

	before, err := h.PreSwap(ctx, strategyA, f.input(1), time.Unix(validUntil-1, 0))
	if err != nil || !f.clear(t, before) {
		t.Fatalf("expected pass at validUntil-1 (%v)", err)
	}
	at, _ := h.PreSwap(ctx, strategyA, f.input(1), time.Unix(validUntil, 0))
	if !f.clear(t, at) {
		t.Fatalf("expected pass at validUntil")
	}
	after, _ := h.PreSwap(ctx, strategyA, f.input(1), time.Unix(validUntil+1, 0))
	if f.clear(t, after) {
		t.Fatalf("expected failure at validUntil+1")
	}
}

func TestFrequencyGating(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindFrequency)
	f.initialize(t, h, 3600)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	first, err := h.PreSwap(ctx, strategyA, f.input(1), t0)
	if err != nil || !f.clear(t, first) {
		t.Fatalf("expected first execution to pass (%v)", err)
	}
	// preSwap is pure: a second preview before postSwap still passes
	again, _ := h.PreSwap(ctx, strategyA, f.input(1), t0)
	if !f.clear(t, again) {
		t.Fatalf("preSwap must not mutate lastExecutedAt")
	}
	result := intent.Result{IntentID: common.HexToHash("0x01"), StrategyID: strategyA, HasPassedChecks: true}
	if err := h.PostSwap(ctx, executorAddr, strategyA, result, t0); err != nil {
		t.Fatalf("postSwap: %v", err)
	}
	second, _ := h.PreSwap(ctx, strategyA, f.input(1), t0.Add(time.Second))
	if f.clear(t, second) {
		t.Fatalf("expected second execution within frequency to fail")
	}
	third, _ := h.PreSwap(ctx, strategyA, f.input(1), t0.Add(3601*time.Second))
	if !f.clear(t, third) {
		t.Fatalf("expected execution after frequency to pass")
	}
}

func TestFrequencyNeverDueWhenIntervalWraps(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindFrequency)
	f.initialize(t, h, math.MaxUint64-10)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	result := intent.Result{IntentID: common.HexToHash("0x01"), StrategyID: strategyA, HasPassedChecks: true}
	if err := h.PostSwap(ctx, executorAddr, strategyA, result, t0); err != nil {
		t.Fatalf("postSwap: %v", err)
	}
	for _, at := range []time.Time{t0.Add(time.Second), t0.Add(100 * 365 * 24 * time.Hour)} {
		ok, err := h.PreSwap(ctx, strategyA, f.input(1), at)
		if err != nil {
			t.Fatalf("preSwap: %v", err)
		}
		if f.clear(t, ok) {
			t.Fatalf("interval wrapping past the last execution must never pass (at %s)", at)
		}
	}
}

func TestBudgetAccumulationAndCap(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindBudget)
	budget := h.(*Budget)
	f.initialize(t, h, 1_000_000)
	ctx := context.Background()
	now := time.Now()

	amounts := []uint64{250_000, 250_000, 400_000}
	var sum uint64
	for i, a := range amounts {
		ok, err := h.PreSwap(ctx, strategyA, f.input(a), now)
		if err != nil || !f.clear(t, ok) {
			t.Fatalf("intent %d expected within budget (%v)", i, err)
		}
		res := intent.Result{
			IntentID:        common.BigToHash(big.NewInt(int64(i + 1))),
			StrategyID:      strategyA,
			Amount:          f.cp.AsEuint64(a),
			HasPassedChecks: true,
		}
		if err := h.PostSwap(ctx, executorAddr, strategyA, res, now); err != nil {
			t.Fatalf("postSwap %d: %v", i, err)
		}
		sum += a
	}
	spent, err := budget.Spent(ctx, strategyA)
	if err != nil {
		t.Fatalf("spent: %v", err)
	}
	if got, _ := f.cp.Decrypt(spent.Handle()); got != sum {
		t.Fatalf("expected spent %d, got %d", sum, got)
	}
	over, _ := h.PreSwap(ctx, strategyA, f.input(100_001), now)
	if f.clear(t, over) {
		t.Fatalf("intent pushing spent over maxBudget must not pass")
	}
	exact, _ := h.PreSwap(ctx, strategyA, f.input(100_000), now)
	if !f.clear(t, exact) {
		t.Fatalf("intent reaching maxBudget exactly should pass")
	}
}

func TestBudgetPreSwapRejectsWrappingAmount(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindBudget)
	f.initialize(t, h, 1_000_000)
	ctx := context.Background()
	res := intent.Result{IntentID: common.HexToHash("0x01"), Amount: f.cp.AsEuint64(10), HasPassedChecks: true}
	if err := h.PostSwap(ctx, executorAddr, strategyA, res, time.Now()); err != nil {
		t.Fatalf("postSwap: %v", err)
	}
	wrap, _ := h.PreSwap(ctx, strategyA, f.input(math.MaxUint64-5), time.Now())
	if f.clear(t, wrap) {
		t.Fatalf("wrapping sum must not pass the budget check")
	}
}

func TestBudgetPostSwapIsIdempotentPerIntent(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindBudget)
	f.initialize(t, h, 1_000_000)
	ctx := context.Background()
	res := intent.Result{IntentID: common.HexToHash("0x01"), Amount: f.cp.AsEuint64(300_000), HasPassedChecks: true}
	for i := 0; i < 2; i++ {
		if err := h.PostSwap(ctx, executorAddr, strategyA, res, time.Now()); err != nil {
			t.Fatalf("postSwap %d: %v", i, err)
		}
	}
	rejected := intent.Result{IntentID: common.HexToHash("0x02"), Amount: f.cp.AsEuint64(300_000)}
	if err := h.PostSwap(ctx, executorAddr, strategyA, rejected, time.Now()); err != nil {
		t.Fatalf("postSwap rejected: %v", err)
	}
	spent, _ := h.(*Budget).Spent(ctx, strategyA)
	if got, _ := f.cp.Decrypt(spent.Handle()); got != 300_000 {
		t.Fatalf("expected spent 300000 after duplicate delivery, got %d", got)
	}
	if err := h.PostSwap(ctx, aliceAddr, strategyA, res, time.Now()); !errors.Is(err, ErrNotExecutor) {
		t.Fatalf("expected NotExecutor, got %v", err)
	}
}

func TestBudgetStateDoesNotGrowWithIntents(t *testing.T) {
	f := newFixture(t)
	states := NewMemoryStateStore()
	h, err := New(KindBudget, Config{Executor: executorAddr, Coprocessor: f.cp, States: states})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f.initialize(t, h, math.MaxUint64)
	ctx := context.Background()

	var size int
	for i := 1; i <= 64; i++ {
		res := intent.Result{
			IntentID:        common.BigToHash(big.NewInt(int64(i))),
			Amount:          f.cp.AsEuint64(1),
			HasPassedChecks: true,
		}
		if err := h.PostSwap(ctx, executorAddr, strategyA, res, time.Now()); err != nil {
			t.Fatalf("postSwap %d: %v", i, err)
		}
		doc, _, err := states.Load(ctx, KindBudget, strategyA)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if i == 1 {
			size = len(doc)
		} else if len(doc) != size {
			t.Fatalf("state grew from %d to %d bytes after %d intents", size, len(doc), i)
		}
	}
	spent, _ := h.(*Budget).Spent(ctx, strategyA)
	if got, _ := f.cp.Decrypt(spent.Handle()); got != 64 {
		t.Fatalf("expected spent 64, got %d", got)
	}
}

func TestUpdateMaxBudgetOwnerOnly(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindBudget)
	budget := h.(*Budget)
	f.initialize(t, h, 100)
	ctx := context.Background()

	fresh := f.external(t, h.Address(), 5_000)
	if err := budget.UpdateMaxBudget(ctx, executorAddr, strategyA, fresh); !errors.Is(err, ErrNotStrategyOwner) {
		t.Fatalf("expected NotStrategyOwner, got %v", err)
	}
	if err := budget.UpdateMaxBudget(ctx, aliceAddr, strategyA, fresh); err != nil {
		t.Fatalf("update: %v", err)
	}
	maxBudget, _ := budget.MaxBudget(ctx, strategyA)
	got, err := f.cp.UserDecrypt(maxBudget.Handle(), aliceAddr)
	if err != nil || got != 5_000 {
		t.Fatalf("expected owner-readable cap 5000, got %d (%v)", got, err)
	}
}

func TestUpdateMaxPurchaseAmount(t *testing.T) {
	f := newFixture(t)
	h := f.hook(t, KindPurchaseAmount)
	f.initialize(t, h, 100)
	ctx := context.Background()
	pa, _ := f.dir.PurchaseAmount()
	if err := pa.UpdateMaxPurchaseAmount(ctx, aliceAddr, strategyA, f.external(t, h.Address(), 1_000)); err != nil {
		t.Fatalf("update: %v", err)
	}
	ok, _ := h.PreSwap(ctx, strategyA, f.input(900), time.Now())
	if !f.clear(t, ok) {
		t.Fatalf("expected raised cap to admit 900")
	}
}

func TestInitDataRoundTrip(t *testing.T) {
	var h fhe.Handle
	h[0], h[30] = 7, byte(fhe.KindUint64)
	in := InitData{Owner: aliceAddr, Param: fhe.External{Handle: h, Proof: []byte{1, 2, 3}}}
	out, err := DecodeInitData(EncodeInitData(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Owner != in.Owner || out.Param.Handle != h || string(out.Param.Proof) != string(in.Param.Proof) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if _, err := DecodeInitData([]byte{1, 2}); !errors.Is(err, ErrMalformedInitData) {
		t.Fatalf("expected malformed init data, got %v", err)
	}
	truncated := EncodeInitData(in)
	if _, err := DecodeInitData(truncated[:len(truncated)-1]); !errors.Is(err, ErrMalformedInitData) {
		t.Fatalf("expected proof length mismatch, got %v", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cp, _ := mockfhe.New()
	if _, err := New(Kind(99), Config{Coprocessor: cp}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		if err != nil || parsed != k {
			t.Fatalf("parse kind %s: %v", k, err)
		}
	}
}

func TestInitializeAllRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	budget := f.hook(t, KindBudget)
	frequency := f.hook(t, KindFrequency)
	good := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, budget.Address(), 10)})
	bad := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, budget.Address(), 10)})
	ctx := context.Background()

	err := InitializeAll(ctx, executorAddr, strategyA, []Step{{budget, good}, {frequency, bad}})
	if !errors.Is(err, fhe.ErrInvalidInputProof) {
		t.Fatalf("expected InvalidInputProof from second hook, got %v", err)
	}
	if _, err := budget.PreSwap(ctx, strategyA, f.input(1), time.Now()); !errors.Is(err, ErrStrategyNotInitialized) {
		t.Fatalf("expected budget state rolled back, got %v", err)
	}
	again := EncodeInitData(InitData{Owner: aliceAddr, Param: f.external(t, frequency.Address(), 60)})
	if err := InitializeAll(ctx, executorAddr, strategyA, []Step{{budget, good}, {frequency, again}}); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
}
