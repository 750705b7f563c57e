package registry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/fhe/mockfhe"
	"github.com/coachpo/kora/internal/infra/persistence/memory"
)

var (
	executorAddr = common.HexToAddress("0x000000000000000000000000000000000000e0e0")
	userAddr     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	salt         = common.HexToHash("0x5a17")
)

type stubGuard struct{ err error }

func (g *stubGuard) RequireNotPaused() error { return g.err }

type fixture struct {
	cp       *mockfhe.Coprocessor
	dir      *hooks.Directory
	reg      *Registry
	guard    *stubGuard
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cp, err := mockfhe.New()
	if err != nil {
		t.Fatalf("coprocessor: %v", err)
	}
	dir, err := hooks.NewStandardDirectory(hooks.Config{Executor: executorAddr, Coprocessor: cp}, nil)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	f := &fixture{cp: cp, dir: dir, guard: &stubGuard{}, recorder: &events.Recorder{}}
	f.reg, err = New(Config{
		Executor: executorAddr,
		Store:    memory.NewStrategyStore(),
		Hooks:    dir,
		Guard:    f.guard,
		Emitter:  events.NewEmitter(f.recorder, events.WithLogger(log.New(io.Discard, "", 0))),
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return f
}

func (f *fixture) init(t *testing.T, kind hooks.Kind, owner common.Address, v uint64) strategy.HookInit {
	t.Helper()
	h, ok := f.dir.ByKind(kind)
	if !ok {
		t.Fatalf("no %s hook", kind)
	}
	in, err := f.cp.EncryptInput(h.Address(), owner, v)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return strategy.HookInit{Hook: h.Address(), Data: hooks.EncodeInitData(hooks.InitData{Owner: owner, Param: in[0]})}
}

func (f *fixture) inits(t *testing.T) []strategy.HookInit {
	return []strategy.HookInit{
		f.init(t, hooks.KindBudget, userAddr, 1_000),
		f.init(t, hooks.KindPurchaseAmount, userAddr, 100),
	}
}

func TestCreateStrategyRegistersAndEmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reg.CreateStrategy(ctx, userAddr, f.inits(t), salt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != f.reg.ComputeStrategyID(userAddr, salt) {
		t.Fatalf("id mismatch")
	}
	s, hs, err := f.reg.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.User != userAddr || len(hs) != 2 || hs[0].Kind() != hooks.KindBudget {
		t.Fatalf("unexpected resolution %+v %v", s, hs)
	}
	list, err := f.reg.StrategiesOf(ctx, userAddr)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one strategy for user, got %d (%v)", len(list), err)
	}
	total, err := f.reg.TotalStrategies(ctx)
	if err != nil || total != 1 {
		t.Fatalf("expected total 1, got %d (%v)", total, err)
	}
	evts := f.recorder.OfType(events.TypeStrategyCreated)
	if len(evts) != 1 || evts[0].Payload.(events.StrategyCreated).StrategyID != id {
		t.Fatalf("expected StrategyCreated for %s, got %+v", id.Hex(), evts)
	}
}

func TestCreateStrategyRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.CreateStrategy(ctx, userAddr, f.inits(t), salt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.reg.CreateStrategy(ctx, userAddr, f.inits(t), salt); !errors.Is(err, strategy.ErrDuplicateStrategy) {
		t.Fatalf("expected DuplicateStrategy, got %v", err)
	}
}

func TestCreateStrategyValidatesHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tooMany := make([]strategy.HookInit, DefaultMaxHooks+1)
	if _, err := f.reg.CreateStrategy(ctx, userAddr, tooMany, salt); !errors.Is(err, strategy.ErrTooManyHooks) {
		t.Fatalf("expected TooManyHooks, got %v", err)
	}
	unknown := []strategy.HookInit{{Hook: common.HexToAddress("0xbeef")}}
	if _, err := f.reg.CreateStrategy(ctx, userAddr, unknown, salt); !errors.Is(err, strategy.ErrHookNotAContract) {
		t.Fatalf("expected HookNotAContract, got %v", err)
	}
	if _, err := f.reg.CreateStrategy(ctx, common.Address{}, nil, salt); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ZeroAddress, got %v", err)
	}
}

func TestFailedInitializationLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.init(t, hooks.KindBudget, userAddr, 1_000)
	forged := f.init(t, hooks.KindPurchaseAmount, userAddr, 100)
	decoded, err := hooks.DecodeInitData(forged.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	decoded.Owner = common.HexToAddress("0x0b0b")
	forged.Data = hooks.EncodeInitData(decoded)

	if _, err := f.reg.CreateStrategy(ctx, userAddr, []strategy.HookInit{good, forged}, salt); !errors.Is(err, fhe.ErrInvalidInputProof) {
		t.Fatalf("expected InvalidInputProof, got %v", err)
	}
	if total, _ := f.reg.TotalStrategies(ctx); total != 0 {
		t.Fatalf("nothing may be persisted, got %d strategies", total)
	}
	if _, err := f.reg.CreateStrategy(ctx, userAddr, f.inits(t), salt); err != nil {
		t.Fatalf("retry after failed initialization: %v", err)
	}
}

func TestPausedRegistryRejectsCreation(t *testing.T) {
	f := newFixture(t)
	f.guard.err = errors.New("paused")
	if _, err := f.reg.CreateStrategy(context.Background(), userAddr, f.inits(t), salt); err == nil {
		t.Fatalf("expected pause guard to reject creation")
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.reg.Resolve(context.Background(), common.HexToHash("0x01")); !errors.Is(err, strategy.ErrNonExistentStrategy) {
		t.Fatalf("expected NonExistentStrategy, got %v", err)
	}
}
