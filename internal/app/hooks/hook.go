// Package hooks implements the closed set of encrypted strategy constraints:
// Budget, PurchaseAmount, Timeframe and Frequency.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
)

// Kind tags a hook variant.
type Kind uint8

const (
	KindBudget Kind = iota + 1
	KindPurchaseAmount
	KindTimeframe
	KindFrequency
)

// Kinds lists every hook variant.
func Kinds() []Kind {
	return []Kind{KindBudget, KindPurchaseAmount, KindTimeframe, KindFrequency}
}

func (k Kind) String() string {
	switch k {
	case KindBudget:
		return "budget"
	case KindPurchaseAmount:
		return "purchase_amount"
	case KindTimeframe:
		return "timeframe"
	case KindFrequency:
		return "frequency"
	default:
		return fmt.Sprintf("hook(%d)", uint8(k))
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown hook kind %q", s)
}

// DefaultAddress derives the well-known address of a hook variant.
func DefaultAddress(k Kind) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("kora.hook." + k.String()))[12:])
}

var (
	ErrNotExecutor            = errs.Domain("hooks", errs.CodeAuth, errs.CanonicalNotExecutor)
	ErrNotStrategyOwner       = errs.Domain("hooks", errs.CodeAuth, errs.CanonicalNotStrategyOwner)
	ErrStrategyNotInitialized = errs.Domain("hooks", errs.CodeNotFound, errs.CanonicalStrategyNotInitialized)
	ErrAlreadyInitialized     = errs.New("hooks", errs.CodeConflict, errs.WithMessage("strategy already initialized"))
)

// Input is what a hook sees of an intent during PreSwap.
type Input struct {
	IntentID common.Hash
	User     common.Address
	Amount   fhe.Euint64
}

// Hook is the lifecycle shared by every variant. The set is sealed.
type Hook interface {
	Kind() Kind
	Address() common.Address
	// Initialize stores the strategy's initial encrypted parameter. Executor only.
	Initialize(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) error
	// PreSwap evaluates the constraint without mutating state.
	PreSwap(ctx context.Context, strategyID common.Hash, in Input, now time.Time) (fhe.Ebool, error)
	// PostSwap commits the effect of an accepted intent. Executor only.
	PostSwap(ctx context.Context, caller common.Address, strategyID common.Hash, result intent.Result, now time.Time) error

	core() *base
}

// Config wires a hook instance.
type Config struct {
	Address     common.Address
	Executor    common.Address
	Coprocessor fhe.Coprocessor
	States      StateStore
}

// New constructs the hook variant for kind.
func New(kind Kind, cfg Config) (Hook, error) {
	if cfg.Coprocessor == nil {
		return nil, fmt.Errorf("hooks: coprocessor required")
	}
	if cfg.States == nil {
		cfg.States = NewMemoryStateStore()
	}
	if cfg.Address == (common.Address{}) {
		cfg.Address = DefaultAddress(kind)
	}
	var h Hook
	var b *base
	switch kind {
	case KindBudget:
		v := new(Budget)
		h, b = v, &v.base
	case KindPurchaseAmount:
		v := new(PurchaseAmount)
		h, b = v, &v.base
	case KindTimeframe:
		v := new(Timeframe)
		h, b = v, &v.base
	case KindFrequency:
		v := new(Frequency)
		h, b = v, &v.base
	default:
		return nil, fmt.Errorf("hooks: unknown kind %d", uint8(kind))
	}
	b.kind = kind
	b.addr = cfg.Address
	b.executor = cfg.Executor
	b.cp = cfg.Coprocessor
	b.states = cfg.States
	return h, nil
}

type base struct {
	// mu serialises state writes so concurrent callbacks never lose an update.
	mu       sync.Mutex
	kind     Kind
	addr     common.Address
	executor common.Address
	cp       fhe.Coprocessor
	states   StateStore
}

func (b *base) Kind() Kind              { return b.kind }
func (b *base) Address() common.Address { return b.addr }
func (b *base) core() *base             { return b }

func (b *base) onlyExecutor(caller common.Address) error {
	if caller != b.executor {
		return ErrNotExecutor.With(errs.WithField("caller", caller.Hex()), errs.WithField("hook", b.kind.String()))
	}
	return nil
}

// importParam runs the executor check, decodes the initializer and verifies its proof.
func (b *base) importParam(ctx context.Context, caller common.Address, strategyID common.Hash, data []byte) (common.Address, fhe.Euint64, error) {
	if err := b.onlyExecutor(caller); err != nil {
		return common.Address{}, fhe.Euint64{}, err
	}
	init, err := DecodeInitData(data)
	if err != nil {
		return common.Address{}, fhe.Euint64{}, err
	}
	_, found, err := b.states.Load(ctx, b.kind, strategyID)
	if err != nil {
		return common.Address{}, fhe.Euint64{}, err
	}
	if found {
		return common.Address{}, fhe.Euint64{}, ErrAlreadyInitialized.With(errs.WithField("strategy", strategyID.Hex()))
	}
	param, err := b.cp.FromExternal(init.Param, b.addr, init.Owner)
	if err != nil {
		return common.Address{}, fhe.Euint64{}, err
	}
	if err := b.cp.Allow(param.Handle(), init.Owner); err != nil {
		return common.Address{}, fhe.Euint64{}, err
	}
	return init.Owner, param, nil
}

// Step is one hook initialization of a strategy creation.
type Step struct {
	Hook Hook
	Data []byte
}

// InitializeAll initializes steps in order. When a step fails, state written by the
// earlier steps is discarded so the strategy can be created again.
func InitializeAll(ctx context.Context, caller common.Address, strategyID common.Hash, steps []Step) error {
	for i, step := range steps {
		if err := step.Hook.Initialize(ctx, caller, strategyID, step.Data); err != nil {
			Discard(ctx, strategyID, steps[:i])
			return fmt.Errorf("initialize hook %d (%s): %w", i, step.Hook.Kind(), err)
		}
	}
	return nil
}

// Discard drops the state the given steps wrote for strategyID.
func Discard(ctx context.Context, strategyID common.Hash, steps []Step) {
	for _, step := range steps {
		b := step.Hook.core()
		b.mu.Lock()
		_ = b.states.Delete(ctx, b.kind, strategyID)
		b.mu.Unlock()
	}
}

func (b *base) notInitialized(strategyID common.Hash) error {
	return ErrStrategyNotInitialized.With(errs.WithField("strategy", strategyID.Hex()), errs.WithField("hook", b.kind.String()))
}

func (b *base) onlyOwner(caller, owner common.Address) error {
	if caller != owner {
		return ErrNotStrategyOwner.With(errs.WithField("caller", caller.Hex()), errs.WithField("hook", b.kind.String()))
	}
	return nil
}

func unixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
