// Package registry records DCA strategies and initializes their hooks.
package registry

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
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/strategy"
)

// DefaultMaxHooks bounds the hook list of a strategy.
const DefaultMaxHooks = 6

var ErrZeroAddress = errs.Domain("registry", errs.CodeInvalid, errs.CanonicalZeroAddress)

// PauseGuard gates the entry points behind the administrative pause flag.
type PauseGuard interface {
	RequireNotPaused() error
}

// Config wires a Registry.
type Config struct {
	// Executor is the identity the registry acts as when initializing hooks.
	Executor common.Address
	Store    strategy.Store
	Hooks    *hooks.Directory
	Guard    PauseGuard
	Emitter  *events.Emitter
	MaxHooks int
	Clock    func() time.Time
	Logger   *log.Logger
}

// Registry creates strategies and resolves their hooks.
type Registry struct {
	executor common.Address
	store    strategy.Store
	hooks    *hooks.Directory
	guard    PauseGuard
	emitter  *events.Emitter
	maxHooks int
	clock    func() time.Time
	logger   *log.Logger

	// createMu serialises the duplicate check with hook initialization.
	createMu sync.Mutex
}

// New validates cfg and constructs a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: strategy store required")
	}
	if cfg.Hooks == nil {
		return nil, fmt.Errorf("registry: hook directory required")
	}
	if cfg.MaxHooks <= 0 {
		cfg.MaxHooks = DefaultMaxHooks
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "registry ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Registry{
		executor: cfg.Executor,
		store:    cfg.Store,
		hooks:    cfg.Hooks,
		guard:    cfg.Guard,
		emitter:  cfg.Emitter,
		maxHooks: cfg.MaxHooks,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// ComputeStrategyID returns the id CreateStrategy assigns for (user, salt).
func (r *Registry) ComputeStrategyID(user common.Address, salt common.Hash) common.Hash {
	return strategy.ComputeID(user, salt)
}

// CreateStrategy registers a strategy for user and initializes its hooks in list
// order. Nothing is persisted when any initialization fails.
func (r *Registry) CreateStrategy(ctx context.Context, user common.Address, inits []strategy.HookInit, salt common.Hash) (common.Hash, error) {
	if r.guard != nil {
		if err := r.guard.RequireNotPaused(); err != nil {
			return common.Hash{}, err
		}
	}
	if user == (common.Address{}) {
		return common.Hash{}, ErrZeroAddress.With(errs.WithField("param", "user"))
	}
	if len(inits) > r.maxHooks {
		return common.Hash{}, strategy.ErrTooManyHooks.With(
			errs.WithField("count", strconv.Itoa(len(inits))),
			errs.WithField("max", strconv.Itoa(r.maxHooks)))
	}
	steps := make([]hooks.Step, 0, len(inits))
	addrs := make([]common.Address, 0, len(inits))
	for _, init := range inits {
		h, ok := r.hooks.Lookup(init.Hook)
		if !ok {
			return common.Hash{}, strategy.ErrHookNotAContract.With(errs.WithField("hook", init.Hook.Hex()))
		}
		steps = append(steps, hooks.Step{Hook: h, Data: init.Data})
		addrs = append(addrs, init.Hook)
	}

	id := strategy.ComputeID(user, salt)

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if _, err := r.store.Get(ctx, id); err == nil {
		return common.Hash{}, strategy.ErrDuplicateStrategy.With(errs.WithField("strategy", id.Hex()))
	} else if !errors.Is(err, strategy.ErrNonExistentStrategy) {
		return common.Hash{}, fmt.Errorf("lookup strategy %s: %w", id.Hex(), err)
	}

	if err := hooks.InitializeAll(ctx, r.executor, id, steps); err != nil {
		return common.Hash{}, err
	}
	record := strategy.Strategy{
		ID:        id,
		User:      user,
		CreatedAt: r.clock().UTC(),
		Hooks:     addrs,
	}
	if err := r.store.Create(ctx, record); err != nil {
		hooks.Discard(ctx, id, steps)
		return common.Hash{}, fmt.Errorf("persist strategy %s: %w", id.Hex(), err)
	}
	r.emitter.Emit(ctx, events.TypeStrategyCreated, "strategy", id.Hex(), events.StrategyCreated{
		StrategyID: id,
		User:       user,
		Hooks:      addrs,
		CreatedAt:  record.CreatedAt,
	})
	r.logger.Printf("strategy %s created for %s with %d hooks", id.Hex(), user.Hex(), len(addrs))
	return id, nil
}

// Strategy returns the registered strategy.
func (r *Registry) Strategy(ctx context.Context, id common.Hash) (strategy.Strategy, error) {
	return r.store.Get(ctx, id)
}

// StrategiesOf lists the strategies registered for user.
func (r *Registry) StrategiesOf(ctx context.Context, user common.Address) ([]strategy.Strategy, error) {
	return r.store.ListByUser(ctx, user)
}

// TotalStrategies counts registered strategies.
func (r *Registry) TotalStrategies(ctx context.Context) (uint64, error) {
	return r.store.Count(ctx)
}

// Resolve returns the strategy and its hook instances in registration order.
func (r *Registry) Resolve(ctx context.Context, id common.Hash) (strategy.Strategy, []hooks.Hook, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return strategy.Strategy{}, nil, err
	}
	resolved := make([]hooks.Hook, 0, len(s.Hooks))
	for _, addr := range s.Hooks {
		h, ok := r.hooks.Lookup(addr)
		if !ok {
			return strategy.Strategy{}, nil, strategy.ErrHookNotAContract.With(
				errs.WithField("hook", addr.Hex()), errs.WithField("strategy", id.Hex()))
		}
		resolved = append(resolved, h)
	}
	return s, resolved, nil
}

// Hooks exposes the hook directory.
func (r *Registry) Hooks() *hooks.Directory { return r.hooks }
