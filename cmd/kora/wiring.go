package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/coachpo/kora/internal/app/executor"
	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/app/registry"
	"github.com/coachpo/kora/internal/app/token"
	"github.com/coachpo/kora/internal/domain/events"
	"github.com/coachpo/kora/internal/domain/outboxstore"
	"github.com/coachpo/kora/internal/infra/bus/eventbus"
	"github.com/coachpo/kora/internal/infra/config"
	"github.com/coachpo/kora/internal/infra/database"
	"github.com/coachpo/kora/internal/infra/fhe/mockfhe"
	"github.com/coachpo/kora/internal/infra/kms"
	"github.com/coachpo/kora/internal/infra/persistence"
	"github.com/coachpo/kora/internal/infra/persistence/migrations"
	"github.com/coachpo/kora/internal/infra/persistence/postgres"
	"github.com/coachpo/kora/internal/infra/persistence/redisledger"
	httpserver "github.com/coachpo/kora/internal/infra/server/http"
	"github.com/coachpo/kora/internal/infra/venue/amm"
)

const mainPoolName = "kora"

// node holds every assembled component of a running engine.
type node struct {
	engine   *executor.Engine
	controls *executor.Controls
	registry *registry.Registry
	cp       *mockfhe.Coprocessor
	bus      eventbus.Bus
	relayer  *kms.Relayer
	handler  http.Handler

	stores persistence.Stores
	redis  *redisledger.Ledger
}

// assemble builds the engine and its surroundings from configuration. It does not
// start listening.
func assemble(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			_ = n.closeStorage()
		}
	}()

	st, err := buildStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	n.stores = st

	ledger, err := buildLedger(ctx, cfg.Redis, n)
	if err != nil {
		return nil, err
	}

	n.bus = newEventBus(cfg.Eventbus, st.Outbox, logger)
	emitter := events.NewEmitter(n.bus, events.WithLogger(logger))

	n.cp, err = mockfhe.New()
	if err != nil {
		return nil, fmt.Errorf("coprocessor: %w", err)
	}

	var requester oracle.Requester
	var signers *oracle.SignerSet
	switch cfg.KMS.Mode {
	case config.KMSLocal:
		keys, err := kms.ParseKeys(cfg.KMS.SignerKeys)
		if err != nil {
			return nil, fmt.Errorf("kms keys: %w", err)
		}
		n.relayer, err = kms.New(n.cp, keys, cfg.KMS.Threshold,
			kms.WithLogger(log.New(logger.Writer(), "kms ", logger.Flags())),
			kms.WithPool(cfg.KMS.Workers, cfg.KMS.QueueSize),
			kms.WithRetry(cfg.KMS.MaxAttempts, cfg.KMS.InitialInterval, cfg.KMS.MaxInterval),
			kms.WithLatency(cfg.KMS.Latency),
		)
		if err != nil {
			return nil, fmt.Errorf("kms relayer: %w", err)
		}
		signers, err = oracle.NewSignerSet(n.relayer.Signers(), n.relayer.Threshold())
		if err != nil {
			return nil, fmt.Errorf("signer set: %w", err)
		}
		requester = n.relayer
	case config.KMSExternal:
		signers, err = oracle.NewSignerSet(cfg.KMS.SignerAddresses(), cfg.KMS.Threshold)
		if err != nil {
			return nil, fmt.Errorf("signer set: %w", err)
		}
		requester = oracle.NewAnnouncer(log.New(logger.Writer(), "oracle ", logger.Flags()))
	default:
		return nil, fmt.Errorf("unsupported kms mode %q", cfg.KMS.Mode)
	}

	n.controls, err = executor.NewControls(cfg.Executor.OwnerValue(), signers, emitter)
	if err != nil {
		return nil, fmt.Errorf("controls: %w", err)
	}

	engineAddr := cfg.Executor.AddressValue()
	dir, err := hooks.NewStandardDirectory(hooks.Config{
		Executor:    engineAddr,
		Coprocessor: n.cp,
		States:      st.HookStates,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}

	n.registry, err = registry.New(registry.Config{
		Executor: engineAddr,
		Store:    st.Strategies,
		Hooks:    dir,
		Guard:    n.controls,
		Emitter:  emitter,
		MaxHooks: cfg.Executor.MaxHooks,
		Logger:   log.New(logger.Writer(), "registry ", logger.Flags()),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	token0 := token.NewLedger(cfg.Tokens.Token0.Symbol, cfg.Tokens.Token0.Decimals, n.cp)
	token1 := token.NewLedger(cfg.Tokens.Token1.Symbol, cfg.Tokens.Token1.Decimals, n.cp)
	reserves, err := cfg.Venue.Reserves(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("venue: %w", err)
	}
	pool, err := amm.NewPool(reserves[0], reserves[1], cfg.Venue.FeeBps)
	if err != nil {
		return nil, fmt.Errorf("venue: %w", err)
	}

	n.engine, err = executor.New(executor.Config{
		Address:               engineAddr,
		Coprocessor:           n.cp,
		Registry:              n.registry,
		Token0:                token0,
		Token1:                token1,
		Venue:                 pool,
		Ledger:                ledger,
		Requester:             requester,
		Controls:              n.controls,
		Batches:               st.Batches,
		Emitter:               emitter,
		MaxBatchSize:          cfg.Executor.MaxBatchSize,
		MinSwapDeadlineBuffer: cfg.Executor.MinSwapDeadlineBuffer,
		PendingTimeout:        cfg.Executor.PendingTimeout,
		SlippageBps:           cfg.Executor.SlippageBps,
		Logger:                log.New(logger.Writer(), "executor ", logger.Flags()),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if n.relayer != nil {
		n.relayer.Attach(n.engine)
	}

	n.handler = httpserver.NewHandler(httpserver.Deps{
		Environment: cfg.Environment,
		Engine:      n.engine,
		Strategies:  n.registry,
		Controls:    n.controls,
		Tokens:      []*token.Ledger{token0, token1},
		Venue:       pool,
		FHE:         n.cp,
		Bus:         n.bus,
		Auth:        httpserver.NewAuthenticator(cfg.APIServer.JWTSecret),
		Limiter:     httpserver.NewRateLimiter(cfg.APIServer.RateLimit, cfg.APIServer.RateBurst),
		Logger:      log.New(logger.Writer(), "http ", logger.Flags()),
	})
	return n, nil
}

func buildStores(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (persistence.Stores, error) {
	if !cfg.Enabled {
		logger.Print("database disabled; strategies, batches and hook state stay in memory")
		return persistence.InMemory(), nil
	}
	if cfg.RunMigrations {
		if err := migrations.Up(ctx, cfg.DSN, migrations.Embedded(), logger); err != nil {
			return persistence.Stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := database.Open(ctx, cfg, database.DefaultConnectTimeout, logger)
	if err != nil {
		return persistence.Stores{}, fmt.Errorf("open database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, mainPoolName)
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	st := postgres.New(pool).Stores()
	if err := st.RequireFresh(ctx); err != nil {
		st.Close()
		return persistence.Stores{}, fmt.Errorf("database: %w", err)
	}
	return st, nil
}

func buildLedger(ctx context.Context, cfg config.RedisConfig, n *node) (oracle.Ledger, error) {
	if !cfg.Enabled {
		return oracle.NewMemoryLedger(), nil
	}
	var opts []redisledger.Option
	if cfg.Prefix != "" {
		opts = append(opts, redisledger.WithPrefix(cfg.Prefix))
	}
	ledger, err := redisledger.Dial(ctx, cfg.Addr, cfg.Password, cfg.DB, opts...)
	if err != nil {
		return nil, fmt.Errorf("redis ledger: %w", err)
	}
	n.redis = ledger
	return ledger, nil
}

// newEventBus layers the outbox over the in-memory bus when a store is available.
func newEventBus(cfg config.EventbusConfig, outbox outboxstore.Store, logger *log.Logger) eventbus.Bus {
	memoryBus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:      cfg.BufferSize,
		FanoutWorkers:   cfg.FanoutWorkerCount(),
		PayloadCapBytes: cfg.PayloadCapBytes,
	})
	if outbox == nil {
		return memoryBus
	}
	return eventbus.NewDurableBus(memoryBus, outbox,
		eventbus.WithDurableLogger(log.New(logger.Writer(), "outbox ", logger.Flags())),
		eventbus.WithReplayInterval(cfg.ReplayInterval),
		eventbus.WithReplayBatchSize(cfg.ReplayBatchSize),
		eventbus.WithReplayMaxAttempts(cfg.ReplayMaxAttempts),
		eventbus.WithRetryDelay(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		eventbus.WithRetention(cfg.OutboxRetention),
		eventbus.WithPayloadCapBytes(cfg.PayloadCapBytes),
	)
}

func (n *node) closeStorage() error {
	var errs []error
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
		n.redis = nil
	}
	n.stores.Close()
	return errors.Join(errs...)
}
