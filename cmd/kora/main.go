// Command kora launches the confidential DCA batch engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc"

	httpserver "github.com/coachpo/kora/internal/infra/server/http"
	"github.com/coachpo/kora/internal/infra/config"
	"github.com/coachpo/kora/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	koraLoggerPrefix         = "kora "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	relayerShutdownTimeout   = 10 * time.Second
	dataBusShutdownTimeout   = 2 * time.Second
	storageShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	defaultTokenTTL          = 24 * time.Hour
)

type flags struct {
	configPath string
	issueToken string
	tokenTTL   time.Duration
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newKoraLogger()

	appCfg, err := config.Load(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, kms=%s, database=%t, redis=%t",
		appCfg.Environment, appCfg.KMS.Mode, appCfg.Database.Enabled, appCfg.Redis.Enabled)

	if opts.issueToken != "" {
		if err := printToken(appCfg, opts.issueToken, opts.tokenTTL); err != nil {
			logger.Fatalf("issue token: %v", err)
		}
		return
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	rt, err := assemble(ctx, appCfg, logger)
	if err != nil {
		logger.Fatalf("assemble engine: %v", err)
	}
	logger.Printf("engine %s ready: owner=%s, signers=%d, threshold=%d",
		rt.engine.Address().Hex(), rt.controls.Owner().Hex(),
		len(rt.controls.Signers().Signers()), rt.controls.Signers().Threshold())

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, rt.handler)
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", apiServer.Addr)
	lifecycle.Go(func() {
		watchExpired(ctx, rt.engine, appCfg.Executor.ExpiryCheckInterval, logger)
	})

	logger.Print("kora started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()
	runShutdown(shutdownCtx, logger, shutdownPlan(apiServer, cancel, &lifecycle, rt, telemetryProvider))
	logger.Printf("shutdown completed in %v", time.Since(start))
}

func parseFlags() flags {
	var opts flags
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.issueToken, "issue-token", "", "Print a signed API token for the given account address and exit")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", defaultTokenTTL, "Validity of tokens printed by -issue-token")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newKoraLogger() *log.Logger {
	return log.New(os.Stdout, koraLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func printToken(cfg config.AppConfig, account string, ttl time.Duration) error {
	if !common.IsHexAddress(account) {
		return fmt.Errorf("invalid account %q", account)
	}
	token, err := httpserver.NewAuthenticator(cfg.APIServer.JWTSecret).IssueToken(common.HexToAddress(account), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

type shutdownStep struct {
	name    string
	timeout time.Duration
	run     func(context.Context) error
}

// shutdownPlan orders teardown from the API inward; telemetry goes last so earlier
// steps can still report.
func shutdownPlan(server *http.Server, cancel context.CancelFunc, lifecycle *conc.WaitGroup, rt *node, tp *telemetry.Provider) []shutdownStep {
	var steps []shutdownStep
	if server != nil {
		steps = append(steps, shutdownStep{"stopping control server", apiServerShutdownTimeout, server.Shutdown})
	}
	steps = append(steps, shutdownStep{"stopping background loops", lifecycleShutdownTimeout, func(ctx context.Context) error {
		if cancel != nil {
			cancel()
		}
		if lifecycle == nil {
			return nil
		}
		return waitFor(ctx, lifecycle.Wait)
	}})
	if rt != nil {
		if rt.relayer != nil {
			steps = append(steps, shutdownStep{"draining kms relayer", relayerShutdownTimeout, rt.relayer.Shutdown})
		}
		if rt.bus != nil {
			steps = append(steps, shutdownStep{"closing event bus", dataBusShutdownTimeout, func(ctx context.Context) error {
				return waitFor(ctx, rt.bus.Close)
			}})
		}
		steps = append(steps, shutdownStep{"closing storage", storageShutdownTimeout, func(context.Context) error {
			return rt.closeStorage()
		}})
	}
	if tp != nil {
		steps = append(steps, shutdownStep{"shutting down telemetry", telemetryShutdownTimeout, tp.Shutdown})
	}
	return steps
}

// runShutdown runs every step in order. A failing step is logged and does not stop
// the ones after it.
func runShutdown(ctx context.Context, logger *log.Logger, steps []shutdownStep) {
	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		logger.Printf("shutdown: %s...", step.name)
		if err := step.run(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", step.name, err)
		} else {
			logger.Printf("shutdown: %s completed", step.name)
		}
		cancel()
	}
}

// waitFor runs fn and returns once it finishes or ctx ends, whichever is first.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
