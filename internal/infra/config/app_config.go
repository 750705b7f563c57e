// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/kora/internal/infra/bus/eventbus"
	"github.com/coachpo/kora/internal/numeric"
)

// EventbusConfig sets in-memory event bus sizing and outbox replay characteristics.
type EventbusConfig struct {
	BufferSize        int                 `yaml:"bufferSize"`
	FanoutWorkers     FanoutWorkerSetting `yaml:"fanoutWorkers"`
	PayloadCapBytes   int                 `yaml:"payloadCapBytes"`
	ReplayInterval    time.Duration       `yaml:"replayInterval"`
	ReplayBatchSize   int                 `yaml:"replayBatchSize"`
	ReplayMaxAttempts int                 `yaml:"replayMaxAttempts"`
	RetryBaseDelay    time.Duration       `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration       `yaml:"retryMaxDelay"`
	OutboxRetention   time.Duration       `yaml:"outboxRetention"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fanout worker configuration allowing both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// ExecutorConfig controls the batch engine identity and limits.
type ExecutorConfig struct {
	Address               string        `yaml:"address"`
	Owner                 string        `yaml:"owner"`
	MaxBatchSize          int           `yaml:"maxBatchSize"`
	MaxHooks              int           `yaml:"maxHooks"`
	MinSwapDeadlineBuffer time.Duration `yaml:"minSwapDeadlineBuffer"`
	PendingTimeout        time.Duration `yaml:"pendingTimeout"`
	SlippageBps           uint64        `yaml:"slippageBps"`
	ExpiryCheckInterval   time.Duration `yaml:"expiryCheckInterval"`
}

// AddressValue returns the parsed engine address.
func (c ExecutorConfig) AddressValue() common.Address { return common.HexToAddress(c.Address) }

// OwnerValue returns the parsed administrative owner.
func (c ExecutorConfig) OwnerValue() common.Address { return common.HexToAddress(c.Owner) }

// KMSConfig configures the threshold decryption oracle.
type KMSConfig struct {
	Mode KMSMode `yaml:"mode"`
	// SignerKeys are hex secp256k1 private keys used by the local relayer.
	SignerKeys []string `yaml:"signerKeys"`
	// Signers are the accepted signer addresses in external mode.
	Signers         []string      `yaml:"signers"`
	Threshold       int           `yaml:"threshold"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queueSize"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Latency         time.Duration `yaml:"latency"`
}

// VenueConfig seeds the constant-product pool. Reserves are decimal token amounts.
type VenueConfig struct {
	Reserve0 string `yaml:"reserve0"`
	Reserve1 string `yaml:"reserve1"`
	FeeBps   uint64 `yaml:"feeBps"`
}

// TokenConfig describes one side of the trading pair.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// TokensConfig names the input and output tokens.
type TokensConfig struct {
	Token0 TokenConfig `yaml:"token0"`
	Token1 TokenConfig `yaml:"token1"`
}

// APIServerConfig configures the engine's HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecret signs caller tokens; empty trusts the X-Kora-Caller header (dev only).
	JWTSecret         string        `yaml:"jwtSecret"`
	RateLimit         float64       `yaml:"rateLimit"`
	RateBurst         int           `yaml:"rateBurst"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour. When disabled
// the engine keeps strategies, batches and hook state in memory.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/kora"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 || c.MaxConnIdleTime <= 0 || c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("connection lifetimes must be >0")
	}
	return nil
}

// RedisConfig points the decryption request ledger at Redis. When disabled the ledger
// lives in memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AppConfig is the unified Kora application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Executor    ExecutorConfig  `yaml:"executor"`
	KMS         KMSConfig       `yaml:"kms"`
	Venue       VenueConfig     `yaml:"venue"`
	Tokens      TokensConfig    `yaml:"tokens"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, normalises and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Executor.Address = strings.TrimSpace(c.Executor.Address)
	c.Executor.Owner = strings.TrimSpace(c.Executor.Owner)
	if c.Executor.MaxBatchSize <= 0 {
		c.Executor.MaxBatchSize = 6
	}
	if c.Executor.MaxHooks <= 0 {
		c.Executor.MaxHooks = 6
	}
	if c.Executor.MinSwapDeadlineBuffer <= 0 {
		c.Executor.MinSwapDeadlineBuffer = 5 * time.Minute
	}
	if c.Executor.PendingTimeout <= 0 {
		c.Executor.PendingTimeout = 24 * time.Hour
	}
	if c.Executor.ExpiryCheckInterval <= 0 {
		c.Executor.ExpiryCheckInterval = time.Minute
	}

	c.KMS.Mode = KMSMode(normalizeIdentifier(string(c.KMS.Mode)))
	if c.KMS.Mode == "" {
		c.KMS.Mode = KMSLocal
	}
	c.KMS.SignerKeys = trimAll(c.KMS.SignerKeys)
	c.KMS.Signers = trimAll(c.KMS.Signers)
	if c.KMS.Workers <= 0 {
		c.KMS.Workers = 4
	}
	if c.KMS.QueueSize <= 0 {
		c.KMS.QueueSize = 64
	}
	if c.KMS.MaxAttempts <= 0 {
		c.KMS.MaxAttempts = 8
	}
	if c.KMS.InitialInterval <= 0 {
		c.KMS.InitialInterval = 200 * time.Millisecond
	}
	if c.KMS.MaxInterval <= 0 {
		c.KMS.MaxInterval = 10 * time.Second
	}

	c.Venue.Reserve0 = strings.TrimSpace(c.Venue.Reserve0)
	c.Venue.Reserve1 = strings.TrimSpace(c.Venue.Reserve1)
	if c.Venue.FeeBps == 0 {
		c.Venue.FeeBps = 30
	}

	c.Tokens.Token0.normalise("eWETH")
	c.Tokens.Token1.normalise("eUSDC")

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.RateLimit <= 0 {
		c.APIServer.RateLimit = 20
	}
	if c.APIServer.RateBurst <= 0 {
		c.APIServer.RateBurst = 40
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.PayloadCapBytes <= 0 {
		c.Eventbus.PayloadCapBytes = eventbus.DefaultPayloadCapBytes
	}
	if c.Eventbus.ReplayInterval <= 0 {
		c.Eventbus.ReplayInterval = 5 * time.Second
	}
	if c.Eventbus.ReplayBatchSize <= 0 {
		c.Eventbus.ReplayBatchSize = 128
	}
	if c.Eventbus.ReplayMaxAttempts < 0 {
		c.Eventbus.ReplayMaxAttempts = 0
	}
	if c.Eventbus.RetryBaseDelay <= 0 {
		c.Eventbus.RetryBaseDelay = time.Second
	}
	if c.Eventbus.RetryMaxDelay < c.Eventbus.RetryBaseDelay {
		c.Eventbus.RetryMaxDelay = 5 * time.Minute
	}
	if c.Eventbus.OutboxRetention < 0 {
		c.Eventbus.OutboxRetention = 0
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "kora"
	}

	c.Database.applyDefaults()

	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	c.Redis.Prefix = strings.TrimSpace(c.Redis.Prefix)
}

func (t *TokenConfig) normalise(symbol string) {
	t.Symbol = strings.TrimSpace(t.Symbol)
	if t.Symbol == "" {
		t.Symbol = symbol
	}
	if t.Decimals == 0 {
		t.Decimals = numeric.DefaultDecimals
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if !common.IsHexAddress(c.Executor.Address) || c.Executor.AddressValue() == (common.Address{}) {
		return fmt.Errorf("executor address must be a non-zero hex address")
	}
	if !common.IsHexAddress(c.Executor.Owner) || c.Executor.OwnerValue() == (common.Address{}) {
		return fmt.Errorf("executor owner must be a non-zero hex address")
	}
	if c.Executor.MaxBatchSize > 32 {
		return fmt.Errorf("executor maxBatchSize must be <= 32")
	}
	if c.Executor.MaxHooks > 64 {
		return fmt.Errorf("executor maxHooks must be <= 64")
	}
	if c.Executor.SlippageBps >= 10_000 {
		return fmt.Errorf("executor slippageBps must be < 10000")
	}

	if err := c.KMS.validate(); err != nil {
		return fmt.Errorf("kms: %w", err)
	}

	if _, err := c.Venue.Reserves(c.Tokens); err != nil {
		return fmt.Errorf("venue: %w", err)
	}
	if c.Venue.FeeBps >= 10_000 {
		return fmt.Errorf("venue feeBps must be < 10000")
	}

	if c.Tokens.Token0.Symbol == c.Tokens.Token1.Symbol {
		return fmt.Errorf("tokens must differ")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Environment == EnvProd && strings.TrimSpace(c.APIServer.JWTSecret) == "" {
		return fmt.Errorf("apiServer jwtSecret required in prod")
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus bufferSize must be >0")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required")
	}
	return nil
}

func (c KMSConfig) validate() error {
	var n int
	switch c.Mode {
	case KMSLocal:
		n = len(c.SignerKeys)
	case KMSExternal:
		n = len(c.Signers)
		for _, s := range c.Signers {
			if !common.IsHexAddress(s) {
				return fmt.Errorf("signer %q is not a hex address", s)
			}
		}
	default:
		return fmt.Errorf("mode must be local or external")
	}
	if n == 0 {
		return fmt.Errorf("at least one signer required in %s mode", c.Mode)
	}
	if c.Threshold <= 0 || c.Threshold > n {
		return fmt.Errorf("threshold must be within 1..%d", n)
	}
	return nil
}

// Reserves parses the seeded pool reserves into token units.
func (c VenueConfig) Reserves(tokens TokensConfig) ([2]uint64, error) {
	r0, err := numeric.ParseUnits(c.Reserve0, tokens.Token0.Decimals)
	if err != nil {
		return [2]uint64{}, fmt.Errorf("reserve0: %w", err)
	}
	r1, err := numeric.ParseUnits(c.Reserve1, tokens.Token1.Decimals)
	if err != nil {
		return [2]uint64{}, fmt.Errorf("reserve1: %w", err)
	}
	if r0 == 0 || r1 == 0 {
		return [2]uint64{}, fmt.Errorf("reserves must be >0")
	}
	return [2]uint64{r0, r1}, nil
}

// SignerAddresses returns the configured external signer addresses.
func (c KMSConfig) SignerAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Signers))
	for _, s := range c.Signers {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
