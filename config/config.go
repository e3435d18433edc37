// Package config centralises runtime configuration for AgriSync services.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where AgriSync operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// OracleConfig declares connectivity for the escrow contract read interface.
type OracleConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	WSEndpoint     string        `yaml:"wsEndpoint"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	RateBurst      int           `yaml:"rateBurst"`
}

// BackoffConfig tunes the reconciler's per-order retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxAttempts     int           `yaml:"maxAttempts"`
}

// ReconcilerConfig governs the reconciliation loop.
type ReconcilerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	Workers      WorkerSetting `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// FanoutConfig sizes the subscription fan-out.
type FanoutConfig struct {
	BufferSize int           `yaml:"bufferSize"`
	Workers    WorkerSetting `yaml:"workers"`
}

// FeedConfig governs the change feed outbox drain loop.
type FeedConfig struct {
	DrainInterval time.Duration `yaml:"drainInterval"`
	BatchSize     int           `yaml:"batchSize"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
}

// DatabaseConfig locates the Postgres order store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// ServerConfig configures the client-facing HTTP/WS surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// Config is the AgriSync configuration tree loaded from defaults, file, and env overrides.
type Config struct {
	Environment Environment      `yaml:"environment"`
	Oracle      OracleConfig     `yaml:"oracle"`
	Reconciler  ReconcilerConfig `yaml:"reconciler"`
	Feed        FeedConfig       `yaml:"feed"`
	Fanout      FanoutConfig     `yaml:"fanout"`
	Database    DatabaseConfig   `yaml:"database"`
	Server      ServerConfig     `yaml:"server"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// WorkerSetting encapsulates worker-count configuration allowing both numeric and symbolic values.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers constructs an explicit worker setting, primarily for tests.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{kind: workerDefault, value: 0}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values for worker counts.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{kind: workerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = workerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = workerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = workerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	s.kind = workerExplicit
	s.value = val
	return nil
}

// Resolve returns the effective worker count derived from the setting.
func (s WorkerSetting) Resolve() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	case workerDefault, workerUnset:
		return 4
	default:
		return 4
	}
}

// Default returns the default AgriSync configuration.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Oracle: OracleConfig{
			Endpoint:       "http://localhost:8545",
			WSEndpoint:     "ws://localhost:8546",
			RequestTimeout: 10 * time.Second,
			RatePerSecond:  5,
			RateBurst:      10,
		},
		Reconciler: ReconcilerConfig{
			PollInterval: 30 * time.Second,
			Workers:      WorkerSetting{kind: workerDefault, value: 0},
			QueueSize:    256,
			Backoff: BackoffConfig{
				InitialInterval: time.Second,
				Multiplier:      2,
				MaxInterval:     time.Minute,
				MaxAttempts:     6,
			},
		},
		Feed: FeedConfig{
			DrainInterval: time.Second,
			BatchSize:     128,
			RetryDelay:    30 * time.Second,
		},
		Fanout: FanoutConfig{
			BufferSize: 64,
			Workers:    WorkerSetting{kind: workerDefault, value: 0},
		},
		Database: DatabaseConfig{
			DSN:            "",
			MigrationsPath: "db/migrations",
		},
		Server: ServerConfig{
			Addr:              ":8090",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4318",
			OTLPInsecure: true,
			ServiceName:  "agrisync",
		},
	}
}

// LoadOrDefault loads configuration from path, falling back to defaults when
// the file does not exist. The second return value reports whether a file was
// read. Environment variables override both.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	loaded := false

	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned != "" && cleaned != "." {
		f, err := os.Open(cleaned)
		switch {
		case err == nil:
			defer f.Close()
			data, readErr := io.ReadAll(f)
			if readErr != nil {
				return Config{}, false, fmt.Errorf("read config %s: %w", cleaned, readErr)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config %s: %w", cleaned, err)
			}
			loaded = true
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Config{}, false, fmt.Errorf("open config %s: %w", cleaned, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, loaded, err
	}
	return cfg, loaded, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_DB_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_ORACLE_RPC_URL")); v != "" {
		cfg.Oracle.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_ORACLE_WS_URL")); v != "" {
		cfg.Oracle.WSEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_SERVER_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_ORACLE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Oracle.RequestTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGRISYNC_POLL_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Reconciler.PollInterval = dur
		}
	}
}

// Validate checks the configuration tree for values the runtime cannot work with.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if strings.TrimSpace(c.Oracle.Endpoint) == "" {
		return fmt.Errorf("config: oracle endpoint required")
	}
	if c.Oracle.RequestTimeout <= 0 {
		return fmt.Errorf("config: oracle request timeout must be > 0")
	}
	if c.Oracle.RatePerSecond <= 0 {
		return fmt.Errorf("config: oracle rate must be > 0")
	}
	if c.Reconciler.PollInterval <= 0 {
		return fmt.Errorf("config: reconciler poll interval must be > 0")
	}
	if c.Reconciler.Backoff.InitialInterval <= 0 {
		return fmt.Errorf("config: backoff initial interval must be > 0")
	}
	if c.Reconciler.Backoff.Multiplier < 1 {
		return fmt.Errorf("config: backoff multiplier must be >= 1")
	}
	if c.Reconciler.Backoff.MaxInterval < c.Reconciler.Backoff.InitialInterval {
		return fmt.Errorf("config: backoff max interval must be >= initial interval")
	}
	if c.Reconciler.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("config: backoff max attempts must be > 0")
	}
	if c.Feed.DrainInterval <= 0 {
		return fmt.Errorf("config: feed drain interval must be > 0")
	}
	if c.Feed.BatchSize <= 0 {
		return fmt.Errorf("config: feed batch size must be > 0")
	}
	if c.Fanout.BufferSize <= 0 {
		return fmt.Errorf("config: fanout buffer size must be > 0")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config: server addr required")
	}
	return nil
}
