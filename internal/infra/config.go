package infra

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"konnect/pkg/quant"
)

// Config holds every setting of the settlement daemon and its tools.
// LoadConfig reads the YAML file first, then KONNECT_* environment
// variables override it.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Feed    FeedConfig    `yaml:"feed"`
	Breaker BreakerConfig `yaml:"breaker"`
	Logging LoggingConfig `yaml:"logging"`

	// Genesis deposits applied once to an empty ledger (dev/demo networks).
	Genesis []GenesisDeposit `yaml:"genesis"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Network string `yaml:"network" env:"KONNECT_NETWORK"` // dev | staging | prod

	// Hex ed25519 public keys allowed to sign deposit commands.
	Minters []string `yaml:"minters" env:"KONNECT_MINTERS" envSeparator:","`
}

type EngineConfig struct {
	InboxSize     int    `yaml:"inbox_size" env:"KONNECT_INBOX_SIZE"`
	SnapshotEvery uint64 `yaml:"snapshot_every" env:"KONNECT_SNAPSHOT_EVERY"`
	SnapshotKeep  int    `yaml:"snapshot_keep"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir" env:"KONNECT_DATA_DIR"` // Empty: workspace dir
	WALFile     string `yaml:"wal_file"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" env:"KONNECT_ADDR"`
	PprofAddr string `yaml:"pprof_addr" env:"KONNECT_PPROF_ADDR"`

	// Per-identity limit on the signed command intake.
	RateBurst     int     `yaml:"rate_burst"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type FeedConfig struct {
	URL         string `yaml:"url" env:"KONNECT_FEED_URL"` // Used by subscribers such as the indexer
	BufferSize  int    `yaml:"buffer_size"`
	PingSeconds int    `yaml:"ping_seconds"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"KONNECT_LOG_LEVEL"`
	Format string `yaml:"format" env:"KONNECT_LOG_FORMAT"`
}

// GenesisDeposit funds an identity with a human-readable amount, e.g. "1000.5".
type GenesisDeposit struct {
	Identity string `yaml:"identity"`
	Amount   string `yaml:"amount"`
}

// LoadConfig reads, overrides and validates the configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Environment wins over the file.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Engine.InboxSize <= 0 {
		return fmt.Errorf("engine.inbox_size must be positive")
	}
	if c.Engine.SnapshotEvery > 0 && c.Engine.SnapshotKeep <= 0 {
		return fmt.Errorf("engine.snapshot_keep must be positive when snapshots are enabled")
	}
	if c.Storage.WALFile == "" {
		return fmt.Errorf("storage.wal_file is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RateBurst <= 0 || c.Server.RatePerSecond <= 0 {
		return fmt.Errorf("server rate limit must be positive")
	}
	if c.Feed.URL != "" && !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("invalid feed URL: %s", c.Feed.URL)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}

	switch c.App.Network {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("unknown network %q", c.App.Network)
	}
	if c.App.Network == "prod" && len(c.Genesis) > 0 {
		return fmt.Errorf("genesis deposits are not allowed on prod")
	}
	for i, m := range c.App.Minters {
		if key, err := hex.DecodeString(m); err != nil || len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("app.minters[%d]: not a hex ed25519 public key", i)
		}
	}
	for i, g := range c.Genesis {
		if g.Identity == "" {
			return fmt.Errorf("genesis[%d]: identity is required", i)
		}
		if _, err := quant.ParseAmount(g.Amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}

	return nil
}

// DataDir resolves the runtime data directory.
func (c *Config) DataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return GetWorkspaceDir()
}

// WALPath is the SQLite WAL location.
func (c *Config) WALPath() string {
	return filepath.Join(c.DataDir(), c.Storage.WALFile)
}

// SnapshotPath is the snapshot directory. Empty disables snapshots.
func (c *Config) SnapshotPath() string {
	if c.Storage.SnapshotDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir(), c.Storage.SnapshotDir)
}

// BreakerTimeout is the open-state cool-down of the WAL breaker.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSeconds) * time.Second
}

// WALBreaker builds the breaker guarding WAL appends.
func (c *Config) WALBreaker(m *Metrics) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "wal",
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		Timeout:          c.BreakerTimeout(),
		OnStateChange:    m.BreakerChanged,
	})
}
