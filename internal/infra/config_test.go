package infra

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app:
  name: konnect
  version: 0.3.0
  network: dev
  minters:
    - 3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29
engine:
  inbox_size: 256
  snapshot_every: 1000
  snapshot_keep: 3
storage:
  data_dir: /var/lib/konnect
  wal_file: wal.db
  snapshot_dir: snapshots
server:
  addr: ":8080"
  pprof_addr: "localhost:6060"
  rate_burst: 20
  rate_per_second: 5
feed:
  url: ws://localhost:8080/feed
  buffer_size: 1024
  ping_seconds: 30
breaker:
  failure_threshold: 3
  success_threshold: 1
  timeout_seconds: 30
logging:
  level: info
  format: json
genesis:
  - identity: alice
    amount: "1000"
  - identity: bob
    amount: "250.5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Engine.InboxSize)
	assert.Equal(t, filepath.Join("/var/lib/konnect", "wal.db"), cfg.WALPath())
	assert.Equal(t, filepath.Join("/var/lib/konnect", "snapshots"), cfg.SnapshotPath())
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout())
	require.Len(t, cfg.Genesis, 2)
	assert.Equal(t, "250.5", cfg.Genesis[1].Amount)
	assert.Equal(t, []string{"3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29"}, cfg.App.Minters)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("KONNECT_ADDR", ":9090")
	t.Setenv("KONNECT_LOG_LEVEL", "debug")
	t.Setenv("KONNECT_INBOX_SIZE", "8")
	t.Setenv("KONNECT_MINTERS", "3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29,d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, []string{"3b6a27bcceb6a42d62a3a8d02a6f0d73653215771de243a63ac048a18b59da29", "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"}, cfg.App.Minters)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Engine.InboxSize)
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("KONNECT_INBOX_SIZE", "lots")
	_, err := LoadConfig(writeConfig(t, sampleConfig))
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero inbox", func(c *Config) { c.Engine.InboxSize = 0 }},
		{"snapshots without retention", func(c *Config) { c.Engine.SnapshotKeep = 0 }},
		{"no wal file", func(c *Config) { c.Storage.WALFile = "" }},
		{"no listen addr", func(c *Config) { c.Server.Addr = "" }},
		{"no rate limit", func(c *Config) { c.Server.RatePerSecond = 0 }},
		{"http feed url", func(c *Config) { c.Feed.URL = "http://localhost/feed" }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown network", func(c *Config) { c.App.Network = "mainnet" }},
		{"genesis on prod", func(c *Config) { c.App.Network = "prod" }},
		{"genesis without identity", func(c *Config) { c.Genesis[0].Identity = "" }},
		{"minter not a public key", func(c *Config) { c.App.Minters = []string{"alice"} }},
		{"minter wrong length", func(c *Config) { c.App.Minters = []string{"3b6a27bc"} }},
		{"genesis bad amount", func(c *Config) { c.Genesis[1].Amount = "1.0000001" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Genesis = append([]GenesisDeposit(nil), base.Genesis...)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, zl, err := NewLogger("warn", format)
		require.NoError(t, err, format)
		assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug), "debug disabled at warn")
		logger.Warn("logger smoke test", "format", format)
		_ = zl.Sync()
	}

	_, _, err := NewLogger("loud", "json")
	assert.Error(t, err)
	_, _, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
