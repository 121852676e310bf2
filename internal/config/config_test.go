package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiveflow/hiveflow/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: "/srv/hiveflow"
chunk_size: "1MiB"
metadata_cache_size: 128
ingest_concurrency: 8
log_level: "debug"
gc:
  enabled: true
  interval: "15m"
metrics:
  listen: "127.0.0.1:9000"
loki:
  url: "http://loki:3100"
  labels:
    env: "lab"
  batch_size: 50
  flush_interval: "2s"
`
	configPath := testutil.TempFile(t, dir, "hiveflow.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/hiveflow", cfg.DataDir)
	assert.Equal(t, 128, cfg.MetadataCacheSize)
	assert.Equal(t, 8, cfg.IngestConcurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.Metrics.Listen)

	size, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<20), size)

	interval, err := cfg.GCInterval()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, interval)

	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)
	assert.Equal(t, map[string]string{"env": "lab"}, cfg.Loki.Labels)
	assert.Equal(t, 50, cfg.Loki.BatchSize)
	flush, err := cfg.LokiFlushInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, flush)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	// An empty document still yields a usable config
	configPath := testutil.TempFile(t, dir, "hiveflow.yaml", "log_level: info\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, ".hiveflow"), cfg.DataDir)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, DefaultMetadataCacheSize, cfg.MetadataCacheSize)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, DefaultGCInterval, cfg.GC.Interval)
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)

	size, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(256*1024), size)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.GC.Enabled)
	assert.NotContains(t, cfg.DataDir, "~")
}

func TestLoad_GCDisabled(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "hiveflow.yaml", "gc:\n  enabled: false\n  interval: nonsense\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.False(t, cfg.GC.Enabled)
	// The interval is not checked when GC is off.
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "hiveflow.yaml", `data_dir: "~/storage/node1"`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, "storage", "node1"), cfg.DataDir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/hiveflow.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "hiveflow.yaml", "data_dir: [invalid yaml\n")

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name:    "unparseable chunk size",
			modify:  func(c *Config) { c.ChunkSize = "lots" },
			wantErr: "invalid chunk_size",
		},
		{
			name:    "zero chunk size",
			modify:  func(c *Config) { c.ChunkSize = "0" },
			wantErr: "chunk_size must be between",
		},
		{
			name:    "oversized chunk",
			modify:  func(c *Config) { c.ChunkSize = "1GiB" },
			wantErr: "chunk_size must be between",
		},
		{
			name:   "plain byte count",
			modify: func(c *Config) { c.ChunkSize = "4096" },
		},
		{
			name:    "negative cache",
			modify:  func(c *Config) { c.MetadataCacheSize = -1 },
			wantErr: "metadata_cache_size",
		},
		{
			name:    "negative concurrency",
			modify:  func(c *Config) { c.IngestConcurrency = -2 },
			wantErr: "ingest_concurrency",
		},
		{
			name:    "bad interval",
			modify:  func(c *Config) { c.GC.Interval = "soon" },
			wantErr: "invalid gc.interval",
		},
		{
			name:    "negative interval",
			modify:  func(c *Config) { c.GC.Interval = "-5m" },
			wantErr: "gc.interval must be positive",
		},
		{
			name:    "bad metrics listen",
			modify:  func(c *Config) { c.Metrics.Listen = "9464" },
			wantErr: "invalid metrics.listen",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "invalid log_level",
		},
		{
			name:   "loki url",
			modify: func(c *Config) { c.Loki.URL = "https://logs.example.com" },
		},
		{
			name:    "loki url without scheme",
			modify:  func(c *Config) { c.Loki.URL = "loki:3100" },
			wantErr: "invalid loki.url",
		},
		{
			name: "bad loki flush interval",
			modify: func(c *Config) {
				c.Loki.URL = "http://loki:3100"
				c.Loki.FlushInterval = "0s"
			},
			wantErr: "loki.flush_interval must be positive",
		},
		{
			name: "loki settings ignored when disabled",
			modify: func(c *Config) {
				c.Loki.FlushInterval = "never"
				c.Loki.BatchSize = -1
			},
		},
		{
			name:    "empty data dir",
			modify:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	// Save original level to restore after test
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "info level", level: "info", expectApplied: true, expectLevel: zerolog.InfoLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "error level", level: "error", expectApplied: true, expectLevel: zerolog.ErrorLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset to known state before each test
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			}
		})
	}
}
