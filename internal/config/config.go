// Package config handles configuration loading and validation for hiveflow.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir           = "~/.hiveflow"
	DefaultChunkSize         = "256KiB"
	DefaultMetadataCacheSize = 4096
	DefaultGCInterval        = "1h"
	DefaultMetricsListen     = ":9464"

	// maxChunkSize bounds chunk_size so a chunk is always held in memory
	// comfortably and its size fits the wire's uint32.
	maxChunkSize = 64 << 20
)

// GCConfig holds configuration for periodic garbage collection.
type GCConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"` // Duration string, e.g. "1h"
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"` // Empty disables shipping
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"` // Duration string, default "5s"
}

// Config holds configuration for a hiveflow storage node.
type Config struct {
	DataDir           string        `yaml:"data_dir"`   // Base directory for chunks/ and metadata/
	ChunkSize         string        `yaml:"chunk_size"` // Human size, e.g. "256KiB"
	MetadataCacheSize int           `yaml:"metadata_cache_size"`
	IngestConcurrency int           `yaml:"ingest_concurrency"` // 0 uses the store default
	LogLevel          string        `yaml:"log_level"`          // trace, debug, info, warn, error
	GC                GCConfig      `yaml:"gc"`
	Metrics           MetricsConfig `yaml:"metrics"`
	Loki              LokiConfig    `yaml:"loki"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{GC: GCConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// GC runs unless the file turns it off.
	cfg := &Config{GC: GCConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.ChunkSize == "" {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MetadataCacheSize == 0 {
		c.MetadataCacheSize = DefaultMetadataCacheSize
	}
	if c.GC.Interval == "" {
		c.GC.Interval = DefaultGCInterval
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// ChunkSizeBytes parses chunk_size.
func (c *Config) ChunkSizeBytes() (uint32, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk_size %q: %w", c.ChunkSize, err)
	}
	if n == 0 || n > maxChunkSize {
		return 0, fmt.Errorf("chunk_size must be between 1 byte and %s, got %s",
			humanize.IBytes(maxChunkSize), humanize.IBytes(n))
	}
	return uint32(n), nil
}

// GCInterval parses gc.interval.
func (c *Config) GCInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.GC.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid gc.interval %q: %w", c.GC.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("gc.interval must be positive, got %s", d)
	}
	return d, nil
}

// LokiFlushInterval parses loki.flush_interval. Zero means the writer default.
func (c *Config) LokiFlushInterval() (time.Duration, error) {
	if c.Loki.FlushInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Loki.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid loki.flush_interval %q: %w", c.Loki.FlushInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("loki.flush_interval must be positive, got %s", d)
	}
	return d, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		return err
	}
	if c.MetadataCacheSize < 0 {
		return fmt.Errorf("metadata_cache_size must not be negative")
	}
	if c.IngestConcurrency < 0 {
		return fmt.Errorf("ingest_concurrency must not be negative")
	}
	if c.GC.Enabled {
		if _, err := c.GCInterval(); err != nil {
			return err
		}
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
		return fmt.Errorf("invalid metrics.listen: %w", err)
	}
	if c.Loki.URL != "" {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid loki.url %q: expected http(s)://host[:port]", c.Loki.URL)
		}
		if c.Loki.BatchSize < 0 {
			return fmt.Errorf("loki.batch_size must not be negative")
		}
		if _, err := c.LokiFlushInterval(); err != nil {
			return err
		}
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q", c.LogLevel)
		}
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level from a configured level
// string. It reports whether a level was applied; empty or unknown strings
// leave the current level in place.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
