// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package config defines the typed application configuration and its layered
// loader: built-in defaults, an optional YAML file, then environment
// variables, each layer overriding the previous one.
package config

import (
	"fmt"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Persister PersisterConfig `koanf:"persister"`
	Blobstore BlobstoreConfig `koanf:"blobstore"`
	EdgeCache EdgeCacheConfig `koanf:"edge_cache"`
	Prefetch  PrefetchConfig  `koanf:"prefetch"`
	Producers ProducersConfig `koanf:"producers"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// PersisterConfig configures the synchronous snapshot tier.
type PersisterConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Dir      string `koanf:"dir"`
	MaxBytes int64  `koanf:"max_bytes"`
}

// BlobstoreConfig configures the binary artifact store.
type BlobstoreConfig struct {
	Dir string `koanf:"dir"`
}

// EdgeCacheConfig configures the intercepting edge cache.
type EdgeCacheConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Dir      string   `koanf:"dir"`
	Version  int      `koanf:"version"`
	Precache []string `koanf:"precache"`
}

// PrefetchConfig configures the speculative warm-up scheduler.
type PrefetchConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Window      int           `koanf:"window"`
	TaskTimeout time.Duration `koanf:"task_timeout"`
}

// ProducersConfig configures the generation API client.
type ProducersConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig holds the built-in defaults; every field can be overridden
// by file or environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8484,
			Timeout:         60 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Persister: PersisterConfig{
			Enabled:  true,
			Dir:      "/data/snapshot",
			MaxBytes: 5 << 20,
		},
		Blobstore: BlobstoreConfig{
			Dir: "/data/blobs",
		},
		EdgeCache: EdgeCacheConfig{
			Enabled:  true,
			Dir:      "/data/edge",
			Version:  1,
			Precache: nil,
		},
		Prefetch: PrefetchConfig{
			Enabled:     true,
			Window:      2,
			TaskTimeout: 2 * time.Minute,
		},
		Producers: ProducersConfig{
			BaseURL:   "http://127.0.0.1:9090",
			Timeout:   120 * time.Second,
			RateLimit: 5,
			Burst:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks invariants the loader cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Producers.BaseURL == "" {
		return fmt.Errorf("producers.base_url is required")
	}
	if c.Persister.Enabled && c.Persister.Dir == "" {
		return fmt.Errorf("persister.dir is required when the persister is enabled")
	}
	if c.Persister.MaxBytes <= 0 {
		return fmt.Errorf("persister.max_bytes must be positive")
	}
	if c.Blobstore.Dir == "" {
		return fmt.Errorf("blobstore.dir is required")
	}
	if c.EdgeCache.Enabled {
		if c.EdgeCache.Dir == "" {
			return fmt.Errorf("edge_cache.dir is required when the edge cache is enabled")
		}
		if c.EdgeCache.Version < 1 {
			return fmt.Errorf("edge_cache.version must be at least 1")
		}
	}
	if c.Prefetch.Window < 0 {
		return fmt.Errorf("prefetch.window must not be negative")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or console", c.Logging.Format)
	}
	return nil
}
