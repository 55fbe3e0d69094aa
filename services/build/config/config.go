// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates build-server configuration.
//
// Configuration comes from three layers, later layers winning: built-in
// defaults, an optional YAML file, and environment variables. The
// deduplication disconnect timeout is deliberately environment-tunable
// (KILN_DEDUP_DISCONNECT_SECONDS) so operators can widen it on slow CI
// machines without shipping a config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variable names recognised by FromEnv.
const (
	// EnvDisconnectSeconds overrides the deduplication disconnect
	// timeout, in seconds.
	EnvDisconnectSeconds = "KILN_DEDUP_DISCONNECT_SECONDS"

	// EnvComputeSize overrides the compute pool size.
	EnvComputeSize = "KILN_COMPUTE_SIZE"

	// EnvJournalPath overrides the successful-result journal location.
	EnvJournalPath = "KILN_JOURNAL_PATH"

	// EnvLogLevel overrides the log level.
	EnvLogLevel = "KILN_LOG_LEVEL"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the build-server configuration.
type Config struct {
	// DisconnectTimeoutSeconds bounds how long a deduplicated client
	// waits without events before abandoning the producer. Default: 60.
	DisconnectTimeoutSeconds int `yaml:"disconnect_timeout_seconds" validate:"gte=0,lte=3600"`

	// ComputeSize bounds the compute pool; 0 means the CPU count.
	ComputeSize int `yaml:"compute_size" validate:"gte=0,lte=1024"`

	// JournalPath is where the successful-result journal lives. Empty
	// disables the journal.
	JournalPath string `yaml:"journal_path"`

	// WatchDebounceMillis is the source-watcher debounce window.
	// Default: 150.
	WatchDebounceMillis int `yaml:"watch_debounce_millis" validate:"gte=0,lte=60000"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DisconnectTimeoutSeconds: 60,
		WatchDebounceMillis:      150,
		LogLevel:                 "info",
	}
}

// Load reads configuration from an optional YAML file, applies
// environment overrides, and validates the result.
//
// Inputs:
//   - path: YAML file path. Empty skips the file layer.
//
// Outputs:
//   - Config: The effective configuration.
//   - error: Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.FromEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv applies environment variable overrides in place. Unparseable
// values are ignored in favour of the current setting.
func (c *Config) FromEnv() {
	if v, ok := intFromEnv(EnvDisconnectSeconds); ok {
		c.DisconnectTimeoutSeconds = v
	}
	if v, ok := intFromEnv(EnvComputeSize); ok {
		c.ComputeSize = v
	}
	if v := os.Getenv(EnvJournalPath); v != "" {
		c.JournalPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DisconnectTimeout returns the disconnect window as a duration.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutSeconds) * time.Second
}

// WatchDebounce returns the watcher debounce window as a duration.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMillis) * time.Millisecond
}

func intFromEnv(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
