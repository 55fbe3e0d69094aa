// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60, cfg.DisconnectTimeoutSeconds)
	assert.Equal(t, 60*time.Second, cfg.DisconnectTimeout())
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"disconnect_timeout_seconds: 120\ncompute_size: 4\nlog_level: debug\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.DisconnectTimeoutSeconds)
	assert.Equal(t, 4, cfg.ComputeSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset fields keep their defaults.
	assert.Equal(t, 150, cfg.WatchDebounceMillis)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("disconnect_timeout_seconds: 120\n"), 0o644))

	t.Setenv(EnvDisconnectSeconds, "30")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.DisconnectTimeoutSeconds)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvDisconnectSeconds, "not-a-number")

	cfg := Default()
	cfg.FromEnv()
	assert.Equal(t, 60, cfg.DisconnectTimeoutSeconds)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Default()
	cfg.DisconnectTimeoutSeconds = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
