// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Kiln components.
//
// The build server logs to stderr by default (following Unix conventions
// for long-running CLI-adjacent tools), optionally mirroring records into
// a per-service log file. Output format adapts to the terminal: when
// stderr is a TTY the handler is human-readable text, otherwise JSON for
// log shippers.
//
// The implementation is a thin layer over Go's standard slog package;
// every component in the server takes a *slog.Logger and is oblivious to
// this package's existence.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("compilation dispatched", "project", id)
//
// # File Logging
//
//	logger, closeFn, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "~/.kiln/logs",
//	    Service: "kilnd",
//	})
//	defer closeFn()
//
// # Thread Safety
//
// Returned loggers are safe for concurrent use.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	LevelWarn

	// LevelError is for error conditions.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unknown strings map to
// LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// toSlogLevel converts our Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures logger construction.
//
// A zero-value Config creates a logger that writes Info+ messages to
// stderr, text format on a TTY and JSON otherwise.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging into the given directory. Supports a
	// leading ~ for the home directory. Empty disables file logging.
	LogDir string

	// Service names the log file: {service}_{date}.log. Default: "kiln".
	Service string

	// JSON forces JSON output on stderr regardless of TTY detection.
	JSON bool
}

// Default returns a stderr-only logger with default settings.
func Default() *slog.Logger {
	logger, _, _ := New(Config{})
	return logger
}

// New constructs a logger from config.
//
// Outputs:
//   - *slog.Logger: The configured logger. Never nil.
//   - func() error: Closes the log file, if any. Never nil.
//   - error: Non-nil if the log directory cannot be prepared; the
//     returned logger still works, degraded to stderr only.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level := cfg.Level.toSlogLevel()
	noop := func() error { return nil }

	var out io.Writer = os.Stderr
	closeFn := noop
	var setupErr error

	if cfg.LogDir != "" {
		file, err := openLogFile(cfg)
		if err != nil {
			setupErr = err
		} else {
			out = io.MultiWriter(os.Stderr, file)
			closeFn = file.Close
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closeFn, setupErr
}

// openLogFile prepares the log directory and opens today's file.
func openLogFile(cfg Config) (*os.File, error) {
	dir := cfg.LogDir
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	service := cfg.Service
	if service == "" {
		service = "kiln"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))

	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return file, nil
}
