// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists successful compilation results in BadgerDB.
//
// BadgerDB gives the build server warm local persistence (~100µs access)
// so a restart does not forget which classes directories were the last
// successful ones. On startup the journal is replayed into the
// deduplication registry; entries whose directory no longer exists on
// disk are dropped.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dedup"
)

// keyPrefix namespaces journal entries inside the database.
const keyPrefix = "successful/"

// Config holds configuration for the journal's BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for journal operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Record is one journaled successful result.
type Record struct {
	// ProjectID identifies the project.
	ProjectID string `json:"project_id"`

	// ClassesDir is the successful compilation's output directory.
	ClassesDir string `json:"classes_dir"`

	// Inputs is the unique-inputs fingerprint the result was produced
	// from.
	Inputs compile.Fingerprint `json:"inputs"`

	// RecordedAt is when the result was journaled.
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal is the durable successful-result store.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal.
//
// Outputs:
//   - *Journal: The ready journal. Never nil on success.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "result_journal"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal path is required for persistent databases")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSuccessful journals a successful result, replacing any previous
// entry for the project. Implements the scheduler's Journal contract.
func (j *Journal) RecordSuccessful(ctx context.Context, projectID, classesDir string, inputs compile.Fingerprint) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	rec := Record{
		ProjectID:  projectID,
		ClassesDir: classesDir,
		Inputs:     inputs,
		RecordedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+projectID), value)
	})
	if err != nil {
		return fmt.Errorf("writing journal record: %w", err)
	}
	j.logger.Debug("successful result journaled",
		slog.String("project", projectID),
		slog.String("dir", classesDir),
	)
	return nil
}

// Replay returns every journaled record whose classes directory still
// exists on disk. Stale entries are deleted as a side effect.
func (j *Journal) Replay(ctx context.Context) ([]Record, error) {
	var records []Record
	var stale [][]byte

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item := it.Item()
			var rec Record
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decoding journal record: %w", err)
			}
			if info, statErr := os.Stat(rec.ClassesDir); statErr != nil || !info.IsDir() {
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(stale) > 0 {
		if derr := j.db.Update(func(txn *badger.Txn) error {
			for _, key := range stale {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		}); derr != nil {
			j.logger.Warn("failed to drop stale journal entries",
				slog.Int("count", len(stale)),
				slog.String("error", derr.Error()),
			)
		}
	}
	return records, nil
}

// Seed replays the journal into a registry, installing each surviving
// record as its project's last-successful handle.
//
// Outputs:
//   - int: How many records were installed.
//   - error: Non-nil if replay failed.
func (j *Journal) Seed(ctx context.Context, registry *dedup.Registry) (int, error) {
	records, err := j.Replay(ctx)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, rec := range records {
		installed := registry.SeedLastSuccessful(rec.ProjectID, &compile.Successful{
			ProjectID:  rec.ProjectID,
			ClassesDir: rec.ClassesDir,
		})
		if installed {
			seeded++
		}
	}
	j.logger.Info("registry seeded from journal",
		slog.Int("seeded", seeded),
		slog.Int("replayed", len(records)),
	)
	return seeded, nil
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
