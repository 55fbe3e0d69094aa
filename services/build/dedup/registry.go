// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup holds the process-wide mutable state of the build
// scheduler: the running-compilation map keyed by unique-inputs
// fingerprint, the last-successful map keyed by project, and the
// reference-count table of classes directories.
//
// All mutation goes through Registry. Tests reset state by constructing a
// fresh Registry; there is no package-global instance.
package dedup

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/kiln/services/build/compile"
)

// RemovalReason labels why a running compilation left the registry.
type RemovalReason string

const (
	// RemovalFailed marks a compilation that completed unsuccessfully.
	RemovalFailed RemovalReason = "failed"

	// RemovalDisconnected marks a compare-and-remove by a stalled
	// subscriber.
	RemovalDisconnected RemovalReason = "disconnected"

	// RemovalCleared marks a test-hook reset.
	RemovalCleared RemovalReason = "cleared"
)

// Registry is the deduplication registry.
//
// Description:
//
//	Three tables guarded by three mutexes, always acquired in the order
//	running -> lastSuccessful -> refcount. A classes directory is
//	reference counted while it is the current last-successful of its
//	project (one reference) and once more for every in-flight compilation
//	that chose it at dispatch. Deletion of a directory is offered to the
//	caller exactly once, when its count reaches zero and a different
//	directory has replaced it as current.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	runningMu sync.Mutex
	running   map[compile.Fingerprint]*Running

	lastMu sync.Mutex
	last   map[string]*compile.Successful

	refMu sync.Mutex
	refs  map[string]int
}

// NewRegistry creates an empty registry.
//
// Inputs:
//   - logger: Logger for registry events. If nil, uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With(slog.String("component", "dedup_registry")),
		running: make(map[compile.Fingerprint]*Running),
		last:    make(map[string]*compile.Successful),
		refs:    make(map[string]int),
	}
}

// LookupOrInsert returns the running compilation registered under key,
// inserting the one produced by factory if none exists.
//
// Description:
//
//	Atomic under the registry key: concurrent callers with the same key
//	observe exactly one insertion; the losers receive the winner's record
//	and inserted=false. factory runs while the key is locked and must not
//	block.
//
// Outputs:
//   - *Running: The registered record. Never nil.
//   - bool: True if this call inserted, i.e. the caller owns the
//     compilation.
func (r *Registry) LookupOrInsert(key compile.Fingerprint, factory func() *Running) (*Running, bool) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if existing, ok := r.running[key]; ok {
		deduplicationsTotal.Inc()
		return existing, false
	}

	created := factory()
	created.Key = key
	r.running[key] = created

	dispatchesTotal.Inc()
	runningCompilations.Set(float64(len(r.running)))

	r.logger.Debug("compilation registered",
		slog.String("key", shortKey(key)),
		slog.String("owner", created.OwnerClient),
	)
	return created, true
}

// Lookup returns the running compilation under key, if any.
func (r *Registry) Lookup(key compile.Fingerprint) (*Running, bool) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	rc, ok := r.running[key]
	return rc, ok
}

// Remove compare-and-removes the record under key.
//
// Description:
//
//	The entry is removed only if it is still the expected record. A
//	subscriber that re-dispatched after a stall must not race out an
//	entry inserted by somebody else in the meantime.
//
// Outputs:
//   - bool: True if the entry was removed by this call.
func (r *Registry) Remove(key compile.Fingerprint, expected *Running, reason RemovalReason) bool {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	current, ok := r.running[key]
	if !ok || current != expected {
		return false
	}
	delete(r.running, key)

	removalsTotal.WithLabelValues(string(reason)).Inc()
	runningCompilations.Set(float64(len(r.running)))

	r.logger.Debug("compilation removed",
		slog.String("key", shortKey(key)),
		slog.String("reason", string(reason)),
	)
	return true
}

// RunningCount returns the number of registered compilations.
func (r *Registry) RunningCount() int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return len(r.running)
}

// GetOrInsertLastSuccessful returns the current last-successful record of
// a project, installing fallback as current if the project has none. The
// chosen record's classes directory gains one reader reference, released
// by the caller through DecrementRefcount when the compilation completes.
func (r *Registry) GetOrInsertLastSuccessful(projectID string, fallback *compile.Successful) *compile.Successful {
	r.lastMu.Lock()
	chosen, ok := r.last[projectID]
	if !ok {
		if fallback == nil {
			fallback = &compile.Successful{ProjectID: projectID, Empty: true}
		}
		r.last[projectID] = fallback
		chosen = fallback
		r.incrementLocked(chosen.ClassesDir, chosen.Empty) // current reference
	}
	r.lastMu.Unlock()

	r.incrementLocked(chosen.ClassesDir, chosen.Empty) // reader reference
	return chosen
}

// SeedLastSuccessful installs a record recovered from durable storage as
// the project's current last-successful, unless the project already has
// one. Unlike GetOrInsertLastSuccessful it takes no reader reference.
//
// Outputs:
//   - bool: True if the record was installed.
func (r *Registry) SeedLastSuccessful(projectID string, record *compile.Successful) bool {
	r.lastMu.Lock()
	if _, ok := r.last[projectID]; ok {
		r.lastMu.Unlock()
		return false
	}
	r.last[projectID] = record
	r.lastMu.Unlock()

	r.incrementLocked(record.ClassesDir, record.Empty) // current reference
	return true
}

// CurrentSuccessful returns the current last-successful record without
// taking a reference.
func (r *Registry) CurrentSuccessful(projectID string) (*compile.Successful, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	s, ok := r.last[projectID]
	return s, ok
}

// SwapLastSuccessful atomically installs next as the project's current
// last-successful record.
//
// Description:
//
//	The previous current record loses its current reference; next gains
//	one. When the previous record's count reaches zero and its directory
//	differs from next's, the previous record is returned so the caller
//	schedules its delayed deletion. A directory is returned at most once
//	across Swap and DecrementRefcount.
//
// Outputs:
//   - *compile.Successful: The superseded record owed a deletion, or nil.
func (r *Registry) SwapLastSuccessful(projectID string, next *compile.Successful) *compile.Successful {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()

	old := r.last[projectID]
	r.last[projectID] = next

	r.refMu.Lock()
	defer r.refMu.Unlock()

	if !next.Empty && next.ClassesDir != "" {
		if _, tracked := r.refs[next.ClassesDir]; !tracked {
			refcountedDirs.Inc()
		}
		r.refs[next.ClassesDir]++
	}

	if old == nil || old.Empty || old.ClassesDir == "" {
		return nil
	}

	count := r.refs[old.ClassesDir] - 1
	if count < 0 {
		r.logger.Error("classes dir refcount underflow",
			slog.String("dir", old.ClassesDir),
		)
		count = 0
	}
	if count == 0 && old.ClassesDir != next.ClassesDir {
		delete(r.refs, old.ClassesDir)
		refcountedDirs.Dec()
		deletionsScheduledTotal.Inc()
		return old
	}
	r.refs[old.ClassesDir] = count
	return nil
}

// DecrementRefcount releases one reader reference on dir.
//
// Description:
//
//	Called on every compilation completion for the directory chosen at
//	dispatch, and on error paths. When the count reaches zero and the
//	directory is no longer the project's current one, it reports the
//	directory as deletable; the caller owns scheduling the deletion.
//
// Outputs:
//   - bool: True if dir is now owed a deletion.
func (r *Registry) DecrementRefcount(projectID, dir string) bool {
	if dir == "" {
		return false
	}

	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	current := r.last[projectID]

	r.refMu.Lock()
	defer r.refMu.Unlock()

	count, tracked := r.refs[dir]
	if !tracked {
		// Already handed to the deletion path by a swap.
		return false
	}
	count--
	if count < 0 {
		r.logger.Error("classes dir refcount underflow",
			slog.String("dir", dir),
		)
		count = 0
	}
	superseded := current == nil || current.ClassesDir != dir
	if count == 0 && superseded {
		delete(r.refs, dir)
		refcountedDirs.Dec()
		deletionsScheduledTotal.Inc()
		return true
	}
	r.refs[dir] = count
	return false
}

// Refcount returns the current reference count of dir.
func (r *Registry) Refcount(dir string) int {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	return r.refs[dir]
}

// ClearSuccessfulResults drops the last-successful map and the refcount
// table. Test hook, used between scenarios.
func (r *Registry) ClearSuccessfulResults() {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	r.refMu.Lock()
	defer r.refMu.Unlock()

	r.last = make(map[string]*compile.Successful)
	for range r.refs {
		refcountedDirs.Dec()
	}
	r.refs = make(map[string]int)
}

// incrementLocked bumps the count for dir, ignoring the empty sentinel.
func (r *Registry) incrementLocked(dir string, empty bool) {
	if empty || dir == "" {
		return
	}
	r.refMu.Lock()
	defer r.refMu.Unlock()
	if _, tracked := r.refs[dir]; !tracked {
		refcountedDirs.Inc()
	}
	r.refs[dir]++
}

// shortKey truncates a fingerprint for logging.
func shortKey(k compile.Fingerprint) string {
	s := string(k)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
