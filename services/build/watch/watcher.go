// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-triggers compilation traversals when sources change.
//
// # Description
//
// The watcher observes source directories recursively and batches change
// events using a debounce window, so a burst of editor writes triggers
// one rebuild instead of one per keystroke. Rebuild triggers are
// additionally rate limited: even with a pathological event storm the
// rebuild function runs at most at the configured rate.
//
// # Thread Safety
//
// Safe for concurrent use. The rebuild function is called from a single
// goroutine.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// RebuildFunc is called with the batch of changed source paths once a
// debounce window closes.
type RebuildFunc func(ctx context.Context, changed []string)

// Options configures the Watcher.
type Options struct {
	// DebounceWindow is how long to wait for more changes before
	// triggering. Default: 150ms.
	DebounceWindow time.Duration

	// RebuildsPerSecond caps how often the rebuild function runs.
	// Default: 2.
	RebuildsPerSecond float64

	// SourceExtensions are the file extensions that count as sources.
	// Default: .scala, .java, .sbt.
	SourceExtensions []string

	// IgnoreDirs are directory names that are never descended into.
	// Default: .git, .kiln, .bsp, target, .idea.
	IgnoreDirs []string

	// Logger receives watcher events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:    150 * time.Millisecond,
		RebuildsPerSecond: 2,
		SourceExtensions:  []string{".scala", ".java", ".sbt"},
		IgnoreDirs:        []string{".git", ".kiln", ".bsp", "target", ".idea"},
	}
}

// Watcher observes source trees and triggers rebuilds.
type Watcher struct {
	roots   []string
	rebuild RebuildFunc
	opts    Options
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	limiter *rate.Limiter

	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	running bool
}

// New creates a watcher over the given source roots.
//
// Inputs:
//   - roots: Directories to watch recursively. Must not be empty.
//   - rebuild: Called with batched changes. Must not be nil.
//   - opts: Configuration; zero values use DefaultOptions.
//
// Outputs:
//   - *Watcher: Ready to Start. Never nil on success.
//   - error: Non-nil if inputs are invalid or the OS watcher cannot be
//     created.
func New(roots []string, rebuild RebuildFunc, opts Options) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one root directory is required")
	}
	if rebuild == nil {
		return nil, fmt.Errorf("rebuild function is required")
	}
	defaults := DefaultOptions()
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = defaults.DebounceWindow
	}
	if opts.RebuildsPerSecond == 0 {
		opts.RebuildsPerSecond = defaults.RebuildsPerSecond
	}
	if opts.SourceExtensions == nil {
		opts.SourceExtensions = defaults.SourceExtensions
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = defaults.IgnoreDirs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		roots:   roots,
		rebuild: rebuild,
		opts:    opts,
		logger:  logger.With(slog.String("component", "source_watcher")),
		watcher: fsw,
		limiter: rate.NewLimiter(rate.Limit(opts.RebuildsPerSecond), 1),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Returns once the directory tree is registered;
// event handling continues in the background until Stop or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	w.running = true
	w.mu.Unlock()

	registered := 0
	for _, root := range w.roots {
		if err := w.addRecursive(root, &registered); err != nil {
			return err
		}
	}
	w.logger.Info("source watcher started",
		slog.Int("directories", registered),
		slog.Duration("debounce", w.opts.DebounceWindow),
	)

	go w.loop(ctx)
	return nil
}

// Stop terminates the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// addRecursive registers root and every non-ignored subdirectory.
func (w *Watcher) addRecursive(root string, registered *int) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoredDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		*registered++
		return nil
	})
}

func (w *Watcher) ignoredDir(name string) bool {
	for _, ig := range w.opts.IgnoreDirs {
		if name == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) isSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.opts.SourceExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

// loop collects events, debounces them, and fires rebuilds.
func (w *Watcher) loop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		changed := make([]string, 0, len(pending))
		for p := range pending {
			changed = append(changed, p)
		}
		pending = make(map[string]struct{})

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.logger.Debug("triggering rebuild",
			slog.Int("changed", len(changed)),
		)
		w.rebuild(ctx, changed)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev, pending)
			if len(pending) > 0 {
				if timer == nil {
					timer = time.NewTimer(w.opts.DebounceWindow)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.opts.DebounceWindow)
				}
				timerC = timer.C
			}
		case <-timerC:
			timerC = nil
			flush()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent records a source change and keeps the directory tree
// registered as it grows.
func (w *Watcher) handleEvent(ev fsnotify.Event, pending map[string]struct{}) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.ignoredDir(filepath.Base(ev.Name)) {
				registered := 0
				if err := w.addRecursive(ev.Name, &registered); err != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("dir", ev.Name),
						slog.String("error", err.Error()),
					)
				}
			}
			return
		}
	}
	if !w.isSource(ev.Name) {
		return
	}
	if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		pending[ev.Name] = struct{}{}
	}
}
