// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type rebuildSpy struct {
	mu      sync.Mutex
	batches [][]string
}

func (s *rebuildSpy) fn(ctx context.Context, changed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, changed)
}

func (s *rebuildSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *rebuildSpy) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func startWatcher(t *testing.T, root string, spy *rebuildSpy) *Watcher {
	t.Helper()
	opts := DefaultOptions()
	opts.DebounceWindow = 50 * time.Millisecond
	opts.RebuildsPerSecond = 100
	opts.Logger = discardLogger()

	w, err := New([]string{root}, spy.fn, opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_BatchesBurstIntoOneRebuild(t *testing.T) {
	root := t.TempDir()
	spy := &rebuildSpy{}
	startWatcher(t, root, spy)

	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(root, "Main.scala"), i)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return spy.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, spy.count(), 2, "a write burst debounces into few rebuilds")
	assert.Contains(t, spy.all(), filepath.Join(root, "Main.scala"))
}

func TestWatcher_IgnoresNonSourceFiles(t *testing.T) {
	root := t.TempDir()
	spy := &rebuildSpy{}
	startWatcher(t, root, spy)

	writeFile(t, filepath.Join(root, "notes.txt"), 1)
	writeFile(t, filepath.Join(root, "Main.class"), 1)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, spy.count())
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	spy := &rebuildSpy{}
	startWatcher(t, root, spy)

	sub := filepath.Join(root, "src", "main")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a moment to register the new directories.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "App.java"), 1)

	require.Eventually(t, func() bool { return spy.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Contains(t, spy.all(), filepath.Join(sub, "App.java"))
}

func TestWatcher_Validation(t *testing.T) {
	_, err := New(nil, func(context.Context, []string) {}, Options{})
	assert.Error(t, err)

	_, err = New([]string{t.TempDir()}, nil, Options{})
	assert.Error(t, err)
}

func writeFile(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte{byte('a' + n%26)}, 0o644))
}
