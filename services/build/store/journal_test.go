// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dedup"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func mkClassesDir(t *testing.T, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestRecordAndReplay(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	dir := mkClassesDir(t, "classes-1")

	require.NoError(t, j.RecordSuccessful(ctx, "core", dir, compile.Fingerprint("f1")))

	records, err := j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "core", records[0].ProjectID)
	assert.Equal(t, dir, records[0].ClassesDir)
	assert.Equal(t, compile.Fingerprint("f1"), records[0].Inputs)
	assert.False(t, records[0].RecordedAt.IsZero())
}

func TestRecordReplacesPreviousEntry(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	dir1 := mkClassesDir(t, "classes-1")
	dir2 := mkClassesDir(t, "classes-2")

	require.NoError(t, j.RecordSuccessful(ctx, "core", dir1, "f1"))
	require.NoError(t, j.RecordSuccessful(ctx, "core", dir2, "f2"))

	records, err := j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1, "one entry per project")
	assert.Equal(t, dir2, records[0].ClassesDir)
}

func TestReplayDropsVanishedDirectories(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	kept := mkClassesDir(t, "kept")
	gone := mkClassesDir(t, "gone")

	require.NoError(t, j.RecordSuccessful(ctx, "kept", kept, "f1"))
	require.NoError(t, j.RecordSuccessful(ctx, "gone", gone, "f2"))
	require.NoError(t, os.RemoveAll(gone))

	records, err := j.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].ProjectID)

	// The stale entry was dropped, not just filtered.
	records, err = j.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSeedInstallsIntoRegistry(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	dir := mkClassesDir(t, "classes-1")
	require.NoError(t, j.RecordSuccessful(ctx, "core", dir, "f1"))

	reg := dedup.NewRegistry(nil)
	seeded, err := j.Seed(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 1, seeded)

	current, ok := reg.CurrentSuccessful("core")
	require.True(t, ok)
	assert.Equal(t, dir, current.ClassesDir)
	assert.Equal(t, 1, reg.Refcount(dir), "seeding takes the current reference only")

	// A registry that already has a record is left alone.
	seeded, err = j.Seed(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, 0, seeded)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
