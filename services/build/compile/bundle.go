// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/kiln/services/build/dag"
	"github.com/AleutianAI/kiln/services/build/mirror"
)

// ErrSetupFailed wraps bundle setup failures. The scheduler converts a
// setup failure into a per-project failure leaf; sibling projects keep
// compiling.
var ErrSetupFailed = errors.New("bundle setup failed")

// BundleInputs is what bundle setup receives for one node attempt.
type BundleInputs struct {
	// Project is the node being set up.
	Project *Project

	// Dag is the sub-graph rooted at the node.
	Dag dag.Dag[*Project]

	// DependentProducts maps upstream project IDs to their products,
	// partial while a pipelined upstream is still running.
	DependentProducts map[string]BundleProducts
}

// SetupFunc builds the compile bundle for one node attempt. It is an
// external collaborator contract; failures are wrapped in ErrSetupFailed
// by the engine and never propagate raw.
type SetupFunc func(ctx context.Context, in BundleInputs) (*Bundle, error)

// Bundle is the per-attempt snapshot needed to compile one node.
//
// A bundle is created fresh for every attempt. Its reporter and logger are
// the observed variants: every action they perform is also appended to
// Mirror, which feeds clients deduplicating against this compilation.
type Bundle struct {
	// Project is the build unit this bundle compiles.
	Project *Project

	// Inputs is the unique-inputs fingerprint, the deduplication key.
	Inputs Fingerprint

	// Reporter receives this attempt's structured events, observed
	// through Mirror.
	Reporter Reporter

	// Logger receives this attempt's log records, observed through
	// Mirror.
	Logger *slog.Logger

	// Mirror is the attempt's event mirror. Owned by the running
	// compilation record once the attempt is registered; the bundle holds
	// the sink side only.
	Mirror *mirror.Mirror[Event]

	// LastSuccessful is the client's cached last-successful handle, used
	// as the fallback when the registry has none.
	LastSuccessful *Successful

	// LatestResultEmpty marks that the client has no validated previous
	// result, in which case the previous analysis must not be reused.
	LatestResultEmpty bool

	// ClassesDir is the fresh directory this attempt writes to.
	ClassesDir string

	// ReadOnlyDir is the last-successful directory this attempt reads
	// from. Distinct from ClassesDir by construction.
	ReadOnlyDir string
}
