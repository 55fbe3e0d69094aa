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
	"os"

	"github.com/AleutianAI/kiln/services/build/exec"
)

// Severity classifies a reported problem.
type Severity int

const (
	// SeverityInfo is an informational diagnostic.
	SeverityInfo Severity = iota

	// SeverityWarning is a warning diagnostic.
	SeverityWarning

	// SeverityError is an error diagnostic.
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Problem is a single compiler diagnostic.
type Problem struct {
	// File is the source path the diagnostic refers to.
	File string

	// Line is the 1-based line number, 0 when unknown.
	Line int

	// Severity classifies the diagnostic.
	Severity Severity

	// Message is the diagnostic text.
	Message string
}

// Analysis is the handle to a project's incremental compilation analysis.
// The scheduler treats it as opaque except for the problems it re-derives
// when replaying a deduplicated compilation to a late client.
type Analysis struct {
	// Problems are the diagnostics recorded by the compilation that
	// produced this analysis.
	Problems []Problem

	// SourceHash fingerprints the sources the analysis was computed from.
	SourceHash string
}

// Signature is a compact type-interface summary of a compiled symbol,
// published by a pipelined compilation before bytecode exists so that
// downstream projects can start.
type Signature struct {
	// Name is the fully qualified symbol name. On name collisions across
	// the upstream graph, the first occurrence in DFS order wins, which
	// simulates classpath shadowing.
	Name string

	// Digest identifies the signature content.
	Digest string
}

// Products is the full output of a finished compilation, as seen by
// dependent projects.
type Products struct {
	// ReadOnlyDir is the last-successful classes directory the compilation
	// read from.
	ReadOnlyDir string

	// NewDir is the classes directory the compilation wrote to.
	NewDir string

	// Signatures are the produced type signatures.
	Signatures []Signature

	// DefinedMacroSymbols lists macro symbols defined by this project.
	DefinedMacroSymbols []string
}

// PartialProducts is what a pipelined dependent sees while the upstream
// compilation is still running: directories and macro symbols, no final
// analysis.
type PartialProducts struct {
	ReadOnlyDir  string
	NewDir       string
	MacroSymbols []string
}

// BundleProducts carries either partial products (upstream still
// compiling) or full products (upstream finished) into a dependent's
// bundle setup. Exactly one field is set.
type BundleProducts struct {
	Partial *PartialProducts
	Full    *Products
}

// ResultKind is the taxonomy of compilation outcomes.
type ResultKind int

const (
	// ResultEmpty means no compilation was attempted.
	ResultEmpty ResultKind = iota

	// ResultOk is a successful compilation with products.
	ResultOk

	// ResultCancelled is a user- or stall-cancelled compilation.
	ResultCancelled

	// ResultFailed is a compilation that produced errors.
	ResultFailed

	// ResultBlocked means upstream failures prevented this compilation.
	ResultBlocked

	// ResultGlobalError is a scheduler-internal failure.
	ResultGlobalError
)

// String returns the string representation of the result kind.
func (k ResultKind) String() string {
	switch k {
	case ResultEmpty:
		return "empty"
	case ResultOk:
		return "ok"
	case ResultCancelled:
		return "cancelled"
	case ResultFailed:
		return "failed"
	case ResultBlocked:
		return "blocked"
	case ResultGlobalError:
		return "global-error"
	default:
		return "unknown"
	}
}

// Result is a single compilation outcome.
type Result struct {
	// Kind discriminates the variants below.
	Kind ResultKind

	// Products is set when Kind is ResultOk.
	Products *Products

	// Problems is set when Kind is ResultFailed.
	Problems []Problem

	// BlockedOn lists upstream project names when Kind is ResultBlocked.
	BlockedOn []string

	// Err is set when Kind is ResultGlobalError.
	Err error
}

// Ok reports whether the result is a success.
func (r *Result) Ok() bool { return r != nil && r.Kind == ResultOk }

// ResultBundle is what the compile function returns to the scheduler.
type ResultBundle struct {
	// Final is the compilation outcome.
	Final Result

	// NewSuccessful is the successful-result record to install when Final
	// is ResultOk; nil otherwise.
	NewSuccessful *Successful

	// Background populates an external classes directory after a
	// successful compilation. Optional; invoked on the io pool by the
	// scheduler's result enrichment.
	Background func(externalDir string) error
}

// Successful is the last-successful compilation record for a project: the
// on-disk classes directory plus the analysis handle. Its classes
// directory is reference counted by the deduplication registry; deletion
// is scheduled only once the count reaches zero and a successor has
// replaced it.
type Successful struct {
	// ProjectID identifies the project.
	ProjectID string

	// ClassesDir is the on-disk output directory. Empty records use a
	// sentinel that is never deleted.
	ClassesDir string

	// Empty marks the sentinel record used before a first successful
	// compilation exists.
	Empty bool

	// Analysis is the previous analysis handle, nil for empty records.
	Analysis *Analysis

	// Populating resolves once the record's products have been fully
	// materialized on disk. Consumers reading ClassesDir await it first.
	// Written only by the scheduler's result enrichment.
	Populating *exec.Task[struct{}]
}

// EmptySuccessful returns the sentinel record used when a project has no
// validated previous compilation.
func EmptySuccessful(p *Project) *Successful {
	return &Successful{
		ProjectID:  p.ID,
		Empty:      true,
		Populating: exec.Completed(struct{}{}),
	}
}

// DirExists reports whether the record's classes directory is present on
// disk. Empty sentinel records always report true.
func (s *Successful) DirExists() bool {
	if s.Empty {
		return true
	}
	info, err := os.Stat(s.ClassesDir)
	return err == nil && info.IsDir()
}
