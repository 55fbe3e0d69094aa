// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/exec"
)

var (
	// ErrCompilationCancelled marks a user- or stall-cancelled
	// compilation in a failure leaf.
	ErrCompilationCancelled = errors.New("compilation cancelled")

	// ErrFailedOrCancelledPromise marks a pipelined upstream whose
	// signature promise failed before signatures materialized.
	ErrFailedOrCancelledPromise = errors.New("upstream signature promise failed or was cancelled")

	// ErrDeduplicationFailed wraps replay failures on the deduplicated
	// path. Only the late client observes it; the producer's result is
	// untouched.
	ErrDeduplicationFailed = errors.New("deduplication failed")
)

// BlockedError reports that a project was skipped because upstream
// projects failed or were blocked themselves.
type BlockedError struct {
	// Project is the skipped project's name.
	Project string

	// Upstream are the names of the failed or blocked upstream projects.
	Upstream []string
}

// Error implements error.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s blocked by %s", e.Project, strings.Join(e.Upstream, ", "))
}

// CompileError carries the diagnostics of a failed compilation.
type CompileError struct {
	Project  string
	Problems []compile.Problem
}

// Error implements error.
func (e *CompileError) Error() string {
	errs := 0
	for _, p := range e.Problems {
		if p.Severity == compile.SeverityError {
			errs++
		}
	}
	return fmt.Sprintf("compilation of %s failed with %d errors", e.Project, errs)
}

// Partial is a per-node outcome flowing up the result graph. The result
// graph has the same shape as the input graph; aggregates map to a parent
// carrying Empty.
type Partial interface {
	partial()
}

// Empty is the outcome of a node that carries no compile work
// (an aggregate root).
type Empty struct{}

func (*Empty) partial() {}

// Success is a node whose compilation was dispatched (or attached to) and
// did not fail structurally. In normal mode its Result has already
// resolved to an Ok bundle; in pipelined mode the Result may still be
// running and Pipeline exposes the node's signature and completion
// promises.
type Success struct {
	// Bundle is the attempt's compile bundle.
	Bundle *compile.Bundle

	// Pipeline exposes the pipelining handles; nil in normal mode.
	Pipeline *PipelineHandles

	// Result is the memoized compilation task shared by deduplicating
	// clients.
	Result *exec.Task[*compile.ResultBundle]
}

func (*Success) partial() {}

// Failure is a node whose compilation failed, was cancelled, was blocked
// by upstream failures, or could not be set up.
type Failure struct {
	// Project is the failed project.
	Project *compile.Project

	// Err classifies the failure: BlockedError, CompileError,
	// ErrCompilationCancelled, compile.ErrSetupFailed, or a wrapped
	// scheduler-internal error.
	Err error

	// Result is the underlying compilation task when one was dispatched,
	// or an already-failed task otherwise.
	Result *exec.Task[*compile.ResultBundle]
}

func (*Failure) partial() {}

// PipelineHandles are the promises a pipelined compilation shares with
// its downstreams.
type PipelineHandles struct {
	// Signatures resolves as soon as the compiler emitted type
	// signatures, before bytecode exists.
	Signatures *exec.Promise[[]compile.Signature]

	// Finished resolves when the compilation fully completes.
	Finished *exec.Promise[struct{}]

	// CompleteJava resolves when the Java phase may proceed.
	CompleteJava *exec.Promise[struct{}]
}

// JavaSignal tells a pipelined compilation whether its transitive
// upstreams completed, gating the Java phase.
type JavaSignal struct {
	// FailFast is set when at least one upstream failed to complete.
	FailFast bool

	// Failed lists the upstream project names that failed, in upstream
	// order.
	Failed []string
}

// ContinueCompilation is the signal carried when every upstream
// completed.
func ContinueCompilation() JavaSignal { return JavaSignal{} }

// FailFastCompilation is the signal carried when upstreams failed.
func FailFastCompilation(names ...string) JavaSignal {
	return JavaSignal{FailFast: true, Failed: names}
}

// Fold combines two signals left to right: continue absorbs into
// continue, fail-fast absorbs everything and concatenates the failed
// names.
func (s JavaSignal) Fold(next JavaSignal) JavaSignal {
	if !s.FailFast && !next.FailFast {
		return JavaSignal{}
	}
	return JavaSignal{FailFast: true, Failed: append(append([]string{}, s.Failed...), next.Failed...)}
}

// PipelineInputs is handed to the compile function on pipelined runs.
// The compiler MUST fulfil Signatures as soon as type signatures are
// ready and Finished when compilation fully completes, and MUST honour
// TransitiveJavaSignal by aborting the Java phase on a fail-fast signal.
type PipelineInputs struct {
	Signatures           *exec.Promise[[]compile.Signature]
	Finished             *exec.Promise[struct{}]
	CompleteJava         *exec.Promise[struct{}]
	TransitiveJavaSignal *exec.Task[JavaSignal]
	SeparateJavaAndScala bool
}
