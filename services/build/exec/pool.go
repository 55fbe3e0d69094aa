// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package exec provides the asynchronous building blocks the scheduler is
// composed from: bounded and unbounded worker pools, lazily started
// memoized tasks, and single-assignment promises.
//
// Two pools exist by convention:
//
//   - compute: bounded to the CPU count; runs compiler transformations and
//     graph composition.
//   - io: unbounded; runs everything that may block indefinitely, such as
//     waiting for another compilation, event replay, and disk deletion.
//
// Any wait on another task or promise must happen on the io pool, otherwise
// a full compute pool can starve itself waiting for work it will never get
// to run.
package exec

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool schedules functions onto goroutines, optionally bounding how many
// run at once.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	name string
	sem  *semaphore.Weighted
}

// NewCompute creates a bounded pool for CPU-bound work.
//
// Inputs:
//   - size: Maximum concurrent functions. Values < 1 default to
//     runtime.NumCPU().
//
// Outputs:
//   - *Pool: The bounded pool. Never nil.
func NewCompute(size int) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return &Pool{name: "compute", sem: semaphore.NewWeighted(int64(size))}
}

// NewIO creates an unbounded pool for blocking work.
func NewIO() *Pool {
	return &Pool{name: "io"}
}

// Name returns the pool's name ("compute" or "io").
func (p *Pool) Name() string { return p.name }

// Go runs fn on a pool goroutine.
//
// Description:
//
//	On a bounded pool the goroutine waits for a slot before invoking fn;
//	the wait is abandoned if ctx is cancelled first, in which case fn is
//	invoked anyway so it can observe the cancelled context and return.
//	Unbounded pools invoke fn immediately.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Go(ctx context.Context, fn func()) {
	if p.sem == nil {
		go fn()
		return
	}
	go func() {
		if err := p.sem.Acquire(ctx, 1); err == nil {
			defer p.sem.Release(1)
		}
		fn()
	}()
}
