// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exec

import (
	"context"
	"sync"
)

// Promise is a single-assignment cell with completion notification.
//
// Description:
//
//	The producer writes exactly once with Complete or Fail; later writes
//	are rejected. Readers attach with Await or poll with TryValue. The
//	pipelined compiler uses promises to hand type signatures to downstream
//	compilations before bytecode exists.
//
// Thread Safety: Safe for concurrent use.
type Promise[T any] struct {
	mu   sync.Mutex
	set  bool
	done chan struct{}
	val  T
	err  error
}

// NewPromise creates an unfulfilled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete fulfils the promise with v. Returns false if already written.
func (p *Promise[T]) Complete(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return false
	}
	p.set = true
	p.val = v
	close(p.done)
	return true
}

// Fail rejects the promise with err. Returns false if already written.
func (p *Promise[T]) Fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return false
	}
	p.set = true
	p.err = err
	close(p.done)
	return true
}

// Await blocks until the promise is written or ctx is cancelled.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryValue returns the value if the promise was fulfilled (not failed).
func (p *Promise[T]) TryValue() (T, bool) {
	select {
	case <-p.done:
		if p.err == nil {
			return p.val, true
		}
	default:
	}
	var zero T
	return zero, false
}

// Done returns a channel closed once the promise is written.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Completed reports whether the promise has been written (fulfilled or
// failed).
func (p *Promise[T]) Completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
