// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dedup

import (
	"sync/atomic"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/exec"
	"github.com/AleutianAI/kiln/services/build/mirror"
)

// Running is a live compilation shared by every client deduplicating
// against it.
//
// Description:
//
//	The registry is the sole owner of the record. The compilation's
//	observed reporter and logger hold only the sink side of Mirror;
//	deduplicated clients hold read cursors. Result is the memoized task
//	all subscribers share.
//
// Thread Safety: Safe for concurrent use.
type Running struct {
	// Key is the unique-inputs fingerprint this compilation is registered
	// under.
	Key compile.Fingerprint

	// OwnerClient identifies the client that dispatched the compilation.
	OwnerClient string

	// Previous is the last-successful record chosen at dispatch time. Its
	// classes-dir reference is released when the compilation completes.
	Previous *compile.Successful

	// Mirror is the compilation's event stream, replayable from the
	// start by late subscribers.
	Mirror *mirror.Mirror[compile.Event]

	// Result is the memoized compilation task shared by all subscribers.
	Result *exec.Task[*compile.ResultBundle]

	// Signatures is the node's own signature promise in pipelined runs,
	// nil otherwise. Shared so deduplicated downstreams observe the same
	// pipelining handles.
	Signatures *exec.Promise[[]compile.Signature]

	// Finished resolves when the pipelined compilation fully completes,
	// nil in normal runs.
	Finished *exec.Promise[struct{}]

	// CompleteJava resolves when the pipelined compilation's Java phase
	// may proceed, nil in normal runs.
	CompleteJava *exec.Promise[struct{}]

	unsubscribed atomic.Bool
}

// MarkUnsubscribed flags the record as abandoned by a stalled subscriber.
// A flagged record must not be compare-and-removed again by the failure
// path.
func (r *Running) MarkUnsubscribed() {
	r.unsubscribed.Store(true)
}

// IsUnsubscribed reports whether a stalled subscriber already removed the
// record.
func (r *Running) IsUnsubscribed() bool {
	return r.unsubscribed.Load()
}
