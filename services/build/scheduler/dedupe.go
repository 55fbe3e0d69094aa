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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dag"
	"github.com/AleutianAI/kiln/services/build/dedup"
	"github.com/AleutianAI/kiln/services/build/exec"
	"github.com/AleutianAI/kiln/services/build/mirror"
)

// errDisconnected is the internal signal that a deduplicated replay went
// silent past the disconnect timeout.
var errDisconnected = errors.New("disconnected from deduplicated compilation")

// setupAndDeduplicate runs bundle setup for one node attempt, consults
// the registry, and either dispatches a new compilation or attaches to a
// running one.
func (t *traversal) setupAndDeduplicate(p *compile.Project, node dag.Dag[*compile.Project], deps *nodeDeps) Partial {
	s := t.s

	bundle, err := t.setup(t.ctx, compile.BundleInputs{
		Project:           p,
		Dag:               node,
		DependentProducts: deps.products,
	})
	if err != nil {
		// Localised to this leaf; siblings keep compiling and the raw
		// cause never propagates.
		werr := fmt.Errorf("%w: %v", compile.ErrSetupFailed, err)
		s.logger.Error("bundle setup failed",
			slog.String("project", p.Name),
			slog.String("error", err.Error()),
		)
		return &Failure{Project: p, Err: werr, Result: exec.Failed[*compile.ResultBundle](werr)}
	}
	t.observeBundle(bundle)

	running, inserted := s.registry.LookupOrInsert(bundle.Inputs, func() *dedup.Running {
		return t.scheduleCompilation(bundle, deps)
	})
	if !inserted {
		return t.deduplicate(p, node, deps, bundle, running)
	}

	running.Result.Start()

	// User cancellation reaches only compilations this client owns.
	go func() {
		select {
		case <-t.ctx.Done():
			running.Result.Cancel()
		case <-running.Result.Done():
		}
	}()

	if t.pipeline {
		return &Success{Bundle: bundle, Pipeline: handlesOf(running), Result: running.Result}
	}

	res, rerr := running.Result.Await(t.ctx)
	return t.partialFrom(bundle, running, res, rerr)
}

// observeBundle guarantees the bundle's reporter and logger are observed
// through an event mirror, creating one if setup did not.
func (t *traversal) observeBundle(b *compile.Bundle) {
	if b.Mirror != nil {
		return
	}
	m := mirror.New[compile.Event]()
	b.Mirror = m
	if b.Reporter == nil {
		b.Reporter = compile.NopReporter{}
	}
	b.Reporter = compile.NewObservedReporter(b.Reporter, m)
	b.Logger = compile.NewObservedLogger(b.Logger, b.Project.Name, m)
}

// deduplicate attaches this client to a compilation another client owns.
//
// Description:
//
//	The running compilation's event stream is replayed into this client's
//	reporter and logger, bounded by the disconnect timeout. Replay and
//	the shared result race; whichever resolves first, events are fully
//	drained before the result is delivered so the client observes the
//	producer's exact sequence. A stalled replay abandons the producer:
//	the registry entry is compare-and-removed, the producer's task is
//	cancelled, a cancelled end event is emitted for this client, and the
//	attempt re-enters setupAndDeduplicate from scratch.
func (t *traversal) deduplicate(
	p *compile.Project,
	node dag.Dag[*compile.Project],
	deps *nodeDeps,
	bundle *compile.Bundle,
	running *dedup.Running,
) Partial {
	s := t.s
	if s.dedupAttaches != nil {
		s.dedupAttaches.Add(t.ctx, 1)
	}
	s.logger.Info("deduplicating compilation",
		slog.String("project", p.Name),
		slog.String("client", t.client.ClientID()),
		slog.String("owner", running.OwnerClient),
	)

	// Previous problems are re-derived from the registry's current
	// analysis: the running compilation's input may differ from this
	// client's cached one.
	if cur, ok := s.registry.CurrentSuccessful(p.ID); ok && cur.Analysis != nil {
		for _, pr := range cur.Analysis.Problems {
			bundle.Reporter.ReportProblem(p.Name, pr)
		}
	}

	reader := running.Mirror.Reader()
	replay := exec.NewTask(s.io, func(ctx context.Context) (struct{}, error) {
		for {
			ev, err := reader.NextTimeout(ctx, s.cfg.DisconnectTimeout)
			switch {
			case errors.Is(err, mirror.ErrDrained):
				return struct{}{}, nil
			case errors.Is(err, mirror.ErrStalled):
				return struct{}{}, errDisconnected
			case err != nil:
				return struct{}{}, fmt.Errorf("%w: %v", ErrDeduplicationFailed, err)
			}
			compile.ReplayEvent(ev, bundle.Reporter, bundle.Logger)
		}
	})
	replay.Start()
	running.Result.Start()

	select {
	case <-t.ctx.Done():
		// This subscriber was cancelled. The producer is untouched.
		return &Failure{Project: p, Err: ErrCompilationCancelled, Result: running.Result}
	case <-running.Result.Done():
		// The producer closed the mirror before resolving, so the replay
		// terminates; drain it to preserve event order.
	case <-replay.Done():
	}

	_, rerr := replay.Await(t.ctx)
	switch {
	case rerr == nil:
		// Replay drained cleanly; deliver the shared result.

	case errors.Is(rerr, errDisconnected):
		return t.disconnect(p, node, deps, bundle, running)

	case errors.Is(rerr, context.Canceled), errors.Is(rerr, context.DeadlineExceeded):
		return &Failure{Project: p, Err: ErrCompilationCancelled, Result: running.Result}

	default:
		// Replay failed. The producer's result stands for its own
		// clients; this client alone observes a scheduler error when the
		// producer succeeded.
		res, err := running.Result.Await(t.ctx)
		if err == nil && res.Final.Ok() {
			gerr := fmt.Errorf("%w: %v", ErrDeduplicationFailed, rerr)
			return &Failure{Project: p, Err: gerr, Result: running.Result}
		}
		return t.partialFrom(bundle, running, res, err)
	}

	res, err := running.Result.Await(t.ctx)
	if isCancelledOutcome(res, err) && running.IsUnsubscribed() {
		// A stalled subscriber removed and cancelled this compilation.
		// Race to re-dispatch like every other surviving client.
		s.logger.Warn("deduplicated compilation was cancelled by a stalled peer, re-dispatching",
			slog.String("project", p.Name),
		)
		return t.setupAndDeduplicate(p, node, deps)
	}
	return t.partialFrom(bundle, running, res, err)
}

// disconnect abandons a stalled producer and re-dispatches.
func (t *traversal) disconnect(
	p *compile.Project,
	node dag.Dag[*compile.Project],
	deps *nodeDeps,
	bundle *compile.Bundle,
	running *dedup.Running,
) Partial {
	s := t.s

	running.MarkUnsubscribed()
	s.registry.Remove(running.Key, running, dedup.RemovalDisconnected)
	running.Result.Cancel()

	bundle.Reporter.ReportEndCompilation(p.Name, compile.StatusCancelled)
	s.logger.Warn("disconnected from deduplicated compilation, re-dispatching",
		slog.String("project", p.Name),
		slog.String("owner", running.OwnerClient),
		slog.Duration("timeout", s.cfg.DisconnectTimeout),
	)
	if s.dedupDisconnects != nil {
		s.dedupDisconnects.Add(t.ctx, 1)
	}

	return t.setupAndDeduplicate(p, node, deps)
}

// partialFrom maps a resolved compilation to its per-node outcome.
func (t *traversal) partialFrom(bundle *compile.Bundle, running *dedup.Running, res *compile.ResultBundle, err error) Partial {
	p := bundle.Project

	if err != nil {
		t.countFailure()
		if errors.Is(err, exec.ErrTaskCancelled) || errors.Is(err, context.Canceled) {
			return &Failure{Project: p, Err: ErrCompilationCancelled, Result: running.Result}
		}
		return &Failure{Project: p, Err: err, Result: running.Result}
	}

	switch res.Final.Kind {
	case compile.ResultOk:
		if t.s.nodeSuccesses != nil {
			t.s.nodeSuccesses.Add(t.ctx, 1)
		}
		return &Success{Bundle: bundle, Pipeline: handlesOf(running), Result: running.Result}
	case compile.ResultCancelled:
		t.countFailure()
		return &Failure{Project: p, Err: ErrCompilationCancelled, Result: running.Result}
	case compile.ResultFailed:
		t.countFailure()
		return &Failure{Project: p, Err: &CompileError{Project: p.Name, Problems: res.Final.Problems}, Result: running.Result}
	case compile.ResultBlocked:
		t.countFailure()
		return &Failure{Project: p, Err: &BlockedError{Project: p.Name, Upstream: res.Final.BlockedOn}, Result: running.Result}
	default:
		t.countFailure()
		err := res.Final.Err
		if err == nil {
			err = fmt.Errorf("unexpected compile result: %s", res.Final.Kind)
		}
		return &Failure{Project: p, Err: err, Result: running.Result}
	}
}

func (t *traversal) countFailure() {
	if t.s.nodeFailures != nil {
		t.s.nodeFailures.Add(t.ctx, 1)
	}
}

// handlesOf exposes a running compilation's pipelining promises, nil in
// normal runs.
func handlesOf(running *dedup.Running) *PipelineHandles {
	if running.Signatures == nil {
		return nil
	}
	return &PipelineHandles{
		Signatures:   running.Signatures,
		Finished:     running.Finished,
		CompleteJava: running.CompleteJava,
	}
}

// isCancelledOutcome reports whether a resolved compilation ended
// cancelled.
func isCancelledOutcome(res *compile.ResultBundle, err error) bool {
	if err != nil {
		return errors.Is(err, exec.ErrTaskCancelled) || errors.Is(err, context.Canceled)
	}
	return res.Final.Kind == compile.ResultCancelled
}
