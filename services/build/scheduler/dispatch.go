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
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dedup"
	"github.com/AleutianAI/kiln/services/build/exec"
	"github.com/AleutianAI/kiln/services/build/oracle"
)

// scheduleCompilation builds the running-compilation record for a bundle.
// Called from the registry's insertion factory, under the registry lock;
// the compilation itself starts only once the record is registered.
func (t *traversal) scheduleCompilation(bundle *compile.Bundle, deps *nodeDeps) *dedup.Running {
	s := t.s
	p := bundle.Project

	chosen := s.registry.GetOrInsertLastSuccessful(p.ID, fallbackFor(bundle))
	if !chosen.DirExists() {
		// The artifacts vanished from disk; the analysis is worthless.
		s.registry.DecrementRefcount(p.ID, chosen.ClassesDir)
		chosen = compile.EmptySuccessful(p)
	} else if bundle.LatestResultEmpty && !chosen.Empty {
		// Never reuse an analysis the client has not validated.
		s.registry.DecrementRefcount(p.ID, chosen.ClassesDir)
		chosen = compile.EmptySuccessful(p)
	}

	running := &dedup.Running{
		OwnerClient: t.client.ClientID(),
		Previous:    chosen,
		Mirror:      bundle.Mirror,
	}
	if t.pipeline {
		running.Signatures = exec.NewPromise[[]compile.Signature]()
		running.Finished = exec.NewPromise[struct{}]()
		running.CompleteJava = exec.NewPromise[struct{}]()
	}

	attempt := uuid.NewString()[:12]
	running.Result = exec.NewTask(s.compute, func(ctx context.Context) (*compile.ResultBundle, error) {
		ctx, span := tracer.Start(ctx, "scheduler.Compile",
			trace.WithAttributes(
				attribute.String("build.project", p.Name),
				attribute.String("build.attempt", attempt),
				attribute.Bool("build.pipeline", t.pipeline),
			),
		)
		defer span.End()

		in := Inputs{
			Bundle:           bundleWith(bundle, chosen),
			DependentResults: deps.results,
		}
		if t.pipeline {
			in.Oracle = oracle.NewPipeliningOracle(deps.signatures, deps.macros, running.Signatures, deps.upstream)
			in.Pipeline = &PipelineInputs{
				Signatures:           running.Signatures,
				Finished:             running.Finished,
				CompleteJava:         running.CompleteJava,
				TransitiveJavaSignal: deps.javaSignal,
				SeparateJavaAndScala: true,
			}
		} else {
			in.Oracle = oracle.SimpleOracle{}
		}

		res, err := t.compile(ctx, in)
		res = normalizeResult(ctx, res, err)

		t.processResult(ctx, bundle, running, chosen, res)

		// Backstop the pipelining promises so downstreams never hang on
		// a compiler that forgot to write them.
		if t.pipeline {
			if res.Final.Ok() {
				running.Signatures.Complete(res.Final.Products.Signatures)
				running.Finished.Complete(struct{}{})
				running.CompleteJava.Complete(struct{}{})
			} else {
				running.Signatures.Fail(ErrFailedOrCancelledPromise)
				running.Finished.Fail(ErrFailedOrCancelledPromise)
				running.CompleteJava.Fail(ErrFailedOrCancelledPromise)
			}
		}

		// Close the event stream last: a late subscriber that drains the
		// mirror is guaranteed the result and registry state are final.
		bundle.Mirror.Close()

		if res.Final.Ok() {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, res.Final.Kind.String())
		}
		return res, nil
	})
	return running
}

// fallbackFor picks the client's cached last-successful handle, or the
// empty sentinel when it has none.
func fallbackFor(bundle *compile.Bundle) *compile.Successful {
	if bundle.LastSuccessful != nil {
		return bundle.LastSuccessful
	}
	return compile.EmptySuccessful(bundle.Project)
}

// bundleWith returns the bundle with the registry-chosen last-successful
// record installed.
func bundleWith(bundle *compile.Bundle, chosen *compile.Successful) *compile.Bundle {
	b := *bundle
	b.LastSuccessful = chosen
	if !chosen.Empty {
		b.ReadOnlyDir = chosen.ClassesDir
	}
	return &b
}

// normalizeResult converts transport-level failures of the compile
// function into result-bundle form.
func normalizeResult(ctx context.Context, res *compile.ResultBundle, err error) *compile.ResultBundle {
	if err == nil && res != nil {
		return res
	}
	if ctx.Err() != nil {
		return &compile.ResultBundle{Final: compile.Result{Kind: compile.ResultCancelled}}
	}
	if err == nil {
		err = errNoResult
	}
	return &compile.ResultBundle{Final: compile.Result{Kind: compile.ResultGlobalError, Err: err}}
}

// processResult applies a resolved compilation to the registry: swap on
// success, removal on failure, reference release either way, and delayed
// deletion of superseded directories.
func (t *traversal) processResult(
	ctx context.Context,
	bundle *compile.Bundle,
	running *dedup.Running,
	chosen *compile.Successful,
	res *compile.ResultBundle,
) {
	s := t.s
	p := bundle.Project

	if res.Final.Ok() && res.NewSuccessful != nil {
		next := res.NewSuccessful
		next.Populating = t.populateTask(p, res)
		next.Populating.Start()

		var superseded []*compile.Successful
		if old := s.registry.SwapLastSuccessful(p.ID, next); old != nil {
			superseded = append(superseded, old)
		}
		if s.registry.DecrementRefcount(p.ID, chosen.ClassesDir) {
			superseded = append(superseded, chosen)
		}
		if len(superseded) > 0 {
			// The composite replaces the record's populating task, so
			// any consumer that awaits the new products also waits out
			// the deletion of what they replaced.
			next.Populating = s.cleanupTask(p, next.Populating, superseded)
			next.Populating.Start()
		}

		if s.journal != nil {
			if err := s.journal.RecordSuccessful(ctx, p.ID, next.ClassesDir, bundle.Inputs); err != nil {
				s.logger.Warn("failed to journal successful result",
					slog.String("project", p.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	// Unsuccessful: drop the registry entry so later clients re-dispatch,
	// unless a stalled subscriber already removed it.
	if !running.IsUnsubscribed() {
		s.registry.Remove(running.Key, running, dedup.RemovalFailed)
	}
	if s.registry.DecrementRefcount(p.ID, chosen.ClassesDir) {
		s.cleanupTask(p, exec.Completed(struct{}{}), []*compile.Successful{chosen}).Start()
	}
}

// populateTask triggers background population of the client's external
// classes directory on the io pool. Dependents await it before reading
// the directory.
func (t *traversal) populateTask(p *compile.Project, res *compile.ResultBundle) *exec.Task[struct{}] {
	background := res.Background
	externalDir := t.client.UniqueClassesDirFor(p)
	return exec.NewTask(t.s.io, func(ctx context.Context) (struct{}, error) {
		if background == nil {
			return struct{}{}, nil
		}
		if err := background(externalDir); err != nil {
			t.s.logger.Warn("background product population failed",
				slog.String("project", p.Name),
				slog.String("dir", externalDir),
				slog.String("error", err.Error()),
			)
		}
		return struct{}{}, nil
	})
}

// cleanupTask sequences superseded-directory deletion after products
// finish materializing: first the superseded records' own populating
// tasks, then the new record's, then the deletions.
func (s *Scheduler) cleanupTask(p *compile.Project, populating *exec.Task[struct{}], superseded []*compile.Successful) *exec.Task[struct{}] {
	return exec.NewTask(s.io, func(ctx context.Context) (struct{}, error) {
		for _, old := range superseded {
			if old.Populating != nil {
				_, _ = old.Populating.Await(ctx)
			}
		}
		_, _ = populating.Await(ctx)

		for _, old := range superseded {
			if old.Empty || old.ClassesDir == "" {
				// The empty sentinel is shared; never delete it.
				continue
			}
			if err := os.RemoveAll(old.ClassesDir); err != nil {
				s.logger.Warn("failed to delete superseded classes directory",
					slog.String("project", p.Name),
					slog.String("dir", old.ClassesDir),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Debug("superseded classes directory deleted",
				slog.String("project", p.Name),
				slog.String("dir", old.ClassesDir),
			)
		}
		return struct{}{}, nil
	})
}
