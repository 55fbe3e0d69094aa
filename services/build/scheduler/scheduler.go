// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler turns a project graph into a concurrent, deduplicated,
// cancellable, optionally pipelined compilation traversal.
//
// Description:
//
//	A traversal walks the graph bottom-up. Each node is set up into a
//	compile bundle, consulted against the deduplication registry, and
//	either dispatched as a new compilation or attached to a running one
//	whose event stream is replayed to the late client. Results flow back
//	up as a graph of the same shape. On success, the node's
//	last-successful record is swapped atomically and superseded classes
//	directories are deleted after their products finish materializing.
//
//	Two traversal modes exist. Normal mode is strictly topological: a
//	parent compiles only after every child's compilation finished.
//	Pipelined mode lets a parent start as soon as every child has
//	published type signatures, long before bytecode exists.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kiln/services/build/compile"
	"github.com/AleutianAI/kiln/services/build/dag"
	"github.com/AleutianAI/kiln/services/build/dedup"
	"github.com/AleutianAI/kiln/services/build/exec"
	"github.com/AleutianAI/kiln/services/build/oracle"
)

var (
	tracer = otel.Tracer("kiln.scheduler")
	meter  = otel.Meter("kiln.scheduler")
)

// DefaultDisconnectTimeout bounds how long a deduplicated client waits
// without events before abandoning the producer and re-dispatching.
const DefaultDisconnectTimeout = 60 * time.Second

// Inputs is what the compile function receives for one node attempt.
type Inputs struct {
	// Bundle is the attempt's snapshot.
	Bundle *compile.Bundle

	// Oracle carries upstream knowledge; a *oracle.PipeliningOracle on
	// pipelined runs, oracle.SimpleOracle otherwise.
	Oracle oracle.Oracle

	// Pipeline is set on pipelined runs only.
	Pipeline *PipelineInputs

	// DependentResults maps classes directories of upstream projects to
	// their analyses. Both the old read-only directory and the new
	// classes directory of each upstream are present, because downstream
	// analysis lookup may resolve either path.
	DependentResults map[string]*compile.Analysis
}

// CompileFunc invokes the compiler for one bundle. External collaborator
// contract: on success it returns a bundle whose Final result is Ok and
// whose NewSuccessful record is set. It must honour ctx cancellation.
type CompileFunc func(ctx context.Context, in Inputs) (*compile.ResultBundle, error)

// Journal records successful results durably so a restarted server can
// re-seed its last-successful handles. Optional.
type Journal interface {
	RecordSuccessful(ctx context.Context, projectID, classesDir string, inputs compile.Fingerprint) error
}

// Config tunes a Scheduler.
type Config struct {
	// DisconnectTimeout is the deduplication stall window. Zero uses
	// DefaultDisconnectTimeout.
	DisconnectTimeout time.Duration

	// ComputeSize bounds the compute pool. Values < 1 use the CPU count.
	ComputeSize int
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
}

// Scheduler is the compilation traversal engine.
//
// Thread Safety: Safe for concurrent use. Multiple clients may traverse
// concurrently; equivalent work is deduplicated through the registry.
type Scheduler struct {
	registry *dedup.Registry
	compute  *exec.Pool
	io       *exec.Pool
	logger   *slog.Logger
	journal  Journal
	cfg      Config

	// Metrics (initialized lazily)
	metricsOnce      sync.Once
	traversalLatency metric.Float64Histogram
	nodeSuccesses    metric.Int64Counter
	nodeFailures     metric.Int64Counter
	dedupAttaches    metric.Int64Counter
	dedupDisconnects metric.Int64Counter
	activeTraversals metric.Int64UpDownCounter
}

// New creates a scheduler around a registry.
//
// Inputs:
//   - registry: The deduplication registry. Must not be nil.
//   - cfg: Tuning knobs. Zero values use defaults.
//   - journal: Durable successful-result journal. May be nil.
//   - logger: Logger for scheduler events. If nil, uses slog.Default().
//
// Outputs:
//   - *Scheduler: The configured scheduler. Never nil.
func New(registry *dedup.Registry, cfg Config, journal Journal, logger *slog.Logger) *Scheduler {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		compute:  exec.NewCompute(cfg.ComputeSize),
		io:       exec.NewIO(),
		logger:   logger.With(slog.String("component", "scheduler")),
		journal:  journal,
		cfg:      cfg,
	}
}

// Registry exposes the scheduler's deduplication registry.
func (s *Scheduler) Registry() *dedup.Registry { return s.registry }

// ClearSuccessfulResults drops the last-successful map. Test hook, used
// between scenarios.
func (s *Scheduler) ClearSuccessfulResults() {
	s.registry.ClearSuccessfulResults()
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		s.traversalLatency, err = meter.Float64Histogram("build_traversal_duration_seconds",
			metric.WithDescription("Time spent walking one compilation traversal"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "traversal_latency: "+err.Error())
		}

		s.nodeSuccesses, err = meter.Int64Counter("build_node_success_total",
			metric.WithDescription("Number of successful node compilations"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		s.nodeFailures, err = meter.Int64Counter("build_node_failure_total",
			metric.WithDescription("Number of failed, blocked, or cancelled node compilations"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		s.dedupAttaches, err = meter.Int64Counter("build_dedup_attach_total",
			metric.WithDescription("Number of compilations attached to a running one"),
		)
		if err != nil {
			initErrors = append(initErrors, "dedup_attaches: "+err.Error())
		}

		s.dedupDisconnects, err = meter.Int64Counter("build_dedup_disconnect_total",
			metric.WithDescription("Number of stalled deduplicated compilations abandoned"),
		)
		if err != nil {
			initErrors = append(initErrors, "dedup_disconnects: "+err.Error())
		}

		s.activeTraversals, err = meter.Int64UpDownCounter("build_active_traversals",
			metric.WithDescription("Number of traversals currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_traversals: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Traverse walks the project graph and returns the memoized result task.
//
// Description:
//
//	The returned task resolves to a result graph of the same shape as g.
//	Cancelling ctx abandons the caller's waits and cancels the
//	compilations this client owns; compilations other clients are
//	subscribed to keep running for them.
//
// Inputs:
//   - ctx: Request context. Must not be nil.
//   - client: The requesting client. Must not be nil.
//   - g: The project graph to compile.
//   - setup: Bundle setup collaborator.
//   - compileFn: Compiler invocation collaborator.
//   - pipeline: True for pipelined traversal.
//
// Outputs:
//   - *exec.Task: Resolves to the result graph. Never nil.
func (s *Scheduler) Traverse(
	ctx context.Context,
	client compile.ClientInfo,
	g dag.Dag[*compile.Project],
	setup compile.SetupFunc,
	compileFn CompileFunc,
	pipeline bool,
) *exec.Task[dag.Dag[Partial]] {
	s.initMetrics()

	t := &traversal{
		s:        s,
		ctx:      ctx,
		client:   client,
		setup:    setup,
		compile:  compileFn,
		pipeline: pipeline,
		memo:     make(map[dag.Dag[*compile.Project]]*exec.Task[dag.Dag[Partial]]),
	}

	root := exec.NewTask(s.io, func(taskCtx context.Context) (dag.Dag[Partial], error) {
		traverseCtx, span := tracer.Start(ctx, "scheduler.Traverse",
			trace.WithAttributes(
				attribute.String("build.client", client.ClientID()),
				attribute.Bool("build.pipeline", pipeline),
				attribute.Int("build.node_count", len(dag.DFS[*compile.Project](g))),
			),
		)
		defer span.End()

		if s.activeTraversals != nil {
			s.activeTraversals.Add(traverseCtx, 1)
			defer s.activeTraversals.Add(traverseCtx, -1)
		}

		start := time.Now()
		s.logger.Info("traversal started",
			slog.String("client", client.ClientID()),
			slog.Bool("pipeline", pipeline),
		)

		result, err := t.taskFor(g).Await(traverseCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		duration := time.Since(start)
		if s.traversalLatency != nil {
			s.traversalLatency.Record(traverseCtx, duration.Seconds())
		}
		span.SetStatus(codes.Ok, "")

		s.logger.Info("traversal finished",
			slog.String("client", client.ClientID()),
			slog.Duration("duration", duration),
		)
		return result, nil
	})
	root.Start()
	return root
}
