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
	"log/slog"

	"github.com/AleutianAI/kiln/services/build/mirror"
)

// EventKind discriminates mirrored reporter and logger actions.
type EventKind int

const (
	// EventStartCompilation marks the start of a compilation.
	EventStartCompilation EventKind = iota

	// EventEndCompilation marks the end of a compilation.
	EventEndCompilation

	// EventProblem carries a compiler diagnostic.
	EventProblem

	// EventLog carries a structured log record.
	EventLog
)

// CompileStatus is the terminal status carried by an end-compilation
// event.
type CompileStatus int

const (
	// StatusOk means the compilation succeeded.
	StatusOk CompileStatus = iota

	// StatusFailed means the compilation produced errors.
	StatusFailed

	// StatusCancelled means the compilation was cancelled.
	StatusCancelled
)

// String returns the string representation of the status.
func (s CompileStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one mirrored reporter or logger action. Events flow through a
// compilation's mirror in the order the producer emitted them; replay to a
// late client preserves that order exactly.
type Event struct {
	Kind    EventKind
	Project string
	Status  CompileStatus
	Problem *Problem
	Level   slog.Level
	Message string
}

// Reporter receives structured compilation events for one client. Every
// compilation delivers exactly one start event and at least one end event;
// clients must tolerate a second end event in the stall re-dispatch case.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Reporter interface {
	// ReportStartCompilation signals that the project's compilation began.
	ReportStartCompilation(project string)

	// ReportProblem delivers a compiler diagnostic.
	ReportProblem(project string, p Problem)

	// ReportEndCompilation signals that the project's compilation ended
	// with the given status.
	ReportEndCompilation(project string, status CompileStatus)
}

// NopReporter discards every event. Used when a client supplies no
// reporter of its own.
type NopReporter struct{}

// ReportStartCompilation implements Reporter.
func (NopReporter) ReportStartCompilation(string) {}

// ReportProblem implements Reporter.
func (NopReporter) ReportProblem(string, Problem) {}

// ReportEndCompilation implements Reporter.
func (NopReporter) ReportEndCompilation(string, CompileStatus) {}

// ObservedReporter tees every reporter action into the compilation's
// mirror before forwarding it to the owning client's reporter. The mirror
// side feeds deduplicated clients.
type ObservedReporter struct {
	inner  Reporter
	mirror *mirror.Mirror[Event]
}

// NewObservedReporter wraps inner so its actions are also published to m.
func NewObservedReporter(inner Reporter, m *mirror.Mirror[Event]) *ObservedReporter {
	return &ObservedReporter{inner: inner, mirror: m}
}

// ReportStartCompilation implements Reporter.
func (o *ObservedReporter) ReportStartCompilation(project string) {
	_ = o.mirror.Publish(Event{Kind: EventStartCompilation, Project: project})
	o.inner.ReportStartCompilation(project)
}

// ReportProblem implements Reporter.
func (o *ObservedReporter) ReportProblem(project string, p Problem) {
	_ = o.mirror.Publish(Event{Kind: EventProblem, Project: project, Problem: &p})
	o.inner.ReportProblem(project, p)
}

// ReportEndCompilation implements Reporter.
func (o *ObservedReporter) ReportEndCompilation(project string, status CompileStatus) {
	_ = o.mirror.Publish(Event{Kind: EventEndCompilation, Project: project, Status: status})
	o.inner.ReportEndCompilation(project, status)
}

// ReplayEvent delivers one mirrored event to a late client's reporter and
// logger, preserving the producer's ordering.
func ReplayEvent(e Event, r Reporter, logger *slog.Logger) {
	switch e.Kind {
	case EventStartCompilation:
		r.ReportStartCompilation(e.Project)
	case EventEndCompilation:
		r.ReportEndCompilation(e.Project, e.Status)
	case EventProblem:
		if e.Problem != nil {
			r.ReportProblem(e.Project, *e.Problem)
		}
	case EventLog:
		logger.Log(context.Background(), e.Level, e.Message, slog.String("project", e.Project))
	}
}

// mirrorHandler is a slog.Handler that publishes records into a mirror.
type mirrorHandler struct {
	project string
	mirror  *mirror.Mirror[Event]
	next    slog.Handler
	attrs   []slog.Attr
}

// NewObservedLogger returns a logger whose records are published to m and
// forwarded to base's handler. Every record reaches m regardless of the
// base handler's level; base receives only the records it enables.
func NewObservedLogger(base *slog.Logger, project string, m *mirror.Mirror[Event]) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(&mirrorHandler{project: project, mirror: m, next: base.Handler()})
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *mirrorHandler) Handle(ctx context.Context, rec slog.Record) error {
	_ = h.mirror.Publish(Event{
		Kind:    EventLog,
		Project: h.project,
		Level:   rec.Level,
		Message: rec.Message,
	})
	if !h.next.Enabled(ctx, rec.Level) {
		return nil
	}
	return h.next.Handle(ctx, rec)
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mirrorHandler{
		project: h.project,
		mirror:  h.mirror,
		next:    h.next.WithAttrs(attrs),
		attrs:   append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
	}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	return &mirrorHandler{project: h.project, mirror: h.mirror, next: h.next.WithGroup(name)}
}
