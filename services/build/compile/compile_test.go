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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kiln/services/build/mirror"
)

func TestFingerprintStability(t *testing.T) {
	f1 := FingerprintOf("p", []string{"A.scala", "B.scala"}, []string{"h1", "h2"}, []string{"-deprecation"})
	f2 := FingerprintOf("p", []string{"A.scala", "B.scala"}, []string{"h2", "h1"}, []string{"-deprecation"})
	assert.Equal(t, f1, f2, "classpath hash order is irrelevant")
	assert.Len(t, string(f1), 64)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := FingerprintOf("p", []string{"A.scala"}, []string{"h1"}, nil)

	assert.NotEqual(t, base, FingerprintOf("q", []string{"A.scala"}, []string{"h1"}, nil),
		"project identity matters")
	assert.NotEqual(t, base, FingerprintOf("p", []string{"B.scala"}, []string{"h1"}, nil),
		"sources matter")
	assert.NotEqual(t, base, FingerprintOf("p", []string{"A.scala"}, []string{"h2"}, nil),
		"classpath matters")
	assert.NotEqual(t, base, FingerprintOf("p", []string{"A.scala"}, []string{"h1"}, []string{"-opt"}),
		"options matter")
	assert.NotEqual(t, base, FingerprintOf("p", []string{"A.scala", "h1"}, nil, nil),
		"field boundaries are not confusable")
}

type listReporter struct {
	mu     sync.Mutex
	events []Event
}

func (r *listReporter) ReportStartCompilation(project string) {
	r.add(Event{Kind: EventStartCompilation, Project: project})
}

func (r *listReporter) ReportProblem(project string, p Problem) {
	r.add(Event{Kind: EventProblem, Project: project, Problem: &p})
}

func (r *listReporter) ReportEndCompilation(project string, status CompileStatus) {
	r.add(Event{Kind: EventEndCompilation, Project: project, Status: status})
}

func (r *listReporter) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestObservedReporterMirrorsEveryAction(t *testing.T) {
	m := mirror.New[Event]()
	inner := &listReporter{}
	rep := NewObservedReporter(inner, m)

	rep.ReportStartCompilation("A")
	rep.ReportProblem("A", Problem{Message: "oops", Severity: SeverityError})
	rep.ReportEndCompilation("A", StatusFailed)
	m.Close()

	require.Len(t, inner.events, 3, "inner reporter saw everything")

	reader := m.Reader()
	var kinds []EventKind
	for {
		e, err := reader.Next(context.Background())
		if err != nil {
			break
		}
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventStartCompilation, EventProblem, EventEndCompilation}, kinds)
}

func TestReplayEventDrivesReporter(t *testing.T) {
	target := &listReporter{}
	logger := slog.New(slog.DiscardHandler)

	ReplayEvent(Event{Kind: EventStartCompilation, Project: "A"}, target, logger)
	ReplayEvent(Event{Kind: EventProblem, Project: "A", Problem: &Problem{Message: "m"}}, target, logger)
	ReplayEvent(Event{Kind: EventLog, Project: "A", Level: slog.LevelInfo, Message: "ignored"}, target, logger)
	ReplayEvent(Event{Kind: EventEndCompilation, Project: "A", Status: StatusOk}, target, logger)

	require.Len(t, target.events, 3, "log events go to the logger, not the reporter")
	assert.Equal(t, EventEndCompilation, target.events[2].Kind)
	assert.Equal(t, StatusOk, target.events[2].Status)
}

func TestObservedLoggerMirrorsRecords(t *testing.T) {
	m := mirror.New[Event]()
	logger := NewObservedLogger(slog.New(slog.DiscardHandler), "core", m)

	logger.Info("compiling 12 sources")
	logger.Warn("macro classpath is empty")
	m.Close()

	reader := m.Reader()
	e, err := reader.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventLog, e.Kind)
	assert.Equal(t, "core", e.Project)
	assert.Equal(t, "compiling 12 sources", e.Message)

	e, err = reader.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, e.Level)
}

func TestEmptySuccessful(t *testing.T) {
	p := &Project{ID: "p", Name: "P"}
	s := EmptySuccessful(p)
	assert.True(t, s.Empty)
	assert.True(t, s.DirExists(), "the sentinel always reports present")

	real := &Successful{ProjectID: "p", ClassesDir: "/nonexistent/classes"}
	assert.False(t, real.DirExists())
}
