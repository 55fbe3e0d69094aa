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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Compilation Deduplication
// =============================================================================

var (
	// runningCompilations tracks how many compilations are registered.
	runningCompilations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "running_compilations",
		Help:      "Currently registered running compilations",
	})

	// dispatchesTotal counts registry insertions, i.e. compilations a
	// client actually owns.
	dispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "dispatches_total",
		Help:      "Total compilations dispatched (registry insertions)",
	})

	// deduplicationsTotal counts lookups that attached to an existing
	// compilation instead of dispatching a new one.
	deduplicationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "deduplications_total",
		Help:      "Total compilations deduplicated against a running one",
	})

	// removalsTotal counts registry removals by reason.
	// Labels: reason (failed, disconnected, cleared)
	removalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "removals_total",
		Help:      "Total registry removals by reason",
	}, []string{"reason"})

	// refcountedDirs tracks how many classes directories hold a non-zero
	// reference count.
	refcountedDirs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "refcounted_classes_dirs",
		Help:      "Classes directories with a live reference count",
	})

	// deletionsScheduledTotal counts classes directories handed to the
	// delayed-deletion path.
	deletionsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kiln",
		Subsystem: "dedup",
		Name:      "deletions_scheduled_total",
		Help:      "Total superseded classes directories scheduled for deletion",
	})
)
