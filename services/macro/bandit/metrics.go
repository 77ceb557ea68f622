// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	banditSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macroflow",
			Subsystem: "bandit",
			Name:      "selections_total",
			Help:      "Total macro selections by macro",
		},
		[]string{"macro"},
	)

	banditForcedExplorations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "macroflow",
			Subsystem: "bandit",
			Name:      "forced_explorations_total",
			Help:      "Selections made uniformly at random because regret exceeded the threshold",
		},
	)

	banditFeedback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macroflow",
			Subsystem: "bandit",
			Name:      "feedback_total",
			Help:      "Reward feedback events by macro",
		},
		[]string{"macro"},
	)

	banditRegret = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "macroflow",
			Subsystem: "bandit",
			Name:      "cumulative_regret",
			Help:      "Cumulative regret from reward feedback",
		},
	)

	banditPersistErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macroflow",
			Subsystem: "bandit",
			Name:      "persist_errors_total",
			Help:      "Failures reading or writing bandit state files",
		},
		[]string{"file"},
	)
)

// recordSelection increments the selection counter.
func recordSelection(macro string, forced bool) {
	banditSelections.WithLabelValues(macro).Inc()
	if forced {
		banditForcedExplorations.Inc()
	}
}

// recordFeedback records a feedback event and the updated regret.
func recordFeedback(macro string, regret float64) {
	banditFeedback.WithLabelValues(macro).Inc()
	banditRegret.Set(regret)
}

// recordPersistError counts a persistence failure. file is "weights",
// "learning" or "lock".
func recordPersistError(file string) {
	banditPersistErrors.WithLabelValues(file).Inc()
}
