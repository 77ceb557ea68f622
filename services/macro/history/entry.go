// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history defines the per-run record of node executions that the
// selector, planner and loop guard read from.
package history

import (
	"time"
)

// Entry is one node execution within a workflow run.
//
// Description:
//
//	Entries are appended by the executor after each node runs and are never
//	mutated afterwards. Macro, Score and Reward are optional; an entry only
//	counts as a "build" when both Macro and Score are set.
//
// Thread Safety: Immutable once appended.
type Entry struct {
	// Node is the id of the workflow node that produced the entry.
	Node string `json:"node"`

	// Macro is the strategy used, if any.
	Macro string `json:"macro,omitempty"`

	// Score is the quality score of the node output, if scored.
	Score *float64 `json:"score,omitempty"`

	// Reward is an explicit reward signal. When set it takes precedence over
	// Score for bandit replay.
	Reward *float64 `json:"reward,omitempty"`

	// Result is the condition the node emitted.
	Result string `json:"result"`

	// Error is the fault message when the node handler failed.
	Error string `json:"error,omitempty"`

	// Timestamp is Unix milliseconds UTC.
	Timestamp int64 `json:"timestamp"`
}

// Float returns a pointer to v, for populating optional fields.
func Float(v float64) *float64 {
	return &v
}

// NewEntry builds an entry stamped with the current time.
func NewEntry(node, macro, result string, score *float64) Entry {
	return Entry{
		Node:      node,
		Macro:     macro,
		Score:     score,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	}
}

// IsBuild reports whether the entry has both a macro and a score.
func (e Entry) IsBuild() bool {
	return e.Macro != "" && e.Score != nil
}

// Builds returns the entries that have both a macro and a score, in order.
func Builds(entries []Entry) []Entry {
	builds := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsBuild() {
			builds = append(builds, e)
		}
	}
	return builds
}

// AverageScores returns the mean score per macro over build entries.
//
// Outputs:
//   - map[string]float64: Macro to mean score. Macros with no scored
//     entries are absent.
func AverageScores(entries []Entry) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range entries {
		if !e.IsBuild() {
			continue
		}
		sums[e.Macro] += *e.Score
		counts[e.Macro]++
	}
	avg := make(map[string]float64, len(sums))
	for m, s := range sums {
		avg[m] = s / float64(counts[m])
	}
	return avg
}

// LastScore returns the score of the most recent scored entry.
func LastScore(entries []Entry) (float64, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Score != nil {
			return *entries[i].Score, true
		}
	}
	return 0, false
}
