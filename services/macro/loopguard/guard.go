// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loopguard detects stagnating build sequences: the same macro
// retried with no meaningful score improvement.
package loopguard

import (
	"github.com/AleutianAI/macroflow/services/macro/history"
)

const (
	// DefaultWindow is the default number of trailing builds inspected.
	DefaultWindow = 3

	// DefaultEpsilon is the default minimum improvement across the window.
	DefaultEpsilon = 0.02
)

// Statistics summarizes the build entries of a run.
type Statistics struct {
	TotalBuilds       int            `json:"total_builds"`
	MacroDistribution map[string]int `json:"macro_distribution"`
	LongestSequence   int            `json:"longest_sequence"`
	LastMacro         string         `json:"last_macro,omitempty"`
}

// DetectLoop reports whether the last n builds are stuck.
//
// Description:
//
//	Only entries with both a macro and a score are considered. A loop is
//	reported when there are at least n of them, the trailing n all share
//	the same macro, and the newest score minus the oldest score in that
//	window is strictly less than epsilon. A score drop always counts as
//	stagnation.
//
// Inputs:
//   - entries: Run history, oldest first.
//   - n: Window size. Values below 1 never detect a loop.
//   - epsilon: Minimum improvement required to not be a loop.
//
// Outputs:
//   - bool: True if the window is a loop.
//
// Thread Safety: Pure function.
func DetectLoop(entries []history.Entry, n int, epsilon float64) bool {
	if n < 1 {
		return false
	}
	builds := history.Builds(entries)
	if len(builds) < n {
		return false
	}

	window := builds[len(builds)-n:]
	macro := window[0].Macro
	for _, b := range window[1:] {
		if b.Macro != macro {
			return false
		}
	}

	delta := *window[len(window)-1].Score - *window[0].Score
	return delta < epsilon
}

// LoopStatistics computes build counts, the macro distribution and the
// longest run of consecutive identical macros.
func LoopStatistics(entries []history.Entry) Statistics {
	builds := history.Builds(entries)
	stats := Statistics{
		TotalBuilds:       len(builds),
		MacroDistribution: make(map[string]int),
	}

	run := 0
	prev := ""
	for _, b := range builds {
		stats.MacroDistribution[b.Macro]++
		if b.Macro == prev {
			run++
		} else {
			run = 1
			prev = b.Macro
		}
		if run > stats.LongestSequence {
			stats.LongestSequence = run
		}
	}
	if len(builds) > 0 {
		stats.LastMacro = builds[len(builds)-1].Macro
	}
	return stats
}
