// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loopguard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/macroflow/services/macro/history"
)

func build(macro string, score float64) history.Entry {
	return history.Entry{Node: "build", Macro: macro, Score: history.Float(score), Result: "built"}
}

func TestDetectLoop(t *testing.T) {
	tests := []struct {
		name    string
		entries []history.Entry
		n       int
		eps     float64
		want    bool
	}{
		{
			name:    "flat scores same macro",
			entries: []history.Entry{build("A", 0.50), build("A", 0.51), build("A", 0.51)},
			n:       3, eps: 0.02, want: true,
		},
		{
			name:    "improving scores",
			entries: []history.Entry{build("A", 0.50), build("A", 0.55), build("A", 0.60)},
			n:       3, eps: 0.02, want: false,
		},
		{
			name:    "mixed macros",
			entries: []history.Entry{build("A", 0.50), build("B", 0.50), build("A", 0.50)},
			n:       3, eps: 0.02, want: false,
		},
		{
			name:    "fewer builds than window",
			entries: []history.Entry{build("A", 0.50), build("A", 0.50)},
			n:       3, eps: 0.02, want: false,
		},
		{
			name:    "declining scores count as stagnation",
			entries: []history.Entry{build("A", 0.9), build("A", 0.7), build("A", 0.5)},
			n:       3, eps: 0.02, want: true,
		},
		{
			name: "non-build entries ignored",
			entries: []history.Entry{
				build("B", 0.1),
				build("A", 0.50),
				{Node: "review", Result: "validation_failed"},
				build("A", 0.50),
				{Node: "select", Macro: "A", Result: "selected"},
				build("A", 0.50),
			},
			n: 3, eps: 0.02, want: true,
		},
		{
			name:    "zero window",
			entries: []history.Entry{build("A", 0.5)},
			n:       0, eps: 0.02, want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLoop(tt.entries, tt.n, tt.eps))
		})
	}
}

func TestLoopStatistics(t *testing.T) {
	entries := []history.Entry{
		build("A", 0.1),
		build("A", 0.2),
		{Node: "review", Result: "x"},
		build("B", 0.3),
		build("B", 0.3),
		build("B", 0.3),
		build("A", 0.4),
	}

	stats := LoopStatistics(entries)
	assert.Equal(t, 6, stats.TotalBuilds)
	assert.Equal(t, map[string]int{"A": 3, "B": 3}, stats.MacroDistribution)
	assert.Equal(t, 3, stats.LongestSequence)
	assert.Equal(t, "A", stats.LastMacro)
}

func TestLoopStatistics_Empty(t *testing.T) {
	stats := LoopStatistics(nil)
	assert.Zero(t, stats.TotalBuilds)
	assert.Zero(t, stats.LongestSequence)
	assert.Empty(t, stats.LastMacro)
}
