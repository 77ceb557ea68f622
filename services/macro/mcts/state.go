// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"math/rand/v2"
)

// neutralScore is the reward assumed for a macro with no score information,
// and the reward of a state that has selected nothing.
const neutralScore = 0.5

// rewardJitter is the width of the uniform noise added to rollout rewards
// so that equal-score sequences do not tie.
const rewardJitter = 0.01

// MacroState is a partial macro sequence during planning.
//
// Description:
//
//	MacroState is a value type. Apply returns a new state and never
//	modifies the receiver. The scores map is shared between all states of
//	one plan and is read-only after the root is built.
//
// Thread Safety: Immutable.
type MacroState struct {
	available []string
	selected  []string
	maxDepth  int
	scores    map[string]float64
}

// NewMacroState creates the root state for planning.
//
// Inputs:
//   - available: Candidate macros, without duplicates.
//   - maxDepth: Maximum sequence length.
//   - scores: Per-macro score estimates. Not copied; must not be modified
//     afterwards.
func NewMacroState(available []string, maxDepth int, scores map[string]float64) MacroState {
	return MacroState{
		available: append([]string(nil), available...),
		maxDepth:  maxDepth,
		scores:    scores,
	}
}

// Selected returns a copy of the macros chosen so far, in order.
func (s MacroState) Selected() []string {
	return append([]string(nil), s.selected...)
}

// Depth returns the number of macros selected.
func (s MacroState) Depth() int {
	return len(s.selected)
}

// LegalActions returns the available macros not yet selected, in input order.
func (s MacroState) LegalActions() []string {
	if s.Depth() >= s.maxDepth {
		return nil
	}
	actions := make([]string, 0, len(s.available))
	for _, m := range s.available {
		if !s.has(m) {
			actions = append(actions, m)
		}
	}
	return actions
}

// IsTerminal reports whether no further macro can be selected.
func (s MacroState) IsTerminal() bool {
	return len(s.LegalActions()) == 0
}

// Apply returns the state with macro appended.
func (s MacroState) Apply(macro string) MacroState {
	next := s
	next.selected = make([]string, len(s.selected), len(s.selected)+1)
	copy(next.selected, s.selected)
	next.selected = append(next.selected, macro)
	return next
}

// Reward returns the mean score of the selected macros plus a small
// jitter, or 0.5 when nothing is selected.
func (s MacroState) Reward(rng *rand.Rand) float64 {
	if len(s.selected) == 0 {
		return neutralScore
	}
	sum := 0.0
	for _, m := range s.selected {
		if v, ok := s.scores[m]; ok {
			sum += v
		} else {
			sum += neutralScore
		}
	}
	jitter := 0.0
	if rng != nil {
		jitter = (rng.Float64() - 0.5) * rewardJitter
	}
	return sum/float64(len(s.selected)) + jitter
}

func (s MacroState) has(macro string) bool {
	for _, m := range s.selected {
		if m == macro {
			return true
		}
	}
	return false
}
