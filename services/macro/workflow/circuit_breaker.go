// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import "sort"

// CircuitState is the breaker state of one node within a run.
type CircuitState int

const (
	// CircuitClosed means the node may execute.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the node faulted too often and halts the run if
	// reached again. Run-scoped breakers never half-open.
	CircuitOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultCircuitThreshold is the number of faults that opens a node's circuit.
const DefaultCircuitThreshold = 5

// NodeBreakers tracks per-node faults for a single run.
//
// Description:
//
//	Fault counts are cumulative for the run; a success does not clear
//	them. A node's circuit opens exactly when its fault count reaches the
//	threshold and stays open for the rest of the run. Consecutive
//	successes are tracked separately and cleared by a fault.
//
// Thread Safety: Not safe for concurrent use. Owned by one run.
type NodeBreakers struct {
	threshold int
	failures  map[string]int
	successes map[string]int
	open      map[string]bool
}

// NewNodeBreakers creates breakers opening at threshold faults. Values
// below 1 use DefaultCircuitThreshold.
func NewNodeBreakers(threshold int) *NodeBreakers {
	if threshold < 1 {
		threshold = DefaultCircuitThreshold
	}
	return &NodeBreakers{
		threshold: threshold,
		failures:  make(map[string]int),
		successes: make(map[string]int),
		open:      make(map[string]bool),
	}
}

// RecordFailure counts a fault and reports whether it opened the circuit.
func (b *NodeBreakers) RecordFailure(node string) bool {
	b.failures[node]++
	b.successes[node] = 0
	if b.failures[node] == b.threshold && !b.open[node] {
		b.open[node] = true
		return true
	}
	return false
}

// RecordSuccess counts a successful execution.
func (b *NodeBreakers) RecordSuccess(node string) {
	b.successes[node]++
}

// State returns the node's circuit state.
func (b *NodeBreakers) State(node string) CircuitState {
	if b.open[node] {
		return CircuitOpen
	}
	return CircuitClosed
}

// IsOpen reports whether the node's circuit is open.
func (b *NodeBreakers) IsOpen(node string) bool {
	return b.open[node]
}

// Failures returns the node's fault count.
func (b *NodeBreakers) Failures(node string) int {
	return b.failures[node]
}

// Successes returns the node's consecutive success count.
func (b *NodeBreakers) Successes(node string) int {
	return b.successes[node]
}

// FailCounts returns a copy of all fault counts.
func (b *NodeBreakers) FailCounts() map[string]int {
	out := make(map[string]int, len(b.failures))
	for k, v := range b.failures {
		out[k] = v
	}
	return out
}

// OpenCircuits returns the sorted ids of nodes with open circuits.
func (b *NodeBreakers) OpenCircuits() []string {
	out := make([]string, 0, len(b.open))
	for k, v := range b.open {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
