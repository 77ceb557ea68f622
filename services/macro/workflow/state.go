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

import (
	"time"

	"github.com/AleutianAI/macroflow/services/macro/history"
)

// ExecutionState is the mutable state of one run.
//
// Thread Safety: Not safe for concurrent use. A run executes its nodes
// sequentially and owns its state; handlers receive it on the run's
// goroutine.
type ExecutionState struct {
	// CurrentNode is the node being executed.
	CurrentNode string

	// History is the append-only record of node executions.
	History []history.Entry

	// LoopIterations counts loops detected by loop-check nodes.
	LoopIterations int

	// CurrentMacro is the macro most recently chosen by a selection node.
	CurrentMacro string

	// PlannedMacros are queued macros from an MCTS plan, consumed by
	// subsequent selection nodes before the bandit is asked again.
	PlannedMacros []string

	// LastScore is the most recent score reported by a handler.
	LastScore *float64

	// Output is the most recent non-nil handler output.
	Output any

	breakers *NodeBreakers
}

// NewExecutionState creates the state for a run.
func NewExecutionState(circuitThreshold int) *ExecutionState {
	return &ExecutionState{
		History:  []history.Entry{},
		breakers: NewNodeBreakers(circuitThreshold),
	}
}

// Breakers returns the run's per-node circuit breakers.
func (s *ExecutionState) Breakers() *NodeBreakers {
	return s.breakers
}

// RunContext is what a handler sees of the run it executes in.
type RunContext struct {
	// RunID identifies the run.
	RunID string

	// Macros are the candidate macros for this run.
	Macros []string

	// Input is the caller-supplied run input.
	Input map[string]any

	// State is the run's execution state.
	State *ExecutionState
}

// Status is the terminal status of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusHalted    Status = "halted"
	StatusCancelled Status = "cancelled"
)

// HaltReason says why a run stopped.
type HaltReason string

const (
	// HaltTerminal means an end node executed.
	HaltTerminal HaltReason = "terminal"
	// HaltNoEdge means the executed node had no matching outgoing edge.
	HaltNoEdge HaltReason = "no_edge"
	// HaltCircuitOpen means the next node's circuit was open.
	HaltCircuitOpen HaltReason = "circuit_open"
	// HaltIterationCap means the iteration cap was reached.
	HaltIterationCap HaltReason = "iteration_cap"
	// HaltUnknownNode means the next node id does not exist.
	HaltUnknownNode HaltReason = "unknown_node"
	// HaltCancelled means the context was cancelled.
	HaltCancelled HaltReason = "cancelled"
)

// Report is the result of a run.
type Report struct {
	RunID          string          `json:"run_id"`
	Graph          string          `json:"graph,omitempty"`
	Status         Status          `json:"status"`
	HaltReason     HaltReason      `json:"halt_reason"`
	FinalNode      string          `json:"final_node"`
	History        []history.Entry `json:"history"`
	Iterations     int             `json:"iterations"`
	LoopIterations int             `json:"loop_iterations"`
	FailCounts     map[string]int  `json:"fail_counts"`
	OpenCircuits   []string        `json:"open_circuits"`
	FinalMacro     string          `json:"final_macro,omitempty"`
	FinalScore     *float64        `json:"final_score,omitempty"`
	Output         any             `json:"output,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMs     int64           `json:"duration_ms"`
}
