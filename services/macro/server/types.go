// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/loopguard"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code,omitempty"`
}

// RunRequest is the body of POST /v1/macro/runs.
type RunRequest struct {
	// Graph is the workflow to execute.
	Graph workflow.Graph `json:"graph"`

	// Macros overrides the configured candidates.
	Macros []string `json:"macros,omitempty"`

	// Input is passed to node handlers, e.g. {"task": "..."}.
	Input map[string]any `json:"input,omitempty"`
}

// FeedbackRequest is the body of POST /v1/macro/feedback.
type FeedbackRequest struct {
	Macro  string   `json:"macro" binding:"required"`
	Reward *float64 `json:"reward" binding:"required"`
}

// FeedbackResponse acknowledges recorded feedback.
type FeedbackResponse struct {
	Status string  `json:"status"`
	Macro  string  `json:"macro"`
	Regret float64 `json:"regret"`
}

// PlanRequest is the body of POST /v1/macro/plan.
type PlanRequest struct {
	Macros  []string        `json:"macros,omitempty"`
	History []history.Entry `json:"history,omitempty"`
}

// PlanResponse carries a macro plan.
type PlanResponse struct {
	Plan       []string        `json:"plan"`
	Statistics mcts.Statistics `json:"statistics"`
}

// BanditResponse is the body of GET /v1/macro/bandit.
type BanditResponse struct {
	Macros         []string                   `json:"macros"`
	Arms           map[string]bandit.ArmStats `json:"arms"`
	Learning       bandit.LearningState       `json:"learning"`
	Metrics        map[string]int64           `json:"metrics"`
	Uncertainty    bandit.UncertaintyMetrics  `json:"uncertainty"`
	ExpectedRegret float64                    `json:"expected_regret"`
}

// LoopRequest is the body of POST /v1/macro/loop.
type LoopRequest struct {
	History []history.Entry `json:"history"`
	N       int             `json:"n,omitempty"`
	Epsilon *float64        `json:"epsilon,omitempty"`
}

// LoopResponse reports loop detection over a history.
type LoopResponse struct {
	Loop       bool                 `json:"loop"`
	Statistics loopguard.Statistics `json:"statistics"`
}

// RunListResponse lists stored runs.
type RunListResponse struct {
	Runs []*workflow.Report `json:"runs"`
}
