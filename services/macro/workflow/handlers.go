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
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/loopguard"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
)

// Outcome is what a handler reports back to the executor.
type Outcome struct {
	// Result is the emitted condition used for edge resolution.
	Result string

	// Macro is recorded on the history entry, if set.
	Macro string

	// Score is recorded on the history entry and becomes the run's last
	// score, if set.
	Score *float64

	// Reward is an explicit reward recorded on the history entry.
	Reward *float64

	// Output is an arbitrary handler result kept on the report.
	Output any
}

// Handler executes one node.
//
// A returned error is a node fault: the executor routes on "failure" and
// counts it against the node's circuit breaker.
type Handler interface {
	Handle(ctx context.Context, run *RunContext, node Node) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run *RunContext, node Node) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
	return f(ctx, run, node)
}

// MacroSelector is the bandit surface the executor needs.
type MacroSelector interface {
	Choose(ctx context.Context, macros []string, hist []history.Entry) (string, error)
	UncertaintyMetrics(macros []string) bandit.UncertaintyMetrics
	BetaMeans(macros []string) map[string]float64
	UpdateFromFeedback(ctx context.Context, macro string, reward float64) error
}

// MacroPlanner produces multi-step macro plans.
type MacroPlanner interface {
	Plan(ctx context.Context, macros []string, pc mcts.PlanContext) []string
}

// passThrough handles start and end nodes.
var passThrough = HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
	return Outcome{Result: ResultDefault}, nil
})

// SelectionHandler chooses the next macro.
//
// Description:
//
//	Queued plan steps are consumed first. Otherwise, when the selector
//	reports high uncertainty and a planner is present, an MCTS plan is
//	built with the selector's posterior means as priors: its first macro
//	is used and the rest are queued. Otherwise the bandit chooses.
//
// Inputs:
//   - selector: Required.
//   - planner: Optional. Nil disables planning.
func SelectionHandler(selector MacroSelector, planner MacroPlanner) Handler {
	return HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		if len(run.Macros) == 0 {
			return Outcome{}, ErrNoMacros
		}
		state := run.State

		macro := ""
		if len(state.PlannedMacros) > 0 {
			macro = state.PlannedMacros[0]
			state.PlannedMacros = state.PlannedMacros[1:]
		} else if planner != nil && selector.UncertaintyMetrics(run.Macros).ShouldUseMCTS {
			plan := planner.Plan(ctx, run.Macros, mcts.PlanContext{
				History: state.History,
				Priors:  selector.BetaMeans(run.Macros),
			})
			if len(plan) > 0 {
				macro = plan[0]
				state.PlannedMacros = append([]string(nil), plan[1:]...)
			}
		}

		if macro == "" {
			chosen, err := selector.Choose(ctx, run.Macros, state.History)
			if err != nil {
				return Outcome{}, fmt.Errorf("choose macro: %w", err)
			}
			macro = chosen
		}

		state.CurrentMacro = macro
		return Outcome{Result: ResultSelected, Macro: macro}, nil
	})
}

// LoopCheckHandler runs the loop guard over the run history. A detected
// loop increments the loop counter and drops any queued plan so the next
// selection consults the bandit again.
func LoopCheckHandler(window int, epsilon float64) Handler {
	return HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		if !loopguard.DetectLoop(run.State.History, window, epsilon) {
			return Outcome{Result: ResultNoLoop}, nil
		}
		run.State.LoopIterations++
		run.State.PlannedMacros = nil

		stats := loopguard.LoopStatistics(run.State.History)
		slog.Default().WarnContext(ctx, "workflow loop detected",
			slog.String("run_id", run.RunID),
			slog.String("node", node.ID),
			slog.Int("loop_iterations", run.State.LoopIterations),
			slog.Int("total_builds", stats.TotalBuilds),
			slog.Int("longest_sequence", stats.LongestSequence),
			slog.String("last_macro", stats.LastMacro),
		)
		return Outcome{Result: ResultLoopDetected}, nil
	})
}

// ReviewHandler compares the run's last score with minimumScore.
func ReviewHandler(minimumScore float64) Handler {
	return HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		score := run.State.LastScore
		if score == nil || *score < minimumScore {
			return Outcome{Result: ResultValidationFailed}, nil
		}
		return Outcome{Result: ResultScorePassed}, nil
	})
}
