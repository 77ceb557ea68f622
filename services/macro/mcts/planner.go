// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcts plans short ordered macro sequences with Monte Carlo Tree
// Search, used when the bandit cannot separate its leading candidates.
package mcts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/macroflow/services/macro/history"
)

// ErrInvalidConfig indicates a planner configuration failed validation.
var ErrInvalidConfig = errors.New("mcts: invalid config")

// Config configures the planner.
type Config struct {
	// Iterations is the number of select/expand/simulate/backpropagate
	// rounds per plan.
	Iterations int `yaml:"iterations" json:"iterations"`

	// ExplorationWeight is the UCB1 exploration constant.
	ExplorationWeight float64 `yaml:"exploration_weight" json:"exploration_weight"`

	// MaxDepth is the longest plan returned.
	MaxDepth int `yaml:"max_depth" json:"max_depth"`

	// TracingEnabled emits an OpenTelemetry span per plan.
	TracingEnabled bool `yaml:"tracing_enabled" json:"tracing_enabled"`
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		Iterations:        100,
		ExplorationWeight: 1.414,
		MaxDepth:          3,
		TracingEnabled:    true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be >= 1, got %d", ErrInvalidConfig, c.Iterations)
	}
	if c.ExplorationWeight <= 0 {
		return fmt.Errorf("%w: exploration_weight must be > 0, got %v", ErrInvalidConfig, c.ExplorationWeight)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: max_depth must be >= 1, got %d", ErrInvalidConfig, c.MaxDepth)
	}
	return nil
}

// PlanContext carries the score evidence a plan is built from.
type PlanContext struct {
	// History supplies per-macro average scores from the current run.
	History []history.Entry

	// Priors are score estimates used for macros absent from History,
	// typically the bandit's posterior means.
	Priors map[string]float64
}

// scores merges priors with history averages. History wins.
func (pc PlanContext) scores() map[string]float64 {
	out := make(map[string]float64, len(pc.Priors))
	for m, v := range pc.Priors {
		out[m] = v
	}
	for m, v := range history.AverageScores(pc.History) {
		out[m] = v
	}
	return out
}

// Statistics are cumulative planner counters.
type Statistics struct {
	PlansGenerated  int64 `json:"plans_generated"`
	TotalIterations int64 `json:"total_iterations"`
}

// Option configures a Planner.
type Option func(*Planner)

// WithRand sets the random source. Each plan derives its own generator
// from it, so sequential plans are reproducible for a fixed seed.
func WithRand(r *rand.Rand) Option {
	return func(p *Planner) { p.rng = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) { p.logger = logger }
}

// Planner builds macro sequences with MCTS.
//
// Thread Safety: Safe for concurrent use. Each Plan call owns its tree.
type Planner struct {
	cfg    Config
	logger *slog.Logger
	tracer *planTracer

	rngMu sync.Mutex
	rng   *rand.Rand

	plans      atomic.Int64
	iterations atomic.Int64
}

// NewPlanner creates a planner.
//
// Outputs:
//   - *Planner: The planner.
//   - error: ErrInvalidConfig if cfg is invalid.
func NewPlanner(cfg Config, opts ...Option) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Planner{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	p.tracer = newPlanTracer(cfg.TracingEnabled)
	return p, nil
}

// Plan returns an ordered macro sequence.
//
// Description:
//
//	Duplicate macros are collapsed. With no macros the plan is empty and
//	with one it is that macro. Otherwise runs Iterations rounds of:
//	selection by UCB1 down fully expanded nodes, expansion of one random
//	untried action, a uniformly random rollout to a terminal state scored
//	by mean macro score, and backpropagation. The plan follows the most
//	visited child from the root. A cancelled context stops the search
//	early and the plan is extracted from the partial tree.
//
// Inputs:
//   - ctx: Cancellation and tracing.
//   - macros: Candidates.
//   - pc: Score evidence.
//
// Outputs:
//   - []string: At most min(MaxDepth, len(unique macros)) macros, no repeats.
func (p *Planner) Plan(ctx context.Context, macros []string, pc PlanContext) []string {
	unique := dedupe(macros)
	switch len(unique) {
	case 0:
		return []string{}
	case 1:
		return unique
	}

	ctx, span := p.tracer.startPlan(ctx, len(unique), p.cfg)
	start := time.Now()

	rng := p.childRand()
	root := newNode(NewMacroState(unique, p.cfg.MaxDepth, pc.scores()), "", nil)

	done := 0
	for ; done < p.cfg.Iterations; done++ {
		if ctx.Err() != nil {
			p.logger.DebugContext(ctx, "MCTS: plan cancelled",
				slog.Int("iterations_done", done),
			)
			break
		}
		p.iterate(root, rng)
	}

	plan := extract(root)

	p.plans.Add(1)
	p.iterations.Add(int64(done))
	p.tracer.endPlan(span, done, plan)

	loggerWithTrace(ctx, p.logger).DebugContext(ctx, "MCTS: plan generated",
		slog.Int("macros", len(unique)),
		slog.Int("iterations", done),
		slog.Any("plan", plan),
		slog.Duration("duration", time.Since(start)),
	)
	return plan
}

// iterate runs one select/expand/simulate/backpropagate round.
func (p *Planner) iterate(root *Node, rng *rand.Rand) {
	node := root
	for node.FullyExpanded() && len(node.children) > 0 {
		node = node.bestChild(p.cfg.ExplorationWeight)
	}

	if !node.state.IsTerminal() && !node.FullyExpanded() {
		node = node.expand(rng)
	}

	state := node.state
	for !state.IsTerminal() {
		actions := state.LegalActions()
		state = state.Apply(actions[rng.IntN(len(actions))])
	}

	node.backpropagate(state.Reward(rng))
}

// extract follows the most visited child from the root.
func extract(root *Node) []string {
	plan := []string{}
	for node := root.mostVisitedChild(); node != nil; node = node.mostVisitedChild() {
		plan = append(plan, node.action)
	}
	return plan
}

// childRand derives a per-plan generator from the planner source.
func (p *Planner) childRand() *rand.Rand {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return rand.New(rand.NewPCG(p.rng.Uint64(), p.rng.Uint64()))
}

// Statistics returns the cumulative counters.
func (p *Planner) Statistics() Statistics {
	return Statistics{
		PlansGenerated:  p.plans.Load(),
		TotalIterations: p.iterations.Load(),
	}
}

// ResetStatistics zeroes the counters.
func (p *Planner) ResetStatistics() {
	p.plans.Store(0)
	p.iterations.Store(0)
}

func dedupe(macros []string) []string {
	seen := make(map[string]struct{}, len(macros))
	out := make([]string, 0, len(macros))
	for _, m := range macros {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
