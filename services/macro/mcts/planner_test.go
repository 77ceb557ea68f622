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
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/macroflow/services/macro/history"
)

func newTestPlanner(t *testing.T, mutate func(*Config)) *Planner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TracingEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPlanner(cfg, WithRand(rand.New(rand.NewPCG(7, 11))))
	require.NoError(t, err)
	return p
}

func TestPlan_Trivial(t *testing.T) {
	p := newTestPlanner(t, nil)
	ctx := context.Background()

	assert.Empty(t, p.Plan(ctx, nil, PlanContext{}))
	assert.Equal(t, []string{"only"}, p.Plan(ctx, []string{"only"}, PlanContext{}))
	assert.Equal(t, []string{"dup"}, p.Plan(ctx, []string{"dup", "dup"}, PlanContext{}))
}

func TestPlan_LengthAndUniqueness(t *testing.T) {
	tests := []struct {
		name     string
		macros   []string
		maxDepth int
		want     int
	}{
		{"depth bound", []string{"A", "B", "C", "D", "E"}, 3, 3},
		{"macro bound", []string{"A", "B"}, 5, 2},
		{"depth one", []string{"A", "B", "C"}, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner(t, func(c *Config) { c.MaxDepth = tt.maxDepth })
			plan := p.Plan(context.Background(), tt.macros, PlanContext{})

			assert.Len(t, plan, tt.want)
			seen := map[string]bool{}
			for _, m := range plan {
				assert.Contains(t, tt.macros, m)
				assert.False(t, seen[m], "duplicate %s", m)
				seen[m] = true
			}
		})
	}
}

func TestPlan_PrefersHighScoringMacro(t *testing.T) {
	p := newTestPlanner(t, func(c *Config) {
		c.MaxDepth = 1
		c.Iterations = 200
	})
	pc := PlanContext{
		History: []history.Entry{
			{Macro: "strong", Score: history.Float(0.95)},
			{Macro: "weak", Score: history.Float(0.1)},
		},
		Priors: map[string]float64{"weak": 0.9, "other": 0.2},
	}

	plan := p.Plan(context.Background(), []string{"weak", "other", "strong"}, pc)
	assert.Equal(t, []string{"strong"}, plan)
}

func TestPlan_CancelledContext(t *testing.T) {
	p := newTestPlanner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := p.Plan(ctx, []string{"A", "B", "C"}, PlanContext{})
	assert.Empty(t, plan)
	assert.Equal(t, int64(0), p.Statistics().TotalIterations)
}

func TestStatistics(t *testing.T) {
	p := newTestPlanner(t, func(c *Config) { c.Iterations = 25 })
	ctx := context.Background()

	p.Plan(ctx, []string{"A", "B"}, PlanContext{})
	p.Plan(ctx, []string{"A", "B", "C"}, PlanContext{})
	p.Plan(ctx, []string{"A"}, PlanContext{})

	stats := p.Statistics()
	assert.Equal(t, int64(2), stats.PlansGenerated)
	assert.Equal(t, int64(50), stats.TotalIterations)

	p.ResetStatistics()
	assert.Equal(t, Statistics{}, p.Statistics())
}

func TestMacroState_Immutable(t *testing.T) {
	root := NewMacroState([]string{"A", "B", "C"}, 2, nil)
	a := root.Apply("A")
	ab := a.Apply("B")
	ac := a.Apply("C")

	assert.Empty(t, root.Selected())
	assert.Equal(t, []string{"A"}, a.Selected())
	assert.Equal(t, []string{"A", "B"}, ab.Selected())
	assert.Equal(t, []string{"A", "C"}, ac.Selected())

	assert.Equal(t, []string{"B", "C"}, a.LegalActions())
	assert.True(t, ab.IsTerminal(), "max depth reached")
	assert.False(t, a.IsTerminal())
}

func TestMacroState_Reward(t *testing.T) {
	empty := NewMacroState([]string{"A"}, 3, nil)
	assert.Equal(t, 0.5, empty.Reward(nil))

	s := NewMacroState([]string{"A", "B"}, 3, map[string]float64{"A": 1.0}).Apply("A").Apply("B")
	assert.InDelta(t, 0.75, s.Reward(nil), 1e-9)

	r := s.Reward(rand.New(rand.NewPCG(1, 1)))
	assert.InDelta(t, 0.75, r, rewardJitter/2)
}

func TestNode_UCB1(t *testing.T) {
	root := newNode(NewMacroState([]string{"A", "B"}, 2, nil), "", nil)
	child := root.expand(rand.New(rand.NewPCG(1, 1)))

	assert.True(t, math.IsInf(child.UCB1(1.414), 1))

	root.visits = 10
	child.visits = 2
	child.value = 1.0
	want := 0.5 + 1.414*math.Sqrt(math.Log(10)/2)
	assert.InDelta(t, want, child.UCB1(1.414), 1e-9)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Iterations = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxDepth = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
