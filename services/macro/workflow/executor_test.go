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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
)

type fakeSelector struct {
	mu        sync.Mutex
	next      []string
	uncertain bool
	feedback  map[string]float64
	chosen    int
}

func (f *fakeSelector) Choose(ctx context.Context, macros []string, hist []history.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chosen++
	if len(f.next) == 0 {
		return macros[0], nil
	}
	m := f.next[0]
	f.next = f.next[1:]
	return m, nil
}

func (f *fakeSelector) UncertaintyMetrics(macros []string) bandit.UncertaintyMetrics {
	return bandit.UncertaintyMetrics{ShouldUseMCTS: f.uncertain}
}

func (f *fakeSelector) BetaMeans(macros []string) map[string]float64 {
	return map[string]float64{}
}

func (f *fakeSelector) UpdateFromFeedback(ctx context.Context, macro string, reward float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedback == nil {
		f.feedback = map[string]float64{}
	}
	f.feedback[macro] += reward
	return nil
}

type fakePlanner struct {
	plan  []string
	calls int
}

func (f *fakePlanner) Plan(ctx context.Context, macros []string, pc mcts.PlanContext) []string {
	f.calls++
	return f.plan
}

type memorySink struct {
	reports []*Report
}

func (m *memorySink) SaveReport(ctx context.Context, r *Report) error {
	m.reports = append(m.reports, r)
	return nil
}

// scoreSequence returns a build handler emitting the given scores in turn.
func scoreSequence(scores ...float64) Handler {
	i := 0
	return HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		s := scores[i%len(scores)]
		i++
		return Outcome{Result: "built", Macro: run.State.CurrentMacro, Score: history.Float(s)}, nil
	})
}

func reviewGraph() *Graph {
	return &Graph{
		Name: "review-loop",
		Nodes: []Node{
			{ID: "intake", Type: NodeTypeStart},
			{ID: "build", Type: NodeTypeBuild},
			{ID: "review", Type: NodeTypeReview},
		},
		Edges: []Edge{
			{From: "intake", To: "build"},
			{From: "build", To: "review"},
			{From: "review", To: "build", Condition: ResultValidationFailed},
		},
	}
}

func nodePath(entries []history.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Node
	}
	return out
}

func TestRun_ReviewLoopCompletes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinimumScore = 0.8
	sink := &memorySink{}
	e, err := NewExecutor(cfg,
		WithHandler(NodeTypeBuild, scoreSequence(0.5, 0.9)),
		WithReportSink(sink),
	)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), reviewGraph(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"intake", "build", "review", "build", "review"}, nodePath(report.History))
	assert.Equal(t, ResultValidationFailed, report.History[2].Result)
	assert.Equal(t, ResultScorePassed, report.History[4].Result)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, HaltNoEdge, report.HaltReason)
	assert.Equal(t, 5, report.Iterations)
	require.NotNil(t, report.FinalScore)
	assert.Equal(t, 0.9, *report.FinalScore)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, sink.reports, 1)
	assert.Equal(t, report.RunID, sink.reports[0].RunID)
}

func TestRun_CircuitOpensAndHalts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitThreshold = 3
	calls := 0
	failing := HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		calls++
		return Outcome{}, errors.New("compiler exploded")
	})
	e, err := NewExecutor(cfg, WithHandler(NodeTypeBuild, failing))
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeTypeStart}, {ID: "work", Type: NodeTypeBuild}},
		Edges: []Edge{
			{From: "start", To: "work"},
			{From: "work", To: "work", Condition: ResultFailure},
		},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, calls, "open circuit is never executed again")
	assert.Equal(t, StatusHalted, report.Status)
	assert.Equal(t, HaltCircuitOpen, report.HaltReason)
	assert.Equal(t, "work", report.FinalNode)
	assert.Equal(t, 3, report.FailCounts["work"])
	assert.Equal(t, []string{"work"}, report.OpenCircuits)
	assert.Equal(t, ResultFailure, report.History[1].Result)
	assert.Equal(t, "compiler exploded", report.History[1].Error)
}

func TestRun_IterationCapIsReported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 10
	noop := HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		return Outcome{Result: "ok"}, nil
	})
	e, err := NewExecutor(cfg, WithHandler("noop", noop))
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, HaltIterationCap, report.HaltReason)
	assert.Equal(t, 10, report.Iterations)
	assert.Len(t, report.History, 10)
}

func TestRun_Cancelled(t *testing.T) {
	e, err := NewExecutor(DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Run(ctx, reviewGraph(), RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, StatusCancelled, report.Status)
	assert.Empty(t, report.History)
}

func TestRun_CancelledBetweenNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := HandlerFunc(func(c context.Context, run *RunContext, node Node) (Outcome, error) {
		cancel()
		return Outcome{Result: "built"}, nil
	})
	e, err := NewExecutor(DefaultConfig(), WithHandler(NodeTypeBuild, cancelling))
	require.NoError(t, err)

	report, err := e.Run(ctx, reviewGraph(), RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"intake", "build"}, nodePath(report.History), "node in flight completes")
}

func TestRun_InvalidGraph(t *testing.T) {
	e, err := NewExecutor(DefaultConfig())
	require.NoError(t, err)

	report, err := e.Run(context.Background(), &Graph{}, RunOptions{})
	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.Nil(t, report)
}

func TestRun_PanicAndMissingHandlerAreFaults(t *testing.T) {
	panicking := HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		panic("boom")
	})
	e, err := NewExecutor(DefaultConfig(), WithHandler("explode", panicking))
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: "explode"},
			{ID: "b", Type: "unregistered"},
			{ID: "done", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{From: "a", To: "b", Condition: ResultFailure},
			{From: "b", To: "done", Condition: ResultFailure},
		},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "done"}, nodePath(report.History))
	assert.Contains(t, report.History[0].Error, "boom")
	assert.Contains(t, report.History[1].Error, ErrNoHandler.Error())
	assert.Equal(t, HaltTerminal, report.HaltReason)
}

func TestRun_SelectionUsesPlanUnderUncertainty(t *testing.T) {
	sel := &fakeSelector{uncertain: true}
	planner := &fakePlanner{plan: []string{"B", "C"}}
	cfg := DefaultConfig()
	cfg.Macros = []string{"A", "B", "C"}
	cfg.MaxIterations = 6

	e, err := NewExecutor(cfg, WithSelector(sel), WithPlanner(planner))
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{{ID: "select", Type: NodeTypeSelection}},
		Edges: []Edge{{From: "select", To: "select"}},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)

	var macros []string
	for _, h := range report.History {
		macros = append(macros, h.Macro)
	}
	assert.Equal(t, []string{"B", "C", "B", "C", "B", "C"}, macros)
	assert.Equal(t, 3, planner.calls)
	assert.Zero(t, sel.chosen)
}

func TestRun_SelectionUsesBanditWhenConfident(t *testing.T) {
	sel := &fakeSelector{next: []string{"C"}}
	planner := &fakePlanner{plan: []string{"B"}}
	e, err := NewExecutor(DefaultConfig(), WithSelector(sel), WithPlanner(planner))
	require.NoError(t, err)

	g := &Graph{Nodes: []Node{{ID: "select", Type: NodeTypeSelection}}}

	report, err := e.Run(context.Background(), g, RunOptions{Macros: []string{"A", "C"}})
	require.NoError(t, err)
	assert.Equal(t, "C", report.FinalMacro)
	assert.Zero(t, planner.calls)
}

func TestRun_LoopCheckRoutesOnStagnation(t *testing.T) {
	sel := &fakeSelector{}
	cfg := DefaultConfig()
	cfg.Macros = []string{"A"}
	e, err := NewExecutor(cfg,
		WithSelector(sel),
		WithHandler(NodeTypeBuild, scoreSequence(0.5)),
	)
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{
			{ID: "select", Type: NodeTypeSelection},
			{ID: "build", Type: NodeTypeBuild},
			{ID: "guard", Type: NodeTypeLoopCheck},
			{ID: "escalate", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{From: "select", To: "build"},
			{From: "build", To: "guard"},
			{From: "guard", To: "escalate", Condition: ResultLoopDetected},
			{From: "guard", To: "select", Condition: ResultNoLoop},
		},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "escalate", report.FinalNode)
	assert.Equal(t, 1, report.LoopIterations)
	assert.Len(t, history.Builds(report.History), 3)
}

func TestRun_LoopCheckKeepsBuildOutput(t *testing.T) {
	builds := 0
	build := HandlerFunc(func(ctx context.Context, run *RunContext, node Node) (Outcome, error) {
		builds++
		return Outcome{
			Result: "built",
			Macro:  run.State.CurrentMacro,
			Score:  history.Float(0.5),
			Output: map[string]int{"build": builds},
		}, nil
	})

	cfg := DefaultConfig()
	cfg.Macros = []string{"A"}
	e, err := NewExecutor(cfg, WithSelector(&fakeSelector{}), WithHandler(NodeTypeBuild, build))
	require.NoError(t, err)

	g := &Graph{
		Nodes: []Node{
			{ID: "select", Type: NodeTypeSelection},
			{ID: "build", Type: NodeTypeBuild},
			{ID: "guard", Type: NodeTypeLoopCheck},
			{ID: "escalate", Type: NodeTypeEnd},
		},
		Edges: []Edge{
			{From: "select", To: "build"},
			{From: "build", To: "guard"},
			{From: "guard", To: "escalate", Condition: ResultLoopDetected},
			{From: "guard", To: "select", Condition: ResultNoLoop},
		},
	}

	report, err := e.Run(context.Background(), g, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.LoopIterations)
	assert.Equal(t, map[string]int{"build": builds}, report.Output)
}

func TestFillNoopInstruments(t *testing.T) {
	e, err := NewExecutor(DefaultConfig())
	require.NoError(t, err)
	e.nodeLatency = nil
	e.nodeFaults = nil
	e.circuitOpens = nil
	e.runsTotal = nil

	e.fillNoopInstruments()
	require.NotNil(t, e.nodeLatency)
	require.NotNil(t, e.nodeFaults)
	require.NotNil(t, e.circuitOpens)
	require.NotNil(t, e.runsTotal)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		e.nodeLatency.Record(ctx, 0.1)
		e.nodeFaults.Add(ctx, 1)
		e.circuitOpens.Add(ctx, 1)
		e.runsTotal.Add(ctx, 1)
	})
}

func TestRecordBanditReward(t *testing.T) {
	e, err := NewExecutor(DefaultConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, e.RecordBanditReward(context.Background(), "A", 1), ErrNoSelector)

	sel := &fakeSelector{}
	e, err = NewExecutor(DefaultConfig(), WithSelector(sel))
	require.NoError(t, err)
	require.NoError(t, e.RecordBanditReward(context.Background(), "A", 0.5))
	assert.Equal(t, 0.5, sel.feedback["A"])
}

func TestExecutorConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	_, err := NewExecutor(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
