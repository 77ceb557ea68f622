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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
	"github.com/AleutianAI/macroflow/services/macro/runstore"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

type testEnv struct {
	router   *gin.Engine
	handlers *Handlers
	selector *bandit.Selector
	store    *runstore.Store
}

func newTestEnv(t *testing.T, rps float64, burst int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sel, err := bandit.NewSelector(bandit.DefaultConfig(), bandit.WithRand(rand.New(rand.NewPCG(1, 2))))
	require.NoError(t, err)

	pcfg := mcts.DefaultConfig()
	pcfg.Iterations = 50
	planner, err := mcts.NewPlanner(pcfg, mcts.WithRand(rand.New(rand.NewPCG(3, 4))))
	require.NoError(t, err)

	store, err := runstore.Open(runstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	wcfg := workflow.DefaultConfig()
	wcfg.Macros = []string{"refactor", "tests"}
	exec, err := workflow.NewExecutor(wcfg,
		workflow.WithSelector(sel),
		workflow.WithPlanner(planner),
		workflow.WithReportSink(store),
	)
	require.NoError(t, err)

	h := NewHandlers(HandlersConfig{
		Runner:        exec,
		Bandit:        sel,
		Planner:       planner,
		Store:         store,
		Priors:        sel.BetaMeans,
		FeedbackRPS:   rps,
		FeedbackBurst: burst,
	})
	return &testEnv{router: NewRouter(h), handlers: h, selector: sel, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func simpleGraph() workflow.Graph {
	return workflow.Graph{
		Name: "simple",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart},
			{ID: "select", Type: workflow.NodeTypeSelection},
			{ID: "end", Type: workflow.NodeTypeEnd},
		},
		Edges: []workflow.Edge{
			{From: "start", To: "select"},
			{From: "select", To: "end"},
		},
	}
}

func TestHandleRun_CompletesAndStoresReport(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodPost, "/v1/macro/runs", RunRequest{Graph: simpleGraph()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var report workflow.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, workflow.StatusCompleted, report.Status)
	assert.Equal(t, workflow.HaltTerminal, report.HaltReason)
	assert.Contains(t, []string{"refactor", "tests"}, report.FinalMacro)

	w = env.do(t, http.MethodGet, "/v1/macro/runs/"+report.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored workflow.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, report.RunID, stored.RunID)

	w = env.do(t, http.MethodGet, "/v1/macro/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list RunListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
}

func TestHandleRun_InvalidGraph(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	g := simpleGraph()
	g.Edges = append(g.Edges, workflow.Edge{From: "select", To: "missing"})
	w := env.do(t, http.MethodPost, "/v1/macro/runs", RunRequest{Graph: g})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_GRAPH", resp.Code)
}

func TestHandleRun_MalformedBody(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/macro/runs", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestHandleGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodGet, "/v1/macro/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleFeedback(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "refactor", "reward": 1.0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp FeedbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "recorded", resp.Status)
	assert.Equal(t, 0.0, resp.Regret)

	w = env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "tests", "reward": 0.0})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 1.0, resp.Regret, 1e-9)

	arms := env.selector.Arms()
	assert.Equal(t, 2.0, arms["refactor"].Successes)
	assert.Equal(t, 2.0, arms["tests"].Failures)
}

func TestHandleFeedback_MissingFields(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "refactor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"reward": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFeedback_RateLimited(t *testing.T) {
	env := newTestEnv(t, 0.001, 1)

	w := env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "refactor", "reward": 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "refactor", "reward": 1})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

type rejectingRunner struct {
	Runner
}

func (rejectingRunner) RecordBanditReward(ctx context.Context, macro string, reward float64) error {
	return fmt.Errorf("%w: rejected", bandit.ErrInvalidArgument)
}

func TestHandleFeedback_InvalidArgument(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	env.handlers.SetRunner(rejectingRunner{Runner: env.handlers.currentRunner()})

	w := env.do(t, http.MethodPost, "/v1/macro/feedback", map[string]any{"macro": "refactor", "reward": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_ARGUMENT", resp.Code)
}

func TestHandlePlan(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodPost, "/v1/macro/plan", PlanRequest{
		History: []history.Entry{history.NewEntry("review", "tests", "failure", history.Float(0.2))},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp PlanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Plan)
	for _, m := range resp.Plan {
		assert.Contains(t, []string{"refactor", "tests"}, m)
	}
	assert.EqualValues(t, 1, resp.Statistics.PlansGenerated)
}

func TestHandleLoop(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	var hist []history.Entry
	for range 3 {
		hist = append(hist, history.NewEntry("build", "refactor", "default", history.Float(0.5)))
	}
	w := env.do(t, http.MethodPost, "/v1/macro/loop", LoopRequest{History: hist})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoopResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Loop)
	assert.Equal(t, 3, resp.Statistics.TotalBuilds)
	assert.Equal(t, "refactor", resp.Statistics.LastMacro)
}

func TestHandleBandit(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodGet, "/v1/macro/bandit?macros=refactor,%20tests,", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp BanditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"refactor", "tests"}, resp.Macros)
	assert.True(t, resp.Uncertainty.ShouldUseMCTS)
}

func TestHandleUncertainty_SingleMacro(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodGet, "/v1/macro/bandit/uncertainty?macros=refactor", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp bandit.UncertaintyMetrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1.0, resp.ScoreGap)
	assert.False(t, resp.ShouldUseMCTS)
}

func TestHandleHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	w := env.do(t, http.MethodGet, "/v1/macro/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
