// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the macro orchestration core over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/loopguard"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
	"github.com/AleutianAI/macroflow/services/macro/runstore"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// Runner executes workflows and accepts reward feedback.
type Runner interface {
	Run(ctx context.Context, g *workflow.Graph, opts workflow.RunOptions) (*workflow.Report, error)
	RecordBanditReward(ctx context.Context, macro string, reward float64) error
	Config() workflow.Config
}

// Bandit is the selector surface used for diagnostics.
type Bandit interface {
	Arms() map[string]bandit.ArmStats
	Learning() bandit.LearningState
	Metrics() map[string]int64
	UncertaintyMetrics(macros []string) bandit.UncertaintyMetrics
	ExpectedRegret(macros []string) float64
}

// Planner plans macro sequences.
type Planner interface {
	Plan(ctx context.Context, macros []string, pc mcts.PlanContext) []string
	Statistics() mcts.Statistics
}

// RunStore reads stored run reports.
type RunStore interface {
	GetReport(ctx context.Context, runID string) (*workflow.Report, error)
	ListReports(ctx context.Context, limit int) ([]*workflow.Report, error)
}

// Handlers serves the macro API.
//
// Thread Safety: Safe for concurrent use. The runner can be swapped while
// serving, e.g. after a config reload.
type Handlers struct {
	mu     sync.RWMutex
	runner Runner

	bandit   Bandit
	planner  Planner
	store    RunStore
	limiter  *rate.Limiter
	priorsFn func(macros []string) map[string]float64
}

// HandlersConfig holds the dependencies of Handlers.
type HandlersConfig struct {
	Runner  Runner
	Bandit  Bandit
	Planner Planner

	// Store is optional. Without it run lookups return 404.
	Store RunStore

	// Priors supplies planning priors, typically the bandit posterior means.
	Priors func(macros []string) map[string]float64

	// FeedbackRPS and FeedbackBurst rate-limit feedback submissions.
	FeedbackRPS   float64
	FeedbackBurst int
}

// NewHandlers creates the handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	rps, burst := cfg.FeedbackRPS, cfg.FeedbackBurst
	if rps <= 0 {
		rps = 20
	}
	if burst < 1 {
		burst = 40
	}
	return &Handlers{
		runner:   cfg.Runner,
		bandit:   cfg.Bandit,
		planner:  cfg.Planner,
		store:    cfg.Store,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		priorsFn: cfg.Priors,
	}
}

// SetRunner swaps the runner used for new requests.
func (h *Handlers) SetRunner(r Runner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runner = r
}

func (h *Handlers) currentRunner() Runner {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runner
}

// HandleRun handles POST /v1/macro/runs.
//
// Description:
//
//	Validates and executes the posted graph and returns the run report.
//	The run is bound to the request context, so a client disconnect
//	cancels it between nodes.
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRun")

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	report, err := h.currentRunner().Run(c.Request.Context(), &req.Graph, workflow.RunOptions{
		Macros: req.Macros,
		Input:  req.Input,
	})
	switch {
	case errors.Is(err, workflow.ErrInvalidGraph):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_GRAPH"})
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Run cancelled", "error", err)
		c.JSON(http.StatusRequestTimeout, report)
		return
	case err != nil:
		logger.Error("Run failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "RUN_FAILED"})
		return
	}

	logger.Info("Run finished", "run_id", report.RunID, "halt_reason", report.HaltReason)
	c.JSON(http.StatusOK, report)
}

// HandleGetRun handles GET /v1/macro/runs/:id.
func (h *Handlers) HandleGetRun(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run store disabled", Code: "NOT_FOUND"})
		return
	}
	report, err := h.store.GetReport(c.Request.Context(), c.Param("id"))
	if errors.Is(err, runstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleListRuns handles GET /v1/macro/runs.
func (h *Handlers) HandleListRuns(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, RunListResponse{Runs: []*workflow.Report{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	reports, err := h.store.ListReports(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, RunListResponse{Runs: reports})
}

// HandleFeedback handles POST /v1/macro/feedback.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleFeedback")

	if !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "feedback rate limit exceeded", Code: "RATE_LIMITED"})
		return
	}

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	err := h.currentRunner().RecordBanditReward(c.Request.Context(), req.Macro, *req.Reward)
	if errors.Is(err, bandit.ErrInvalidArgument) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_ARGUMENT"})
		return
	}
	if err != nil {
		logger.Error("Feedback failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "FEEDBACK_FAILED"})
		return
	}

	c.JSON(http.StatusOK, FeedbackResponse{
		Status: "recorded",
		Macro:  req.Macro,
		Regret: h.bandit.Learning().Regret,
	})
}

// HandlePlan handles POST /v1/macro/plan.
func (h *Handlers) HandlePlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	macros := req.Macros
	if len(macros) == 0 {
		macros = h.currentRunner().Config().Macros
	}
	pc := mcts.PlanContext{History: req.History}
	if h.priorsFn != nil {
		pc.Priors = h.priorsFn(macros)
	}
	plan := h.planner.Plan(c.Request.Context(), macros, pc)
	c.JSON(http.StatusOK, PlanResponse{Plan: plan, Statistics: h.planner.Statistics()})
}

// HandleLoop handles POST /v1/macro/loop.
func (h *Handlers) HandleLoop(c *gin.Context) {
	var req LoopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	cfg := h.currentRunner().Config()
	n, eps := req.N, cfg.LoopEpsilon
	if n == 0 {
		n = cfg.LoopWindow
	}
	if req.Epsilon != nil {
		eps = *req.Epsilon
	}
	c.JSON(http.StatusOK, LoopResponse{
		Loop:       loopguard.DetectLoop(req.History, n, eps),
		Statistics: loopguard.LoopStatistics(req.History),
	})
}

// HandleBandit handles GET /v1/macro/bandit?macros=a,b.
func (h *Handlers) HandleBandit(c *gin.Context) {
	macros := h.queryMacros(c)
	c.JSON(http.StatusOK, BanditResponse{
		Macros:         macros,
		Arms:           h.bandit.Arms(),
		Learning:       h.bandit.Learning(),
		Metrics:        h.bandit.Metrics(),
		Uncertainty:    h.bandit.UncertaintyMetrics(macros),
		ExpectedRegret: h.bandit.ExpectedRegret(macros),
	})
}

// HandleUncertainty handles GET /v1/macro/bandit/uncertainty?macros=a,b.
func (h *Handlers) HandleUncertainty(c *gin.Context) {
	c.JSON(http.StatusOK, h.bandit.UncertaintyMetrics(h.queryMacros(c)))
}

// HandleHealth handles GET /v1/macro/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// queryMacros reads ?macros=a,b, falling back to the configured macros.
func (h *Handlers) queryMacros(c *gin.Context) []string {
	q := c.Query("macros")
	if q == "" {
		return h.currentRunner().Config().Macros
	}
	var macros []string
	for _, m := range strings.Split(q, ",") {
		if m = strings.TrimSpace(m); m != "" {
			macros = append(macros, m)
		}
	}
	return macros
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
