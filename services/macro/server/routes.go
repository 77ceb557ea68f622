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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/macroflow/services/macro/telemetry"
)

// RegisterRoutes registers the macro API on a router group.
//
// Routes:
//
//	POST /v1/macro/runs                 - Execute a workflow graph
//	GET  /v1/macro/runs                 - List stored runs
//	GET  /v1/macro/runs/:id             - Fetch a stored run
//	POST /v1/macro/feedback             - Record a bandit reward
//	POST /v1/macro/plan                 - Plan a macro sequence
//	POST /v1/macro/loop                 - Check a history for loops
//	GET  /v1/macro/bandit               - Bandit state and uncertainty
//	GET  /v1/macro/bandit/uncertainty   - Uncertainty metrics only
//	GET  /v1/macro/health               - Liveness
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	m := rg.Group("/macro")
	{
		m.POST("/runs", h.HandleRun)
		m.GET("/runs", h.HandleListRuns)
		m.GET("/runs/:id", h.HandleGetRun)
		m.POST("/feedback", h.HandleFeedback)
		m.POST("/plan", h.HandlePlan)
		m.POST("/loop", h.HandleLoop)
		m.GET("/bandit", h.HandleBandit)
		m.GET("/bandit/uncertainty", h.HandleUncertainty)
		m.GET("/health", h.HandleHealth)
	}
}

// NewRouter builds the gin engine with recovery, tracing and /metrics.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("macroflow"))

	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return router
}
