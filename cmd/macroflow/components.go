// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/collab"
	"github.com/AleutianAI/macroflow/services/macro/config"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// components are the long-lived pieces shared across executors. The
// executor itself is cheap and rebuilt on config reload.
type components struct {
	selector *bandit.Selector
	planner  *mcts.Planner
	build    workflow.Handler
	sink     workflow.ReportSink
	logger   *slog.Logger
}

func newSelector(cfg *config.SessionConfig, logger *slog.Logger) (*bandit.Selector, error) {
	sel, err := bandit.NewSelector(cfg.SelectorConfig(), bandit.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating selector: %w", err)
	}
	return sel, nil
}

func newPlanner(cfg *config.SessionConfig, tracing bool, logger *slog.Logger) (*mcts.Planner, error) {
	pcfg := cfg.PlannerConfig()
	pcfg.TracingEnabled = tracing
	planner, err := mcts.NewPlanner(pcfg, mcts.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating planner: %w", err)
	}
	return planner, nil
}

func newComponents(cfg *config.SessionConfig, tracing bool, logger *slog.Logger) (*components, error) {
	sel, err := newSelector(cfg, logger)
	if err != nil {
		return nil, err
	}
	planner, err := newPlanner(cfg, tracing, logger)
	if err != nil {
		return nil, err
	}

	build, err := newBuildHandler(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &components{selector: sel, planner: planner, build: build, logger: logger}, nil
}

// newBuildHandler returns nil when no OpenAI key is configured; build nodes
// then fail with ErrNoHandler and trip their circuit.
func newBuildHandler(cfg *config.SessionConfig, logger *slog.Logger) (workflow.Handler, error) {
	client, err := collab.NewOpenAIClient(collab.OpenAIConfig{
		BaseURL: cfg.Build.BaseURL,
		Model:   cfg.Build.Model,
	})
	if errors.Is(err, collab.ErrNoAPIKey) {
		logger.Warn("OPENAI_API_KEY not set, build nodes are disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	temperature := cfg.Build.Temperature
	maxTokens := cfg.Build.MaxTokens
	h, err := collab.NewBuildHandler(client, collab.JudgeScorer{LLM: client}, collab.BuildConfig{
		Prompts: cfg.Build.Prompts,
		Params: collab.GenerationParams{
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating build handler: %w", err)
	}
	return h, nil
}

func (c *components) executor(cfg *config.SessionConfig) (*workflow.Executor, error) {
	opts := []workflow.Option{
		workflow.WithSelector(c.selector),
		workflow.WithPlanner(c.planner),
		workflow.WithLogger(c.logger),
	}
	if c.build != nil {
		opts = append(opts, workflow.WithHandler(workflow.NodeTypeBuild, c.build))
	}
	if c.sink != nil {
		opts = append(opts, workflow.WithReportSink(c.sink))
	}
	return workflow.NewExecutor(cfg.ExecutorConfig(), opts...)
}
