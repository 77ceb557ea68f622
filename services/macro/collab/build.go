// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// ResultBuilt is the condition emitted by a successful build.
const ResultBuilt = "built"

// ErrNoMacroSelected indicates a build node ran before any selection.
var ErrNoMacroSelected = errors.New("collab: no macro selected")

const defaultPrompt = "Use the {{.Macro}} strategy to complete this task.\n\n{{.Task}}"

// BuildConfig configures the build handler.
type BuildConfig struct {
	// Prompts maps macro to a text/template with .Macro and .Task.
	Prompts map[string]string

	// Params are passed to every generation.
	Params GenerationParams
}

// BuildHandler runs the selected macro through the LLM and scores it.
//
// Description:
//
//	The task comes from the node's "task" param, else the run input's
//	"task" value. The prompt is the macro's template, or a generic one.
//	The output is graded by the scorer and reported as the node's score.
//
// Thread Safety: Safe for concurrent use.
type BuildHandler struct {
	llm       LLMClient
	scorer    Scorer
	params    GenerationParams
	templates map[string]*template.Template
	fallback  *template.Template
	logger    *slog.Logger
}

// NewBuildHandler parses the prompt templates.
//
// Outputs:
//   - *BuildHandler: The handler.
//   - error: A template failed to parse.
func NewBuildHandler(llm LLMClient, scorer Scorer, cfg BuildConfig, logger *slog.Logger) (*BuildHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &BuildHandler{
		llm:       llm,
		scorer:    scorer,
		params:    cfg.Params,
		templates: make(map[string]*template.Template, len(cfg.Prompts)),
		fallback:  template.Must(template.New("default").Parse(defaultPrompt)),
		logger:    logger,
	}
	for macro, text := range cfg.Prompts {
		t, err := template.New(macro).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("prompt for %s: %w", macro, err)
		}
		h.templates[macro] = t
	}
	return h, nil
}

type promptData struct {
	Macro string
	Task  string
}

// Handle implements workflow.Handler.
func (h *BuildHandler) Handle(ctx context.Context, run *workflow.RunContext, node workflow.Node) (workflow.Outcome, error) {
	macro := run.State.CurrentMacro
	if macro == "" {
		return workflow.Outcome{}, ErrNoMacroSelected
	}
	task := taskFor(run, node)

	tmpl, ok := h.templates[macro]
	if !ok {
		tmpl = h.fallback
	}
	var prompt strings.Builder
	if err := tmpl.Execute(&prompt, promptData{Macro: macro, Task: task}); err != nil {
		return workflow.Outcome{}, fmt.Errorf("render prompt: %w", err)
	}

	output, err := h.llm.Generate(ctx, prompt.String(), h.params)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("generate: %w", err)
	}

	score, err := h.scorer.Score(ctx, macro, task, output)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("score: %w", err)
	}

	h.logger.InfoContext(ctx, "build scored",
		slog.String("run_id", run.RunID),
		slog.String("node", node.ID),
		slog.String("macro", macro),
		slog.Float64("score", score),
	)
	return workflow.Outcome{
		Result: ResultBuilt,
		Macro:  macro,
		Score:  history.Float(score),
		Output: output,
	}, nil
}

func taskFor(run *workflow.RunContext, node workflow.Node) string {
	if t := node.Params["task"]; t != "" {
		return t
	}
	if t, ok := run.Input["task"].(string); ok {
		return t
	}
	return ""
}
