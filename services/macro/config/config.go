// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the session configuration shared by the selector,
// planner, loop guard and executor, and watches it for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/macroflow/services/macro/bandit"
	"github.com/AleutianAI/macroflow/services/macro/mcts"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// ErrInvalidConfig indicates the session configuration failed validation.
var ErrInvalidConfig = errors.New("config: invalid session config")

// DefaultWeightsPath is where arm state persists unless weights_path is set.
// An explicit empty weights_path keeps the selector in memory.
const DefaultWeightsPath = "~/.macroflow/bandit_weights.json"

// SessionConfig is the full configuration of a macroflow process.
type SessionConfig struct {
	// Macros are the candidate strategies.
	Macros []string `yaml:"macros" json:"macros" validate:"required,min=1,dive,required"`

	CI        CIConfig        `yaml:"ci" json:"ci"`
	LoopGuard LoopGuardConfig `yaml:"loop_guard" json:"loop_guard"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	Selector  SelectorConfig  `yaml:"selector" json:"selector"`
	MCTS      MCTSConfig      `yaml:"mcts" json:"mcts"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Build     BuildConfig     `yaml:"build" json:"build"`
}

// CIConfig holds quality gates.
type CIConfig struct {
	// MinimumScore is the pass mark for scores.
	MinimumScore float64 `yaml:"minimum_score" json:"minimum_score" validate:"gte=0,lte=1"`
}

// LoopGuardConfig parameterizes stagnation detection.
type LoopGuardConfig struct {
	N       int     `yaml:"N" json:"N" validate:"gte=1"`
	Epsilon float64 `yaml:"epsilon" json:"epsilon" validate:"gte=0"`
}

// RetryConfig bounds runs.
type RetryConfig struct {
	CircuitThreshold int `yaml:"circuit_threshold" json:"circuit_threshold" validate:"gte=1"`
	MaxIterations    int `yaml:"max_iterations" json:"max_iterations" validate:"gte=1"`
}

// SelectorConfig configures the bandit.
type SelectorConfig struct {
	Decay           float64       `yaml:"decay" json:"decay" validate:"gt=0,lte=1"`
	UCBWeight       float64       `yaml:"ucb_weight" json:"ucb_weight" validate:"gte=0"`
	RegretThreshold float64       `yaml:"regret_threshold" json:"regret_threshold" validate:"gte=0"`
	FeedbackWindow  int           `yaml:"feedback_window" json:"feedback_window" validate:"gte=1"`
	WeightsPath     string        `yaml:"weights_path" json:"weights_path"`
	LearningPath    string        `yaml:"learning_path" json:"learning_path"`
	LockTimeout     time.Duration `yaml:"lock_timeout" json:"lock_timeout" validate:"gte=0"`
}

// MCTSConfig configures the planner.
type MCTSConfig struct {
	Iterations        int     `yaml:"iterations" json:"iterations" validate:"gte=1"`
	ExplorationWeight float64 `yaml:"exploration_weight" json:"exploration_weight" validate:"gt=0"`
	MaxDepth          int     `yaml:"max_depth" json:"max_depth" validate:"gte=1"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	ListenAddr    string  `yaml:"listen_addr" json:"listen_addr" validate:"required"`
	RunStorePath  string  `yaml:"run_store_path" json:"run_store_path"`
	FeedbackRPS   float64 `yaml:"feedback_rps" json:"feedback_rps" validate:"gt=0"`
	FeedbackBurst int     `yaml:"feedback_burst" json:"feedback_burst" validate:"gte=1"`
}

// BuildConfig configures the LLM-backed build handler.
type BuildConfig struct {
	// BaseURL is an OpenAI-compatible endpoint. Empty uses the OpenAI API.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`

	// Model is the chat model name.
	Model string `yaml:"model" json:"model"`

	// MaxTokens caps generated tokens.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`

	// Temperature is the sampling temperature.
	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// Prompts maps a macro to its prompt template. The template may use
	// {{.Task}} and {{.Macro}}.
	Prompts map[string]string `yaml:"prompts" json:"prompts"`
}

// Default returns the default session configuration.
func Default() *SessionConfig {
	sel := bandit.DefaultConfig()
	planner := mcts.DefaultConfig()
	exec := workflow.DefaultConfig()
	return &SessionConfig{
		CI:        CIConfig{MinimumScore: exec.MinimumScore},
		LoopGuard: LoopGuardConfig{N: exec.LoopWindow, Epsilon: exec.LoopEpsilon},
		Retry: RetryConfig{
			CircuitThreshold: exec.CircuitThreshold,
			MaxIterations:    exec.MaxIterations,
		},
		Selector: SelectorConfig{
			Decay:           sel.Decay,
			UCBWeight:       sel.UCBWeight,
			RegretThreshold: sel.RegretThreshold,
			FeedbackWindow:  sel.FeedbackWindow,
			WeightsPath:     DefaultWeightsPath,
			LockTimeout:     sel.LockTimeout,
		},
		MCTS: MCTSConfig{
			Iterations:        planner.Iterations,
			ExplorationWeight: planner.ExplorationWeight,
			MaxDepth:          planner.MaxDepth,
		},
		Server: ServerConfig{
			ListenAddr:    ":12230",
			FeedbackRPS:   20,
			FeedbackBurst: 40,
		},
		Build: BuildConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.2,
		},
	}
}

// Load builds the session configuration.
//
// Description:
//
//	Starts from Default, overlays the file at path if it exists (YAML
//	first, then JSON), applies MACROFLOW_* environment overrides, and
//	validates the result.
//
// Inputs:
//   - path: Config file. Empty or missing uses defaults.
//
// Outputs:
//   - *SessionConfig: The configuration.
//   - error: Parse failure or ErrInvalidConfig.
func Load(path string) (*SessionConfig, error) {
	cfg := Default()
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	loadConfigFromEnv(cfg)
	cfg.Selector.WeightsPath = expandHome(cfg.Selector.WeightsPath)
	cfg.Selector.LearningPath = expandHome(cfg.Selector.LearningPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandHome resolves a leading "~" against the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func loadConfigFile(path string, cfg *SessionConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadConfigFromEnv(cfg *SessionConfig) {
	if v := os.Getenv("MACROFLOW_MACROS"); v != "" {
		var macros []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				macros = append(macros, m)
			}
		}
		cfg.Macros = macros
	}

	envFloat("MACROFLOW_MINIMUM_SCORE", &cfg.CI.MinimumScore)
	envInt("MACROFLOW_LOOP_N", &cfg.LoopGuard.N)
	envFloat("MACROFLOW_LOOP_EPSILON", &cfg.LoopGuard.Epsilon)
	envInt("MACROFLOW_CIRCUIT_THRESHOLD", &cfg.Retry.CircuitThreshold)
	envInt("MACROFLOW_MAX_ITERATIONS", &cfg.Retry.MaxIterations)

	envFloat("MACROFLOW_DECAY", &cfg.Selector.Decay)
	envFloat("MACROFLOW_UCB_WEIGHT", &cfg.Selector.UCBWeight)
	envFloat("MACROFLOW_REGRET_THRESHOLD", &cfg.Selector.RegretThreshold)
	envInt("MACROFLOW_FEEDBACK_WINDOW", &cfg.Selector.FeedbackWindow)
	envString("MACROFLOW_WEIGHTS_PATH", &cfg.Selector.WeightsPath)
	envString("MACROFLOW_LEARNING_PATH", &cfg.Selector.LearningPath)
	if v := os.Getenv("MACROFLOW_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Selector.LockTimeout = d
		}
	}

	envInt("MACROFLOW_MCTS_ITERATIONS", &cfg.MCTS.Iterations)
	envFloat("MACROFLOW_MCTS_EXPLORATION_WEIGHT", &cfg.MCTS.ExplorationWeight)
	envInt("MACROFLOW_MCTS_MAX_DEPTH", &cfg.MCTS.MaxDepth)

	envString("MACROFLOW_LISTEN_ADDR", &cfg.Server.ListenAddr)
	envString("MACROFLOW_RUNSTORE_PATH", &cfg.Server.RunStorePath)

	envString("MACROFLOW_LLM_BASE_URL", &cfg.Build.BaseURL)
	envString("MACROFLOW_LLM_MODEL", &cfg.Build.Model)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *SessionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return errors.Join(errs...)
	}
	return nil
}

// SelectorConfig returns the bandit configuration.
func (c *SessionConfig) SelectorConfig() bandit.Config {
	return bandit.Config{
		Decay:           c.Selector.Decay,
		UCBWeight:       c.Selector.UCBWeight,
		RegretThreshold: c.Selector.RegretThreshold,
		FeedbackWindow:  c.Selector.FeedbackWindow,
		MinimumScore:    c.CI.MinimumScore,
		WeightsPath:     expandHome(c.Selector.WeightsPath),
		LearningPath:    expandHome(c.Selector.LearningPath),
		LockTimeout:     c.Selector.LockTimeout,
	}
}

// PlannerConfig returns the MCTS configuration.
func (c *SessionConfig) PlannerConfig() mcts.Config {
	cfg := mcts.DefaultConfig()
	cfg.Iterations = c.MCTS.Iterations
	cfg.ExplorationWeight = c.MCTS.ExplorationWeight
	cfg.MaxDepth = c.MCTS.MaxDepth
	return cfg
}

// ExecutorConfig returns the workflow executor configuration.
func (c *SessionConfig) ExecutorConfig() workflow.Config {
	return workflow.Config{
		MaxIterations:    c.Retry.MaxIterations,
		CircuitThreshold: c.Retry.CircuitThreshold,
		Macros:           append([]string(nil), c.Macros...),
		LoopWindow:       c.LoopGuard.N,
		LoopEpsilon:      c.LoopGuard.Epsilon,
		MinimumScore:     c.CI.MinimumScore,
	}
}
