// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit selects the next macro to try with Thompson Sampling over
// per-macro Beta posteriors, and learns from asynchronous reward feedback.
//
// State is persisted to a JSON weights file plus a learning sidecar so that
// several processes can share what has been learned. The file is the source
// of truth: it is re-read under an advisory lock before every mutation.
package bandit

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrInvalidArgument indicates a caller passed unusable input.
	ErrInvalidArgument = errors.New("bandit: invalid argument")

	// ErrInvalidConfig indicates a selector configuration failed validation.
	ErrInvalidConfig = errors.New("bandit: invalid config")

	// ErrLockTimeout indicates the advisory file lock could not be acquired.
	ErrLockTimeout = errors.New("bandit: lock timeout")
)

// Config configures a Selector.
type Config struct {
	// Decay multiplies every arm's counters once per Choose call that
	// carries history. Must be in (0, 1]. 1 disables forgetting.
	Decay float64 `yaml:"decay" json:"decay"`

	// UCBWeight scales the UCB exploration term. 0 disables it.
	UCBWeight float64 `yaml:"ucb_weight" json:"ucb_weight"`

	// RegretThreshold is the cumulative regret above which Choose picks
	// uniformly at random instead of sampling.
	RegretThreshold float64 `yaml:"regret_threshold" json:"regret_threshold"`

	// FeedbackWindow bounds the retained feedback history.
	FeedbackWindow int `yaml:"feedback_window" json:"feedback_window"`

	// MinimumScore is the score at or above which a scored history entry
	// counts as a success.
	MinimumScore float64 `yaml:"minimum_score" json:"minimum_score"`

	// WeightsPath is the arms file. Empty keeps state in memory only.
	WeightsPath string `yaml:"weights_path" json:"weights_path"`

	// LearningPath is the learning sidecar. Derived from WeightsPath when empty.
	LearningPath string `yaml:"learning_path" json:"learning_path"`

	// LockTimeout bounds how long a mutation waits for the file lock.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
}

// DefaultConfig returns the default selector configuration.
func DefaultConfig() Config {
	return Config{
		Decay:           0.95,
		UCBWeight:       0.0,
		RegretThreshold: 5.0,
		FeedbackWindow:  100,
		MinimumScore:    0.7,
		LockTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Decay <= 0 || c.Decay > 1 {
		return fmt.Errorf("%w: decay must be in (0, 1], got %v", ErrInvalidConfig, c.Decay)
	}
	if c.UCBWeight < 0 {
		return fmt.Errorf("%w: ucb_weight must be >= 0, got %v", ErrInvalidConfig, c.UCBWeight)
	}
	if c.RegretThreshold < 0 {
		return fmt.Errorf("%w: regret_threshold must be >= 0, got %v", ErrInvalidConfig, c.RegretThreshold)
	}
	if c.FeedbackWindow < 1 {
		return fmt.Errorf("%w: feedback_window must be >= 1, got %d", ErrInvalidConfig, c.FeedbackWindow)
	}
	if c.MinimumScore < 0 || c.MinimumScore > 1 {
		return fmt.Errorf("%w: minimum_score must be in [0, 1], got %v", ErrInvalidConfig, c.MinimumScore)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: lock_timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// learningPath returns the sidecar path, deriving it from the weights path.
func (c Config) learningPath() string {
	if c.LearningPath != "" {
		return c.LearningPath
	}
	if c.WeightsPath == "" {
		return ""
	}
	ext := filepath.Ext(c.WeightsPath)
	return strings.TrimSuffix(c.WeightsPath, ext) + ".learning.json"
}
