// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

// ArmStats is the learned state of one macro.
//
// Successes and Failures are Beta pseudo-counts starting at 1 each. Plays
// is a decayed pull count and therefore fractional once forgetting applies.
type ArmStats struct {
	Successes   float64 `json:"successes"`
	Failures    float64 `json:"failures"`
	Plays       float64 `json:"plays"`
	TotalReward float64 `json:"total_reward"`
}

func newArm() ArmStats {
	return ArmStats{Successes: 1, Failures: 1}
}

// mean returns the Beta posterior mean, 0.5 for degenerate parameters.
func (a ArmStats) mean() float64 {
	if !validBeta(a.Successes, a.Failures) {
		return 0.5
	}
	return a.Successes / (a.Successes + a.Failures)
}

// variance returns the Beta posterior variance, 0 for degenerate parameters.
func (a ArmStats) variance() float64 {
	if !validBeta(a.Successes, a.Failures) {
		return 0
	}
	s := a.Successes + a.Failures
	return a.Successes * a.Failures / (s * s * (s + 1))
}

// rate is the empirical mean reward per play.
func (a ArmStats) rate() float64 {
	if a.Plays <= 0 {
		return 0
	}
	return a.TotalReward / a.Plays
}

// FeedbackRecord is one reward event retained in the learning window.
type FeedbackRecord struct {
	Arm    string  `json:"arm"`
	Reward float64 `json:"reward"`
	Regret float64 `json:"regret"`

	// CumulativeRegret is the total regret after this event.
	CumulativeRegret float64 `json:"cumulative_regret"`
	Timestamp        int64   `json:"timestamp"`
}

// LearningState is persisted to the learning sidecar.
type LearningState struct {
	// Regret is cumulative. It never decays; ResetRegret clears it.
	Regret float64 `json:"regret"`

	// TrueMeans is the running mean of observed feedback reward per macro.
	TrueMeans map[string]float64 `json:"true_means"`

	// FeedbackHistory holds the most recent feedback events.
	FeedbackHistory []FeedbackRecord `json:"feedback_history"`

	// FeedbackCounts is the number of feedback events behind each mean.
	FeedbackCounts map[string]int `json:"feedback_counts"`
}

func newLearningState() LearningState {
	return LearningState{
		TrueMeans:       make(map[string]float64),
		FeedbackHistory: []FeedbackRecord{},
		FeedbackCounts:  make(map[string]int),
	}
}

// normalize fills nil maps left by older or hand-edited sidecars.
func (l *LearningState) normalize() {
	if l.TrueMeans == nil {
		l.TrueMeans = make(map[string]float64)
	}
	if l.FeedbackCounts == nil {
		l.FeedbackCounts = make(map[string]int)
	}
	if l.FeedbackHistory == nil {
		l.FeedbackHistory = []FeedbackRecord{}
	}
}

func (l LearningState) clone() LearningState {
	out := LearningState{
		Regret:          l.Regret,
		TrueMeans:       make(map[string]float64, len(l.TrueMeans)),
		FeedbackHistory: append([]FeedbackRecord(nil), l.FeedbackHistory...),
		FeedbackCounts:  make(map[string]int, len(l.FeedbackCounts)),
	}
	for k, v := range l.TrueMeans {
		out.TrueMeans[k] = v
	}
	for k, v := range l.FeedbackCounts {
		out.FeedbackCounts[k] = v
	}
	return out
}

// UncertaintyMetrics describes how confident the selector is between its
// leading macros.
type UncertaintyMetrics struct {
	// ScoreGap is the difference between the two highest posterior means.
	ScoreGap float64 `json:"score_gap"`

	// MaxVariance is the largest posterior variance among the macros.
	MaxVariance float64 `json:"max_variance"`

	// ShouldUseMCTS is true when ScoreGap < 0.1 and MaxVariance > 0.05.
	ShouldUseMCTS bool `json:"should_use_mcts"`
}

const (
	uncertaintyGapThreshold      = 0.1
	uncertaintyVarianceThreshold = 0.05
)
