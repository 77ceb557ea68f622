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

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/macroflow/services/macro/history"
)

// Metric counter names reported by Metrics.
const (
	MetricSelections         = "selections"
	MetricForcedExplorations = "forced_explorations"
	MetricFeedbackEvents     = "feedback_events"
)

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source used for sampling and forced exploration.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) { s.rng = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// Selector picks macros with Thompson Sampling.
//
// Description:
//
//	Each macro is an arm with a Beta(successes, failures) posterior. Choose
//	samples every arm, adds a 1/(1+plays) novelty bonus and an optional
//	UCB term, and returns the argmax. Cumulative regret from feedback gates
//	a fallback to uniform exploration.
//
// Thread Safety: Safe for concurrent use. Mutations are serialized by an
// in-process mutex and, when a weights file is configured, by an advisory
// file lock shared with other processes.
type Selector struct {
	mu       sync.Mutex
	cfg      Config
	store    *Store
	arms     map[string]ArmStats
	learning LearningState
	metrics  map[string]int64
	rng      *rand.Rand
	logger   *slog.Logger

	// dirty is set when the last write failed, so memory must win over the
	// stale file on the next mutation.
	dirty bool
}

// NewSelector creates a selector and loads any persisted state.
//
// Inputs:
//   - cfg: Selector configuration. Validated.
//   - opts: Options.
//
// Outputs:
//   - *Selector: The selector.
//   - error: ErrInvalidConfig if cfg is invalid. Unreadable state files are
//     logged and the selector starts empty.
func NewSelector(cfg Config, opts ...Option) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{
		cfg:      cfg,
		store:    NewStore(cfg.WeightsPath, cfg.learningPath(), cfg.LockTimeout),
		arms:     make(map[string]ArmStats),
		learning: newLearningState(),
		metrics:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}

	s.mu.Lock()
	s.reload(context.Background())
	s.mu.Unlock()

	return s, nil
}

// Config returns the selector configuration.
func (s *Selector) Config() Config {
	return s.cfg
}

// Choose returns the macro to try next.
//
// Description:
//
//	1. Decays every arm once if history is non-empty.
//	2. Creates missing arms at Beta(1, 1).
//	3. Replays history: an explicit reward counts as success when non-zero
//	   and adds its value to total_reward; otherwise a score at or above
//	   MinimumScore is a success with reward 1, below is a failure.
//	4. If cumulative regret exceeds RegretThreshold, picks uniformly.
//	5. Otherwise scores each macro as Beta sample + 1/(1+plays) +
//	   UCBWeight*sqrt(ln(total_plays)/plays) and takes the first maximum.
//	6. Persists state.
//
// Inputs:
//   - ctx: Used for lock waits and logging.
//   - macros: Candidates, in priority order for ties. Must be non-empty.
//   - hist: Run history, oldest first.
//
// Outputs:
//   - string: The chosen macro.
//   - error: ErrInvalidArgument if macros is empty. Persistence failures
//     are logged, not returned.
func (s *Selector) Choose(ctx context.Context, macros []string, hist []history.Entry) (string, error) {
	if len(macros) == 0 {
		return "", fmt.Errorf("%w: no macros to choose from", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	release := s.lockFile(ctx)
	defer release()
	s.reload(ctx)

	if len(hist) > 0 {
		s.decay()
	}
	for _, m := range macros {
		s.ensureArm(m)
	}
	s.replay(hist)

	var chosen string
	forced := s.learning.Regret > s.cfg.RegretThreshold
	if forced {
		chosen = macros[s.rng.IntN(len(macros))]
		s.metrics[MetricForcedExplorations]++
		s.logger.InfoContext(ctx, "bandit: forced exploration",
			slog.Float64("regret", s.learning.Regret),
			slog.Float64("threshold", s.cfg.RegretThreshold),
			slog.String("macro", chosen),
		)
	} else {
		chosen = s.sampleBest(ctx, macros)
	}
	s.metrics[MetricSelections]++
	recordSelection(chosen, forced)

	s.persist(ctx, true, false)
	return chosen, nil
}

// sampleBest scores every macro and returns the first maximum.
func (s *Selector) sampleBest(ctx context.Context, macros []string) string {
	totalPlays := 0.0
	for _, m := range macros {
		totalPlays += s.arms[m].Plays
	}

	best := ""
	bestScore := math.Inf(-1)
	for _, m := range macros {
		arm := s.arms[m]
		score := s.sampleBeta(arm.Successes, arm.Failures) + 1/(1+arm.Plays)
		if s.cfg.UCBWeight > 0 {
			score += s.cfg.UCBWeight * ucbTerm(totalPlays, arm.Plays)
		}
		s.logger.DebugContext(ctx, "bandit: scored macro",
			slog.String("macro", m),
			slog.Float64("score", score),
			slog.Float64("plays", arm.Plays),
		)
		if score > bestScore {
			best = m
			bestScore = score
		}
	}
	return best
}

// ucbTerm returns sqrt(ln(total)/plays), 0 for an unplayed arm.
func ucbTerm(totalPlays, plays float64) float64 {
	if plays <= 0 || totalPlays <= 1 {
		return 0
	}
	return math.Sqrt(math.Log(totalPlays) / plays)
}

// sampleBeta draws from Beta(a, b), or returns 0.5 if the parameters are
// not usable.
func (s *Selector) sampleBeta(a, b float64) float64 {
	if !validBeta(a, b) {
		return 0.5
	}
	v := distuv.Beta{Alpha: a, Beta: b, Src: s.rng}.Rand()
	if math.IsNaN(v) {
		return 0.5
	}
	return v
}

func validBeta(a, b float64) bool {
	return a > 0 && b > 0 && !math.IsInf(a, 0) && !math.IsInf(b, 0)
}

// decay applies exponential forgetting to every arm.
func (s *Selector) decay() {
	if s.cfg.Decay == 1 {
		return
	}
	for m, arm := range s.arms {
		arm.Successes *= s.cfg.Decay
		arm.Failures *= s.cfg.Decay
		arm.Plays *= s.cfg.Decay
		arm.TotalReward *= s.cfg.Decay
		s.arms[m] = arm
	}
}

func (s *Selector) ensureArm(macro string) {
	if _, ok := s.arms[macro]; !ok {
		s.arms[macro] = newArm()
	}
}

// replay folds history entries into the arms.
func (s *Selector) replay(hist []history.Entry) {
	for _, e := range hist {
		if e.Macro == "" {
			continue
		}
		var success bool
		var reward float64
		switch {
		case e.Reward != nil:
			reward = *e.Reward
			success = reward != 0
		case e.Score != nil:
			success = *e.Score >= s.cfg.MinimumScore
			if success {
				reward = 1
			}
		default:
			continue
		}
		s.ensureArm(e.Macro)
		s.apply(e.Macro, success, reward)
	}
}

func (s *Selector) apply(macro string, success bool, reward float64) {
	arm := s.arms[macro]
	if success {
		arm.Successes++
	} else {
		arm.Failures++
	}
	arm.Plays++
	arm.TotalReward += reward
	s.arms[macro] = arm
}

// UpdateFromFeedback records an asynchronous reward for a macro.
//
// Description:
//
//	Updates the running mean reward for the macro, charges regret of
//	max(true_means) - reward (0 when the macro is the current best),
//	appends to the bounded feedback window, and applies the success or
//	failure update. A non-zero reward is a success.
//
// Inputs:
//   - ctx: Used for lock waits and logging.
//   - macro: The rewarded macro. Must be non-empty.
//   - reward: The reward. Must be finite.
//
// Outputs:
//   - error: ErrInvalidArgument on bad input. Persistence failures are
//     logged, not returned.
func (s *Selector) UpdateFromFeedback(ctx context.Context, macro string, reward float64) error {
	if macro == "" {
		return fmt.Errorf("%w: macro is required", ErrInvalidArgument)
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return fmt.Errorf("%w: reward must be finite", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	release := s.lockFile(ctx)
	defer release()
	s.reload(ctx)

	l := &s.learning
	l.FeedbackCounts[macro]++
	n := float64(l.FeedbackCounts[macro])
	l.TrueMeans[macro] += (reward - l.TrueMeans[macro]) / n

	bestMacro, bestMean := "", math.Inf(-1)
	for m, mean := range l.TrueMeans {
		if mean > bestMean || (mean == bestMean && m == macro) {
			bestMacro, bestMean = m, mean
		}
	}
	regret := 0.0
	if bestMacro != macro {
		regret = math.Max(0, bestMean-reward)
	}
	l.Regret += regret

	l.FeedbackHistory = append(l.FeedbackHistory, FeedbackRecord{
		Arm:              macro,
		Reward:           reward,
		Regret:           regret,
		CumulativeRegret: l.Regret,
		Timestamp:        time.Now().UnixMilli(),
	})
	if over := len(l.FeedbackHistory) - s.cfg.FeedbackWindow; over > 0 {
		l.FeedbackHistory = append([]FeedbackRecord(nil), l.FeedbackHistory[over:]...)
	}

	s.ensureArm(macro)
	s.apply(macro, reward != 0, reward)
	s.metrics[MetricFeedbackEvents]++
	recordFeedback(macro, l.Regret)

	s.logger.InfoContext(ctx, "bandit: feedback recorded",
		slog.String("macro", macro),
		slog.Float64("reward", reward),
		slog.Float64("event_regret", regret),
		slog.Float64("cumulative_regret", l.Regret),
	)

	s.persist(ctx, true, true)
	return nil
}

// UncertaintyMetrics reports how separable the leading macros are.
//
// Description:
//
//	ScoreGap is the difference between the two highest posterior means and
//	MaxVariance the largest posterior variance. Unknown macros use the
//	Beta(1, 1) prior. With fewer than two macros the gap is 1.
func (s *Selector) UncertaintyMetrics(macros []string) UncertaintyMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload(context.Background())

	first, second := math.Inf(-1), math.Inf(-1)
	maxVar := 0.0
	for _, m := range macros {
		arm, ok := s.arms[m]
		if !ok {
			arm = newArm()
		}
		mean := arm.mean()
		if mean > first {
			first, second = mean, first
		} else if mean > second {
			second = mean
		}
		maxVar = math.Max(maxVar, arm.variance())
	}

	gap := 1.0
	if len(macros) >= 2 {
		gap = first - second
	}
	return UncertaintyMetrics{
		ScoreGap:      gap,
		MaxVariance:   maxVar,
		ShouldUseMCTS: gap < uncertaintyGapThreshold && maxVar > uncertaintyVarianceThreshold,
	}
}

// ExpectedRegret estimates the regret accrued by plays of non-best arms.
//
// Description:
//
//	With rate = total_reward/plays, returns the sum over arms other than
//	the best-rate arm of (best_rate - rate) * plays.
func (s *Selector) ExpectedRegret(macros []string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload(context.Background())

	bestIdx, bestRate := -1, math.Inf(-1)
	for i, m := range macros {
		if r := s.arms[m].rate(); r > bestRate {
			bestIdx, bestRate = i, r
		}
	}
	total := 0.0
	for i, m := range macros {
		if i == bestIdx {
			continue
		}
		arm := s.arms[m]
		total += (bestRate - arm.rate()) * arm.Plays
	}
	return total
}

// BetaMeans returns the posterior mean of each macro, for use as planning
// priors. Unknown macros are omitted.
func (s *Selector) BetaMeans(macros []string) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload(context.Background())

	out := make(map[string]float64, len(macros))
	for _, m := range macros {
		if arm, ok := s.arms[m]; ok {
			out[m] = arm.mean()
		}
	}
	return out
}

// Reset clears all arms and counters and persists the empty state.
func (s *Selector) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release := s.lockFile(ctx)
	defer release()

	s.arms = make(map[string]ArmStats)
	s.metrics = make(map[string]int64)
	s.logger.InfoContext(ctx, "bandit: arms reset")
	s.persist(ctx, true, false)
}

// ResetRegret clears the learning state and persists it.
func (s *Selector) ResetRegret(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release := s.lockFile(ctx)
	defer release()

	s.learning = newLearningState()
	banditRegret.Set(0)
	s.logger.InfoContext(ctx, "bandit: learning state reset")
	s.persist(ctx, false, true)
}

// Arms returns a copy of the arm statistics.
func (s *Selector) Arms() map[string]ArmStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload(context.Background())

	out := make(map[string]ArmStats, len(s.arms))
	for k, v := range s.arms {
		out[k] = v
	}
	return out
}

// Learning returns a copy of the learning state.
func (s *Selector) Learning() LearningState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reload(context.Background())
	return s.learning.clone()
}

// Regret returns the cumulative regret.
func (s *Selector) Regret() float64 {
	return s.Learning().Regret
}

// Metrics returns a copy of the in-process counters.
func (s *Selector) Metrics() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// =============================================================================
// Persistence
// =============================================================================

// lockFile takes the cross-process lock. On failure the mutation proceeds
// on in-memory state and the returned release is a no-op. Caller holds mu.
func (s *Selector) lockFile(ctx context.Context) func() {
	if s.store == nil {
		return func() {}
	}
	release, err := s.store.Lock(ctx)
	if err != nil {
		recordPersistError("lock")
		s.logger.WarnContext(ctx, "bandit: lock failed, continuing in memory",
			slog.String("path", s.store.WeightsPath()),
			slog.String("error", err.Error()),
		)
		return func() {}
	}
	return release
}

// reload replaces in-memory state with the files, unless the last write
// failed. Caller holds mu.
func (s *Selector) reload(ctx context.Context) {
	if s.store == nil || s.dirty {
		return
	}

	arms, err := s.store.LoadArms()
	if err != nil {
		recordPersistError("weights")
		s.logger.WarnContext(ctx, "bandit: failed to load weights",
			slog.String("path", s.store.WeightsPath()),
			slog.String("error", err.Error()),
		)
	} else if arms != nil {
		s.arms = arms
	}

	learning, err := s.store.LoadLearning()
	if err != nil {
		recordPersistError("learning")
		s.logger.WarnContext(ctx, "bandit: failed to load learning state",
			slog.String("path", s.store.LearningPath()),
			slog.String("error", err.Error()),
		)
	} else if learning != nil {
		s.learning = *learning
	}
}

// persist writes the requested files. Failures mark the selector dirty so
// the next mutation retries from memory. Caller holds mu.
func (s *Selector) persist(ctx context.Context, arms, learning bool) {
	if s.store == nil {
		return
	}
	failed := false
	if arms {
		if err := s.store.SaveArms(s.arms); err != nil {
			failed = true
			recordPersistError("weights")
			s.logger.ErrorContext(ctx, "bandit: failed to save weights",
				slog.String("path", s.store.WeightsPath()),
				slog.String("error", err.Error()),
			)
		}
	}
	if learning || s.dirty {
		if err := s.store.SaveLearning(s.learning); err != nil {
			failed = true
			recordPersistError("learning")
			s.logger.ErrorContext(ctx, "bandit: failed to save learning state",
				slog.String("path", s.store.LearningPath()),
				slog.String("error", err.Error()),
			)
		}
	}
	if !arms && s.dirty && !failed {
		if err := s.store.SaveArms(s.arms); err != nil {
			failed = true
			recordPersistError("weights")
		}
	}
	s.dirty = failed
}
