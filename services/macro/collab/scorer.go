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
	"fmt"
	"regexp"
	"strconv"
)

// Scorer grades the output of a macro on [0, 1].
type Scorer interface {
	Score(ctx context.Context, macro, task, output string) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, macro, task, output string) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, macro, task, output string) (float64, error) {
	return f(ctx, macro, task, output)
}

var scorePattern = regexp.MustCompile(`[01](?:\.\d+)?|\.\d+`)

// JudgeScorer asks an LLM to grade an output and parses the first number
// in its reply.
type JudgeScorer struct {
	LLM LLMClient
}

// Score implements Scorer.
func (j JudgeScorer) Score(ctx context.Context, macro, task, output string) (float64, error) {
	prompt := fmt.Sprintf(
		"Rate how well the following output completes the task on a scale from 0 to 1.\n"+
			"Reply with the number only.\n\nTask:\n%s\n\nStrategy: %s\n\nOutput:\n%s\n",
		task, macro, output,
	)
	zero := float32(0)
	maxTokens := 8
	reply, err := j.LLM.Generate(ctx, prompt, GenerationParams{Temperature: &zero, MaxTokens: &maxTokens})
	if err != nil {
		return 0, fmt.Errorf("judge: %w", err)
	}
	return parseScore(reply)
}

func parseScore(reply string) (float64, error) {
	match := scorePattern.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("judge: no score in reply %q", reply)
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("judge: parse score %q: %w", match, err)
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}
