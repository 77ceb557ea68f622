// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcts

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const mctsTracerName = "macroflow.mcts"

// planTracer emits one span per plan.
type planTracer struct {
	tracer  trace.Tracer
	enabled bool
}

func newPlanTracer(enabled bool) *planTracer {
	return &planTracer{
		tracer:  otel.Tracer(mctsTracerName),
		enabled: enabled,
	}
}

func (t *planTracer) startPlan(ctx context.Context, macros int, cfg Config) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "mcts.plan",
		trace.WithAttributes(
			attribute.Int("mcts.macros", macros),
			attribute.Int("mcts.iterations.budget", cfg.Iterations),
			attribute.Int("mcts.max_depth", cfg.MaxDepth),
			attribute.Float64("mcts.exploration_weight", cfg.ExplorationWeight),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (t *planTracer) endPlan(span trace.Span, iterations int, plan []string) {
	span.SetAttributes(
		attribute.Int("mcts.iterations.done", iterations),
		attribute.StringSlice("mcts.plan", plan),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// loggerWithTrace adds trace and span ids to the logger when ctx carries
// a recording span.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
