// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/loopguard"
)

var (
	tracer = otel.Tracer("macroflow.workflow")
	meter  = otel.Meter("macroflow.workflow")
)

// DefaultMaxIterations bounds the node executions of one run.
const DefaultMaxIterations = 100

// Config configures an Executor.
type Config struct {
	// MaxIterations caps node executions per run.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// CircuitThreshold is the fault count that opens a node's circuit.
	CircuitThreshold int `yaml:"circuit_threshold" json:"circuit_threshold"`

	// Macros are the default candidate macros for runs.
	Macros []string `yaml:"macros" json:"macros"`

	// LoopWindow and LoopEpsilon parameterize loop-check nodes.
	LoopWindow  int     `yaml:"loop_window" json:"loop_window"`
	LoopEpsilon float64 `yaml:"loop_epsilon" json:"loop_epsilon"`

	// MinimumScore is the pass mark for review nodes.
	MinimumScore float64 `yaml:"minimum_score" json:"minimum_score"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    DefaultMaxIterations,
		CircuitThreshold: DefaultCircuitThreshold,
		LoopWindow:       loopguard.DefaultWindow,
		LoopEpsilon:      loopguard.DefaultEpsilon,
		MinimumScore:     0.7,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be >= 1, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.CircuitThreshold < 1 {
		return fmt.Errorf("%w: circuit_threshold must be >= 1, got %d", ErrInvalidConfig, c.CircuitThreshold)
	}
	if c.LoopWindow < 1 {
		return fmt.Errorf("%w: loop window must be >= 1, got %d", ErrInvalidConfig, c.LoopWindow)
	}
	return nil
}

// ReportSink receives every finished run report.
type ReportSink interface {
	SaveReport(ctx context.Context, report *Report) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithSelector registers the bandit used by selection nodes.
func WithSelector(s MacroSelector) Option {
	return func(e *Executor) { e.selector = s }
}

// WithPlanner registers the planner used by selection nodes under
// uncertainty.
func WithPlanner(p MacroPlanner) Option {
	return func(e *Executor) { e.planner = p }
}

// WithHandler registers a handler for a node type or handler key,
// replacing any built-in.
func WithHandler(key string, h Handler) Option {
	return func(e *Executor) { e.handlers[key] = h }
}

// WithReportSink sets where finished reports are saved.
func WithReportSink(sink ReportSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// Executor runs workflow graphs.
//
// Description:
//
//	Each run walks the graph from its entry point, executing one node per
//	iteration and following the edge matching the condition the node
//	emitted. Faults route on "failure" and are counted per node; a node
//	whose circuit is open halts the run when reached.
//
// Thread Safety:
//
//	Safe for concurrent use. Each run owns its ExecutionState; the bandit
//	selector is the only state shared between runs.
type Executor struct {
	cfg      Config
	handlers map[string]Handler
	selector MacroSelector
	planner  MacroPlanner
	sink     ReportSink
	logger   *slog.Logger

	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeFaults   metric.Int64Counter
	circuitOpens metric.Int64Counter
	runsTotal    metric.Int64Counter
}

// NewExecutor creates an executor.
//
// Description:
//
//	Registers built-in handlers for start, end, loop_check and review
//	nodes, and for selection nodes when a selector is configured. Handlers
//	passed with WithHandler take precedence.
//
// Outputs:
//   - *Executor: The executor.
//   - error: ErrInvalidConfig if cfg is invalid.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	builtins := map[string]Handler{
		NodeTypeStart:     passThrough,
		NodeTypeEnd:       passThrough,
		NodeTypeLoopCheck: LoopCheckHandler(cfg.LoopWindow, cfg.LoopEpsilon),
		NodeTypeReview:    ReviewHandler(cfg.MinimumScore),
	}
	if e.selector != nil {
		builtins[NodeTypeSelection] = SelectionHandler(e.selector, e.planner)
	}
	for key, h := range builtins {
		if _, ok := e.handlers[key]; !ok {
			e.handlers[key] = h
		}
	}
	return e, nil
}

// Config returns the executor configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.nodeLatency, err = meter.Float64Histogram("workflow_node_duration_seconds",
			metric.WithDescription("Time spent executing each workflow node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeFaults, err = meter.Int64Counter("workflow_node_fault_total",
			metric.WithDescription("Number of node handler faults"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_faults: "+err.Error())
		}

		e.circuitOpens, err = meter.Int64Counter("workflow_circuit_open_total",
			metric.WithDescription("Number of node circuits opened"),
		)
		if err != nil {
			initErrors = append(initErrors, "circuit_opens: "+err.Error())
		}

		e.runsTotal, err = meter.Int64Counter("workflow_runs_total",
			metric.WithDescription("Number of finished workflow runs by halt reason"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_total: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some workflow metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
		e.fillNoopInstruments()
	})
}

// fillNoopInstruments replaces instruments that failed to initialize with
// no-op ones so recording never dereferences nil.
func (e *Executor) fillNoopInstruments() {
	if e.nodeLatency == nil {
		e.nodeLatency = noop.Float64Histogram{}
	}
	if e.nodeFaults == nil {
		e.nodeFaults = noop.Int64Counter{}
	}
	if e.circuitOpens == nil {
		e.circuitOpens = noop.Int64Counter{}
	}
	if e.runsTotal == nil {
		e.runsTotal = noop.Int64Counter{}
	}
}

// RunOptions are per-run inputs.
type RunOptions struct {
	// Macros overrides the configured candidate macros.
	Macros []string

	// Input is passed to handlers.
	Input map[string]any
}

// Run executes a graph to completion, halt, or cancellation.
//
// Description:
//
//	The graph is validated first; an invalid graph returns an error and no
//	run starts. Each iteration checks cancellation, the iteration cap and
//	the next node's circuit, executes the node, appends a history entry
//	and resolves the next node. Reaching the iteration cap is reported in
//	the report, not as an error.
//
// Inputs:
//   - ctx: Cancellation is checked once per iteration.
//   - g: The graph.
//   - opts: Per-run inputs.
//
// Outputs:
//   - *Report: The run report. Nil only for configuration errors.
//   - error: ErrInvalidGraph, or the context error when cancelled.
func (e *Executor) Run(ctx context.Context, g *Graph, opts RunOptions) (*Report, error) {
	if err := ValidateGraph(g); err != nil {
		return nil, err
	}
	e.initMetrics()

	runID := uuid.NewString()
	macros := opts.Macros
	if len(macros) == 0 {
		macros = e.cfg.Macros
	}

	ctx, span := tracer.Start(ctx, "workflow.Run",
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.graph", g.Name),
			attribute.Int("workflow.node_count", len(g.Nodes)),
		),
	)
	defer span.End()

	logger := e.logger.With(slog.String("run_id", runID))
	start := time.Now()
	state := NewExecutionState(e.cfg.CircuitThreshold)
	run := &RunContext{RunID: runID, Macros: macros, Input: opts.Input, State: state}

	state.CurrentNode = EntryPoint(g)
	logger.Info("workflow run started",
		slog.String("graph", g.Name),
		slog.String("entry_point", state.CurrentNode),
		slog.Int("macros", len(macros)),
	)

	finish := func(status Status, reason HaltReason, iterations int) *Report {
		report := e.buildReport(run, g, status, reason, iterations, start)
		e.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("halt_reason", string(reason))))
		span.SetAttributes(
			attribute.String("workflow.halt_reason", string(reason)),
			attribute.Int("workflow.iterations", iterations),
		)
		logger.Info("workflow run finished",
			slog.String("status", string(status)),
			slog.String("halt_reason", string(reason)),
			slog.String("final_node", state.CurrentNode),
			slog.Int("iterations", iterations),
			slog.Duration("duration", time.Since(start)),
		)
		e.saveReport(ctx, logger, report)
		return report
	}

	for iteration := 0; ; iteration++ {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context canceled")
			return finish(StatusCancelled, HaltCancelled, iteration), ctx.Err()
		default:
		}

		if iteration >= e.cfg.MaxIterations {
			logger.Warn("workflow iteration cap reached",
				slog.Int("max_iterations", e.cfg.MaxIterations),
				slog.String("node", state.CurrentNode),
			)
			return finish(StatusHalted, HaltIterationCap, iteration), nil
		}

		node, ok := g.Node(state.CurrentNode)
		if !ok {
			logger.Error("workflow transitioned to unknown node", slog.String("node", state.CurrentNode))
			return finish(StatusHalted, HaltUnknownNode, iteration), nil
		}

		if state.breakers.IsOpen(node.ID) {
			logger.Warn("workflow halted on open circuit", slog.String("node", node.ID))
			return finish(StatusHalted, HaltCircuitOpen, iteration), nil
		}

		condition := e.executeNode(ctx, logger, run, node)

		if node.Type == NodeTypeEnd {
			return finish(StatusCompleted, HaltTerminal, iteration+1), nil
		}

		next, ok := NextNode(g, node.ID, condition)
		if !ok {
			return finish(StatusCompleted, HaltNoEdge, iteration+1), nil
		}
		state.CurrentNode = next
	}
}

// executeNode runs one node, records its history entry and returns the
// condition to route on.
func (e *Executor) executeNode(ctx context.Context, logger *slog.Logger, run *RunContext, node Node) string {
	state := run.State
	ctx, span := tracer.Start(ctx, "workflow.Node",
		trace.WithAttributes(
			attribute.String("workflow.node_id", node.ID),
			attribute.String("workflow.node_type", node.Type),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, err := e.invoke(ctx, run, node)
	e.nodeLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("node_type", node.Type)),
	)

	entry := history.Entry{
		Node:      node.ID,
		Macro:     outcome.Macro,
		Score:     outcome.Score,
		Reward:    outcome.Reward,
		Result:    outcome.Result,
		Timestamp: time.Now().UnixMilli(),
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.nodeFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))

		entry.Result = ResultFailure
		entry.Error = err.Error()
		opened := state.breakers.RecordFailure(node.ID)
		logger.Warn("workflow node fault",
			slog.String("node", node.ID),
			slog.Int("fail_count", state.breakers.Failures(node.ID)),
			slog.String("error", err.Error()),
		)
		if opened {
			e.circuitOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", node.ID)))
			logger.Warn("workflow circuit opened", slog.String("node", node.ID))
		}
	} else {
		state.breakers.RecordSuccess(node.ID)
		if outcome.Score != nil {
			state.LastScore = outcome.Score
		}
		if outcome.Output != nil {
			state.Output = outcome.Output
		}
		logger.Debug("workflow node executed",
			slog.String("node", node.ID),
			slog.String("result", outcome.Result),
			slog.String("macro", outcome.Macro),
		)
	}

	state.History = append(state.History, entry)
	return entry.Result
}

// invoke looks up and calls the node's handler, converting panics to faults.
func (e *Executor) invoke(ctx context.Context, run *RunContext, node Node) (outcome Outcome, err error) {
	key := node.Handler
	if key == "" {
		key = node.Type
	}
	h, ok := e.handlers[key]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s (%s)", ErrNoHandler, node.ID, key)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, run, node)
}

func (e *Executor) buildReport(run *RunContext, g *Graph, status Status, reason HaltReason, iterations int, start time.Time) *Report {
	state := run.State
	return &Report{
		RunID:          run.RunID,
		Graph:          g.Name,
		Status:         status,
		HaltReason:     reason,
		FinalNode:      state.CurrentNode,
		History:        state.History,
		Iterations:     iterations,
		LoopIterations: state.LoopIterations,
		FailCounts:     state.breakers.FailCounts(),
		OpenCircuits:   state.breakers.OpenCircuits(),
		FinalMacro:     state.CurrentMacro,
		FinalScore:     state.LastScore,
		Output:         state.Output,
		StartedAt:      start.UTC(),
		DurationMs:     time.Since(start).Milliseconds(),
	}
}

// saveReport hands the report to the sink. Failures are logged only.
func (e *Executor) saveReport(ctx context.Context, logger *slog.Logger, report *Report) {
	if e.sink == nil {
		return
	}
	// The run context may already be cancelled; saving is still wanted.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.sink.SaveReport(saveCtx, report); err != nil {
		logger.Error("failed to save run report", slog.String("error", err.Error()))
	}
}

// RecordBanditReward forwards asynchronous reward feedback to the selector.
func (e *Executor) RecordBanditReward(ctx context.Context, macro string, reward float64) error {
	if e.selector == nil {
		return ErrNoSelector
	}
	return e.selector.UpdateFromFeedback(ctx, macro, reward)
}
