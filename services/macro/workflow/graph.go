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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Node types with built-in handlers.
const (
	NodeTypeStart     = "start"
	NodeTypeEnd       = "end"
	NodeTypeSelection = "selection"
	NodeTypeLoopCheck = "loop_check"
	NodeTypeReview    = "review"
	NodeTypeBuild     = "build"
)

// FallbackEntryPoint is used when a graph has no nodes to pick from.
const FallbackEntryPoint = "start"

// Conditions emitted by built-in handlers.
const (
	ResultDefault          = "default"
	ResultFailure          = "failure"
	ResultSelected         = "selected"
	ResultLoopDetected     = "loop_detected"
	ResultNoLoop           = "no_loop"
	ResultScorePassed      = "score_passed"
	ResultValidationFailed = "validation_failed"
)

// Node is a workflow state.
type Node struct {
	// ID is unique within the graph.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Type selects the handler when Handler is empty.
	Type string `yaml:"type" json:"type" validate:"required"`

	// Handler overrides the handler lookup key.
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty"`

	// Params are free-form handler parameters.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Edge is a transition taken when From emits Condition. An empty, "default"
// or "*" condition matches when no exact condition does.
type Edge struct {
	From      string `yaml:"from" json:"from" validate:"required"`
	To        string `yaml:"to" json:"to" validate:"required"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Graph is a workflow definition.
type Graph struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	EntryPoint string `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
	Nodes      []Node `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
	Edges      []Edge `yaml:"edges" json:"edges" validate:"dive"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseGraph decodes a graph from JSON or YAML. It does not validate.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &g); err != nil {
			return nil, fmt.Errorf("%w: decode json: %w", ErrInvalidGraph, err)
		}
		return &g, nil
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidGraph, err)
	}
	return &g, nil
}

// LoadGraph reads, parses and validates a graph file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph %s: %w", path, err)
	}
	g, err := ParseGraph(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateGraph(g); err != nil {
		return nil, err
	}
	return g, nil
}

// ValidateGraph checks a graph before execution.
//
// Description:
//
//	Rejects a nil or empty graph, nodes missing id or type, duplicate node
//	ids, edges whose endpoints do not exist, and an explicit entry point
//	that does not exist. All problems are reported together.
//
// Outputs:
//   - error: Wraps ErrInvalidGraph, or nil.
func ValidateGraph(g *Graph) error {
	if g == nil {
		return fmt.Errorf("%w: graph is nil", ErrInvalidGraph)
	}

	var errs []error
	if err := validate.Struct(g); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%w: %s failed %q", ErrInvalidGraph, fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidGraph, err))
		}
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			continue
		}
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID))
		}
		ids[n.ID] = true
	}

	for i, e := range g.Edges {
		if e.From != "" && !ids[e.From] {
			errs = append(errs, fmt.Errorf("%w: edge %d references unknown node %q", ErrInvalidGraph, i, e.From))
		}
		if e.To != "" && !ids[e.To] {
			errs = append(errs, fmt.Errorf("%w: edge %d references unknown node %q", ErrInvalidGraph, i, e.To))
		}
	}

	if g.EntryPoint != "" && len(g.Nodes) > 0 && !ids[g.EntryPoint] {
		errs = append(errs, fmt.Errorf("%w: entry point %q does not exist", ErrInvalidGraph, g.EntryPoint))
	}

	return errors.Join(errs...)
}

// EntryPoint resolves where a run starts: the explicit entry point, else
// the first node of type "start", else the first node, else
// FallbackEntryPoint.
func EntryPoint(g *Graph) string {
	if g.EntryPoint != "" {
		return g.EntryPoint
	}
	for _, n := range g.Nodes {
		if n.Type == NodeTypeStart {
			return n.ID
		}
	}
	if len(g.Nodes) > 0 {
		return g.Nodes[0].ID
	}
	return FallbackEntryPoint
}

// NextNode resolves the transition out of from for condition.
//
// Description:
//
//	The first edge whose condition equals condition wins. Otherwise the
//	first default edge (condition "", "default" or "*") wins. Otherwise
//	there is no next node.
func NextNode(g *Graph, from, condition string) (string, bool) {
	fallback := ""
	for _, e := range g.Edges {
		if e.From != from {
			continue
		}
		if e.Condition == condition && condition != "" {
			return e.To, true
		}
		if fallback == "" && isDefaultCondition(e.Condition) {
			fallback = e.To
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}

func isDefaultCondition(c string) bool {
	return c == "" || c == ResultDefault || c == "*"
}
