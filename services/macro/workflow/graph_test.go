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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGraph_YAMLAndJSON(t *testing.T) {
	yamlDoc := `
name: review-loop
entry_point: intake
nodes:
  - id: intake
    type: start
  - id: build
    type: build
    params:
      prompt: "write it"
edges:
  - from: intake
    to: build
`
	g, err := ParseGraph([]byte(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "review-loop", g.Name)
	assert.Equal(t, "intake", g.EntryPoint)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "write it", g.Nodes[1].Params["prompt"])
	require.NoError(t, ValidateGraph(g))

	jsonDoc := `{"nodes":[{"id":"a","type":"start"},{"id":"b","type":"end"}],
		"edges":[{"from":"a","to":"b","condition":"default"}]}`
	g, err = ParseGraph([]byte(jsonDoc))
	require.NoError(t, err)
	assert.Len(t, g.Edges, 1)
	require.NoError(t, ValidateGraph(g))

	_, err = ParseGraph([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name string
		g    *Graph
	}{
		{"nil", nil},
		{"no nodes", &Graph{}},
		{"missing id", &Graph{Nodes: []Node{{Type: "start"}}}},
		{"missing type", &Graph{Nodes: []Node{{ID: "a"}}}},
		{"duplicate id", &Graph{Nodes: []Node{{ID: "a", Type: "x"}, {ID: "a", Type: "y"}}}},
		{"dangling edge", &Graph{
			Nodes: []Node{{ID: "a", Type: "x"}},
			Edges: []Edge{{From: "a", To: "ghost"}},
		}},
		{"unknown entry point", &Graph{EntryPoint: "ghost", Nodes: []Node{{ID: "a", Type: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateGraph(tt.g), ErrInvalidGraph)
		})
	}
}

func TestEntryPoint(t *testing.T) {
	nodes := []Node{{ID: "first", Type: "build"}, {ID: "begin", Type: NodeTypeStart}}

	assert.Equal(t, "first", EntryPoint(&Graph{EntryPoint: "first", Nodes: nodes}))
	assert.Equal(t, "begin", EntryPoint(&Graph{Nodes: nodes}))
	assert.Equal(t, "first", EntryPoint(&Graph{Nodes: nodes[:1]}))
	assert.Equal(t, FallbackEntryPoint, EntryPoint(&Graph{}))
}

func TestNextNode(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a", Type: "x"}, {ID: "b", Type: "x"}, {ID: "c", Type: "x"}, {ID: "d", Type: "x"}},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c", Condition: "failure"},
			{From: "b", To: "c", Condition: "*"},
			{From: "c", To: "d", Condition: "ok"},
		},
	}

	next, ok := NextNode(g, "a", "failure")
	assert.True(t, ok)
	assert.Equal(t, "c", next, "exact match beats an earlier default edge")

	next, ok = NextNode(g, "a", "anything")
	assert.True(t, ok)
	assert.Equal(t, "b", next)

	next, ok = NextNode(g, "b", "whatever")
	assert.True(t, ok)
	assert.Equal(t, "c", next)

	_, ok = NextNode(g, "c", "nope")
	assert.False(t, ok)

	_, ok = NextNode(g, "d", "ok")
	assert.False(t, ok)
}

func TestNodeBreakers(t *testing.T) {
	b := NewNodeBreakers(3)

	assert.False(t, b.RecordFailure("n"))
	b.RecordSuccess("n")
	assert.Equal(t, 1, b.Successes("n"))
	assert.False(t, b.RecordFailure("n"))
	assert.Equal(t, 0, b.Successes("n"), "fault clears consecutive successes")
	assert.Equal(t, CircuitClosed, b.State("n"))

	assert.True(t, b.RecordFailure("n"))
	assert.Equal(t, CircuitOpen, b.State("n"))
	assert.False(t, b.RecordFailure("n"), "opens only once")
	assert.Equal(t, 4, b.Failures("n"))
	assert.Equal(t, []string{"n"}, b.OpenCircuits())
	assert.Equal(t, "open", b.State("n").String())

	assert.Equal(t, DefaultCircuitThreshold, NewNodeBreakers(0).threshold)
}
