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
	"math"
	"math/rand/v2"
)

// Node is one state in the search tree.
//
// The parent pointer is a non-owning back reference used during
// backpropagation. Children are kept in insertion order so that ties
// resolve deterministically.
type Node struct {
	state    MacroState
	action   string
	parent   *Node
	children []*Node
	untried  []string
	visits   int
	value    float64
}

func newNode(state MacroState, action string, parent *Node) *Node {
	return &Node{
		state:   state,
		action:  action,
		parent:  parent,
		untried: state.LegalActions(),
	}
}

// State returns the node's macro state.
func (n *Node) State() MacroState { return n.state }

// Action returns the macro that led to this node. Empty for the root.
func (n *Node) Action() string { return n.action }

// Visits returns the visit count.
func (n *Node) Visits() int { return n.visits }

// Value returns the accumulated reward.
func (n *Node) Value() float64 { return n.value }

// Children returns the expanded children in insertion order.
func (n *Node) Children() []*Node { return n.children }

// FullyExpanded reports whether every legal action has a child.
func (n *Node) FullyExpanded() bool {
	return len(n.untried) == 0
}

// UCB1 returns value/visits + c*sqrt(ln(parent visits)/visits), or +Inf
// for an unvisited node.
func (n *Node) UCB1(explorationWeight float64) float64 {
	if n.visits == 0 {
		return math.Inf(1)
	}
	exploit := n.value / float64(n.visits)
	parentVisits := 1
	if n.parent != nil && n.parent.visits > 0 {
		parentVisits = n.parent.visits
	}
	return exploit + explorationWeight*math.Sqrt(math.Log(float64(parentVisits))/float64(n.visits))
}

// bestChild returns the child with the highest UCB1, first on ties.
func (n *Node) bestChild(explorationWeight float64) *Node {
	var best *Node
	bestScore := math.Inf(-1)
	for _, c := range n.children {
		if s := c.UCB1(explorationWeight); best == nil || s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// mostVisitedChild returns the child with the most visits, first on ties.
func (n *Node) mostVisitedChild() *Node {
	var best *Node
	for _, c := range n.children {
		if best == nil || c.visits > best.visits {
			best = c
		}
	}
	return best
}

// expand pops a random untried action and attaches its child.
func (n *Node) expand(rng *rand.Rand) *Node {
	i := rng.IntN(len(n.untried))
	action := n.untried[i]
	n.untried = append(n.untried[:i], n.untried[i+1:]...)

	child := newNode(n.state.Apply(action), action, n)
	n.children = append(n.children, child)
	return child
}

// backpropagate adds reward to every node up to the root.
func (n *Node) backpropagate(reward float64) {
	for node := n; node != nil; node = node.parent {
		node.visits++
		node.value += reward
	}
}
