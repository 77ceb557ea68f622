// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow executes workflow graphs: nodes are states, edges are
// condition-labelled transitions, and each node is isolated behind a
// per-run circuit breaker.
package workflow

import "errors"

var (
	// ErrInvalidGraph indicates a graph failed validation. No run starts.
	ErrInvalidGraph = errors.New("workflow: invalid graph")

	// ErrInvalidConfig indicates an executor configuration failed validation.
	ErrInvalidConfig = errors.New("workflow: invalid config")

	// ErrNoHandler indicates no handler is registered for a node.
	ErrNoHandler = errors.New("workflow: no handler for node")

	// ErrHandlerPanic indicates a handler panicked. It is treated as a fault.
	ErrHandlerPanic = errors.New("workflow: handler panicked")

	// ErrNoSelector indicates a bandit operation was requested on an
	// executor without a selector.
	ErrNoSelector = errors.New("workflow: no selector configured")

	// ErrNoMacros indicates a selection node ran with no candidate macros.
	ErrNoMacros = errors.New("workflow: no macros configured")
)
