// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command macroflow runs macro-selection workflows.
//
// Usage:
//
//	macroflow serve --config macroflow.yaml
//	macroflow run graph.yaml --task "add retries to the client"
//	macroflow validate graph.yaml
//	macroflow plan --history history.json
//	macroflow bandit stats
//	macroflow bandit feedback refactor 1
//
// Example requests against a running server:
//
//	curl -X POST http://localhost:12230/v1/macro/feedback \
//	  -H "Content-Type: application/json" \
//	  -d '{"macro": "refactor", "reward": 1}'
package main

import (
	"fmt"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
