// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/runstore"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

func newRunCmd(st *cliState) *cobra.Command {
	var (
		task   string
		macros []string
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Execute a workflow graph once and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			g, err := workflow.LoadGraph(args[0])
			if err != nil {
				return err
			}

			logger := st.logger.Slog()
			comps, err := newComponents(cfg, false, logger)
			if err != nil {
				return err
			}
			if save && cfg.Server.RunStorePath != "" {
				rcfg := runstore.DefaultConfig(cfg.Server.RunStorePath)
				rcfg.Logger = logger
				store, err := runstore.Open(rcfg)
				if err != nil {
					return fmt.Errorf("opening run store: %w", err)
				}
				defer store.Close()
				comps.sink = store
			}

			exec, err := comps.executor(cfg)
			if err != nil {
				return err
			}

			opts := workflow.RunOptions{Macros: macros}
			if task != "" {
				opts.Input = map[string]any{"task": task}
			}
			report, runErr := exec.Run(cmd.Context(), g, opts)
			if report != nil {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task description passed to build nodes")
	cmd.Flags().StringSliceVar(&macros, "macros", nil, "candidate macros (default: config macros)")
	cmd.Flags().BoolVar(&save, "save", false, "store the report in server.run_store_path")
	return cmd
}

func newValidateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph>",
		Short: "Check a workflow graph without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := workflow.LoadGraph(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "graph %q is valid: %d nodes, %d edges, entry point %q\n",
				g.Name, len(g.Nodes), len(g.Edges), workflow.EntryPoint(g))
			return nil
		},
	}
}

// readHistory reads a JSON array of history entries. "-" reads stdin and
// an empty path yields no history.
func readHistory(path string, stdin io.Reader) ([]history.Entry, error) {
	if path == "" {
		return nil, nil
	}
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		defer f.Close()
		r = f
	}
	var entries []history.Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return entries, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitMacros(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
