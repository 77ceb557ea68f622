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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/macroflow/services/macro/mcts"
)

func newPlanCmd(st *cliState) *cobra.Command {
	var (
		historyPath string
		macros      string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a macro sequence with MCTS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			hist, err := readHistory(historyPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			logger := st.logger.Slog()
			sel, err := newSelector(cfg, logger)
			if err != nil {
				return err
			}
			planner, err := newPlanner(cfg, false, logger)
			if err != nil {
				return err
			}
			candidates := cfg.Macros
			if macros != "" {
				candidates = splitMacros(macros)
			}
			plan := planner.Plan(cmd.Context(), candidates, mcts.PlanContext{
				History: hist,
				Priors:  sel.BetaMeans(candidates),
			})
			return writeJSON(cmd.OutOrStdout(), map[string]any{"plan": plan})
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "JSON history file, - for stdin")
	cmd.Flags().StringVar(&macros, "macros", "", "comma-separated candidates (default: config macros)")
	return cmd
}

func newBanditCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bandit",
		Short: "Inspect or update the persisted bandit state",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print arms, learning state and uncertainty",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			sel, err := newSelector(cfg, st.logger.Slog())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"arms":            sel.Arms(),
				"learning":        sel.Learning(),
				"uncertainty":     sel.UncertaintyMetrics(cfg.Macros),
				"expected_regret": sel.ExpectedRegret(cfg.Macros),
				"beta_means":      sel.BetaMeans(cfg.Macros),
			})
		},
	}

	feedback := &cobra.Command{
		Use:   "feedback <macro> <reward>",
		Short: "Record a reward for a macro",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reward, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return err
			}
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			sel, err := newSelector(cfg, st.logger.Slog())
			if err != nil {
				return err
			}
			if err := sel.UpdateFromFeedback(cmd.Context(), args[0], reward); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"macro":  args[0],
				"regret": sel.Regret(),
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear all arms and learning state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			sel, err := newSelector(cfg, st.logger.Slog())
			if err != nil {
				return err
			}
			sel.Reset(cmd.Context())
			return nil
		},
	}

	resetRegret := &cobra.Command{
		Use:   "reset-regret",
		Short: "Zero cumulative regret, keeping arms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			sel, err := newSelector(cfg, st.logger.Slog())
			if err != nil {
				return err
			}
			sel.ResetRegret(cmd.Context())
			return nil
		},
	}

	cmd.AddCommand(stats, feedback, reset, resetRegret)
	return cmd
}
