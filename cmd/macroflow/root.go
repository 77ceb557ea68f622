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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/macroflow/pkg/logging"
	"github.com/AleutianAI/macroflow/services/macro/config"
)

// cliState is shared by all subcommands.
type cliState struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	cfg    *config.SessionConfig
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:           "macroflow",
		Short:         "Adaptive macro selection and workflow orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if st.logger != nil {
				return st.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&st.configPath, "config", "c", "", "session config file (YAML or JSON)")
	flags.StringVar(&st.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&st.logFormat, "log-format", "", "text or json (default: text on a terminal)")
	flags.StringVar(&st.logDir, "log-dir", "", "also write JSON logs to this directory")

	root.AddCommand(
		newServeCmd(st),
		newRunCmd(st),
		newValidateCmd(st),
		newPlanCmd(st),
		newBanditCmd(st),
	)
	return root
}

func (st *cliState) init() error {
	level, err := logging.ParseLevel(st.logLevel)
	if err != nil {
		return err
	}
	st.logger, err = logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(st.logFormat),
		LogDir:  st.logDir,
		Service: "macroflow",
	})
	if err != nil {
		return err
	}
	slog.SetDefault(st.logger.Slog())
	return nil
}

// loadConfig loads the session config on first use. Commands that only read
// graphs do not need one.
func (st *cliState) loadConfig() (*config.SessionConfig, error) {
	if st.cfg != nil {
		return st.cfg, nil
	}
	cfg, err := config.Load(st.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading session config: %w", err)
	}
	st.cfg = cfg
	return cfg, nil
}
