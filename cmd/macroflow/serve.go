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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/macroflow/services/macro/config"
	"github.com/AleutianAI/macroflow/services/macro/runstore"
	"github.com/AleutianAI/macroflow/services/macro/server"
	"github.com/AleutianAI/macroflow/services/macro/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(st *cliState) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the macro API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := st.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			return serve(cmd.Context(), st.configPath, cfg, st.logger.Slog())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	return cmd
}

func serve(parent context.Context, configPath string, cfg *config.SessionConfig, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig(version)
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	comps, err := newComponents(cfg, tcfg.TraceExporter != telemetry.ExporterNone, logger)
	if err != nil {
		return err
	}

	var store *runstore.Store
	if cfg.Server.RunStorePath != "" {
		rcfg := runstore.DefaultConfig(cfg.Server.RunStorePath)
		rcfg.Logger = logger
		store, err = runstore.Open(rcfg)
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

	hcfg := server.HandlersConfig{
		Runner:        exec,
		Bandit:        comps.selector,
		Planner:       comps.planner,
		Priors:        comps.selector.BetaMeans,
		FeedbackRPS:   cfg.Server.FeedbackRPS,
		FeedbackBurst: cfg.Server.FeedbackBurst,
	}
	if store != nil {
		hcfg.Store = store
	}
	handlers := server.NewHandlers(hcfg)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting macroflow server",
			slog.String("address", srv.Addr),
			slog.Int("macros", len(cfg.Macros)),
			slog.Bool("build_enabled", comps.build != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down macroflow server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if configPath != "" {
		watcher := config.NewWatcher(configPath, cfg, logger)
		watcher.OnChange(func(next *config.SessionConfig) {
			exec, err := comps.executor(next)
			if err != nil {
				logger.Warn("reloaded config rejected by executor", slog.String("error", err.Error()))
				return
			}
			handlers.SetRunner(exec)
			logger.Info("executor reloaded", slog.Int("macros", len(next.Macros)))
		})
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	return g.Wait()
}
