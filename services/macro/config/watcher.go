// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the current session configuration in sync with its file.
//
// Description:
//
//	Watches the directory holding the config file, so that editors that
//	replace the file by rename are seen too. Every create, write or rename
//	of the file triggers a reload. Reloads that fail to parse or validate
//	are logged and the previous configuration stays current.
//
// Thread Safety: Safe for concurrent use.
type Watcher struct {
	path    string
	current atomic.Pointer[SessionConfig]
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks []func(*SessionConfig)
}

// NewWatcher creates a watcher seeded with initial.
func NewWatcher(path string, initial *SessionConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(initial)
	return w
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *SessionConfig {
	return w.current.Load()
}

// OnChange registers fn to be called with each newly loaded configuration.
func (w *Watcher) OnChange(fn func(*SessionConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Run watches until ctx is done.
//
// Outputs:
//   - error: Watcher setup failure, or nil when ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w.logger.Info("watching session config", slog.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("session config reload rejected",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.current.Store(cfg)
	w.logger.Info("session config reloaded",
		slog.String("path", w.path),
		slog.Int("macros", len(cfg.Macros)),
	)

	w.mu.Lock()
	callbacks := append(([]func(*SessionConfig))(nil), w.callbacks...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}
