// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runstore persists workflow run reports in BadgerDB so that
// finished runs can be fetched after the fact.
//
// Keys:
//
//	run/<run_id>                 -> JSON report
//	idx/<started_unix_nano>/<id> -> empty, for newest-first listing
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

// ErrNotFound indicates no report exists for a run id.
var ErrNotFound = errors.New("runstore: run not found")

const (
	runPrefix   = "run/"
	indexPrefix = "idx/"
)

// Config holds configuration for the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps data in memory only. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// TTL expires reports after this long. 0 keeps them forever.
	TTL time.Duration

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// Logger receives BadgerDB logs. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed report store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	stopGC chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// Open opens the store.
//
// Outputs:
//   - *Store: The store. Call Close when done.
//   - error: Non-nil if the path is missing or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("runstore: path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, ttl: cfg.TTL, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("runstore value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// SaveReport stores a report. It implements workflow.ReportSink.
func (s *Store) SaveReport(ctx context.Context, report *workflow.Report) error {
	if report == nil || report.RunID == "" {
		return errors.New("runstore: report with run id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		runEntry := badger.NewEntry(runKey(report.RunID), data)
		idxEntry := badger.NewEntry(indexKey(report), nil)
		if s.ttl > 0 {
			runEntry = runEntry.WithTTL(s.ttl)
			idxEntry = idxEntry.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(runEntry); err != nil {
			return fmt.Errorf("set report: %w", err)
		}
		if err := txn.SetEntry(idxEntry); err != nil {
			return fmt.Errorf("set index: %w", err)
		}
		return nil
	})
}

// GetReport loads a report by run id.
//
// Outputs:
//   - error: ErrNotFound when absent.
func (s *Store) GetReport(ctx context.Context, runID string) (*workflow.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var report workflow.Report
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &report)
		})
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListReports returns up to limit reports, newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]*workflow.Report, error) {
	if limit <= 0 {
		limit = 20
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(indexPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		for it.Seek([]byte(indexPrefix + "\xff")); it.Valid() && len(ids) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			ids = append(ids, key[len(indexPrefix)+21:])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reports := make([]*workflow.Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetReport(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

// indexKey orders by start time using a fixed-width timestamp.
func indexKey(r *workflow.Report) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", indexPrefix, r.StartedAt.UnixNano(), r.RunID))
}
