// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/macroflow/services/macro/history"
	"github.com/AleutianAI/macroflow/services/macro/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func report(id string, started time.Time) *workflow.Report {
	return &workflow.Report{
		RunID:      id,
		Status:     workflow.StatusCompleted,
		HaltReason: workflow.HaltNoEdge,
		History: []history.Entry{
			{Node: "build", Macro: "A", Score: history.Float(0.9), Result: "built"},
		},
		FailCounts: map[string]int{},
		StartedAt:  started,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := report("run-1", time.Now().UTC())
	require.NoError(t, s.SaveReport(ctx, r))

	got, err := s.GetReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, workflow.HaltNoEdge, got.HaltReason)
	require.Len(t, got.History, 1)
	assert.Equal(t, 0.9, *got.History[0].Score)
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_RequiresRunID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SaveReport(context.Background(), &workflow.Report{}))
	assert.Error(t, s.SaveReport(context.Background(), nil))
}

func TestListReports_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.SaveReport(ctx, report(id, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.ListReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].RunID)
	assert.Equal(t, "old", all[2].RunID)

	two, err := s.ListReports(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	s, err := Open(Config{Path: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_ImplementsReportSink(t *testing.T) {
	var _ workflow.ReportSink = (*Store)(nil)
}
