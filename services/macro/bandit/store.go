// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Store reads and writes the weights file and the learning sidecar.
//
// Description:
//
//	Writers hold an exclusive flock(2) on "<weights>.lock" for the whole
//	read-modify-write cycle. Files are replaced by writing a temp file,
//	fsyncing it, renaming it over the target and fsyncing the directory,
//	so readers never observe a partial document.
//
// Thread Safety: Safe across processes for callers that hold Lock. The
// Selector adds its own in-process mutex.
type Store struct {
	weightsPath  string
	learningPath string
	lockTimeout  time.Duration
}

// NewStore creates a store for the given files. An empty weightsPath
// yields a nil store, meaning in-memory only.
func NewStore(weightsPath, learningPath string, lockTimeout time.Duration) *Store {
	if weightsPath == "" {
		return nil
	}
	return &Store{
		weightsPath:  weightsPath,
		learningPath: learningPath,
		lockTimeout:  lockTimeout,
	}
}

// WeightsPath returns the arms file path.
func (s *Store) WeightsPath() string { return s.weightsPath }

// LearningPath returns the sidecar path.
func (s *Store) LearningPath() string { return s.learningPath }

// Lock acquires the exclusive advisory lock.
//
// Description:
//
//	Tries a non-blocking flock first, then polls with exponential backoff
//	(50ms doubling to 1s) until lockTimeout or ctx expires.
//
// Outputs:
//   - func(): Releases the lock. Always non-nil on success.
//   - error: ErrLockTimeout when the lock is held elsewhere for too long.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	lockPath := s.weightsPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	release := func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return release, nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		file.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}

	timeout := s.lockTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const (
		minBackoff = 50 * time.Millisecond
		maxBackoff = time.Second
	)
	backoff := minBackoff

	for {
		select {
		case <-lockCtx.Done():
			file.Close()
			return nil, fmt.Errorf("%w after %v: %w", ErrLockTimeout, timeout, lockCtx.Err())
		case <-time.After(backoff):
			err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
			if err == nil {
				return release, nil
			}
			if !errors.Is(err, unix.EWOULDBLOCK) {
				file.Close()
				return nil, fmt.Errorf("flock: %w", err)
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// LoadArms reads the weights file.
//
// Outputs:
//   - map[string]ArmStats: The arms, or nil when the file does not exist.
//   - error: Read or decode failure.
func (s *Store) LoadArms() (map[string]ArmStats, error) {
	data, err := os.ReadFile(s.weightsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	arms := make(map[string]ArmStats)
	if len(data) == 0 {
		return arms, nil
	}
	if err := json.Unmarshal(data, &arms); err != nil {
		return nil, fmt.Errorf("decode weights %s: %w", s.weightsPath, err)
	}
	return arms, nil
}

// SaveArms atomically replaces the weights file.
func (s *Store) SaveArms(arms map[string]ArmStats) error {
	return writeJSONAtomic(s.weightsPath, arms)
}

// LoadLearning reads the learning sidecar. A missing file returns nil.
func (s *Store) LoadLearning() (*LearningState, error) {
	data, err := os.ReadFile(s.learningPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read learning state: %w", err)
	}
	state := newLearningState()
	if len(data) == 0 {
		return &state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode learning state %s: %w", s.learningPath, err)
	}
	state.normalize()
	return &state, nil
}

// SaveLearning atomically replaces the learning sidecar.
func (s *Store) SaveLearning(state LearningState) error {
	return writeJSONAtomic(s.learningPath, state)
}

// writeJSONAtomic writes v as indented JSON via temp file + rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	cleanupTmp = false

	return syncDir(dir)
}

// syncDir makes the rename durable.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
