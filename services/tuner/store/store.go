// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the Result Store: the append-only durable record of
// every node a traversal run considered, measured, pruned, or failed on.
//
// Records live in an embedded BadgerDB keyed by run and experiment
// ordinal, so iteration order equals plan order and a crash mid-run loses
// at most the in-flight node. The store never updates a record in place;
// the traversal engine is the single writer per run, and the store rejects
// a second append for the same node rather than overwriting history.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

var (
	// ErrDuplicateRecord means a record for the node was already appended
	// in this run. The store is append-only; resumes must skip completed
	// nodes instead of rewriting them.
	ErrDuplicateRecord = errors.New("record already appended for node")

	// ErrRunNotFound is returned for lookups of unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrRecordNotFound is returned for lookups of nodes with no record.
	ErrRecordNotFound = errors.New("no record for node")
)

// Key layout. The experiment ordinal is zero-padded, so lexicographic key
// order under rec/ equals plan order.
const (
	recPrefix  = "rec/"
	nodePrefix = "node/"
	metaPrefix = "meta/"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for a Result Store instance.
type Config struct {
	// Path is the directory for the store's files. Required unless
	// InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests; a crash loses
	// the run, so explorations should not use it.
	InMemory bool

	// SyncWrites makes every append immediately durable. This is the
	// point of the store, so it defaults on; tests turn it off.
	SyncWrites bool

	// Logger receives the store's and BadgerDB's internal logging.
	// Nil disables BadgerDB's logging entirely.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC; in-memory stores never run it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage fraction before GC rewrites
	// a value log file.
	GCDiscardRatio float64
}

// DefaultConfig returns the production configuration: synchronous writes,
// GC every five minutes at a 50% discard ratio.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the test configuration: RAM only, no sync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
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
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// RunMeta
// =============================================================================

// RunMeta is the per-run header row: identity, the hardware the run
// measured on, and the rolling summary counts the run summary reports.
type RunMeta struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Hardware is the profile of the machine the measurements are valid
	// for. Rules derived from this run carry its fingerprint.
	Hardware datatypes.HardwareProfile `json:"hardware"`

	// PlanFingerprint pins the traversal plan that produced this run.
	// Resume refuses a run whose live plan hashes differently.
	PlanFingerprint string `json:"plan_fingerprint,omitempty"`

	// Planned is the node count of the full traversal plan; the remaining
	// counts track outcomes and are refreshed on every checkpoint.
	Planned    int `json:"planned"`
	Measured   int `json:"measured"`
	Pruned     int `json:"pruned"`
	Failed     int `json:"failed"`
	Unreliable int `json:"unreliable"`

	Description string `json:"description,omitempty"`
}

// =============================================================================
// Store
// =============================================================================

// Store is an open Result Store.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Appends for different runs
//	may proceed concurrently; within one run the traversal engine funnels
//	appends through a single writer, and the store enforces the
//	append-only rule regardless.
type Store struct {
	db       *badger.DB
	logger   *slog.Logger
	inMemory bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open opens (creating if needed) a Result Store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.logger.Debug("result store value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("result store value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// =============================================================================
// Keys
// =============================================================================

func recKey(runID, seq string) []byte {
	return []byte(recPrefix + runID + "/" + seq)
}

func nodeKey(runID, nodeID string) []byte {
	return []byte(nodePrefix + runID + "/" + nodeID)
}

func metaKey(runID string) []byte {
	return []byte(metaPrefix + runID)
}

// nodeIndex is the value under node/ keys: enough to find the full record
// and to answer resume queries without decoding record bodies.
type nodeIndex struct {
	Seq    string               `json:"seq"`
	Status datatypes.NodeStatus `json:"status"`
}

// =============================================================================
// Appends and reads
// =============================================================================

// Append durably adds one record.
//
// Description:
//
//	Validates the record, refuses a second append for the same node, and
//	commits the record body plus its node index entry in one transaction.
//	With SyncWrites on, a successful return means the row survives a
//	crash. Write failures wrap ErrCheckpointWriteFailure; callers must
//	treat them as fatal for the run rather than continuing lossily.
func (s *Store) Append(ctx context.Context, rec datatypes.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ExperimentSeq == "" {
		return fmt.Errorf("%w: record experiment_seq must not be empty", datatypes.ErrInvalidConfig)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.NodeID, err)
	}
	idx, err := json.Marshal(nodeIndex{Seq: rec.ExperimentSeq, Status: rec.Status})
	if err != nil {
		return fmt.Errorf("marshal node index %s: %w", rec.NodeID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nk := nodeKey(rec.RunID, rec.NodeID)
		switch _, getErr := txn.Get(nk); {
		case getErr == nil:
			return fmt.Errorf("%w: %s in run %s", ErrDuplicateRecord, rec.NodeID, rec.RunID)
		case !errors.Is(getErr, badger.ErrKeyNotFound):
			return getErr
		}
		if setErr := txn.Set(recKey(rec.RunID, rec.ExperimentSeq), body); setErr != nil {
			return setErr
		}
		return txn.Set(nk, idx)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			return err
		}
		return fmt.Errorf("%w: append %s: %v", datatypes.ErrCheckpointWriteFailure, rec.NodeID, err)
	}
	return nil
}

// Records returns every record of a run in experiment order.
func (s *Store) Records(ctx context.Context, runID string) ([]datatypes.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(recPrefix + runID + "/")
	var out []datatypes.Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec datatypes.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Record returns one node's record.
func (s *Store) Record(ctx context.Context, runID, nodeID string) (datatypes.Record, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Record{}, err
	}

	var rec datatypes.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(runID, nodeID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s in run %s", ErrRecordNotFound, nodeID, runID)
		}
		if err != nil {
			return err
		}

		var idx nodeIndex
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &idx) }); err != nil {
			return fmt.Errorf("decode node index %s: %w", nodeID, err)
		}

		item, err = txn.Get(recKey(runID, idx.Seq))
		if err != nil {
			return fmt.Errorf("record body for %s (%s): %w", nodeID, idx.Seq, err)
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	})
	if err != nil {
		return datatypes.Record{}, err
	}
	return rec, nil
}

// CompletedNodes returns the status of every node the run already has a
// record for. Resume planning skips these.
func (s *Store) CompletedNodes(ctx context.Context, runID string) (map[string]datatypes.NodeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(nodePrefix + runID + "/")
	out := make(map[string]datatypes.NodeStatus)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			nodeID := string(bytes.TrimPrefix(item.Key(), prefix))

			var idx nodeIndex
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &idx) }); err != nil {
				return fmt.Errorf("decode node index %s: %w", nodeID, err)
			}
			out[nodeID] = idx.Status
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Run metadata
// =============================================================================

// PutMeta writes (or refreshes) a run's metadata row.
func (s *Store) PutMeta(ctx context.Context, meta RunMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if meta.RunID == "" {
		return fmt.Errorf("%w: run meta needs a run_id", datatypes.ErrInvalidConfig)
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal run meta %s: %w", meta.RunID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.RunID), body)
	})
	if err != nil {
		return fmt.Errorf("%w: run meta %s: %v", datatypes.ErrCheckpointWriteFailure, meta.RunID, err)
	}
	return nil
}

// Meta returns a run's metadata row.
func (s *Store) Meta(ctx context.Context, runID string) (RunMeta, error) {
	if err := ctx.Err(); err != nil {
		return RunMeta{}, err
	}

	var meta RunMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) })
	})
	if err != nil {
		return RunMeta{}, err
	}
	return meta, nil
}

// Runs lists the known run IDs in lexicographic order.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(metaPrefix)
	var out []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
