// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traverse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

// writerConfig wires a run's writer.
type writerConfig struct {
	store  *store.Store
	logger *slog.Logger

	// cancel aborts the walkers once a write fails. Walkers keep
	// submitting until they notice the cancellation; the writer drains
	// and drops those rows so nobody blocks on the channel.
	cancel context.CancelFunc

	// meta is the run header. The writer owns every PutMeta call and
	// refreshes the counters in place.
	meta store.RunMeta

	// seqStart is the next experiment ordinal, len(prior rows) on
	// resume so the sequence continues without gaps.
	seqStart int

	// counts and correctness seed the whole-run counters from prior
	// rows.
	counts      map[datatypes.NodeStatus]int
	correctness int

	every          int
	checkpointPath string
	fingerprint    string
	operations     []string
	scales         []string
}

// writer serializes all result-store appends for one run.
//
// Walkers run concurrently, but rows enter the store through this single
// goroutine: it assigns the experiment sequence in arrival order, refreshes
// the run metadata and checkpoint sidecar every few rows, and converts the
// first write failure into a run abort.
type writer struct {
	cfg  writerConfig
	ch   chan datatypes.Record
	done chan struct{}

	mu          sync.Mutex
	err         error
	seq         int
	counts      map[datatypes.NodeStatus]int
	correctness int
}

func newWriter(cfg writerConfig) *writer {
	counts := cfg.counts
	if counts == nil {
		counts = make(map[datatypes.NodeStatus]int, 4)
	}
	return &writer{
		cfg:         cfg,
		ch:          make(chan datatypes.Record, 64),
		done:        make(chan struct{}),
		seq:         cfg.seqStart,
		counts:      counts,
		correctness: cfg.correctness,
	}
}

// start persists the run header and launches the append loop. A header
// that cannot be written means nothing else can be either, so the run
// never starts.
func (w *writer) start(ctx context.Context) error {
	meta := w.cfg.meta
	meta.UpdatedAt = time.Now().UTC()
	w.applyCounts(&meta)
	if err := w.cfg.store.PutMeta(ctx, meta); err != nil {
		return fmt.Errorf("writing run header: %w", err)
	}
	go w.loop()
	return nil
}

// submit hands a row to the writer. It blocks only while the buffer is
// full and returns early when the run context dies.
func (w *writer) submit(ctx context.Context, rec datatypes.Record) error {
	select {
	case w.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting rows and waits for the loop to drain. Callers
// must guarantee no submit is in flight.
func (w *writer) close() {
	close(w.ch)
	<-w.done
}

func (w *writer) loop() {
	defer close(w.done)

	for rec := range w.ch {
		if w.takeErr() != nil {
			// Drain so stragglers cancelled mid-submit never block.
			continue
		}

		rec.ExperimentSeq = datatypes.ExperimentID(w.seq)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}

		if err := w.cfg.store.Append(context.Background(), rec); err != nil {
			w.fail(fmt.Errorf("appending %s: %w", rec.NodeID, err))
			continue
		}

		w.mu.Lock()
		w.seq++
		w.counts[rec.Status]++
		if rec.CorrectnessFailure {
			w.correctness++
		}
		flush := (w.seq-w.cfg.seqStart)%w.cfg.every == 0
		w.mu.Unlock()

		if flush {
			w.flush()
		}
	}

	if w.takeErr() == nil {
		w.flush()
	}
}

// flush refreshes the run metadata and, when configured, the checkpoint
// sidecar. Failures here are run-fatal: a run that cannot record its own
// progress must stop before wasting hours of measurement.
func (w *writer) flush() {
	meta := w.cfg.meta
	meta.UpdatedAt = time.Now().UTC()
	w.applyCounts(&meta)

	if err := w.cfg.store.PutMeta(context.Background(), meta); err != nil {
		w.fail(fmt.Errorf("refreshing run metadata: %w", err))
		return
	}

	if w.cfg.checkpointPath == "" {
		return
	}
	cp := Checkpoint{
		RunID:           meta.RunID,
		PlanFingerprint: w.cfg.fingerprint,
		Operations:      w.cfg.operations,
		Scales:          w.cfg.scales,
		Completed:       meta.Planned,
	}
	if err := SaveCheckpoint(w.cfg.checkpointPath, cp); err != nil {
		w.fail(fmt.Errorf("%w: %v", datatypes.ErrCheckpointWriteFailure, err))
	}
}

func (w *writer) applyCounts(meta *store.RunMeta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta.Planned = w.seq
	meta.Measured = w.counts[datatypes.NodeMeasured]
	meta.Pruned = w.counts[datatypes.NodePruned]
	meta.Failed = w.counts[datatypes.NodeFailed]
	meta.Unreliable = w.counts[datatypes.NodeUnreliable]
}

// fail records the first write failure and aborts the walkers.
func (w *writer) fail(err error) {
	w.mu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.mu.Unlock()

	if first {
		w.cfg.logger.Error("result store write failed, aborting run",
			slog.String("error", err.Error()))
		w.cfg.cancel()
	}
}

func (w *writer) takeErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// snapshot returns the whole-run counters for the summary.
func (w *writer) snapshot() (map[datatypes.NodeStatus]int, int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := make(map[datatypes.NodeStatus]int, len(w.counts))
	for k, v := range w.counts {
		counts[k] = v
	}
	return counts, w.correctness, w.seq
}