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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
	"github.com/AleutianAI/BeringTune/services/tuner/space"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func probeData() *dataset.Data {
	return &dataset.Data{
		Scale:      datatypes.AllScales()[0],
		Records:    [][]byte{[]byte("ACGTACGTACGTACGT")},
		Quals:      [][]byte{{60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60, 60}},
		TotalBytes: 16,
	}
}

// sleepDef builds an operation whose runtime actually responds to the
// config: vectorization halves it, threads divide it. The output is
// config-independent so the correctness gate always passes.
func sleepDef(id string, base time.Duration, hook func()) *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:           id,
			Complexity:   0.2,
			Capabilities: datatypes.NewCapabilitySet(datatypes.CapVector, datatypes.CapParallel),
		},
		Execute: func(_ context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
			if hook != nil {
				hook()
			}
			d := base
			if cfg.Vector {
				d /= 2
			}
			if cfg.Threads > 0 {
				d /= time.Duration(cfg.Threads)
			}
			time.Sleep(d)
			return int64(data.Len()), nil
		},
	}
}

func fastMeasure(t *testing.T, reg *registry.Registry, opts ...measure.Option) *measure.Engine {
	t.Helper()
	base := []measure.Option{
		measure.WithWarmup(1),
		measure.WithRepetitions(6),
		measure.WithMinValidSamples(3),
		measure.WithPrecisionFloor(50 * time.Microsecond),
		measure.WithTargetBatchTime(200 * time.Microsecond),
	}
	engine, err := measure.NewEngine(reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return st
}

// twoDimMenu explores vector and a two-step thread ladder, nothing else.
func twoDimMenu() space.Menu {
	return space.Menu{
		Vector:        true,
		ThreadLadder:  []int{2, 4},
		MaxDimensions: 2,
	}
}

func testConfig(menu space.Menu, tiers int) Config {
	cfg := DefaultConfig()
	cfg.Scales = datatypes.AllScales()[:tiers]
	cfg.Menu = menu
	return cfg
}

func newTestEngine(t *testing.T, reg *registry.Registry, meas *measure.Engine, st *store.Store, cfg Config) *Engine {
	t.Helper()
	eng, err := New(reg, meas, st, dataset.NewResolver(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestConfigValidate(t *testing.T) {
	good := testConfig(twoDimMenu(), 2)
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no scales", func(c *Config) { c.Scales = nil }},
		{"unknown scale", func(c *Config) { c.Scales = []datatypes.Scale{{Name: "mega"}} }},
		{"descending scales", func(c *Config) {
			all := datatypes.AllScales()
			c.Scales = []datatypes.Scale{all[1], all[0]}
		}},
		{"zero timed slots", func(c *Config) { c.TimedSlots = 0 }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointEvery = 0 }},
		{"bad thresholds", func(c *Config) { c.Thresholds.Alternative = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(twoDimMenu(), 2)
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted a broken config")
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("scan", time.Millisecond, nil))
	meas := fastMeasure(t, reg)
	st := newTestStore(t)
	res := dataset.NewResolver()
	cfg := testConfig(twoDimMenu(), 1)

	if _, err := New(nil, meas, st, res, cfg, nil); err == nil {
		t.Error("New accepted a nil registry")
	}
	if _, err := New(reg, nil, st, res, cfg, nil); err == nil {
		t.Error("New accepted a nil measurement engine")
	}
	if _, err := New(reg, meas, nil, res, cfg, nil); err == nil {
		t.Error("New accepted a nil store")
	}
	if _, err := New(reg, meas, st, nil, cfg, nil); err == nil {
		t.Error("New accepted a nil resolver")
	}
	bad := cfg
	bad.TimedSlots = 0
	if _, err := New(reg, meas, st, res, bad, nil); err == nil {
		t.Error("New accepted an invalid config")
	}
}

// TestRunExploresTree drives one operation through every phase of the walk
// and checks the stored plan row by row: baseline, both single-dimension
// rank-0 children, the dominated thread rank pruned by the alternative
// predicate, the winner composition, then the full surviving set at the
// next tier.
func TestRunExploresTree(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("scan", 2*time.Millisecond, nil))
	st := newTestStore(t)
	cfg := testConfig(twoDimMenu(), 2)
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "walk.ckpt")
	cfg.CheckpointEvery = 2
	eng := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantStatus := map[string]datatypes.NodeStatus{
		"scan/baseline/tiny":         datatypes.NodeMeasured,
		"scan/vector/tiny":           datatypes.NodeMeasured,
		"scan/threads2/tiny":         datatypes.NodeMeasured,
		"scan/threads4/tiny":         datatypes.NodePruned,
		"scan/vector+threads2/tiny":  datatypes.NodeMeasured,
		"scan/baseline/small":        datatypes.NodeMeasured,
		"scan/vector/small":          datatypes.NodeMeasured,
		"scan/threads2/small":        datatypes.NodeMeasured,
		"scan/vector+threads2/small": datatypes.NodeMeasured,
	}

	records, err := st.Records(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != len(wantStatus) {
		for _, rec := range records {
			t.Logf("row %s %s %s", rec.ExperimentSeq, rec.NodeID, rec.Status)
		}
		t.Fatalf("row count = %d, want %d", len(records), len(wantStatus))
	}
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		if seen[rec.NodeID] {
			t.Errorf("duplicate row for %s", rec.NodeID)
		}
		seen[rec.NodeID] = true
		if want, ok := wantStatus[rec.NodeID]; !ok {
			t.Errorf("unexpected node %s", rec.NodeID)
		} else if rec.Status != want {
			t.Errorf("%s status = %s, want %s", rec.NodeID, rec.Status, want)
		}
		if got, want := rec.ExperimentSeq, datatypes.ExperimentID(i); got != want {
			t.Errorf("row %d seq = %s, want %s", i, got, want)
		}
	}

	if summary.Considered != len(wantStatus) {
		t.Errorf("Considered = %d, want %d", summary.Considered, len(wantStatus))
	}
	if summary.Measured != 8 || summary.Pruned != 1 {
		t.Errorf("Measured/Pruned = %d/%d, want 8/1", summary.Measured, summary.Pruned)
	}
	if summary.Failed != 0 || summary.Unreliable != 0 || summary.Reused != 0 {
		t.Errorf("Failed/Unreliable/Reused = %d/%d/%d, want zeros",
			summary.Failed, summary.Unreliable, summary.Reused)
	}

	// The stacked winner should dominate: two independent halvings.
	best, ok := summary.Best["scan"]
	if !ok {
		t.Fatal("summary has no best config for scan")
	}
	if best.ConfigName != "vector+threads2" {
		t.Errorf("best config = %s, want vector+threads2", best.ConfigName)
	}
	if best.Speedup < 2.5 {
		t.Errorf("best speedup = %.2f, want > 2.5", best.Speedup)
	}

	// The pruned row must carry its auditable decision.
	pruned, err := st.Record(context.Background(), summary.RunID, "scan/threads4/tiny")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if pruned.Prune == nil {
		t.Fatal("pruned row has no decision")
	}
	if pruned.Prune.Predicate != "alternative" {
		t.Errorf("predicate = %s, want alternative", pruned.Prune.Predicate)
	}
	if len(pruned.Prune.ReferenceNodes) == 0 {
		t.Error("pruned row names no reference nodes")
	}

	// Run metadata reflects the finished walk.
	meta, err := st.Meta(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Planned != len(wantStatus) || meta.Measured != 8 || meta.Pruned != 1 {
		t.Errorf("meta counts = %d/%d/%d, want 9/8/1",
			meta.Planned, meta.Measured, meta.Pruned)
	}
	if meta.PlanFingerprint == "" {
		t.Error("meta has no plan fingerprint")
	}

	// The checkpoint sidecar tracks the same progress.
	cp, err := LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.RunID != summary.RunID {
		t.Errorf("checkpoint run = %s, want %s", cp.RunID, summary.RunID)
	}
	if cp.Completed != len(wantStatus) {
		t.Errorf("checkpoint completed = %d, want %d", cp.Completed, len(wantStatus))
	}
	if cp.PlanFingerprint != meta.PlanFingerprint {
		t.Error("checkpoint and meta disagree on the plan fingerprint")
	}
}

// TestResumeProducesOnlyRemainder interrupts a run partway, then resumes
// it: prior rows must be reused untouched, the experiment sequence must
// continue without gaps, and no node may be measured twice.
func TestResumeProducesOnlyRemainder(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig(twoDimMenu(), 2)

	// First attempt: the operation kills the run from inside a timed
	// section once enough calls have gone through.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	abortReg := registry.New()
	abortReg.MustRegister(sleepDef("scan", 2*time.Millisecond, func() {
		if calls.Add(1) == 40 {
			cancel()
		}
	}))
	aborted := newTestEngine(t, abortReg, fastMeasure(t, abortReg), st, cfg)

	summary, err := aborted.Run(runCtx)
	if !errors.Is(err, datatypes.ErrRunAborted) {
		t.Fatalf("Run error = %v, want ErrRunAborted", err)
	}
	runID := summary.RunID

	before, err := st.Records(context.Background(), runID)
	if err != nil {
		t.Fatalf("Records after abort: %v", err)
	}
	if len(before) == 0 || len(before) >= 9 {
		t.Fatalf("aborted run stored %d rows, want between 1 and 8", len(before))
	}
	beforeByNode := make(map[string]datatypes.Record, len(before))
	for _, rec := range before {
		beforeByNode[rec.NodeID] = rec
	}

	// Second attempt: same plan, fresh process state.
	resumeReg := registry.New()
	resumeReg.MustRegister(sleepDef("scan", 2*time.Millisecond, nil))
	resumed := newTestEngine(t, resumeReg, fastMeasure(t, resumeReg), st, cfg)

	summary2, err := resumed.Resume(context.Background(), runID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if summary2.Reused != len(before) {
		t.Errorf("Reused = %d, want %d", summary2.Reused, len(before))
	}
	fresh := summary2.Considered - len(before)
	if fresh <= 0 {
		t.Errorf("resume appended %d rows, want > 0", fresh)
	}

	after, err := st.Records(context.Background(), runID)
	if err != nil {
		t.Fatalf("Records after resume: %v", err)
	}
	if len(after) != summary2.Considered {
		t.Errorf("store has %d rows, summary says %d", len(after), summary2.Considered)
	}

	seen := make(map[string]bool, len(after))
	for i, rec := range after {
		if seen[rec.NodeID] {
			t.Errorf("duplicate row for %s", rec.NodeID)
		}
		seen[rec.NodeID] = true
		if got, want := rec.ExperimentSeq, datatypes.ExperimentID(i); got != want {
			t.Errorf("row %d seq = %s, want %s", i, got, want)
		}
		// Prior rows must survive the resume byte for byte.
		if prior, ok := beforeByNode[rec.NodeID]; ok {
			if rec.ExperimentSeq != prior.ExperimentSeq || rec.Status != prior.Status {
				t.Errorf("prior row %s changed: seq %s->%s status %s->%s",
					rec.NodeID, prior.ExperimentSeq, rec.ExperimentSeq,
					prior.Status, rec.Status)
			}
		}
	}

	// Both tiers must be complete after the resume.
	for _, node := range []string{"scan/baseline/tiny", "scan/baseline/small"} {
		if !seen[node] {
			t.Errorf("resumed run is missing %s", node)
		}
	}

	meta, err := st.Meta(context.Background(), runID)
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.Planned != summary2.Considered {
		t.Errorf("meta.Planned = %d, want %d", meta.Planned, summary2.Considered)
	}
}

func TestResumeRefusesChangedPlan(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("scan", time.Millisecond, nil))
	st := newTestStore(t)
	cfg := testConfig(twoDimMenu(), 1)
	eng := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A different pruning threshold visits a different node set; reusing
	// the stored rows would be silently wrong.
	changed := cfg
	changed.Thresholds.Alternative = 2.0
	other := newTestEngine(t, reg, fastMeasure(t, reg), st, changed)

	if _, err := other.Resume(context.Background(), summary.RunID); !errors.Is(err, ErrPlanChanged) {
		t.Fatalf("Resume error = %v, want ErrPlanChanged", err)
	}

	// The identical plan resumes cleanly and reuses every row.
	same := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)
	summary2, err := same.Resume(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("Resume with identical plan: %v", err)
	}
	if summary2.Reused != summary.Considered {
		t.Errorf("Reused = %d, want %d", summary2.Reused, summary.Considered)
	}
	if summary2.Considered != summary.Considered {
		t.Errorf("Considered = %d, want %d", summary2.Considered, summary.Considered)
	}
}

func TestResumeUnknownRun(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("scan", time.Millisecond, nil))
	st := newTestStore(t)
	eng := newTestEngine(t, reg, fastMeasure(t, reg), st, testConfig(twoDimMenu(), 1))

	if _, err := eng.Resume(context.Background(), "run-nope"); !errors.Is(err, store.ErrRunNotFound) {
		t.Fatalf("Resume error = %v, want ErrRunNotFound", err)
	}
}

// TestRunRecordsCorrectnessFailure checks that a backend producing wrong
// output is failed, flagged, and kept out of the speedup scoreboard.
func TestRunRecordsCorrectnessFailure(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(&registry.Definition{
		Spec: datatypes.Operation{
			ID:           "drifting",
			Complexity:   0.2,
			Capabilities: datatypes.NewCapabilitySet(datatypes.CapVector),
		},
		Execute: func(_ context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
			n := int64(data.Len())
			if cfg.Vector {
				n--
			}
			return n, nil
		},
	})
	st := newTestStore(t)
	menu := space.Menu{Vector: true, MaxDimensions: 2}
	eng := newTestEngine(t, reg, fastMeasure(t, reg), st, testConfig(menu, 1))

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Considered != 2 || summary.Measured != 1 || summary.Failed != 1 {
		t.Errorf("Considered/Measured/Failed = %d/%d/%d, want 2/1/1",
			summary.Considered, summary.Measured, summary.Failed)
	}
	if summary.CorrectnessFailures != 1 {
		t.Errorf("CorrectnessFailures = %d, want 1", summary.CorrectnessFailures)
	}
	if best := summary.Best["drifting"]; best.ConfigName != "baseline" {
		t.Errorf("best config = %s, want baseline", best.ConfigName)
	}

	rec, err := st.Record(context.Background(), summary.RunID, "drifting/vector/tiny")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Status != datatypes.NodeFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if !rec.CorrectnessFailure {
		t.Error("row is not flagged as a correctness failure")
	}
	if rec.Error == "" {
		t.Error("row has no error text")
	}
}

// TestRunRetriesThenMarksUnreliable drives the noisy-node path: one retry
// with doubled repetitions, then an unreliable row when it fails again.
func TestRunRetriesThenMarksUnreliable(t *testing.T) {
	reg := registry.New()
	var calls atomic.Int64
	reg.MustRegister(&registry.Definition{
		Spec: datatypes.Operation{ID: "flaky", Complexity: 0.3},
		Execute: func(context.Context, datatypes.BackendConfig, *dataset.Data) (registry.Output, error) {
			calls.Add(1)
			return nil, fmt.Errorf("samples scattered beyond the fence: %w",
				datatypes.ErrInsufficientValidSamples)
		},
	})
	meas := fastMeasure(t, reg, measure.WithValidation(false))

	// Probe how many calls one failed attempt costs, then expect exactly
	// two attempts from the walk.
	if _, err := meas.Measure(context.Background(), "flaky", datatypes.Baseline(), probeData()); !errors.Is(err, datatypes.ErrInsufficientValidSamples) {
		t.Fatalf("probe error = %v, want ErrInsufficientValidSamples", err)
	}
	perAttempt := calls.Load()
	if perAttempt == 0 {
		t.Fatal("probe did not execute the operation")
	}
	calls.Store(0)

	st := newTestStore(t)
	eng := newTestEngine(t, reg, meas, st, testConfig(space.Menu{}, 1))

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Unreliable != 1 || summary.Considered != 1 {
		t.Errorf("Unreliable/Considered = %d/%d, want 1/1",
			summary.Unreliable, summary.Considered)
	}
	if got := calls.Load(); got != 2*perAttempt {
		t.Errorf("operation executed %d times, want %d (one retry)", got, 2*perAttempt)
	}

	rec, err := st.Record(context.Background(), summary.RunID, "flaky/baseline/tiny")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.Status != datatypes.NodeUnreliable {
		t.Errorf("status = %s, want unreliable", rec.Status)
	}
	if rec.Error == "" {
		t.Error("unreliable row has no error text")
	}
}

func TestRunHonorsOperationFilter(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("alpha", time.Millisecond, nil))
	reg.MustRegister(sleepDef("beta", time.Millisecond, nil))
	st := newTestStore(t)

	cfg := testConfig(space.Menu{}, 1)
	cfg.Operations = []string{"beta"}
	eng := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	records, err := st.Records(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	for _, rec := range records {
		if rec.Operation != "beta" {
			t.Errorf("row for %s, want beta only", rec.Operation)
		}
	}
	if _, ok := summary.Best["alpha"]; ok {
		t.Error("filtered-out operation appears in the summary")
	}
}

func TestPlanFingerprintIsStable(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(sleepDef("scan", time.Millisecond, nil))
	st := newTestStore(t)
	cfg := testConfig(twoDimMenu(), 2)

	a := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)
	b := newTestEngine(t, reg, fastMeasure(t, reg), st, cfg)

	ops, err := a.selectOperations()
	if err != nil {
		t.Fatalf("selectOperations: %v", err)
	}
	fpA, err := a.planFingerprint(ops)
	if err != nil {
		t.Fatalf("planFingerprint: %v", err)
	}
	fpB, err := b.planFingerprint(ops)
	if err != nil {
		t.Fatalf("planFingerprint: %v", err)
	}
	if fpA != fpB {
		t.Error("identical plans produced different fingerprints")
	}

	changed := cfg
	changed.Thresholds.Composition = 1.4
	c := newTestEngine(t, reg, fastMeasure(t, reg), st, changed)
	fpC, err := c.planFingerprint(ops)
	if err != nil {
		t.Fatalf("planFingerprint: %v", err)
	}
	if fpC == fpA {
		t.Error("changed thresholds did not change the fingerprint")
	}
}
