// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package space

import (
	"reflect"
	"testing"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// testMenu is a fixed menu so expectations do not depend on the host's
// core count.
func testMenu() Menu {
	return Menu{
		Vector:          true,
		ThreadLadder:    []int{2, 4},
		Affinities:      []datatypes.Affinity{datatypes.AffinityPerformance},
		CompactEncoding: true,
		Compressions:    []datatypes.Compression{datatypes.CompressionFast, datatypes.CompressionDense},
		GPU:             true,
		GPUBatches:      []int{64},
		MaxDimensions:   3,
	}
}

func fullOp() datatypes.Operation {
	return datatypes.Operation{
		ID:         "gc_content",
		Complexity: 0.35,
		Capabilities: datatypes.NewCapabilitySet(
			datatypes.CapVector,
			datatypes.CapParallel,
			datatypes.CapCompactEncoding,
			datatypes.CapCompression,
		),
	}
}

func TestDefaultMenu(t *testing.T) {
	menu := DefaultMenu()
	if len(menu.ThreadLadder) == 0 {
		t.Fatal("default thread ladder is empty")
	}
	for i := 1; i < len(menu.ThreadLadder); i++ {
		if menu.ThreadLadder[i] <= menu.ThreadLadder[i-1] {
			t.Errorf("thread ladder not ascending: %v", menu.ThreadLadder)
		}
	}
	if menu.MaxDimensions < 2 {
		t.Errorf("MaxDimensions = %d, compositions impossible", menu.MaxDimensions)
	}
}

func TestBaselineNode(t *testing.T) {
	g := NewGenerator(testMenu())
	node := g.Baseline(fullOp(), datatypes.ScaleSmall)
	if node.ID() != "gc_content/baseline/small" {
		t.Errorf("baseline ID = %q", node.ID())
	}
	if !node.IsBaseline() {
		t.Error("baseline node does not report IsBaseline")
	}
}

func TestSingleDimensionCandidates(t *testing.T) {
	g := NewGenerator(testMenu())
	cands := g.SingleDimension(fullOp(), datatypes.ScaleSmall)

	// vector(1) + parallel(2 rungs + 2 affinity variants) + encoding(1) +
	// compression(2); GPU is unsupported by the operation.
	if len(cands) != 8 {
		ids := make([]string, len(cands))
		for i, c := range cands {
			ids[i] = c.Node.ID()
		}
		t.Fatalf("got %d candidates %v, want 8", len(cands), ids)
	}

	wantIDs := []string{
		"gc_content/vector/small",
		"gc_content/threads2/small",
		"gc_content/threads4/small",
		"gc_content/threads2+perf/small",
		"gc_content/threads4+perf/small",
		"gc_content/compact/small",
		"gc_content/zfast/small",
		"gc_content/zdense/small",
	}
	gotIDs := make([]string, len(cands))
	for i, c := range cands {
		gotIDs[i] = c.Node.ID()
	}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Errorf("candidate order = %v, want %v", gotIDs, wantIDs)
	}

	// Every config must add exactly one dimension, and ranks must start at
	// zero per family.
	firstRank := make(map[Family]int)
	for _, c := range cands {
		if dims := c.Node.Config.Dimensions(); dims != 1 {
			t.Errorf("%s: dimensions = %d, want 1", c.Node.ID(), dims)
		}
		if _, seen := firstRank[c.Family]; !seen {
			firstRank[c.Family] = c.Rank
		}
	}
	for family, rank := range firstRank {
		if rank != 0 {
			t.Errorf("family %s first rank = %d, want 0", family, rank)
		}
	}
}

func TestSingleDimensionRespectsCapabilities(t *testing.T) {
	g := NewGenerator(testMenu())

	metadataOnly := datatypes.Operation{
		ID:           "count",
		Complexity:   0.05,
		Capabilities: datatypes.NewCapabilitySet(datatypes.CapMetadataOnly),
	}
	if cands := g.SingleDimension(metadataOnly, datatypes.ScaleSmall); len(cands) != 0 {
		t.Errorf("metadata-only operation got %d candidates, want 0", len(cands))
	}

	parallelOnly := datatypes.Operation{
		ID:           "quality_filter",
		Complexity:   0.22,
		Capabilities: datatypes.NewCapabilitySet(datatypes.CapParallel),
	}
	for _, c := range g.SingleDimension(parallelOnly, datatypes.ScaleSmall) {
		if c.Family != FamilyParallel {
			t.Errorf("unexpected family %s for parallel-only operation", c.Family)
		}
	}
}

func TestCompositions(t *testing.T) {
	g := NewGenerator(testMenu())
	op := fullOp()

	vectorCfg := datatypes.Baseline()
	vectorCfg.Vector = true
	parent := datatypes.NewNode(op.ID, vectorCfg, datatypes.ScaleSmall)

	threadsCfg := datatypes.Baseline()
	threadsCfg.Threads = 4
	best := map[Family]datatypes.BackendConfig{
		FamilyParallel: threadsCfg,
		// No encoding or compression winner measured yet.
	}

	cands := g.Compositions(op, parent, best)
	if len(cands) != 1 {
		t.Fatalf("got %d composition candidates, want 1", len(cands))
	}
	if got := cands[0].Node.ID(); got != "gc_content/vector+threads4/small" {
		t.Errorf("composition ID = %q", got)
	}
	if cands[0].Family != FamilyParallel {
		t.Errorf("composition family = %s, want parallel", cands[0].Family)
	}
	if !cands[0].Node.Config.IsComposed() {
		t.Error("composition config does not report IsComposed")
	}
}

func TestCompositionsHonorDimensionCap(t *testing.T) {
	menu := testMenu()
	menu.MaxDimensions = 2
	g := NewGenerator(menu)
	op := fullOp()

	composed := datatypes.Baseline()
	composed.Vector = true
	composed.Threads = 4
	parent := datatypes.NewNode(op.ID, composed, datatypes.ScaleSmall)

	compactCfg := datatypes.Baseline()
	compactCfg.Encoding = datatypes.EncodingCompact
	best := map[Family]datatypes.BackendConfig{FamilyEncoding: compactCfg}

	if cands := g.Compositions(op, parent, best); len(cands) != 0 {
		t.Errorf("got %d candidates past the dimension cap, want 0", len(cands))
	}
}

func TestEscalation(t *testing.T) {
	g := NewGenerator(testMenu())
	node := g.Baseline(fullOp(), datatypes.ScaleTiny)

	next, ok := g.Escalation(node)
	if !ok {
		t.Fatal("escalation from tiny failed")
	}
	if next.Scale.Name != "small" {
		t.Errorf("escalated to %s, want small", next.Scale.Name)
	}
	if next.Config.Name() != node.Config.Name() {
		t.Error("escalation changed the config")
	}

	top := g.Baseline(fullOp(), datatypes.ScaleHuge)
	if _, ok := g.Escalation(top); ok {
		t.Error("escalation past the top tier succeeded")
	}
}

func TestExpectedParallelGainBands(t *testing.T) {
	tests := []struct {
		complexity float64
		want       float64
	}{
		{0.05, 2.0},
		{0.29, 2.0},
		{0.30, 3.5},
		{0.44, 3.5},
		{0.45, 5.0},
		{0.80, 5.0},
	}
	for _, tc := range tests {
		if got := ExpectedParallelGain(tc.complexity); got != tc.want {
			t.Errorf("ExpectedParallelGain(%v) = %v, want %v", tc.complexity, got, tc.want)
		}
	}
}

func TestExpectedSpeedupIsMultiplicative(t *testing.T) {
	op := datatypes.Operation{ID: "x", Complexity: 0.55}

	cfg := datatypes.Baseline()
	cfg.Vector = true
	cfg.Threads = 8

	// vector 4.0 x parallel 5.0 for complexity >= 0.45.
	if got := ExpectedSpeedup(op, cfg); got != 20.0 {
		t.Errorf("ExpectedSpeedup = %v, want 20", got)
	}

	if got := ExpectedSpeedup(op, datatypes.Baseline()); got != 1.0 {
		t.Errorf("baseline ExpectedSpeedup = %v, want 1", got)
	}
}

func TestActiveFamilies(t *testing.T) {
	cfg := datatypes.Baseline()
	cfg.Vector = true
	cfg.Threads = 2
	cfg.Compression = datatypes.CompressionFast

	got := ActiveFamilies(cfg)
	want := []Family{FamilyVector, FamilyParallel, FamilyCompression}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ActiveFamilies = %v, want %v", got, want)
	}

	if fams := ActiveFamilies(datatypes.Baseline()); len(fams) != 0 {
		t.Errorf("baseline has families %v, want none", fams)
	}
}
