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
	"strings"
	"testing"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

func testPruner(t *testing.T) *Pruner {
	t.Helper()
	p, err := NewPruner(DefaultThresholds())
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}
	return p
}

func threadCandidate(threads, rank int, expected float64) Candidate {
	cfg := datatypes.Baseline()
	cfg.Threads = threads
	return Candidate{
		Node:     datatypes.NewNode("gc_content", cfg, datatypes.ScaleSmall),
		Family:   FamilyParallel,
		Expected: expected,
		Marginal: expected,
		Rank:     rank,
	}
}

func TestNewPrunerValidatesThresholds(t *testing.T) {
	bad := []Thresholds{
		{Alternative: 0, Composition: 1.3, EscalationWindow: 2},
		{Alternative: 1.5, Composition: -1, EscalationWindow: 2},
		{Alternative: 1.5, Composition: 1.3, EscalationWindow: 0},
	}
	for _, th := range bad {
		if _, err := NewPruner(th); err == nil {
			t.Errorf("NewPruner(%+v) accepted invalid thresholds", th)
		}
	}
}

func TestAlternativeNeverPrunesFirstRank(t *testing.T) {
	p := testPruner(t)
	cand := threadCandidate(2, 0, 1.1)

	if _, pruned := p.Alternative(cand, 50.0, []string{"gc_content/threads2/small"}); pruned {
		t.Error("rank 0 candidate was pruned")
	}
}

func TestAlternativeNeverPrunesWithoutMeasurement(t *testing.T) {
	p := testPruner(t)
	cand := threadCandidate(8, 2, 1.1)

	if _, pruned := p.Alternative(cand, 0, nil); pruned {
		t.Error("candidate pruned before any sibling was measured")
	}
}

func TestAlternativePrunesDominatedSibling(t *testing.T) {
	p := testPruner(t)
	cand := threadCandidate(16, 3, 3.5)
	refs := []string{"gc_content/threads4/small"}

	decision, pruned := p.Alternative(cand, 3.0, refs)
	if !pruned {
		t.Fatal("dominated sibling was not pruned (3.5 expected vs 1.5 x 3.0 measured)")
	}
	if decision.NodeID != cand.Node.ID() {
		t.Errorf("decision NodeID = %q, want %q", decision.NodeID, cand.Node.ID())
	}
	if decision.Predicate != PredicateAlternative {
		t.Errorf("decision Predicate = %q, want %q", decision.Predicate, PredicateAlternative)
	}
	if decision.Threshold != 1.5 || decision.Expected != 3.5 || decision.Observed != 3.0 {
		t.Errorf("decision numbers = (%v, %v, %v), want (1.5, 3.5, 3.0)",
			decision.Threshold, decision.Expected, decision.Observed)
	}
	if !reflect.DeepEqual(decision.ReferenceNodes, refs) {
		t.Errorf("decision references = %v, want %v", decision.ReferenceNodes, refs)
	}
	if decision.Reason == "" {
		t.Error("decision carries no reason")
	}
}

func TestAlternativeBoundaryMustExceed(t *testing.T) {
	p := testPruner(t)

	// Exactly 1.5x the measured alternative is not enough.
	cand := threadCandidate(16, 2, 4.5)
	if _, pruned := p.Alternative(cand, 3.0, nil); !pruned {
		t.Error("candidate at exactly the threshold was kept")
	}

	cand.Expected = 4.51
	if _, pruned := p.Alternative(cand, 3.0, nil); pruned {
		t.Error("candidate above the threshold was pruned")
	}
}

func TestCompositionPrunesWeakMarginalGain(t *testing.T) {
	p := testPruner(t)

	cfg := datatypes.Baseline()
	cfg.Vector = true
	cfg.Compression = datatypes.CompressionFast
	cand := Candidate{
		Node:     datatypes.NewNode("gc_content", cfg, datatypes.ScaleMedium),
		Family:   FamilyCompression,
		Expected: 3.6,
		Marginal: 0.9,
	}

	decision, pruned := p.Composition(cand, "gc_content/vector/medium", 3.8)
	if !pruned {
		t.Fatal("marginal 0.9x composition was not pruned")
	}
	if decision.Predicate != PredicateComposition {
		t.Errorf("decision Predicate = %q, want %q", decision.Predicate, PredicateComposition)
	}
	if decision.Expected != 0.9 || decision.Observed != 3.8 {
		t.Errorf("decision numbers = (%v, %v), want (0.9, 3.8)", decision.Expected, decision.Observed)
	}
	if !reflect.DeepEqual(decision.ReferenceNodes, []string{"gc_content/vector/medium"}) {
		t.Errorf("decision references = %v", decision.ReferenceNodes)
	}
	if !strings.Contains(decision.Reason, "compression") {
		t.Errorf("reason %q does not name the family", decision.Reason)
	}
}

func TestCompositionKeepsAtFloor(t *testing.T) {
	p := testPruner(t)
	cand := threadCandidate(4, 0, 3.5)

	cand.Marginal = 1.3
	if _, pruned := p.Composition(cand, "parent", 4.0); pruned {
		t.Error("marginal gain at the floor was pruned")
	}

	cand.Marginal = 3.5
	if _, pruned := p.Composition(cand, "parent", 4.0); pruned {
		t.Error("strong marginal gain was pruned")
	}
}

func TestEscalationNeedsFullWindow(t *testing.T) {
	p := testPruner(t)
	node := datatypes.NewNode("gc_content", datatypes.Baseline(), datatypes.ScaleMedium)

	if _, pruned := p.Escalation(node, []float64{5.0, 4.0}, nil, false); pruned {
		t.Error("pruned after a single decrease; window is 2")
	}
}

func TestEscalationPrunesSteadyDecline(t *testing.T) {
	p := testPruner(t)
	node := datatypes.NewNode("gc_content", datatypes.Baseline(), datatypes.ScaleLarge)
	refs := []string{
		"gc_content/baseline/tiny",
		"gc_content/baseline/small",
		"gc_content/baseline/medium",
	}

	decision, pruned := p.Escalation(node, []float64{6.0, 5.0, 4.0}, refs, false)
	if !pruned {
		t.Fatal("steady two-tier decline did not stop escalation")
	}
	if decision.Predicate != PredicateEscalation {
		t.Errorf("decision Predicate = %q, want %q", decision.Predicate, PredicateEscalation)
	}
	if decision.Expected != 5.0 || decision.Observed != 4.0 {
		t.Errorf("decision numbers = (%v, %v), want (5.0, 4.0)", decision.Expected, decision.Observed)
	}
	if !reflect.DeepEqual(decision.ReferenceNodes, refs) {
		t.Errorf("decision references = %v", decision.ReferenceNodes)
	}
}

func TestEscalationKeepsOnRebound(t *testing.T) {
	p := testPruner(t)
	node := datatypes.NewNode("gc_content", datatypes.Baseline(), datatypes.ScaleLarge)

	if _, pruned := p.Escalation(node, []float64{6.0, 4.0, 4.5}, nil, false); pruned {
		t.Error("pruned despite speedup recovering at the last tier")
	}
	if _, pruned := p.Escalation(node, []float64{6.0, 4.0, 4.0}, nil, false); pruned {
		t.Error("pruned on a flat tier; the decline must be strict")
	}
}

func TestEscalationExemptsBestKnownConfig(t *testing.T) {
	p := testPruner(t)
	node := datatypes.NewNode("gc_content", datatypes.Baseline(), datatypes.ScaleLarge)

	// Best-known configs climb the whole ladder so the scaling curve stays
	// complete for rule derivation.
	if _, pruned := p.Escalation(node, []float64{6.0, 5.0, 4.0}, nil, true); pruned {
		t.Error("best-known config was pruned")
	}
}

func TestDecisionsAreReproducible(t *testing.T) {
	p := testPruner(t)
	cand := threadCandidate(16, 3, 3.5)
	refs := []string{"gc_content/threads4/small"}

	first, prunedFirst := p.Alternative(cand, 3.0, refs)
	second, prunedSecond := p.Alternative(cand, 3.0, refs)
	if prunedFirst != prunedSecond || !reflect.DeepEqual(first, second) {
		t.Error("re-evaluating the same alternative inputs changed the decision")
	}

	node := datatypes.NewNode("gc_content", datatypes.Baseline(), datatypes.ScaleLarge)
	history := []float64{6.0, 5.0, 4.0}
	d1, p1 := p.Escalation(node, history, refs, false)
	d2, p2 := p.Escalation(node, history, refs, false)
	if p1 != p2 || !reflect.DeepEqual(d1, d2) {
		t.Error("re-evaluating the same escalation inputs changed the decision")
	}
}
