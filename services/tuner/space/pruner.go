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
	"errors"
	"fmt"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// Predicate names recorded in prune decisions.
const (
	PredicateAlternative = "alternative"
	PredicateComposition = "composition"
	PredicateEscalation  = "scale_escalation"
)

// Thresholds are the tunable pruning parameters. The defaults mirror the
// heuristics the search was designed around, but they are inputs, not
// constants: deployments are expected to validate them empirically.
type Thresholds struct {
	// Alternative is the multiplier a later sibling's expected speedup
	// must exceed over the best measured cheaper alternative.
	Alternative float64 `json:"alternative" yaml:"alternative"`

	// Composition is the minimum marginal gain a family must promise
	// before it is stacked onto an already-optimized config.
	Composition float64 `json:"composition" yaml:"composition"`

	// EscalationWindow is how many consecutive tier-to-tier speedup
	// decreases stop further scale escalation.
	EscalationWindow int `json:"escalation_window" yaml:"escalation_window"`
}

// DefaultThresholds returns the standard pruning parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Alternative:      1.5,
		Composition:      1.3,
		EscalationWindow: 2,
	}
}

// Validate checks the thresholds are usable.
func (t Thresholds) Validate() error {
	if t.Alternative <= 0 {
		return errors.New("alternative threshold must be positive")
	}
	if t.Composition <= 0 {
		return errors.New("composition threshold must be positive")
	}
	if t.EscalationWindow < 1 {
		return errors.New("escalation window must be at least 1")
	}
	return nil
}

// Pruner evaluates the pruning predicates.
//
// Thread Safety:
//
//	Pruner is stateless after construction and safe for concurrent use.
//	Every method is a pure function of its inputs: re-evaluating a
//	predicate against the same prior results reproduces the same decision,
//	which is what makes the pruned set auditable offline.
type Pruner struct {
	thresholds Thresholds
}

// NewPruner creates a pruner with the given thresholds.
func NewPruner(t Thresholds) (*Pruner, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("validating pruning thresholds: %w", err)
	}
	return &Pruner{thresholds: t}, nil
}

// Thresholds returns the pruner's parameters.
func (p *Pruner) Thresholds() Thresholds {
	return p.thresholds
}

// Alternative decides whether a later-ranked sibling is worth measuring
// given the best speedup already measured in its family.
//
// Inputs:
//   - cand: The proposed sibling. Rank 0 candidates are never pruned here;
//     the first parameterization of a family is always measured.
//   - bestMeasured: The highest measured speedup among the family's
//     cheaper alternatives. <= 0 means nothing measured yet.
//   - referenceNodes: IDs of the measured nodes bestMeasured came from.
//
// Outputs:
//   - datatypes.PruneDecision: Populated only when pruned is true.
//   - pruned: True when the candidate should be skipped.
func (p *Pruner) Alternative(cand Candidate, bestMeasured float64, referenceNodes []string) (datatypes.PruneDecision, bool) {
	if cand.Rank == 0 || bestMeasured <= 0 {
		return datatypes.PruneDecision{}, false
	}
	if cand.Expected > p.thresholds.Alternative*bestMeasured {
		return datatypes.PruneDecision{}, false
	}

	return datatypes.PruneDecision{
		NodeID:         cand.Node.ID(),
		Predicate:      PredicateAlternative,
		Threshold:      p.thresholds.Alternative,
		Expected:       cand.Expected,
		Observed:       bestMeasured,
		ReferenceNodes: referenceNodes,
		Reason: fmt.Sprintf(
			"expected %.2fx does not beat measured %s alternative at %.2fx by %.1fx",
			cand.Expected, cand.Family, bestMeasured, p.thresholds.Alternative),
	}, true
}

// Composition decides whether stacking one more family onto an optimized
// parent is worth measuring.
//
// Inputs:
//   - cand: The composition candidate. Its Marginal field carries the
//     added family's gain estimate; callers that have measured the
//     family's winner should overwrite Marginal with the measured value
//     before calling, so decisions use evidence when it exists.
//   - parentID: The measured parent node.
//   - parentSpeedup: The parent's measured speedup, recorded for audit.
func (p *Pruner) Composition(cand Candidate, parentID string, parentSpeedup float64) (datatypes.PruneDecision, bool) {
	if cand.Marginal >= p.thresholds.Composition {
		return datatypes.PruneDecision{}, false
	}

	return datatypes.PruneDecision{
		NodeID:         cand.Node.ID(),
		Predicate:      PredicateComposition,
		Threshold:      p.thresholds.Composition,
		Expected:       cand.Marginal,
		Observed:       parentSpeedup,
		ReferenceNodes: []string{parentID},
		Reason: fmt.Sprintf(
			"marginal %s gain %.2fx below composition floor %.2fx on parent at %.2fx",
			cand.Family, cand.Marginal, p.thresholds.Composition, parentSpeedup),
	}, true
}

// Escalation decides whether a configuration should stop climbing the
// scale ladder.
//
// Inputs:
//   - node: The proposed next-tier node.
//   - history: Measured speedups for this config at ascending tiers,
//     including the latest.
//   - referenceNodes: IDs of the nodes history came from, same order.
//   - isBest: True when the config is the current best-known for the
//     operation at the latest measured tier. Best configs keep climbing so
//     the full curve is available for rule fitting.
func (p *Pruner) Escalation(node datatypes.DAGNode, history []float64, referenceNodes []string, isBest bool) (datatypes.PruneDecision, bool) {
	window := p.thresholds.EscalationWindow
	if isBest || len(history) < window+1 {
		return datatypes.PruneDecision{}, false
	}

	tail := history[len(history)-(window+1):]
	for i := 0; i+1 < len(tail); i++ {
		if tail[i+1] >= tail[i] {
			return datatypes.PruneDecision{}, false
		}
	}

	refs := referenceNodes
	if len(refs) > window+1 {
		refs = refs[len(refs)-(window+1):]
	}

	return datatypes.PruneDecision{
		NodeID:         node.ID(),
		Predicate:      PredicateEscalation,
		Threshold:      float64(window),
		Expected:       tail[len(tail)-2],
		Observed:       tail[len(tail)-1],
		ReferenceNodes: refs,
		Reason: fmt.Sprintf(
			"speedup decreased across %d consecutive tiers (%.2fx -> %.2fx) and config is not best-known",
			window, tail[len(tail)-2], tail[len(tail)-1]),
	}, true
}
