// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// PruneDecision
// =============================================================================

// PruneDecision is the auditable justification for skipping a node.
//
// Pruning is a correctness-relevant decision, not merely a performance one:
// re-evaluating the predicate against the same prior results must reproduce
// the same decision, and every pruned node keeps a row in the Result Store
// so the reduction can be verified offline.
type PruneDecision struct {
	// NodeID is the node the decision applies to.
	NodeID string `json:"node_id"`

	// Predicate names the rule that fired: "alternative", "composition",
	// or "scale_escalation".
	Predicate string `json:"predicate"`

	// Threshold is the configured multiplier the expectation was held to.
	Threshold float64 `json:"threshold"`

	// Expected is the heuristic speedup for the candidate; Observed is the
	// measured value it was compared against (the dominant alternative, the
	// parent's speedup, or the previous tier's, depending on Predicate).
	Expected float64 `json:"expected"`
	Observed float64 `json:"observed"`

	// ReferenceNodes are the measured node IDs the comparison used.
	ReferenceNodes []string `json:"reference_nodes,omitempty"`

	// Reason is the human-readable one-liner that also goes to the log.
	Reason string `json:"reason"`
}

func (d PruneDecision) String() string {
	return fmt.Sprintf("prune %s [%s]: expected %.2fx vs observed %.2fx (threshold %.2fx): %s",
		d.NodeID, d.Predicate, d.Expected, d.Observed, d.Threshold, d.Reason)
}

// =============================================================================
// Record
// =============================================================================

// Record is one row of the Result Store: a measured, pruned, or failed node
// together with everything downstream analysis needs.
//
// The JSON form is the durable store format; the CSV export flattens the
// same fields in a fixed column order. Both must remain stable, downstream
// tooling parses them.
type Record struct {
	// Identity.
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	// ExperimentSeq is the deterministic per-run ordinal ("exp_000042"),
	// assigned in plan order so resumed runs continue the sequence.
	ExperimentSeq string `json:"experiment_seq"`

	Operation string        `json:"operation"`
	Config    BackendConfig `json:"config"`
	Scale     Scale         `json:"scale"`

	Status NodeStatus `json:"status"`

	// Stats is present for measured and unreliable nodes.
	Stats *Statistics `json:"stats,omitempty"`

	// Speedup vs the baseline sibling, present when the baseline had a
	// usable measurement. Baseline nodes carry 1.0 with a degenerate CI.
	Speedup *Speedup `json:"speedup,omitempty"`

	// Prune is present for pruned nodes.
	Prune *PruneDecision `json:"prune,omitempty"`

	// Error holds the failure text for failed/unreliable nodes.
	Error string `json:"error,omitempty"`

	// CorrectnessFailure marks a failed node whose backend produced wrong
	// output. Rule derivation refuses runs with unresolved entries, so the
	// marker is a first-class field rather than error-text matching.
	CorrectnessFailure bool `json:"correctness_failure,omitempty"`

	// ElapsedSeconds is the wall-clock cost of processing this node end to
	// end (warmup, repetitions, validation), not the per-iteration timing.
	ElapsedSeconds float64 `json:"elapsed_secs"`

	CreatedAt time.Time `json:"created_at"`
}

// Pruned reports whether this row is an audit row for an unmeasured node.
func (r Record) Pruned() bool {
	return r.Status == NodePruned
}

// Usable reports whether the row can feed rule fitting: a measured node
// with statistics and at least minValid surviving samples.
func (r Record) Usable(minValid int) bool {
	return r.Status == NodeMeasured && r.Stats != nil && r.Stats.NValid >= minValid
}

// Validate checks the structural invariants a row must satisfy before it is
// appended to the store.
func (r Record) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("%w: record run_id must not be empty", ErrInvalidConfig)
	}
	if r.NodeID == "" {
		return fmt.Errorf("%w: record node_id must not be empty", ErrInvalidConfig)
	}
	switch r.Status {
	case NodeMeasured:
		if r.Stats == nil {
			return fmt.Errorf("%w: measured record without statistics", ErrInvalidConfig)
		}
	case NodeUnreliable:
		// Retries that still fail the survivor floor have no statistics,
		// only the error text.
		if r.Stats == nil && r.Error == "" {
			return fmt.Errorf("%w: unreliable record without statistics or error", ErrInvalidConfig)
		}
	case NodePruned:
		if r.Prune == nil {
			return fmt.Errorf("%w: pruned record without a prune decision", ErrInvalidConfig)
		}
	case NodeFailed, NodeProposed, NodeArchived:
	default:
		return fmt.Errorf("%w: unknown record status %q", ErrInvalidConfig, r.Status)
	}
	return nil
}

// ExperimentID formats the deterministic per-run ordinal.
func ExperimentID(seq int) string {
	return fmt.Sprintf("exp_%06d", seq)
}
