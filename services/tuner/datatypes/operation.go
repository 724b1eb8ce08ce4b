// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the core data structures for the tuner service:
// operations, backend configurations, scales, search-space nodes, measurement
// statistics, and optimization rules.
//
// Everything here is plain data. Measurement math lives in measure, traversal
// logic in traverse, and rule fitting in rules; those packages all speak in
// terms of these types.
package datatypes

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Capabilities
// =============================================================================

// Capability is a backend feature an operation may declare support for.
//
// An operation is only ever paired with a BackendConfig whose non-default
// dimensions are all covered by the operation's declared capabilities. This
// is a hard invariant: violating it must fail fast, never silently degrade
// to a CPU-only run.
type Capability string

const (
	// CapVector marks support for vectorized (SIMD-style) execution.
	CapVector Capability = "vector"

	// CapParallel marks support for multi-threaded execution.
	CapParallel Capability = "parallel"

	// CapGPU marks support for GPU dispatch.
	CapGPU Capability = "gpu"

	// CapCompactEncoding marks support for the compact (bit-packed) data encoding.
	CapCompactEncoding Capability = "compact-encoding"

	// CapCompression marks support for operating on compressed input.
	CapCompression Capability = "compression"

	// CapMetadataOnly marks operations that never touch record payloads
	// (e.g. counting). These are cheap at every scale and make useful
	// baselines for timer-precision handling.
	CapMetadataOnly Capability = "metadata-only"
)

// CapabilitySet is the set of capabilities an operation declares.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// List returns the capabilities in sorted order for deterministic output.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the set as a comma-separated list.
func (s CapabilitySet) String() string {
	caps := s.List()
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// =============================================================================
// Operation
// =============================================================================

// Operation describes one registered data-processing operation.
//
// Description:
//
//	Operations are immutable once registered. The framework treats them as
//	opaque: it never inspects what an operation computes, only its identifier,
//	its relative complexity, and which backend dimensions it supports.
//
// Fields:
//
//	ID - Unique identifier, e.g. "gc_content". Used in node IDs, store keys,
//	     and rule lookups, so it must be stable across runs.
//	Complexity - Monotone compute-per-byte score in [0, 1]. 0 is metadata-only
//	     work, 1 is the heaviest kernel in the catalog. Drives the expected
//	     parallel speedup heuristic used by pruning.
//	Capabilities - The backend dimensions this operation can honestly execute.
type Operation struct {
	ID           string        `json:"id"`
	Complexity   float64       `json:"complexity"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// Validate checks structural constraints on the operation.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: operation ID must not be empty", ErrInvalidOperation)
	}
	if o.Complexity < 0 || o.Complexity > 1 {
		return fmt.Errorf("%w: complexity must be in [0,1], got %f", ErrInvalidOperation, o.Complexity)
	}
	return nil
}

// Supports reports whether the operation declares the capability.
func (o Operation) Supports(c Capability) bool {
	return o.Capabilities.Has(c)
}
