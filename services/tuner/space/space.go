// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package space models the search space as a tree per operation: the
// baseline config is the root, each child adds exactly one optimization
// dimension or escalates the scale tier, and pruning predicates decide
// which proposed children are worth measuring.
//
// Everything in this package is pure: candidate generation and pruning are
// deterministic functions of the operation, the menu, and previously
// measured results. The traverse package owns scheduling and state.
package space

import (
	"runtime"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// Family is an optimization dimension. Alternative-refinement pruning
// applies between candidates of the same family; composition pruning
// applies when a family is added on top of another.
type Family string

const (
	FamilyVector      Family = "vector"
	FamilyParallel    Family = "parallel"
	FamilyEncoding    Family = "encoding"
	FamilyCompression Family = "compression"
	FamilyGPU         Family = "gpu"
)

// familyOrder fixes candidate emission order so plans are reproducible.
var familyOrder = []Family{FamilyVector, FamilyParallel, FamilyEncoding, FamilyCompression, FamilyGPU}

// requiredCapability maps each family to the capability an operation must
// declare before candidates of that family are generated for it.
var requiredCapability = map[Family]datatypes.Capability{
	FamilyVector:      datatypes.CapVector,
	FamilyParallel:    datatypes.CapParallel,
	FamilyEncoding:    datatypes.CapCompactEncoding,
	FamilyCompression: datatypes.CapCompression,
	FamilyGPU:         datatypes.CapGPU,
}

// =============================================================================
// Menu
// =============================================================================

// Menu enumerates the parameterizations each dimension may take in a run.
type Menu struct {
	// Vector enables the vectorization dimension.
	Vector bool `json:"vector" yaml:"vector"`

	// ThreadLadder lists candidate worker counts in ascending order.
	ThreadLadder []int `json:"thread_ladder" yaml:"thread_ladder"`

	// Affinities lists the non-default placement hints to try per thread
	// count. Empty disables affinity variants.
	Affinities []datatypes.Affinity `json:"affinities" yaml:"affinities"`

	// CompactEncoding enables the encoding dimension.
	CompactEncoding bool `json:"compact_encoding" yaml:"compact_encoding"`

	// Compressions lists codecs in ascending decode-cost order.
	Compressions []datatypes.Compression `json:"compressions" yaml:"compressions"`

	// GPU enables the GPU dimension; GPUBatches lists dispatch batch sizes
	// in ascending order.
	GPU        bool  `json:"gpu" yaml:"gpu"`
	GPUBatches []int `json:"gpu_batches" yaml:"gpu_batches"`

	// MaxDimensions caps how many dimensions a composed config may stack.
	MaxDimensions int `json:"max_dimensions" yaml:"max_dimensions"`
}

// DefaultMenu returns the standard exploration menu: every dimension
// enabled, thread ladder in powers of two up to the machine's core count,
// compositions capped at three dimensions.
func DefaultMenu() Menu {
	var ladder []int
	for t := 2; t <= runtime.NumCPU(); t *= 2 {
		ladder = append(ladder, t)
	}
	if len(ladder) == 0 {
		ladder = []int{2}
	}

	return Menu{
		Vector:          true,
		ThreadLadder:    ladder,
		Affinities:      []datatypes.Affinity{datatypes.AffinityPerformance, datatypes.AffinityEfficiency},
		CompactEncoding: true,
		Compressions:    []datatypes.Compression{datatypes.CompressionFast, datatypes.CompressionDense},
		GPU:             true,
		GPUBatches:      []int{64, 256, 1024},
		MaxDimensions:   3,
	}
}

// enabled reports whether the menu switches the family on at all.
func (m Menu) enabled(f Family) bool {
	switch f {
	case FamilyVector:
		return m.Vector
	case FamilyParallel:
		return len(m.ThreadLadder) > 0
	case FamilyEncoding:
		return m.CompactEncoding
	case FamilyCompression:
		return len(m.Compressions) > 0
	case FamilyGPU:
		return m.GPU && len(m.GPUBatches) > 0
	default:
		return false
	}
}

// =============================================================================
// Expected-speedup heuristics
// =============================================================================

// Per-family expected gains. These are deliberate order-of-magnitude
// priors, not predictions: pruning compares them against measured values,
// and the thresholds that consume them are tunable per deployment.
const (
	gainVector   = 4.0
	gainEncoding = 2.0
	gainGPU      = 8.0

	gainCompressionFast  = 0.9
	gainCompressionDense = 0.6

	gainAffinityPerformance = 1.05
	gainAffinityEfficiency  = 0.6
)

// ExpectedParallelGain is the saturation ceiling for threading, keyed to
// the operation's compute-per-byte score: memory-bound kernels stop scaling
// early no matter how many workers they get.
func ExpectedParallelGain(complexity float64) float64 {
	switch {
	case complexity < 0.30:
		return 2.0
	case complexity < 0.45:
		return 3.5
	default:
		return 5.0
	}
}

// ExpectedSpeedup is the heuristic absolute speedup of a config over the
// baseline: the product of its active families' expected gains.
func ExpectedSpeedup(op datatypes.Operation, cfg datatypes.BackendConfig) float64 {
	cfg = cfg.Normalize()
	gain := 1.0

	if cfg.Vector {
		gain *= gainVector
	}
	if cfg.Threads > 0 {
		gain *= ExpectedParallelGain(op.Complexity)
		switch cfg.Affinity {
		case datatypes.AffinityPerformance:
			gain *= gainAffinityPerformance
		case datatypes.AffinityEfficiency:
			gain *= gainAffinityEfficiency
		}
	}
	if cfg.Encoding == datatypes.EncodingCompact {
		gain *= gainEncoding
	}
	switch cfg.Compression {
	case datatypes.CompressionFast:
		gain *= gainCompressionFast
	case datatypes.CompressionDense:
		gain *= gainCompressionDense
	}
	if cfg.GPU {
		gain *= gainGPU
	}
	return gain
}

// FamilyGain is the heuristic marginal gain of one family under a specific
// parameterization, used by composition pruning.
func FamilyGain(f Family, op datatypes.Operation, cfg datatypes.BackendConfig) float64 {
	switch f {
	case FamilyVector:
		return gainVector
	case FamilyParallel:
		gain := ExpectedParallelGain(op.Complexity)
		switch cfg.Affinity {
		case datatypes.AffinityPerformance:
			gain *= gainAffinityPerformance
		case datatypes.AffinityEfficiency:
			gain *= gainAffinityEfficiency
		}
		return gain
	case FamilyEncoding:
		return gainEncoding
	case FamilyCompression:
		if cfg.Compression == datatypes.CompressionDense {
			return gainCompressionDense
		}
		return gainCompressionFast
	case FamilyGPU:
		return gainGPU
	default:
		return 1.0
	}
}

// ActiveFamilies lists the optimization families a config has switched on,
// in the fixed family order.
func ActiveFamilies(cfg datatypes.BackendConfig) []Family {
	cfg = cfg.Normalize()
	var out []Family
	if cfg.Vector {
		out = append(out, FamilyVector)
	}
	if cfg.Threads > 0 {
		out = append(out, FamilyParallel)
	}
	if cfg.Encoding == datatypes.EncodingCompact {
		out = append(out, FamilyEncoding)
	}
	if cfg.Compression != datatypes.CompressionNone {
		out = append(out, FamilyCompression)
	}
	if cfg.GPU {
		out = append(out, FamilyGPU)
	}
	return out
}

// =============================================================================
// Candidate generation
// =============================================================================

// Candidate is a proposed child node together with the metadata pruning
// predicates consume.
type Candidate struct {
	Node datatypes.DAGNode

	// Family is the dimension this candidate adds or refines.
	Family Family

	// Expected is the heuristic absolute speedup of the candidate's config
	// over baseline; Marginal is the heuristic gain contributed by the
	// added family alone.
	Expected float64
	Marginal float64

	// Rank orders candidates within a family from cheapest to most
	// expensive. Rank 0 is always scheduled; later ranks face
	// alternative-refinement pruning against measured earlier ranks.
	Rank int
}

// Generator produces candidate children for a search-space tree.
type Generator struct {
	menu Menu
}

// NewGenerator creates a generator over an exploration menu.
func NewGenerator(menu Menu) *Generator {
	if menu.MaxDimensions <= 0 {
		menu.MaxDimensions = 3
	}
	return &Generator{menu: menu}
}

// Baseline returns the root node for one (operation, scale) pair.
func (g *Generator) Baseline(op datatypes.Operation, scale datatypes.Scale) datatypes.DAGNode {
	return datatypes.NewNode(op.ID, datatypes.Baseline(), scale)
}

// SingleDimension returns the baseline's children: one candidate per
// enabled, supported parameterization, each switching on exactly one
// family. Candidates are emitted in deterministic order.
func (g *Generator) SingleDimension(op datatypes.Operation, scale datatypes.Scale) []Candidate {
	var out []Candidate

	for _, family := range familyOrder {
		if !g.menu.enabled(family) || !op.Supports(requiredCapability[family]) {
			continue
		}

		switch family {
		case FamilyVector:
			cfg := datatypes.Baseline()
			cfg.Vector = true
			out = append(out, g.candidate(op, scale, family, cfg, 0))

		case FamilyParallel:
			rank := 0
			for _, threads := range g.menu.ThreadLadder {
				cfg := datatypes.Baseline()
				cfg.Threads = threads
				out = append(out, g.candidate(op, scale, family, cfg, rank))
				rank++
			}
			// Placement hints are refinements of the threading family,
			// ranked after every default-affinity rung.
			for _, affinity := range g.menu.Affinities {
				for _, threads := range g.menu.ThreadLadder {
					cfg := datatypes.Baseline()
					cfg.Threads = threads
					cfg.Affinity = affinity
					out = append(out, g.candidate(op, scale, family, cfg, rank))
					rank++
				}
			}

		case FamilyEncoding:
			cfg := datatypes.Baseline()
			cfg.Encoding = datatypes.EncodingCompact
			out = append(out, g.candidate(op, scale, family, cfg, 0))

		case FamilyCompression:
			for rank, codec := range g.menu.Compressions {
				cfg := datatypes.Baseline()
				cfg.Compression = codec
				out = append(out, g.candidate(op, scale, family, cfg, rank))
			}

		case FamilyGPU:
			for rank, batch := range g.menu.GPUBatches {
				cfg := datatypes.Baseline()
				cfg.GPU = true
				cfg.GPUBatch = batch
				out = append(out, g.candidate(op, scale, family, cfg, rank))
			}
		}
	}
	return out
}

// Compositions returns the children of a measured node that stack one more
// family onto its config.
//
// Description:
//
//	Each added family is parameterized by the best measured single-dimension
//	config for that family (passed in by the caller), so composition always
//	combines winners rather than re-exploring each family's ladder. Families
//	already active on the parent, unsupported by the operation, or missing a
//	measured winner produce no candidate.
func (g *Generator) Compositions(op datatypes.Operation, parent datatypes.DAGNode, best map[Family]datatypes.BackendConfig) []Candidate {
	parentCfg := parent.Config.Normalize()
	if parentCfg.Dimensions() >= g.menu.MaxDimensions {
		return nil
	}

	active := make(map[Family]bool)
	for _, f := range ActiveFamilies(parentCfg) {
		active[f] = true
	}

	var out []Candidate
	for _, family := range familyOrder {
		if active[family] || !g.menu.enabled(family) || !op.Supports(requiredCapability[family]) {
			continue
		}
		winner, ok := best[family]
		if !ok {
			continue
		}

		cfg := mergeFamily(parentCfg, winner, family)
		cand := g.candidate(op, parent.Scale, family, cfg, 0)
		cand.Marginal = FamilyGain(family, op, winner)
		out = append(out, cand)
	}
	return out
}

// Escalation returns the same configuration at the next scale tier.
func (g *Generator) Escalation(node datatypes.DAGNode) (datatypes.DAGNode, bool) {
	next, ok := node.Scale.Next()
	if !ok {
		return datatypes.DAGNode{}, false
	}
	return datatypes.NewNode(node.Operation, node.Config, next), true
}

func (g *Generator) candidate(op datatypes.Operation, scale datatypes.Scale, family Family, cfg datatypes.BackendConfig, rank int) Candidate {
	return Candidate{
		Node:     datatypes.NewNode(op.ID, cfg, scale),
		Family:   family,
		Expected: ExpectedSpeedup(op, cfg),
		Marginal: FamilyGain(family, op, cfg),
		Rank:     rank,
	}
}

// mergeFamily copies one family's fields from src onto dst.
func mergeFamily(dst, src datatypes.BackendConfig, f Family) datatypes.BackendConfig {
	switch f {
	case FamilyVector:
		dst.Vector = src.Vector
	case FamilyParallel:
		dst.Threads = src.Threads
		dst.Affinity = src.Affinity
	case FamilyEncoding:
		dst.Encoding = src.Encoding
	case FamilyCompression:
		dst.Compression = src.Compression
	case FamilyGPU:
		dst.GPU = src.GPU
		dst.GPUBatch = src.GPUBatch
	}
	return dst
}
