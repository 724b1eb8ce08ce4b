// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ops ships the reference operation catalog used by tests and demo
// runs. The framework itself is operation-agnostic; these kernels exist to
// give it something real to measure.
//
// Complexity scores span the heuristic bands (0.05 to 0.80) and the declared
// capabilities differ per operation on purpose: count is metadata-only and
// rejects every optimized config, gc_content carries the full dimension
// surface, and nothing declares GPU, so GPU-flagged configs always exercise
// the incompatibility path.
package ops

import (
	"context"
	"sync"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

// RegisterAll installs the reference catalog into a registry.
func RegisterAll(r *registry.Registry) error {
	defs := []*registry.Definition{
		countDef(),
		qualityFilterDef(),
		gcContentDef(),
		reverseComplementDef(),
		kmerProfileDef(),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// parallelChunks fans index ranges [0,n) out over workers and waits.
// workers < 2 degenerates to a single inline call, so the single-threaded
// path pays no goroutine overhead.
func parallelChunks(n, workers int, fn func(lo, hi int)) {
	if workers < 2 || n < 2 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// =============================================================================
// count: record count, metadata only
// =============================================================================

func countDef() *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:           "count",
			Complexity:   0.05,
			Capabilities: datatypes.NewCapabilitySet(datatypes.CapMetadataOnly),
		},
		Execute: func(ctx context.Context, _ datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return int64(data.Len()), nil
		},
	}
}

// =============================================================================
// quality_filter: count records whose mean quality clears the floor
// =============================================================================

// qualityPassMean is the minimum mean quality byte (Phred 30 + 33 offset).
const qualityPassMean = 63

func qualityFilterDef() *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:           "quality_filter",
			Complexity:   0.22,
			Capabilities: datatypes.NewCapabilitySet(datatypes.CapParallel),
		},
		Execute: func(ctx context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if cfg.Threads < 2 {
				return countPassing(data.Quals, 0, data.Len()), nil
			}

			var mu sync.Mutex
			var counted int64
			parallelChunks(data.Len(), cfg.Threads, func(lo, hi int) {
				c := countPassing(data.Quals, lo, hi)
				mu.Lock()
				counted += c
				mu.Unlock()
			})
			return counted, nil
		},
	}
}

// countPassing sums the pass/fail verdicts over one record range. The
// comparison stays in integers (sum >= mean*len) so partitioning can never
// change the result.
func countPassing(quals [][]byte, lo, hi int) int64 {
	var n int64
	for i := lo; i < hi; i++ {
		q := quals[i]
		if len(q) == 0 {
			continue
		}
		sum := 0
		for _, b := range q {
			sum += int(b)
		}
		if sum >= qualityPassMean*len(q) {
			n++
		}
	}
	return n
}
