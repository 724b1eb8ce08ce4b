// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ops

import (
	"context"
	"sync"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// complement maps each base to its Watson-Crick partner.
var complement = func() (t [256]byte) {
	for i := range t {
		t[i] = byte(i)
	}
	t['A'], t['T'] = 'T', 'A'
	t['C'], t['G'] = 'G', 'C'
	return
}()

func reverseComplementDef() *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:         "reverse_complement",
			Complexity: 0.55,
			Capabilities: datatypes.NewCapabilitySet(
				datatypes.CapVector,
				datatypes.CapParallel,
			),
		},
		Execute: runReverseComplement,
	}
}

// runReverseComplement transforms every record and folds the results into a
// single digest. XOR of per-record FNV-1a hashes is order independent, so
// scalar, unrolled, and chunked variants all land on the same value.
func runReverseComplement(ctx context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kernel := revCompScalarRange
	if cfg.Vector {
		kernel = revCompVectorRange
	}

	if cfg.Threads < 2 {
		return kernel(data.Records, 0, data.Len()), nil
	}

	var mu sync.Mutex
	var acc uint64
	parallelChunks(data.Len(), cfg.Threads, func(lo, hi int) {
		h := kernel(data.Records, lo, hi)
		mu.Lock()
		acc ^= h
		mu.Unlock()
	})
	return acc, nil
}

// revCompScalarRange walks each record back to front, complementing and
// hashing without a scratch buffer.
func revCompScalarRange(records [][]byte, lo, hi int) uint64 {
	var acc uint64
	for i := lo; i < hi; i++ {
		rec := records[i]
		h := uint64(fnvOffset64)
		for j := len(rec) - 1; j >= 0; j-- {
			h ^= uint64(complement[rec[j]])
			h *= fnvPrime64
		}
		acc ^= h
	}
	return acc
}

// revCompVectorRange is the unrolled variant. The hash chain itself is
// serial, so the unroll only batches the complement lookups; the gain over
// scalar is real but modest, which is representative of operations where the
// vector dimension is not the dominant axis.
func revCompVectorRange(records [][]byte, lo, hi int) uint64 {
	var acc uint64
	for i := lo; i < hi; i++ {
		rec := records[i]
		h := uint64(fnvOffset64)
		j := len(rec) - 1
		for ; j >= 3; j -= 4 {
			c0 := complement[rec[j]]
			c1 := complement[rec[j-1]]
			c2 := complement[rec[j-2]]
			c3 := complement[rec[j-3]]
			h = (h ^ uint64(c0)) * fnvPrime64
			h = (h ^ uint64(c1)) * fnvPrime64
			h = (h ^ uint64(c2)) * fnvPrime64
			h = (h ^ uint64(c3)) * fnvPrime64
		}
		for ; j >= 0; j-- {
			h = (h ^ uint64(complement[rec[j]])) * fnvPrime64
		}
		acc ^= h
	}
	return acc
}
