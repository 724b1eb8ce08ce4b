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

// KmerProfile is the 4-mer spectrum: one bin per 2-bit-encoded 4-mer.
// Integer bins keep the output exactly reproducible under any partitioning.
type KmerProfile [256]int64

// baseCode maps A/C/G/T to the 2-bit code used by both the rolling k-mer
// index and the compact dataset encoding.
var baseCode = func() (t [256]byte) {
	t['C'] = 1
	t['G'] = 2
	t['T'] = 3
	return
}()

func kmerProfileDef() *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:         "kmer_profile",
			Complexity: 0.80,
			Capabilities: datatypes.NewCapabilitySet(
				datatypes.CapVector,
				datatypes.CapParallel,
				datatypes.CapCompactEncoding,
			),
		},
		Execute: runKmerProfile,
	}
}

func runKmerProfile(ctx context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var kernel func(data *dataset.Data, lo, hi int, prof *KmerProfile)
	switch {
	case cfg.Encoding == datatypes.EncodingCompact:
		kernel = kmerPackedRange
	case cfg.Vector:
		kernel = kmerVectorRange
	default:
		kernel = kmerScalarRange
	}

	if cfg.Threads < 2 {
		var prof KmerProfile
		kernel(data, 0, data.Len(), &prof)
		return prof, nil
	}

	var mu sync.Mutex
	var out KmerProfile
	parallelChunks(data.Len(), cfg.Threads, func(lo, hi int) {
		var prof KmerProfile
		kernel(data, lo, hi, &prof)
		mu.Lock()
		for b, n := range prof {
			out[b] += n
		}
		mu.Unlock()
	})
	return out, nil
}

func kmerScalarRange(data *dataset.Data, lo, hi int, prof *KmerProfile) {
	for i := lo; i < hi; i++ {
		rec := data.Records[i]
		if len(rec) < 4 {
			continue
		}
		idx := uint32(0)
		for j, b := range rec {
			idx = (idx<<2 | uint32(baseCode[b])) & 0xFF
			if j >= 3 {
				prof[idx]++
			}
		}
	}
}

// kmerVectorRange hoists the window warmup out of the hot loop so the body
// is branch-free, then unrolls it four wide.
func kmerVectorRange(data *dataset.Data, lo, hi int, prof *KmerProfile) {
	for i := lo; i < hi; i++ {
		rec := data.Records[i]
		n := len(rec)
		if n < 4 {
			continue
		}
		idx := uint32(baseCode[rec[0]])<<4 | uint32(baseCode[rec[1]])<<2 | uint32(baseCode[rec[2]])

		j := 3
		for ; j+4 <= n; j += 4 {
			idx = (idx<<2 | uint32(baseCode[rec[j]])) & 0xFF
			prof[idx]++
			idx = (idx<<2 | uint32(baseCode[rec[j+1]])) & 0xFF
			prof[idx]++
			idx = (idx<<2 | uint32(baseCode[rec[j+2]])) & 0xFF
			prof[idx]++
			idx = (idx<<2 | uint32(baseCode[rec[j+3]])) & 0xFF
			prof[idx]++
		}
		for ; j < n; j++ {
			idx = (idx<<2 | uint32(baseCode[rec[j]])) & 0xFF
			prof[idx]++
		}
	}
}

// kmerPackedRange consumes the 2-bit views directly. The packed crumbs are
// already the rolling-window codes, so no byte-to-code translation runs.
// Slack crumbs past the record length must not enter the window, hence the
// per-base bound on the extraction loop.
func kmerPackedRange(data *dataset.Data, lo, hi int, prof *KmerProfile) {
	packed := data.Packed()
	for i := lo; i < hi; i++ {
		bits := packed[i]
		n := len(data.Records[i])
		if n < 4 {
			continue
		}
		idx := uint32(0)
		for k := 0; k < n; k++ {
			code := bits[k/4] >> uint(6-2*(k%4)) & 0x3
			idx = (idx<<2 | uint32(code)) & 0xFF
			if k >= 3 {
				prof[idx]++
			}
		}
	}
}
