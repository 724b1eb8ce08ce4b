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
	"fmt"
	"sync"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

// GCResult carries integer tallies rather than a ratio so every partitioning
// of the work produces a bit-identical output.
type GCResult struct {
	GC    int64
	Total int64
}

// Ratio is the G+C fraction across all bases.
func (g GCResult) Ratio() float64 {
	if g.Total == 0 {
		return 0
	}
	return float64(g.GC) / float64(g.Total)
}

// isGC maps a base byte to 1 when it is G or C.
var isGC = func() (t [256]byte) {
	t['G'], t['C'], t['g'], t['c'] = 1, 1, 1, 1
	return
}()

// gcPerPacked counts GC crumbs (codes 1 and 2) in one packed byte.
var gcPerPacked = func() (t [256]uint8) {
	for b := 0; b < 256; b++ {
		var n uint8
		for s := 0; s < 8; s += 2 {
			code := (b >> s) & 0x3
			if code == 1 || code == 2 {
				n++
			}
		}
		t[b] = n
	}
	return
}()

func gcContentDef() *registry.Definition {
	return &registry.Definition{
		Spec: datatypes.Operation{
			ID:         "gc_content",
			Complexity: 0.35,
			Capabilities: datatypes.NewCapabilitySet(
				datatypes.CapVector,
				datatypes.CapParallel,
				datatypes.CapCompactEncoding,
				datatypes.CapCompression,
			),
		},
		Execute: runGCContent,
	}
}

func runGCContent(ctx context.Context, cfg datatypes.BackendConfig, data *dataset.Data) (registry.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Compact encoding bypasses the byte records entirely.
	if cfg.Encoding == datatypes.EncodingCompact {
		return gcFromPacked(cfg, data), nil
	}

	records, err := gcInputRecords(cfg, data)
	if err != nil {
		return nil, err
	}

	kernel := gcScalarRange
	if cfg.Vector {
		kernel = gcVectorRange
	}

	if cfg.Threads < 2 {
		gc, total := kernel(records, 0, len(records))
		return GCResult{GC: gc, Total: total}, nil
	}

	var mu sync.Mutex
	var out GCResult
	parallelChunks(len(records), cfg.Threads, func(lo, hi int) {
		gc, total := kernel(records, lo, hi)
		mu.Lock()
		out.GC += gc
		out.Total += total
		mu.Unlock()
	})
	return out, nil
}

// gcInputRecords materializes the record payloads for the configured
// compression mode. Decompression cost is deliberately part of the measured
// work; that is the tradeoff the compression dimension exists to expose.
func gcInputRecords(cfg datatypes.BackendConfig, data *dataset.Data) ([][]byte, error) {
	switch cfg.Compression {
	case datatypes.CompressionNone:
		return data.Records, nil
	case datatypes.CompressionFast:
		blobs := data.FastCompressed()
		out := make([][]byte, len(blobs))
		for i, blob := range blobs {
			rec, err := dataset.DecodeFast(nil, blob)
			if err != nil {
				return nil, fmt.Errorf("fast decode record %d: %w", i, err)
			}
			out[i] = rec
		}
		return out, nil
	case datatypes.CompressionDense:
		blobs := data.DenseCompressed()
		out := make([][]byte, len(blobs))
		for i, blob := range blobs {
			rec, err := dataset.DecodeDense(nil, blob)
			if err != nil {
				return nil, fmt.Errorf("dense decode record %d: %w", i, err)
			}
			out[i] = rec
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %q", datatypes.ErrInvalidConfig, cfg.Compression)
	}
}

func gcScalarRange(records [][]byte, lo, hi int) (gc, total int64) {
	for i := lo; i < hi; i++ {
		rec := records[i]
		for _, b := range rec {
			gc += int64(isGC[b])
		}
		total += int64(len(rec))
	}
	return gc, total
}

// gcVectorRange is the unrolled variant. Eight independent table lookups per
// iteration keep the dependency chain short enough for the superscalar units.
func gcVectorRange(records [][]byte, lo, hi int) (gc, total int64) {
	for i := lo; i < hi; i++ {
		rec := records[i]
		n := len(rec)
		var a, b, c, d int64
		j := 0
		for ; j+8 <= n; j += 8 {
			a += int64(isGC[rec[j]]) + int64(isGC[rec[j+4]])
			b += int64(isGC[rec[j+1]]) + int64(isGC[rec[j+5]])
			c += int64(isGC[rec[j+2]]) + int64(isGC[rec[j+6]])
			d += int64(isGC[rec[j+3]]) + int64(isGC[rec[j+7]])
		}
		for ; j < n; j++ {
			a += int64(isGC[rec[j]])
		}
		gc += a + b + c + d
		total += int64(n)
	}
	return gc, total
}

// gcFromPacked walks the 2-bit views. Slack crumbs in the final byte pack as
// code zero (A) and never count as GC, so the whole packed slice can go
// through the table without tail handling. Threading still applies; the
// vector flag is a no-op here because the table lookup already covers four
// bases per byte.
func gcFromPacked(cfg datatypes.BackendConfig, data *dataset.Data) GCResult {
	packed := data.Packed()

	rangeFn := func(lo, hi int) (gc, total int64) {
		for i := lo; i < hi; i++ {
			for _, b := range packed[i] {
				gc += int64(gcPerPacked[b])
			}
			total += int64(len(data.Records[i]))
		}
		return gc, total
	}

	if cfg.Threads < 2 {
		gc, total := rangeFn(0, len(packed))
		return GCResult{GC: gc, Total: total}
	}

	var mu sync.Mutex
	var out GCResult
	parallelChunks(len(packed), cfg.Threads, func(lo, hi int) {
		gc, total := rangeFn(lo, hi)
		mu.Lock()
		out.GC += gc
		out.Total += total
		mu.Unlock()
	})
	return out
}
