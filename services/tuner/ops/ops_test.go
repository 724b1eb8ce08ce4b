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
	"reflect"
	"testing"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

// testData builds a small deterministic corpus without going through the
// resolver, including records short enough to hit the k-mer edge cases.
func testData(t *testing.T) *dataset.Data {
	t.Helper()

	records := [][]byte{
		[]byte("ACGTACGTACGTACGTACGT"),
		[]byte("GGGGCCCCGGGGCCCC"),
		[]byte("ATATATATATATATATATATATATA"),
		[]byte("ACG"),
		[]byte("CGCGCGCGTTTTAAAAGGGG"),
		[]byte("TTTT"),
		[]byte("GCGCGCGCGCGCGCGCGCGCGCGCGCGCGCGC"),
	}
	quals := make([][]byte, len(records))
	var total int64
	for i, rec := range records {
		q := make([]byte, len(rec))
		for j := range q {
			// Alternate clearly above and below the pass floor.
			if i%2 == 0 {
				q[j] = 70
			} else {
				q[j] = 40
			}
		}
		quals[i] = q
		total += int64(len(rec))
	}
	return &dataset.Data{
		Scale:      datatypes.AllScales()[0],
		Records:    records,
		Quals:      quals,
		TotalBytes: total,
	}
}

func execute(t *testing.T, def *registry.Definition, cfg datatypes.BackendConfig, data *dataset.Data) registry.Output {
	t.Helper()
	out, err := def.Execute(context.Background(), cfg, data)
	if err != nil {
		t.Fatalf("%s: execute: %v", def.Spec.ID, err)
	}
	return out
}

func TestRegisterAll(t *testing.T) {
	r := registry.New()
	if err := RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	want := []string{"count", "gc_content", "kmer_profile", "quality_filter", "reverse_complement"}
	got := r.List()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
}

func TestCount(t *testing.T) {
	data := testData(t)
	out := execute(t, countDef(), datatypes.Baseline(), data)
	if got := out.(int64); got != int64(data.Len()) {
		t.Errorf("count = %d, want %d", got, data.Len())
	}
}

func TestQualityFilter(t *testing.T) {
	data := testData(t)
	def := qualityFilterDef()

	base := execute(t, def, datatypes.Baseline(), data).(int64)
	if base != 4 {
		t.Errorf("baseline quality_filter = %d, want 4", base)
	}

	for _, threads := range []int{2, 4, 16} {
		cfg := datatypes.Baseline()
		cfg.Threads = threads
		if got := execute(t, def, cfg, data).(int64); got != base {
			t.Errorf("threads=%d: quality_filter = %d, want %d", threads, got, base)
		}
	}
}

func TestQualityFilterBoundary(t *testing.T) {
	// A mean exactly at the floor passes; one unit below fails.
	data := &dataset.Data{
		Records: [][]byte{[]byte("ACGT"), []byte("ACGT")},
		Quals:   [][]byte{{63, 63, 63, 63}, {63, 63, 63, 62}},
	}
	got := execute(t, qualityFilterDef(), datatypes.Baseline(), data).(int64)
	if got != 1 {
		t.Errorf("quality_filter = %d, want 1", got)
	}
}

func TestGCContentVariantsAgree(t *testing.T) {
	data := testData(t)
	def := gcContentDef()
	base := execute(t, def, datatypes.Baseline(), data).(GCResult)

	if base.Total != data.TotalBytes {
		t.Fatalf("baseline total = %d, want %d", base.Total, data.TotalBytes)
	}
	if base.GC <= 0 || base.GC >= base.Total {
		t.Fatalf("baseline gc = %d out of range (total %d)", base.GC, base.Total)
	}

	variants := []struct {
		name string
		cfg  func() datatypes.BackendConfig
	}{
		{"vector", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Vector = true
			return c
		}},
		{"threads4", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Threads = 4
			return c
		}},
		{"vector_threads", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Vector = true
			c.Threads = 8
			return c
		}},
		{"compact", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Encoding = datatypes.EncodingCompact
			return c
		}},
		{"compact_threads", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Encoding = datatypes.EncodingCompact
			c.Threads = 4
			return c
		}},
		{"fast_compression", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Compression = datatypes.CompressionFast
			return c
		}},
		{"dense_compression", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Compression = datatypes.CompressionDense
			return c
		}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			got := execute(t, def, v.cfg(), data).(GCResult)
			if got != base {
				t.Errorf("got %+v, want %+v", got, base)
			}
		})
	}
}

func TestGCResultRatio(t *testing.T) {
	if got := (GCResult{GC: 1, Total: 4}).Ratio(); got != 0.25 {
		t.Errorf("Ratio() = %v, want 0.25", got)
	}
	if got := (GCResult{}).Ratio(); got != 0 {
		t.Errorf("empty Ratio() = %v, want 0", got)
	}
}

func TestReverseComplementVariantsAgree(t *testing.T) {
	data := testData(t)
	def := reverseComplementDef()
	base := execute(t, def, datatypes.Baseline(), data).(uint64)

	for _, tc := range []struct {
		name    string
		vector  bool
		threads int
	}{
		{"vector", true, 0},
		{"threads3", false, 3},
		{"vector_threads5", true, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := datatypes.Baseline()
			cfg.Vector = tc.vector
			cfg.Threads = tc.threads
			if got := execute(t, def, cfg, data).(uint64); got != base {
				t.Errorf("digest = %#x, want %#x", got, base)
			}
		})
	}
}

func TestReverseComplementSensitivity(t *testing.T) {
	a := &dataset.Data{Records: [][]byte{[]byte("ACGTT")}}
	b := &dataset.Data{Records: [][]byte{[]byte("ACGTA")}}
	def := reverseComplementDef()

	ha := execute(t, def, datatypes.Baseline(), a).(uint64)
	hb := execute(t, def, datatypes.Baseline(), b).(uint64)
	if ha == hb {
		t.Error("digests collide for different sequences")
	}
}

func TestKmerProfileVariantsAgree(t *testing.T) {
	data := testData(t)
	def := kmerProfileDef()
	base := execute(t, def, datatypes.Baseline(), data).(KmerProfile)

	var wantKmers, gotKmers int64
	for _, rec := range data.Records {
		if len(rec) >= 4 {
			wantKmers += int64(len(rec) - 3)
		}
	}
	for _, n := range base {
		gotKmers += n
	}
	if gotKmers != wantKmers {
		t.Fatalf("baseline bins sum to %d k-mers, want %d", gotKmers, wantKmers)
	}

	variants := []struct {
		name string
		cfg  func() datatypes.BackendConfig
	}{
		{"vector", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Vector = true
			return c
		}},
		{"threads4", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Threads = 4
			return c
		}},
		{"compact", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Encoding = datatypes.EncodingCompact
			return c
		}},
		{"compact_vector_threads", func() datatypes.BackendConfig {
			c := datatypes.Baseline()
			c.Encoding = datatypes.EncodingCompact
			c.Vector = true
			c.Threads = 6
			return c
		}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			got := execute(t, def, v.cfg(), data).(KmerProfile)
			if !reflect.DeepEqual(got, base) {
				t.Errorf("profile diverges from baseline")
			}
		})
	}
}

func TestKmerProfileKnownSpectrum(t *testing.T) {
	// AAAA AAAC: two windows, AAAA=0b00000000 and AAAC=0b00000001.
	data := &dataset.Data{Records: [][]byte{[]byte("AAAAC")}}
	got := execute(t, kmerProfileDef(), datatypes.Baseline(), data).(KmerProfile)

	var want KmerProfile
	want[0x00] = 1
	want[0x01] = 1
	if !reflect.DeepEqual(got, want) {
		t.Errorf("spectrum = %v, want bins 0x00 and 0x01 set", got)
	}
}

func TestOperationSpecs(t *testing.T) {
	r := registry.New()
	if err := RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	tests := []struct {
		id         string
		complexity float64
		caps       []datatypes.Capability
	}{
		{"count", 0.05, []datatypes.Capability{datatypes.CapMetadataOnly}},
		{"quality_filter", 0.22, []datatypes.Capability{datatypes.CapParallel}},
		{"gc_content", 0.35, []datatypes.Capability{
			datatypes.CapVector, datatypes.CapParallel,
			datatypes.CapCompactEncoding, datatypes.CapCompression,
		}},
		{"reverse_complement", 0.55, []datatypes.Capability{datatypes.CapVector, datatypes.CapParallel}},
		{"kmer_profile", 0.80, []datatypes.Capability{
			datatypes.CapVector, datatypes.CapParallel, datatypes.CapCompactEncoding,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			def, err := r.Get(tc.id)
			if err != nil {
				t.Fatalf("Get(%q): %v", tc.id, err)
			}
			if def.Spec.Complexity != tc.complexity {
				t.Errorf("complexity = %v, want %v", def.Spec.Complexity, tc.complexity)
			}
			for _, c := range tc.caps {
				if !def.Spec.Capabilities.Has(c) {
					t.Errorf("missing capability %s", c)
				}
			}
		})
	}
}

func TestGPUConfigsRejectedEverywhere(t *testing.T) {
	r := registry.New()
	if err := RegisterAll(r); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	cfg := datatypes.Baseline()
	cfg.GPU = true
	cfg.GPUBatch = 64

	for _, id := range r.List() {
		if r.IsCompatible(id, cfg) {
			t.Errorf("%s: GPU config reported compatible, no reference op declares GPU", id)
		}
	}
}
