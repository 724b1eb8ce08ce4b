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
	"errors"
	"testing"
)

func TestBackendConfig_Name(t *testing.T) {
	tests := []struct {
		name   string
		config BackendConfig
		want   string
	}{
		{"baseline", Baseline(), "baseline"},
		{"zero value normalizes to baseline", BackendConfig{}, "baseline"},
		{"vector only", BackendConfig{Vector: true}, "vector"},
		{"threads only", BackendConfig{Threads: 8}, "threads8"},
		{
			"vector plus threads",
			BackendConfig{Vector: true, Threads: 4},
			"vector+threads4",
		},
		{
			"affinity suffix",
			BackendConfig{Threads: 4, Affinity: AffinityPerformance},
			"threads4+perf",
		},
		{
			"efficiency affinity",
			BackendConfig{Threads: 2, Affinity: AffinityEfficiency},
			"threads2+eff",
		},
		{"compact encoding", BackendConfig{Encoding: EncodingCompact}, "compact"},
		{"fast compression", BackendConfig{Compression: CompressionFast}, "zfast"},
		{"gpu with batch", BackendConfig{GPU: true, GPUBatch: 512}, "gpu512"},
		{"gpu without batch", BackendConfig{GPU: true}, "gpu"},
		{
			"full stack ordering",
			BackendConfig{Vector: true, Threads: 16, Affinity: AffinityPerformance, Encoding: EncodingCompact, Compression: CompressionDense, GPU: true, GPUBatch: 64},
			"vector+threads16+perf+compact+zdense+gpu64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackendConfig_ConfigType(t *testing.T) {
	tests := []struct {
		config BackendConfig
		want   string
	}{
		{Baseline(), "baseline"},
		{BackendConfig{Vector: true}, "vector"},
		{BackendConfig{Threads: 8}, "parallel"},
		{BackendConfig{Vector: true, Threads: 8}, "vector_parallel"},
		{BackendConfig{GPU: true}, "gpu"},
		{BackendConfig{Encoding: EncodingCompact}, "encoding"},
		{BackendConfig{Compression: CompressionFast}, "compression"},
		{BackendConfig{Vector: true, Encoding: EncodingCompact}, "mixed"},
	}

	for _, tt := range tests {
		if got := tt.config.ConfigType(); got != tt.want {
			t.Errorf("ConfigType(%s) = %q, want %q", tt.config.Name(), got, tt.want)
		}
	}
}

func TestBackendConfig_Dimensions(t *testing.T) {
	tests := []struct {
		config BackendConfig
		want   int
	}{
		{Baseline(), 0},
		{BackendConfig{Vector: true}, 1},
		{BackendConfig{Vector: true, Threads: 4}, 2},
		{BackendConfig{Threads: 4, Affinity: AffinityPerformance}, 1}, // affinity is a hint, not a dimension
		{BackendConfig{Vector: true, Threads: 4, Encoding: EncodingCompact}, 3},
	}

	for _, tt := range tests {
		if got := tt.config.Dimensions(); got != tt.want {
			t.Errorf("Dimensions(%s) = %d, want %d", tt.config.Name(), got, tt.want)
		}
		wantComposed := tt.want >= 2
		if got := tt.config.IsComposed(); got != wantComposed {
			t.Errorf("IsComposed(%s) = %v, want %v", tt.config.Name(), got, wantComposed)
		}
	}
}

func TestBackendConfig_CompatibleWith(t *testing.T) {
	vectorOnly := Operation{
		ID:           "scan",
		Complexity:   0.4,
		Capabilities: NewCapabilitySet(CapVector),
	}

	t.Run("baseline always compatible", func(t *testing.T) {
		if err := Baseline().CompatibleWith(vectorOnly); err != nil {
			t.Errorf("baseline should be compatible, got %v", err)
		}
	})

	t.Run("declared capability passes", func(t *testing.T) {
		cfg := BackendConfig{Vector: true}
		if err := cfg.CompatibleWith(vectorOnly); err != nil {
			t.Errorf("vector config should be compatible, got %v", err)
		}
	})

	t.Run("gpu rejected for non-gpu operation", func(t *testing.T) {
		cfg := BackendConfig{GPU: true, GPUBatch: 256}
		err := cfg.CompatibleWith(vectorOnly)
		if !errors.Is(err, ErrIncompatibleBackend) {
			t.Errorf("want ErrIncompatibleBackend, got %v", err)
		}
	})

	t.Run("threads rejected without parallel capability", func(t *testing.T) {
		cfg := BackendConfig{Threads: 8}
		err := cfg.CompatibleWith(vectorOnly)
		if !errors.Is(err, ErrIncompatibleBackend) {
			t.Errorf("want ErrIncompatibleBackend, got %v", err)
		}
	})
}

func TestBackendConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  BackendConfig
		wantErr bool
	}{
		{"baseline", Baseline(), false},
		{"negative threads", BackendConfig{Threads: -1}, true},
		{"gpu batch without gpu", BackendConfig{GPUBatch: 128}, true},
		{"affinity without threads", BackendConfig{Affinity: AffinityPerformance}, true},
		{"bad affinity", BackendConfig{Threads: 2, Affinity: "turbo"}, true},
		{"bad encoding", BackendConfig{Encoding: "utf8"}, true},
		{"bad compression", BackendConfig{Compression: "brotli"}, true},
		{"valid composed", BackendConfig{Vector: true, Threads: 8, Affinity: AffinityPerformance}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should wrap ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBackendConfig_RequiredCapabilities(t *testing.T) {
	cfg := BackendConfig{Vector: true, Threads: 4, GPU: true, Encoding: EncodingCompact, Compression: CompressionDense}
	got := cfg.RequiredCapabilities()
	want := []Capability{CapVector, CapParallel, CapGPU, CapCompactEncoding, CapCompression}

	if len(got) != len(want) {
		t.Fatalf("RequiredCapabilities() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("RequiredCapabilities()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
