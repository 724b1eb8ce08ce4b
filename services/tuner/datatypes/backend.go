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
	"strings"
)

// =============================================================================
// Backend dimension enums
// =============================================================================

// Affinity is the core-affinity hint for a configuration.
//
// Affinity is advisory: the OS may ignore it, so nothing in the framework
// asserts on actual core placement, only on throughput trends.
type Affinity string

const (
	AffinityDefault     Affinity = "default"
	AffinityPerformance Affinity = "performance"
	AffinityEfficiency  Affinity = "efficiency"
)

// Encoding is the data representation an operation consumes.
type Encoding string

const (
	EncodingNative  Encoding = "native"
	EncodingCompact Encoding = "compact"
)

// Compression is the input compression codec.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionFast  Compression = "fast"
	CompressionDense Compression = "dense"
)

// =============================================================================
// BackendConfig
// =============================================================================

// BackendConfig describes one hardware execution strategy.
//
// Description:
//
//	A BackendConfig is one point in the strategy space: which optimizations
//	are switched on and how they are parameterized. The zero value is NOT the
//	baseline; use Baseline() to get a config with explicit defaults so that
//	serialized forms are stable.
//
// Thread Safety:
//
//	BackendConfig is a value type and safe to copy and share.
type BackendConfig struct {
	// Vector enables vectorized execution.
	Vector bool `json:"vector" yaml:"vector"`

	// Threads is the worker count. 0 means single-threaded.
	Threads int `json:"threads" yaml:"threads"`

	// Affinity is the core-placement hint. Only meaningful with Threads > 0.
	Affinity Affinity `json:"affinity" yaml:"affinity"`

	// Encoding selects the data representation.
	Encoding Encoding `json:"encoding" yaml:"encoding"`

	// GPU enables GPU dispatch; GPUBatch is the per-dispatch batch size
	// (0 lets the backend choose).
	GPU      bool `json:"gpu" yaml:"gpu"`
	GPUBatch int  `json:"gpu_batch,omitempty" yaml:"gpu_batch,omitempty"`

	// Compression is the input codec.
	Compression Compression `json:"compression" yaml:"compression"`
}

// Baseline returns the no-optimizations configuration: single-threaded,
// scalar, native encoding, no GPU, no compression. Every speedup in the
// system is relative to a node running this config.
func Baseline() BackendConfig {
	return BackendConfig{
		Vector:      false,
		Threads:     0,
		Affinity:    AffinityDefault,
		Encoding:    EncodingNative,
		GPU:         false,
		Compression: CompressionNone,
	}
}

// Normalize fills zero-valued enum fields with their explicit defaults.
// Configs decoded from YAML/JSON may leave these empty; normalizing keeps
// Name() and node IDs stable.
func (c BackendConfig) Normalize() BackendConfig {
	if c.Affinity == "" {
		c.Affinity = AffinityDefault
	}
	if c.Encoding == "" {
		c.Encoding = EncodingNative
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	return c
}

// IsBaseline reports whether the config equals Baseline().
func (c BackendConfig) IsBaseline() bool {
	return c.Normalize() == Baseline()
}

// Name returns the canonical, deterministic name for this configuration.
//
// The name concatenates non-default dimensions in a fixed order
// (vector, threads, affinity, encoding, compression, gpu), joined by "+".
// The baseline config is named "baseline". Names are used in node IDs,
// store keys, and the CSV export, so the ordering must never change.
func (c BackendConfig) Name() string {
	c = c.Normalize()
	var parts []string
	if c.Vector {
		parts = append(parts, "vector")
	}
	if c.Threads > 0 {
		parts = append(parts, fmt.Sprintf("threads%d", c.Threads))
	}
	switch c.Affinity {
	case AffinityPerformance:
		parts = append(parts, "perf")
	case AffinityEfficiency:
		parts = append(parts, "eff")
	}
	if c.Encoding == EncodingCompact {
		parts = append(parts, "compact")
	}
	switch c.Compression {
	case CompressionFast:
		parts = append(parts, "zfast")
	case CompressionDense:
		parts = append(parts, "zdense")
	}
	if c.GPU {
		if c.GPUBatch > 0 {
			parts = append(parts, fmt.Sprintf("gpu%d", c.GPUBatch))
		} else {
			parts = append(parts, "gpu")
		}
	}
	if len(parts) == 0 {
		return "baseline"
	}
	return strings.Join(parts, "+")
}

// ConfigType returns the coarse strategy class used by downstream analysis
// tooling: baseline, vector, parallel, vector_parallel, gpu, encoding,
// compression, or mixed.
func (c BackendConfig) ConfigType() string {
	c = c.Normalize()
	switch {
	case c.GPU:
		return "gpu"
	case c.Vector && c.Threads > 0:
		return "vector_parallel"
	case c.Vector && c.Dimensions() == 1:
		return "vector"
	case c.Threads > 0 && c.Dimensions() == 1:
		return "parallel"
	case c.Encoding == EncodingCompact && c.Dimensions() == 1:
		return "encoding"
	case c.Compression != CompressionNone && c.Dimensions() == 1:
		return "compression"
	case c.IsBaseline():
		return "baseline"
	default:
		return "mixed"
	}
}

// Dimensions counts the optimization dimensions switched on: vector,
// threading, encoding, compression, and GPU each count as one. Affinity is
// a placement hint on the threading dimension, not a dimension itself.
func (c BackendConfig) Dimensions() int {
	c = c.Normalize()
	n := 0
	if c.Vector {
		n++
	}
	if c.Threads > 0 {
		n++
	}
	if c.Encoding == EncodingCompact {
		n++
	}
	if c.Compression != CompressionNone {
		n++
	}
	if c.GPU {
		n++
	}
	return n
}

// IsComposed reports whether the config combines two or more optimization
// dimensions. Composed configs are the ones the Composition Validator cares
// about.
func (c BackendConfig) IsComposed() bool {
	return c.Dimensions() >= 2
}

// Decomposed splits the config into its single-dimension parts in canonical
// order: vector, parallel, encoding, compression, gpu. Affinity rides with
// the parallel part and GPUBatch with the gpu part. Each part's ConfigType
// names its dimension. A baseline config decomposes to nothing.
func (c BackendConfig) Decomposed() []BackendConfig {
	c = c.Normalize()
	var parts []BackendConfig
	if c.Vector {
		parts = append(parts, BackendConfig{Vector: true})
	}
	if c.Threads > 0 {
		parts = append(parts, BackendConfig{Threads: c.Threads, Affinity: c.Affinity})
	}
	if c.Encoding == EncodingCompact {
		parts = append(parts, BackendConfig{Encoding: c.Encoding})
	}
	if c.Compression != CompressionNone {
		parts = append(parts, BackendConfig{Compression: c.Compression})
	}
	if c.GPU {
		parts = append(parts, BackendConfig{GPU: true, GPUBatch: c.GPUBatch})
	}
	return parts
}

// RequiredCapabilities lists the capabilities an operation must declare for
// this config to be legal, in deterministic order.
func (c BackendConfig) RequiredCapabilities() []Capability {
	c = c.Normalize()
	var caps []Capability
	if c.Vector {
		caps = append(caps, CapVector)
	}
	if c.Threads > 0 {
		caps = append(caps, CapParallel)
	}
	if c.GPU {
		caps = append(caps, CapGPU)
	}
	if c.Encoding == EncodingCompact {
		caps = append(caps, CapCompactEncoding)
	}
	if c.Compression != CompressionNone {
		caps = append(caps, CapCompression)
	}
	return caps
}

// CompatibleWith checks the hard compatibility invariant against an
// operation's declared capabilities.
//
// Outputs:
//
//	error - nil when every non-default dimension is covered; otherwise a
//	        wrapped ErrIncompatibleBackend naming the first missing capability.
func (c BackendConfig) CompatibleWith(op Operation) error {
	for _, cap := range c.RequiredCapabilities() {
		if !op.Supports(cap) {
			return fmt.Errorf("%w: operation %q does not support %q (config %q)",
				ErrIncompatibleBackend, op.ID, cap, c.Name())
		}
	}
	return nil
}

// Validate checks structural constraints on the config itself.
func (c BackendConfig) Validate() error {
	c = c.Normalize()
	if c.Threads < 0 {
		return fmt.Errorf("%w: threads must be >= 0, got %d", ErrInvalidConfig, c.Threads)
	}
	if c.GPUBatch < 0 {
		return fmt.Errorf("%w: gpu_batch must be >= 0, got %d", ErrInvalidConfig, c.GPUBatch)
	}
	if c.GPUBatch > 0 && !c.GPU {
		return fmt.Errorf("%w: gpu_batch set without gpu enabled", ErrInvalidConfig)
	}
	switch c.Affinity {
	case AffinityDefault, AffinityPerformance, AffinityEfficiency:
	default:
		return fmt.Errorf("%w: unknown affinity %q", ErrInvalidConfig, c.Affinity)
	}
	switch c.Encoding {
	case EncodingNative, EncodingCompact:
	default:
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalidConfig, c.Encoding)
	}
	switch c.Compression {
	case CompressionNone, CompressionFast, CompressionDense:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}
	if c.Affinity != AffinityDefault && c.Threads == 0 {
		return fmt.Errorf("%w: affinity hint %q requires threads > 0", ErrInvalidConfig, c.Affinity)
	}
	return nil
}
