// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package measure

import (
	"errors"
	"time"
)

// Config controls the measurement protocol for one node.
type Config struct {
	// Warmup is the number of unrecorded iterations before measurement.
	// Default: 3
	Warmup int

	// Repetitions is the number of recorded timing samples.
	// Default: 30
	Repetitions int

	// Cooldown is the pause between warmup and measurement.
	// Default: 0
	Cooldown time.Duration

	// Timeout bounds the whole measurement including warmup and
	// validation. Default: 10 minutes
	Timeout time.Duration

	// OutlierThreshold is the IQR multiplier for outlier rejection.
	// Default: 1.5
	OutlierThreshold float64

	// MinValidSamples is the survivor floor after outlier rejection.
	// Fewer survivors fail the node with ErrInsufficientValidSamples.
	// Default: 5
	MinValidSamples int

	// Confidence is the level for the timing confidence interval.
	// Default: 0.95
	Confidence float64

	// PrecisionFloor is the single-iteration estimate below which
	// iterations are batched. Default: 1ms
	PrecisionFloor time.Duration

	// TargetBatchTime is the wall time one batched sample should take when
	// batching kicks in. Default: 10ms
	TargetBatchTime time.Duration

	// MaxBatchSize caps the iteration count per batched sample.
	// Default: 1_000_000
	MaxBatchSize int

	// ValidateOutput runs the correctness gate before any timing.
	// Default: true
	ValidateOutput bool

	// CollectMemory samples runtime.MemStats around the measurement and
	// logs the heap delta. Default: false
	CollectMemory bool

	// PinThread applies the config's affinity hint to the measuring OS
	// thread. Best effort; unsupported platforms log and continue.
	// Default: true
	PinThread bool
}

// DefaultConfig returns the standard measurement protocol.
func DefaultConfig() *Config {
	return &Config{
		Warmup:           3,
		Repetitions:      30,
		Cooldown:         0,
		Timeout:          10 * time.Minute,
		OutlierThreshold: 1.5,
		MinValidSamples:  5,
		Confidence:       0.95,
		PrecisionFloor:   time.Millisecond,
		TargetBatchTime:  10 * time.Millisecond,
		MaxBatchSize:     1_000_000,
		ValidateOutput:   true,
		CollectMemory:    false,
		PinThread:        true,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Repetitions <= 0 {
		return errors.New("repetitions must be positive")
	}
	if c.Warmup < 0 {
		return errors.New("warmup must be non-negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.OutlierThreshold <= 0 {
		return errors.New("outlier threshold must be positive")
	}
	if c.MinValidSamples <= 0 {
		return errors.New("min valid samples must be positive")
	}
	if c.MinValidSamples > c.Repetitions {
		return errors.New("min valid samples must not exceed repetitions")
	}
	if c.PrecisionFloor <= 0 {
		return errors.New("precision floor must be positive")
	}
	if c.TargetBatchTime < c.PrecisionFloor {
		return errors.New("target batch time must be at least the precision floor")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New("max batch size must be positive")
	}
	return nil
}

// =============================================================================
// Options
// =============================================================================

// Option configures the measurement engine.
type Option func(*Config)

// WithConfig replaces the whole configuration. Apply it first when deriving
// an engine from another engine's Config(), then layer overrides on top.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithWarmup sets the number of warmup iterations.
func WithWarmup(n int) Option {
	return func(c *Config) {
		c.Warmup = n
	}
}

// WithRepetitions sets the number of recorded samples.
func WithRepetitions(n int) Option {
	return func(c *Config) {
		c.Repetitions = n
	}
}

// WithCooldown sets the pause between warmup and measurement.
func WithCooldown(d time.Duration) Option {
	return func(c *Config) {
		c.Cooldown = d
	}
}

// WithTimeout bounds the whole measurement.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithOutlierThreshold sets the IQR multiplier for outlier rejection.
func WithOutlierThreshold(threshold float64) Option {
	return func(c *Config) {
		c.OutlierThreshold = threshold
	}
}

// WithMinValidSamples sets the survivor floor after outlier rejection.
func WithMinValidSamples(n int) Option {
	return func(c *Config) {
		c.MinValidSamples = n
	}
}

// WithConfidence sets the confidence level for timing intervals.
func WithConfidence(level float64) Option {
	return func(c *Config) {
		c.Confidence = level
	}
}

// WithPrecisionFloor sets the estimate below which batching kicks in.
func WithPrecisionFloor(d time.Duration) Option {
	return func(c *Config) {
		c.PrecisionFloor = d
	}
}

// WithTargetBatchTime sets the wall time one batched sample should take.
func WithTargetBatchTime(d time.Duration) Option {
	return func(c *Config) {
		c.TargetBatchTime = d
	}
}

// WithMaxBatchSize caps the iterations folded into one batched sample.
func WithMaxBatchSize(n int) Option {
	return func(c *Config) {
		c.MaxBatchSize = n
	}
}

// WithValidation enables or disables the correctness gate.
func WithValidation(enabled bool) Option {
	return func(c *Config) {
		c.ValidateOutput = enabled
	}
}

// WithMemoryCollection enables MemStats sampling around the measurement.
func WithMemoryCollection(enabled bool) Option {
	return func(c *Config) {
		c.CollectMemory = enabled
	}
}

// WithThreadPinning enables or disables the affinity hint.
func WithThreadPinning(enabled bool) Option {
	return func(c *Config) {
		c.PinThread = enabled
	}
}
