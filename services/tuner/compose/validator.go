// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose validates whether optimization dimensions multiply.
//
// The naive assumption is that a 20x vector speedup and a 4x parallel
// speedup combine to 80x. In practice they rarely do: shared memory
// bandwidth, cache pressure, and scheduling overhead make the combined
// effect sublinear, and occasionally an encoding shrink makes per-worker
// data cache-resident and the effect superlinear. The Validator measures
// the combined config alongside its single-dimension parts and the
// baseline, then reports the composition factor
//
//	factor = combined speedup / (speedup_a * speedup_b)
//
// together with a one-sample t-test of the per-repetition factors against
// 1.0, so a deviation from multiplicative composition is never presented
// without its significance.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

var tracer = otel.Tracer("services/tuner/compose")

// ErrNotComposed is returned when a config does not combine exactly two
// optimization dimensions. Validation is pairwise: configs with three or
// more dimensions have no single (a, b) decomposition to test.
var ErrNotComposed = errors.New("config does not compose exactly two dimensions")

// =============================================================================
// Config
// =============================================================================

// Config tunes the significance gate of the composition test.
type Config struct {
	// Alpha is the significance level for the one-sample t-test. A
	// composition is flagged Significant when p < Alpha.
	Alpha float64
}

// DefaultConfig returns the conventional 5% significance level.
func DefaultConfig() Config {
	return Config{Alpha: 0.05}
}

// Validate checks the config for structural errors.
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha must be in (0, 1), got %g", c.Alpha)
	}
	return nil
}

// =============================================================================
// Validator
// =============================================================================

// Validator measures composed configs against their decomposed parts.
//
// Thread Safety: a Validator is safe for concurrent use as long as the
// underlying measurement engine is; measurements themselves are serialized
// per call.
type Validator struct {
	registry *registry.Registry
	engine   *measure.Engine
	datasets *dataset.Resolver
	cfg      Config
	logger   *slog.Logger
}

// NewValidator wires a Validator over an operation registry, a measurement
// engine, and a dataset resolver.
func NewValidator(reg *registry.Registry, engine *measure.Engine, datasets *dataset.Resolver, cfg Config, logger *slog.Logger) (*Validator, error) {
	if reg == nil {
		return nil, errors.New("compose: registry is nil")
	}
	if engine == nil {
		return nil, errors.New("compose: measurement engine is nil")
	}
	if datasets == nil {
		return nil, errors.New("compose: dataset resolver is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		registry: reg,
		engine:   engine,
		datasets: datasets,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ValidatePair measures one operation four ways at one scale and reports
// how the combined config's speedup compares with the product of its
// single-dimension parts.
//
// Inputs:
//
//	operation - registered operation ID.
//	combined - a config switching on exactly two optimization dimensions.
//	scale - the tier to measure at.
//
// Outputs:
//
//	*datatypes.Composition - factor, significance, and provenance.
//	error - ErrNotComposed for configs that are not two-dimensional,
//	datatypes.ErrIncompatibleBackend when the operation lacks a required
//	capability, or a wrapped measurement error.
func (v *Validator) ValidatePair(ctx context.Context, operation string, combined datatypes.BackendConfig, scale datatypes.Scale) (*datatypes.Composition, error) {
	ctx, span := tracer.Start(ctx, "compose.ValidatePair")
	defer span.End()

	combined = combined.Normalize()
	span.SetAttributes(
		attribute.String("operation", operation),
		attribute.String("config", combined.Name()),
		attribute.String("scale", scale.Name),
	)

	dims := decompose(combined)
	if len(dims) != 2 {
		err := fmt.Errorf("%w: %s has %d", ErrNotComposed, combined.Name(), len(dims))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !v.registry.IsCompatible(operation, combined) {
		err := fmt.Errorf("%w: %s cannot run %s", datatypes.ErrIncompatibleBackend, operation, combined.Name())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := v.datasets.Resolve(scale)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve %s dataset: %w", scale.Name, err)
	}

	nodes := []datatypes.DAGNode{
		datatypes.NewNode(operation, combined, scale),
		datatypes.NewNode(operation, dims[0].config, scale),
		datatypes.NewNode(operation, dims[1].config, scale),
		datatypes.NewNode(operation, datatypes.Baseline(), scale),
	}
	stats := make([]*datatypes.Statistics, len(nodes))
	for i, node := range nodes {
		s, err := v.engine.Measure(ctx, node.Operation, node.Config, data)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("measure %s: %w", node.ID(), err)
		}
		stats[i] = s
	}

	provenance := make([]string, len(nodes))
	for i, node := range nodes {
		provenance[i] = node.ID()
	}

	comp, err := compositionFrom(operation, dims[0].name, dims[1].name,
		stats[3], stats[1], stats[2], stats[0], v.cfg.Alpha, provenance)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("factor", comp.Factor),
		attribute.String("interpretation", string(comp.Interpretation)),
		attribute.Bool("significant", comp.Significant),
	)
	span.SetStatus(codes.Ok, "")
	v.logger.Info("composition validated",
		"operation", operation,
		"config", combined.Name(),
		"scale", scale.Name,
		"factor", comp.Factor,
		"interpretation", comp.Interpretation,
		"p_value", comp.PValue,
	)
	return comp, nil
}

// ValidateRuleSet walks a derived rule set and attaches a composition
// finding to every rule whose config switches on two dimensions.
//
// Description:
//
//	Each composed rule is re-measured at its ScaleMax tier, the largest
//	tier the rule claims and the one where interference effects such as
//	bandwidth saturation are most visible. Rules whose config is single
//	dimension are left untouched; configs with three or more dimensions
//	are skipped because the test is pairwise. A failure on one rule is
//	logged and does not abort the rest.
//
// Outputs:
//
//	error - Non-nil only when the rule set is nil or the context ends.
func (v *Validator) ValidateRuleSet(ctx context.Context, rs *datatypes.RuleSet) error {
	if rs == nil {
		return errors.New("compose: rule set is nil")
	}
	ctx, span := tracer.Start(ctx, "compose.ValidateRuleSet")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", rs.RunID),
		attribute.Int("rules", len(rs.Rules)),
	)

	validated := 0
	for i := range rs.Rules {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		rule := &rs.Rules[i]
		if !rule.Config.IsComposed() {
			continue
		}
		scale, err := datatypes.ScaleByName(rule.ScaleMax)
		if err != nil {
			v.logger.Warn("composition skipped, rule has unknown scale",
				"operation", rule.Operation,
				"scale_max", rule.ScaleMax,
			)
			continue
		}
		comp, err := v.ValidatePair(ctx, rule.Operation, rule.Config, scale)
		switch {
		case errors.Is(err, ErrNotComposed):
			v.logger.Debug("composition skipped, validation is pairwise",
				"operation", rule.Operation,
				"config", rule.Config.Name(),
				"dimensions", rule.Config.Dimensions(),
			)
			continue
		case err != nil:
			v.logger.Warn("composition validation failed",
				"operation", rule.Operation,
				"config", rule.Config.Name(),
				"scale", scale.Name,
				"error", err,
			)
			continue
		}
		rule.Composition = comp
		validated++
	}

	span.SetAttributes(attribute.Int("validated", validated))
	span.SetStatus(codes.Ok, "")
	v.logger.Info("rule set composition pass complete",
		"run_id", rs.RunID,
		"rules", len(rs.Rules),
		"validated", validated,
	)
	return nil
}

// =============================================================================
// Decomposition and factor math
// =============================================================================

// dimension is one optimization axis of a composed config, carried with the
// single-dimension config that isolates it.
type dimension struct {
	name   string
	config datatypes.BackendConfig
}

// decompose splits a config into named single-dimension parts. A part's
// ConfigType is exactly its dimension name, so no second mapping exists to
// drift out of sync with the config model.
func decompose(cfg datatypes.BackendConfig) []dimension {
	parts := cfg.Decomposed()
	dims := make([]dimension, len(parts))
	for i, part := range parts {
		dims[i] = dimension{name: part.ConfigType(), config: part}
	}
	return dims
}

// compositionFrom computes the composition record from four measurement
// summaries: the baseline, each single-dimension config, and the combined
// config, all at the same (operation, scale).
//
// Description:
//
//	The headline factor uses the summary means. The significance test uses
//	per-repetition factors: each filtered combined sample yields one factor
//	observation (baseline mean / sample) / naive, and the one-sample t-test
//	asks whether their mean differs from 1.0. Fewer than two observations
//	degrade to p = 1, reported but never significant.
func compositionFrom(operation, dimA, dimB string, base, singleA, singleB, combined *datatypes.Statistics, alpha float64, provenance []string) (*datatypes.Composition, error) {
	for _, s := range []*datatypes.Statistics{base, singleA, singleB, combined} {
		if s == nil || s.NValid == 0 {
			return nil, fmt.Errorf("%w: composition needs valid samples on all four nodes", datatypes.ErrNoBaseline)
		}
		if s.MeanSeconds <= 0 {
			return nil, fmt.Errorf("%w: non-positive mean timing", datatypes.ErrNoBaseline)
		}
	}

	speedupA := base.MeanSeconds / singleA.MeanSeconds
	speedupB := base.MeanSeconds / singleB.MeanSeconds
	naive := speedupA * speedupB
	if naive <= 0 {
		return nil, fmt.Errorf("%w: degenerate single-dimension speedups", datatypes.ErrNoBaseline)
	}

	actual := base.MeanSeconds / combined.MeanSeconds
	factor := actual / naive

	var samples []float64
	for _, sec := range combined.FilteredSeconds {
		if sec <= 0 {
			continue
		}
		samples = append(samples, (base.MeanSeconds/sec)/naive)
	}
	_, pValue, _ := measure.OneSampleTTest(samples, 1.0)

	return &datatypes.Composition{
		Operation:      operation,
		DimensionA:     dimA,
		DimensionB:     dimB,
		Factor:         factor,
		ErrorPercent:   math.Abs(factor-1) * 100,
		Interpretation: datatypes.InterpretCompositionFactor(factor),
		PValue:         pValue,
		Significant:    pValue < alpha,
		SampleCount:    len(samples),
		Provenance:     provenance,
	}, nil
}
