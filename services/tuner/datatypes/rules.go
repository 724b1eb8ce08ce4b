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
	"time"
)

// =============================================================================
// Confidence tiers
// =============================================================================

// ConfidenceTier labels how directly measured data supports a selection.
type ConfidenceTier string

const (
	// ConfidenceValidated means an exact (operation, scale bucket) rule with
	// sufficient sample support backed the recommendation.
	ConfidenceValidated ConfidenceTier = "validated"

	// ConfidenceInterpolated means the regression model filled a gap between
	// measured buckets.
	ConfidenceInterpolated ConfidenceTier = "interpolated"

	// ConfidenceNone means no rule covered the operation; the safe baseline
	// was returned instead of a guess.
	ConfidenceNone ConfidenceTier = "none"
)

// MinRuleSamples is the valid-repetition floor a measured node must reach
// for a rule derived from it to be eligible for automatic selection. Rules
// below the floor are marked low-confidence and skipped by the Selector.
const MinRuleSamples = 10

// =============================================================================
// Composition
// =============================================================================

// CompositionInterpretation classifies a composition factor.
type CompositionInterpretation string

const (
	// CompositionMultiplicative: factor within [0.9, 1.1], independent
	// speedups compose as a product.
	CompositionMultiplicative CompositionInterpretation = "multiplicative"

	// CompositionSublinear: factor below 0.9, dimensions interfere
	// (commonly memory-bandwidth saturation). Must be surfaced, not hidden.
	CompositionSublinear CompositionInterpretation = "sublinear"

	// CompositionSuperlinear: factor above 1.1, dimensions reinforce
	// (e.g. parallel workers each fitting in cache after encoding shrink).
	CompositionSuperlinear CompositionInterpretation = "superlinear"
)

// InterpretCompositionFactor buckets a factor into its interpretation band.
func InterpretCompositionFactor(factor float64) CompositionInterpretation {
	switch {
	case factor < 0.9:
		return CompositionSublinear
	case factor > 1.1:
		return CompositionSuperlinear
	default:
		return CompositionMultiplicative
	}
}

// Composition records the validated interaction of two optimization
// dimensions for one operation.
type Composition struct {
	Operation string `json:"operation"`

	// DimensionA/B name the composed dimensions ("vector", "parallel", ...).
	DimensionA string `json:"dimension_a"`
	DimensionB string `json:"dimension_b"`

	// Factor = actual combined speedup / (speedup_a * speedup_b).
	Factor float64 `json:"factor"`

	// ErrorPercent = |factor - 1| * 100, the naive prediction's error.
	ErrorPercent float64 `json:"error_percent"`

	Interpretation CompositionInterpretation `json:"interpretation"`

	// PValue is the one-sample t-test significance of the per-repetition
	// ratios against 1.0; Significant is p < 0.05.
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`

	// SampleCount is how many ratio samples backed the test.
	SampleCount int `json:"sample_count"`

	// Provenance lists the node IDs (combined, a, b, baseline) involved.
	Provenance []string `json:"provenance,omitempty"`
}

// =============================================================================
// OptimizationRule and RuleSet
// =============================================================================

// OptimizationRule maps (operation, scale range) to a recommended backend
// configuration with its statistical support.
type OptimizationRule struct {
	Operation string `json:"operation"`

	// ScaleMin/ScaleMax bound the tier range the rule covers, inclusive.
	ScaleMin string `json:"scale_min"`
	ScaleMax string `json:"scale_max"`

	Config BackendConfig `json:"config"`

	ExpectedSpeedup Speedup `json:"expected_speedup"`

	// Composition is attached when Config combines two or more dimensions;
	// its factor must be applied to naive multiplicative predictions.
	Composition *Composition `json:"composition,omitempty"`

	// SampleCount is the valid-repetition count of the weakest supporting
	// node. Below MinRuleSamples the rule is low-confidence.
	SampleCount   int  `json:"sample_count"`
	LowConfidence bool `json:"low_confidence,omitempty"`

	// Provenance points at the Result Store rows that justified the rule.
	Provenance []string `json:"provenance"`

	Confidence ConfidenceTier `json:"confidence"`
}

// CoversScale reports whether the rule's tier range includes the scale.
func (r OptimizationRule) CoversScale(s Scale) bool {
	min, err := ScaleByName(r.ScaleMin)
	if err != nil {
		return false
	}
	max, err := ScaleByName(r.ScaleMax)
	if err != nil {
		return false
	}
	i := s.Index()
	return i >= min.Index() && i <= max.Index()
}

// RegressionModel is the optional interpolation model fitted by the Rule
// Deriver: least-squares coefficients predicting speedup from operation
// complexity, log10 sequence count, and backend dimension flags.
type RegressionModel struct {
	// Coefficients: Intercept + Complexity*x1 + LogScale*x2 + per-dimension
	// terms. Kept explicit so the exported rule set is self-describing.
	Intercept   float64 `json:"intercept"`
	Complexity  float64 `json:"complexity"`
	LogScale    float64 `json:"log_scale"`
	Vector      float64 `json:"vector"`
	ThreadsLog2 float64 `json:"threads_log2"`
	Compact     float64 `json:"compact"`
	Compressed  float64 `json:"compressed"`

	// TrainRMSE and HoldoutRMSE report fit quality; a rule set with zero
	// holdout operations must not be published as interpolation-capable.
	TrainRMSE   float64 `json:"train_rmse"`
	HoldoutRMSE float64 `json:"holdout_rmse"`
	TrainCount  int     `json:"train_count"`
	TestCount   int     `json:"test_count"`
}

// RuleSetSchemaVersion is the semver of the exported rule set document.
// Loaders accept any version with the same major component.
const RuleSetSchemaVersion = "v1.2.0"

// RuleSet is the exported Optimization Rule Set document.
type RuleSet struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`

	// RunID ties the document to the traversal run it derives from.
	RunID string `json:"run_id"`

	// Profile tags the hardware the measurements ran on.
	Profile HardwareProfile `json:"profile"`

	// ValidationRMSE is the held-out prediction error for the published
	// rules; HoldoutOps are the operations excluded from fitting. A rule
	// set without a reported validation error must not be published.
	ValidationRMSE float64  `json:"validation_rmse"`
	HoldoutOps     []string `json:"holdout_ops,omitempty"`

	Rules []OptimizationRule `json:"rules"`

	// Regression is the optional interpolation model.
	Regression *RegressionModel `json:"regression,omitempty"`
}

// RulesFor returns all rules for an operation, preserving derivation order.
func (rs *RuleSet) RulesFor(operation string) []OptimizationRule {
	var out []OptimizationRule
	for _, r := range rs.Rules {
		if r.Operation == operation {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the document-level invariants.
func (rs *RuleSet) Validate() error {
	if rs.SchemaVersion == "" {
		return fmt.Errorf("%w: rule set missing schema_version", ErrInvalidConfig)
	}
	if rs.RunID == "" {
		return fmt.Errorf("%w: rule set missing run_id", ErrInvalidConfig)
	}
	for i, r := range rs.Rules {
		if r.Operation == "" {
			return fmt.Errorf("%w: rule %d missing operation", ErrInvalidConfig, i)
		}
		if _, err := ScaleByName(r.ScaleMin); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if _, err := ScaleByName(r.ScaleMax); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if len(r.Provenance) == 0 {
			return fmt.Errorf("%w: rule %d has no provenance", ErrInvalidConfig, i)
		}
	}
	return nil
}
