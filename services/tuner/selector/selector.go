// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selector answers the runtime question: given an operation and an
// observed input size, which backend configuration should run it?
//
// Decisions come in three confidence tiers. A rule covering the exact scale
// bucket with enough sample support answers "validated". A gap between
// measured buckets is filled by the rule set's regression model and answers
// "interpolated". An operation nothing covers gets the safe baseline and
// "none": silent misconfiguration is worse than admitting ignorance, so the
// selector never guesses.
//
// The selector can watch its rule-set file and hot-reload on change,
// keeping the last good set when a new document fails to load.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/rules"
)

// =============================================================================
// Config and Decision
// =============================================================================

// Config tunes selection behavior.
type Config struct {
	// StrictProfile refuses queries from hardware the rule set was not
	// derived on, instead of downgrading matches to interpolated.
	StrictProfile bool

	// MinInterpolatedSpeedup is the floor a regression prediction must
	// clear before the selector recommends a non-baseline config for an
	// unmeasured bucket. At the default 1.0 the prediction must beat the
	// baseline outright.
	MinInterpolatedSpeedup float64
}

// DefaultConfig returns the standard selection policy.
func DefaultConfig() Config {
	return Config{MinInterpolatedSpeedup: 1.0}
}

// Validate checks the config for structural errors.
func (c Config) Validate() error {
	if c.MinInterpolatedSpeedup < 0 {
		return fmt.Errorf("min interpolated speedup must be >= 0, got %g", c.MinInterpolatedSpeedup)
	}
	return nil
}

// Decision is the selector's answer for one (operation, observed size)
// query.
type Decision struct {
	Operation string `json:"operation"`

	// Scale is the ladder bucket the observed sequence count mapped to.
	Scale datatypes.Scale `json:"scale"`

	// Config is the recommended backend configuration; the baseline when
	// Confidence is none.
	Config datatypes.BackendConfig `json:"config"`

	// Expected is the speedup claim behind the recommendation, nil when the
	// selector declines to make one.
	Expected *datatypes.Speedup `json:"expected,omitempty"`

	Confidence datatypes.ConfidenceTier `json:"confidence"`

	// Rule is a copy of the supporting rule, nil for baseline decisions.
	Rule *datatypes.OptimizationRule `json:"rule,omitempty"`

	// ProfileMismatch notes that the querying machine differs from the one
	// the rule set was derived on.
	ProfileMismatch bool `json:"profile_mismatch,omitempty"`
}

// =============================================================================
// Selector
// =============================================================================

// Selector serves configuration decisions from an optimization rule set.
//
// Thread Safety: safe for concurrent use. Select holds a read lock only
// long enough to snapshot the current set; reloads swap the set atomically.
type Selector struct {
	complexity rules.ComplexitySource
	cfg        Config
	logger     *slog.Logger
	path       string

	mu sync.RWMutex
	rs *datatypes.RuleSet

	watcher  *fsnotify.Watcher
	watching bool
	done     chan struct{}
	stopOnce sync.Once
}

// New loads the rule set at path and serves decisions from it. The path
// also backs Reload and Watch.
//
// complexity resolves operation IDs to their compute-per-byte score for
// regression interpolation; a nil source disables interpolation.
func New(path string, complexity rules.ComplexitySource, cfg Config, logger *slog.Logger) (*Selector, error) {
	rs, err := rules.LoadRuleSet(path)
	if err != nil {
		return nil, fmt.Errorf("selector: load rule set: %w", err)
	}
	s, err := NewFromRuleSet(rs, complexity, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

// NewFromRuleSet serves decisions from an in-memory rule set. Reload and
// Watch need a backing file and return an error. A nil rule set is allowed
// and yields baseline decisions until one is swapped in.
func NewFromRuleSet(rs *datatypes.RuleSet, complexity rules.ComplexitySource, cfg Config, logger *slog.Logger) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rs != nil {
		rulesLoaded.Set(float64(len(rs.Rules)))
	}
	return &Selector{
		complexity: complexity,
		cfg:        cfg,
		logger:     logger,
		rs:         rs,
		done:       make(chan struct{}),
	}, nil
}

// RuleSet returns the currently served rule set, nil before any load.
func (s *Selector) RuleSet() *datatypes.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rs
}

// Select recommends a backend configuration for running an operation over
// the observed number of sequences on the given hardware.
//
// Description:
//
//	The observed count buckets into the smallest covering scale tier. An
//	exact-bucket rule with full sample support answers validated; otherwise
//	the regression model estimates the nearest eligible rule's config at
//	the requested tier and answers interpolated; otherwise the baseline
//	config answers none. Low-confidence rules never drive a decision.
//
//	A zero-value profile skips all hardware checks. A profile that differs
//	from the rule set's derivation machine downgrades validated answers to
//	interpolated (or refuses outright under StrictProfile), caps thread
//	counts at the machine's logical cores, and skips rules whose config
//	needs vector or GPU hardware the machine lacks.
func (s *Selector) Select(operation string, sequences int, profile datatypes.HardwareProfile) Decision {
	scale := datatypes.ScaleCategory(sequences)

	s.mu.RLock()
	rs := s.rs
	s.mu.RUnlock()

	decision := Decision{
		Operation:  operation,
		Scale:      scale,
		Config:     datatypes.Baseline(),
		Confidence: datatypes.ConfidenceNone,
	}
	if rs == nil {
		return s.record(decision)
	}

	mismatch := profile != (datatypes.HardwareProfile{}) && !profile.Matches(rs.Profile)
	decision.ProfileMismatch = mismatch
	if mismatch {
		crossProfileQueries.Inc()
		if s.cfg.StrictProfile {
			s.logger.Debug("cross-profile query refused",
				"operation", operation,
				"query_profile", profile.String(),
				"rule_profile", rs.Profile.String(),
			)
			return s.record(decision)
		}
	}

	opRules := rs.RulesFor(operation)

	if rule := coveringRule(opRules, scale, profile); rule != nil {
		r := *rule
		decision.Config = clampThreads(r.Config, profile)
		decision.Rule = &r
		switch {
		case decision.Config != r.Config:
			// The clamped config was never measured, so the rule's
			// speedup claim does not transfer.
			decision.Confidence = datatypes.ConfidenceInterpolated
		case mismatch:
			expected := r.ExpectedSpeedup
			decision.Expected = &expected
			decision.Confidence = datatypes.ConfidenceInterpolated
		default:
			expected := r.ExpectedSpeedup
			decision.Expected = &expected
			decision.Confidence = datatypes.ConfidenceValidated
		}
		return s.record(decision)
	}

	if interp, ok := s.interpolate(rs, opRules, operation, scale, profile); ok {
		interp.ProfileMismatch = mismatch
		return s.record(interp)
	}

	return s.record(decision)
}

func (s *Selector) record(d Decision) Decision {
	selectionsTotal.WithLabelValues(d.Operation, string(d.Confidence)).Inc()
	return d
}

// interpolate estimates a config for a bucket nothing was measured at.
func (s *Selector) interpolate(rs *datatypes.RuleSet, opRules []datatypes.OptimizationRule, operation string, scale datatypes.Scale, profile datatypes.HardwareProfile) (Decision, bool) {
	if rs.Regression == nil || s.complexity == nil || len(opRules) == 0 {
		return Decision{}, false
	}
	complexity, err := s.complexity.Complexity(operation)
	if err != nil {
		s.logger.Debug("interpolation skipped, no complexity score",
			"operation", operation,
			"error", err,
		)
		return Decision{}, false
	}
	cand := nearestRule(opRules, scale, profile)
	if cand == nil {
		return Decision{}, false
	}

	cfg := clampThreads(cand.Config, profile)
	predicted := predictSpeedup(rs.Regression, complexity, scale, cfg, cand.Composition)
	if math.IsNaN(predicted) || math.IsInf(predicted, 0) || predicted <= s.cfg.MinInterpolatedSpeedup {
		s.logger.Debug("interpolation declined, prediction below floor",
			"operation", operation,
			"scale", scale.Name,
			"config", cfg.Name(),
			"predicted", predicted,
		)
		return Decision{}, false
	}

	lower := predicted - rs.ValidationRMSE
	if lower < 0 {
		lower = 0
	}
	r := *cand
	return Decision{
		Operation: operation,
		Scale:     scale,
		Config:    cfg,
		Expected: &datatypes.Speedup{
			Value:   predicted,
			CILower: lower,
			CIUpper: predicted + rs.ValidationRMSE,
		},
		Confidence: datatypes.ConfidenceInterpolated,
		Rule:       &r,
	}, true
}

// predictSpeedup estimates a config's speedup at an unmeasured tier. A
// composed config with a measured composition factor uses the product of
// the model's single-dimension estimates corrected by that factor; every
// other config uses the model's direct estimate.
func predictSpeedup(model *datatypes.RegressionModel, complexity float64, scale datatypes.Scale, cfg datatypes.BackendConfig, comp *datatypes.Composition) float64 {
	if comp != nil && cfg.IsComposed() {
		product := 1.0
		for _, part := range cfg.Decomposed() {
			product *= rules.Predict(model, complexity, scale, part)
		}
		return product * comp.Factor
	}
	return rules.Predict(model, complexity, scale, cfg)
}

// =============================================================================
// Rule lookup
// =============================================================================

// coveringRule returns the first eligible rule whose range covers the
// bucket. Low-confidence rules and rules the profile cannot run are never
// eligible.
func coveringRule(opRules []datatypes.OptimizationRule, scale datatypes.Scale, profile datatypes.HardwareProfile) *datatypes.OptimizationRule {
	for i := range opRules {
		r := &opRules[i]
		if r.LowConfidence || !usableOnProfile(r.Config, profile) {
			continue
		}
		if r.CoversScale(scale) {
			return r
		}
	}
	return nil
}

// nearestRule returns the eligible rule closest to the bucket by ladder
// distance. Ties keep the first in rule order, which the deriver sorts by
// ascending range.
func nearestRule(opRules []datatypes.OptimizationRule, scale datatypes.Scale, profile datatypes.HardwareProfile) *datatypes.OptimizationRule {
	idx := scale.Index()
	if idx < 0 {
		return nil
	}
	var best *datatypes.OptimizationRule
	bestDist := math.MaxInt
	for i := range opRules {
		r := &opRules[i]
		if r.LowConfidence || !usableOnProfile(r.Config, profile) {
			continue
		}
		lo, hi := tierIndex(r.ScaleMin), tierIndex(r.ScaleMax)
		if lo < 0 || hi < 0 {
			continue
		}
		var dist int
		switch {
		case idx < lo:
			dist = lo - idx
		case idx > hi:
			dist = idx - hi
		}
		if dist < bestDist {
			bestDist = dist
			best = r
		}
	}
	return best
}

func tierIndex(name string) int {
	s, err := datatypes.ScaleByName(name)
	if err != nil {
		return -1
	}
	return s.Index()
}

// usableOnProfile reports whether the machine can actually run the config.
// A zero profile skips the check.
func usableOnProfile(cfg datatypes.BackendConfig, profile datatypes.HardwareProfile) bool {
	if profile == (datatypes.HardwareProfile{}) {
		return true
	}
	if cfg.GPU && !profile.HasGPU {
		return false
	}
	if cfg.Vector && !(profile.HasAVX2 || profile.HasAVX512 || profile.HasNEON || profile.HasSVE) {
		return false
	}
	return true
}

// clampThreads caps a recommended thread count at the querying machine's
// logical cores.
func clampThreads(cfg datatypes.BackendConfig, profile datatypes.HardwareProfile) datatypes.BackendConfig {
	if profile.LogicalCores > 0 && cfg.Threads > profile.LogicalCores {
		cfg.Threads = profile.LogicalCores
	}
	return cfg
}

// errNoBackingFile guards Reload and Watch on selectors built from memory.
var errNoBackingFile = errors.New("selector: no backing rule-set file")
