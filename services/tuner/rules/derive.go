// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules derives the Optimization Rule Set from a completed run.
//
// The lookup table is the baseline model: for every (operation, scale tier)
// the deriver picks the measured config with the best speedup, then folds
// adjacent tiers that agree on the winner into one rule covering the range.
// A rule never spans a tier nothing was measured at.
//
// On top of the table sits an optional least-squares regression from
// (complexity, log scale, backend flags) to speedup, fitted with whole
// operations held out so the reported RMSE measures prediction on code the
// model never saw. When the run cannot support a validated fit the set
// ships lookup-only and the Selector never interpolates.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

var tracer = otel.Tracer("services/tuner/rules")

var (
	// ErrUnresolvedCorrectness means the run still contains nodes whose
	// backend produced wrong output. Deriving rules over them would launder
	// a backend bug into a recommendation, so derivation refuses until the
	// operations are fixed and re-run, or excluded explicitly.
	ErrUnresolvedCorrectness = errors.New("run contains unresolved correctness failures")

	// ErrNoMeasurements means the run holds no measured nodes to derive
	// rules from.
	ErrNoMeasurements = errors.New("run has no measured nodes")
)

// =============================================================================
// Config
// =============================================================================

// Config tunes rule derivation.
type Config struct {
	// MinSamples is the valid-repetition floor. Rules whose weakest
	// supporting node sits below it are marked low-confidence, and rows
	// below it never feed the regression fit.
	MinSamples int

	// HoldoutFraction is the share of operations withheld from the
	// regression fit to measure prediction error on unseen operations.
	HoldoutFraction float64

	// Seed drives the holdout shuffle, so a rerun over the same store
	// produces the same split.
	Seed uint64

	// ExcludeOperations drops the named operations entirely: their rows
	// form no rules, feed no fit, and their correctness failures do not
	// block derivation. The escape hatch for known-broken backends.
	ExcludeOperations []string
}

// DefaultConfig returns the standard derivation parameters.
func DefaultConfig() Config {
	return Config{
		MinSamples:      datatypes.MinRuleSamples,
		HoldoutFraction: 0.25,
		Seed:            42,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.MinSamples <= 0 {
		return fmt.Errorf("%w: min samples must be positive, got %d", datatypes.ErrInvalidConfig, c.MinSamples)
	}
	if c.HoldoutFraction < 0 || c.HoldoutFraction >= 1 {
		return fmt.Errorf("%w: holdout fraction must be in [0, 1), got %f", datatypes.ErrInvalidConfig, c.HoldoutFraction)
	}
	return nil
}

// =============================================================================
// Deriver
// =============================================================================

// ComplexitySource resolves an operation's compute-per-byte score. The
// operation registry satisfies it.
type ComplexitySource interface {
	Complexity(id string) (float64, error)
}

// Deriver turns a run's Result Store rows into an Optimization Rule Set.
//
// Thread Safety:
//
//	Safe for concurrent use; all state is read-only after construction.
type Deriver struct {
	store      *store.Store
	complexity ComplexitySource
	cfg        Config
	logger     *slog.Logger
}

// NewDeriver builds a Deriver over an open store.
//
// Inputs:
//
//	st - Result Store holding the run. Must not be nil.
//	src - Complexity lookup for the fitted operations. Must not be nil.
//	cfg - Derivation parameters; zero fields are NOT defaulted, start
//	     from DefaultConfig.
//	logger - Destination for derivation progress. Nil uses slog.Default.
//
// Outputs:
//
//	*Deriver - Ready to derive.
//	error - Non-nil when an input is nil or the config is invalid.
func NewDeriver(st *store.Store, src ComplexitySource, cfg Config, logger *slog.Logger) (*Deriver, error) {
	if st == nil {
		return nil, errors.New("rules: store must not be nil")
	}
	if src == nil {
		return nil, errors.New("rules: complexity source must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{store: st, complexity: src, cfg: cfg, logger: logger}, nil
}

// Derive builds the rule set for one run.
//
// Description:
//
//	Loads the run's rows, refuses if any surviving row carries a
//	correctness failure, derives the lookup rules, and fits the
//	regression model when enough distinct operations support a held-out
//	validation. A failed or degenerate fit downgrades the set to
//	lookup-only with a warning instead of failing derivation.
//
// Outputs:
//
//	*datatypes.RuleSet - The derived document, already schema-stamped.
//	error - ErrUnresolvedCorrectness, ErrNoMeasurements,
//	     store.ErrRunNotFound, or a wrapped store failure.
func (d *Deriver) Derive(ctx context.Context, runID string) (*datatypes.RuleSet, error) {
	ctx, span := tracer.Start(ctx, "rules.Deriver.Derive")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	meta, err := d.store.Meta(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run meta: %w", err)
	}
	records, err := d.store.Records(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run records: %w", err)
	}

	excluded := make(map[string]bool, len(d.cfg.ExcludeOperations))
	for _, op := range d.cfg.ExcludeOperations {
		excluded[op] = true
		d.logger.Warn("operation excluded from rule derivation", "run_id", runID, "operation", op)
	}

	kept := records[:0:0]
	var tainted []string
	for _, rec := range records {
		if excluded[rec.Operation] {
			continue
		}
		if rec.CorrectnessFailure {
			tainted = append(tainted, rec.NodeID)
			continue
		}
		kept = append(kept, rec)
	}
	if len(tainted) > 0 {
		span.SetStatus(codes.Error, "unresolved correctness failures")
		return nil, fmt.Errorf("%w: %d node(s), first %s", ErrUnresolvedCorrectness,
			len(tainted), strings.Join(head(tainted, 3), ", "))
	}

	ruleList := d.buildRules(kept)
	if len(ruleList) == 0 {
		span.SetStatus(codes.Error, "no measured nodes")
		return nil, fmt.Errorf("%w: run %s", ErrNoMeasurements, runID)
	}

	rs := &datatypes.RuleSet{
		SchemaVersion: datatypes.RuleSetSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		RunID:         runID,
		Profile:       meta.Hardware,
		Rules:         ruleList,
	}

	model, holdout, err := d.fitRegression(kept)
	switch {
	case errors.Is(err, errDegenerateFit):
		d.logger.Warn("regression fit skipped, rule set is lookup-only",
			"run_id", runID, "reason", err)
	case err != nil:
		return nil, err
	default:
		rs.Regression = model
		rs.HoldoutOps = holdout
		rs.ValidationRMSE = model.HoldoutRMSE
	}

	span.SetAttributes(
		attribute.Int("rules", len(ruleList)),
		attribute.Bool("regression", rs.Regression != nil),
	)
	span.SetStatus(codes.Ok, "")
	d.logger.Info("rule set derived",
		"run_id", runID,
		"rules", len(ruleList),
		"regression", rs.Regression != nil,
		"validation_rmse", rs.ValidationRMSE,
	)
	return rs, nil
}

// head returns at most n leading elements.
func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// =============================================================================
// Lookup rules
// =============================================================================

// buildRules derives the lookup table: per operation, the best measured
// config at every tier, with adjacent agreeing tiers folded into ranges.
func (d *Deriver) buildRules(recs []datatypes.Record) []datatypes.OptimizationRule {
	winners := d.pickWinners(recs)

	ops := make([]string, 0, len(winners))
	for op := range winners {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	ladder := datatypes.AllScales()
	var out []datatypes.OptimizationRule
	for _, op := range ops {
		byTier := winners[op]
		var run []datatypes.Record
		flush := func() {
			if len(run) > 0 {
				out = append(out, d.ruleFromRun(op, run))
				run = nil
			}
		}
		for i := range ladder {
			rec, ok := byTier[i]
			if !ok {
				// A gap splits the range: a rule must not claim a tier
				// nothing was measured at.
				flush()
				continue
			}
			if len(run) > 0 && run[len(run)-1].Config.Name() != rec.Config.Name() {
				flush()
			}
			run = append(run, rec)
		}
		flush()
	}
	return out
}

// pickWinners selects the best measured row per (operation, tier index).
func (d *Deriver) pickWinners(recs []datatypes.Record) map[string]map[int]datatypes.Record {
	winners := make(map[string]map[int]datatypes.Record)
	for _, rec := range recs {
		if rec.Status != datatypes.NodeMeasured || rec.Stats == nil || rec.Speedup == nil {
			continue
		}
		idx := rec.Scale.Index()
		if idx < 0 {
			d.logger.Warn("record carries unknown scale, skipped", "node_id", rec.NodeID)
			continue
		}
		byTier := winners[rec.Operation]
		if byTier == nil {
			byTier = make(map[int]datatypes.Record)
			winners[rec.Operation] = byTier
		}
		if cur, ok := byTier[idx]; !ok || betterRow(rec, cur) {
			byTier[idx] = rec
		}
	}
	return winners
}

// betterRow orders candidate rows for the same (operation, tier) cell.
// Higher speedup wins; ties go to the config with fewer dimensions, then
// to the lexicographically smaller name, so derivation is deterministic.
func betterRow(a, b datatypes.Record) bool {
	if a.Speedup.Value != b.Speedup.Value {
		return a.Speedup.Value > b.Speedup.Value
	}
	if ad, bd := a.Config.Dimensions(), b.Config.Dimensions(); ad != bd {
		return ad < bd
	}
	return a.Config.Name() < b.Config.Name()
}

// ruleFromRun folds one maximal run of same-config adjacent tiers into a
// rule. The speedup is an envelope: geometric mean of the tier values with
// the widest CI bounds, and the sample count is the weakest tier's, so the
// rule's confidence never overstates its shakiest support.
func (d *Deriver) ruleFromRun(op string, run []datatypes.Record) datatypes.OptimizationRule {
	var logSum float64
	lower := math.Inf(1)
	upper := math.Inf(-1)
	samples := run[0].Stats.NValid
	provenance := make([]string, 0, len(run))

	for _, rec := range run {
		logSum += math.Log(rec.Speedup.Value)
		lower = math.Min(lower, rec.Speedup.CILower)
		upper = math.Max(upper, rec.Speedup.CIUpper)
		if rec.Stats.NValid < samples {
			samples = rec.Stats.NValid
		}
		provenance = append(provenance, rec.NodeID)
	}

	return datatypes.OptimizationRule{
		Operation: op,
		ScaleMin:  run[0].Scale.Name,
		ScaleMax:  run[len(run)-1].Scale.Name,
		Config:    run[0].Config,
		ExpectedSpeedup: datatypes.Speedup{
			Value:   math.Exp(logSum / float64(len(run))),
			CILower: lower,
			CIUpper: upper,
		},
		SampleCount:   samples,
		LowConfidence: samples < d.cfg.MinSamples,
		Provenance:    provenance,
		Confidence:    datatypes.ConfidenceValidated,
	}
}

// =============================================================================
// Regression fit
// =============================================================================

// fitRegression fits the interpolation model with whole operations held
// out. Returns the fitted model and the held-out operation names, or
// errDegenerateFit when the run cannot support a validated fit.
func (d *Deriver) fitRegression(recs []datatypes.Record) (*datatypes.RegressionModel, []string, error) {
	samples := d.collectSamples(recs)

	opSet := make(map[string]bool)
	for _, s := range samples {
		opSet[s.operation] = true
	}
	ops := make([]string, 0, len(opSet))
	for op := range opSet {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	// Held-out validation needs at least one operation on each side.
	if len(ops) < 2 {
		return nil, nil, fmt.Errorf("%w: %d operation(s) with reliable rows, need 2", errDegenerateFit, len(ops))
	}

	holdoutCount := int(math.Round(d.cfg.HoldoutFraction * float64(len(ops))))
	if d.cfg.HoldoutFraction > 0 && holdoutCount == 0 {
		holdoutCount = 1
	}
	if holdoutCount >= len(ops) {
		holdoutCount = len(ops) - 1
	}
	if holdoutCount == 0 {
		return nil, nil, fmt.Errorf("%w: holdout disabled, refusing an unvalidated fit", errDegenerateFit)
	}

	rng := rand.New(rand.NewPCG(d.cfg.Seed, 0))
	perm := rng.Perm(len(ops))
	held := make(map[string]bool, holdoutCount)
	holdout := make([]string, 0, holdoutCount)
	for _, i := range perm[:holdoutCount] {
		held[ops[i]] = true
		holdout = append(holdout, ops[i])
	}
	sort.Strings(holdout)

	var train, test []sample
	for _, s := range samples {
		if held[s.operation] {
			test = append(test, s)
		} else {
			train = append(train, s)
		}
	}

	model, err := fitModel(train)
	if err != nil {
		return nil, nil, err
	}
	model.TrainRMSE = modelRMSE(model, train)
	model.HoldoutRMSE = modelRMSE(model, test)
	model.TrainCount = len(train)
	model.TestCount = len(test)

	d.logger.Debug("regression fitted",
		"train_rows", len(train),
		"holdout_rows", len(test),
		"holdout_ops", strings.Join(holdout, ","),
		"train_rmse", model.TrainRMSE,
		"holdout_rmse", model.HoldoutRMSE,
	)
	return model, holdout, nil
}

// collectSamples flattens reliable measured rows into fit samples. Rows
// below the sample floor and operations without a complexity score are
// skipped; the model should not learn from data the table itself would
// flag as low-confidence.
func (d *Deriver) collectSamples(recs []datatypes.Record) []sample {
	missing := make(map[string]bool)
	var out []sample
	for _, rec := range recs {
		if !rec.Usable(d.cfg.MinSamples) || rec.Speedup == nil {
			continue
		}
		complexity, err := d.complexity.Complexity(rec.Operation)
		if err != nil {
			if !missing[rec.Operation] {
				missing[rec.Operation] = true
				d.logger.Warn("no complexity score, rows skipped for fitting",
					"operation", rec.Operation)
			}
			continue
		}
		out = append(out, sample{
			operation: rec.Operation,
			features:  featureVector(complexity, rec.Scale, rec.Config),
			speedup:   rec.Speedup.Value,
		})
	}
	return out
}
