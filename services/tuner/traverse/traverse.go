// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traverse schedules the search-space walk: for every selected
// operation it measures the baseline, explores single-dimension children
// under alternative-refinement pruning, stacks the measured family winners
// into compositions, and escalates the surviving configs up the scale
// ladder until the escalation predicate stops them.
//
// Operations walk concurrently, but two disciplines keep the numbers
// honest. Timed sections run under a bounded slot pool (one slot by
// default) so concurrent walkers never time against each other's load,
// and every outcome row funnels through a single writer goroutine that
// assigns the experiment sequence and owns all store appends. A store
// write failure aborts the whole run; every other failure is contained
// to its node.
//
// Runs checkpoint as they go and can resume: completed nodes are reused
// from the store rather than re-measured, and the plan fingerprint
// guarantees a resumed run walks the same plan that produced the prior
// rows.
package traverse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/measure"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
	"github.com/AleutianAI/BeringTune/services/tuner/space"
	"github.com/AleutianAI/BeringTune/services/tuner/store"
)

var (
	tracer = otel.Tracer("services/tuner/traverse")
	meter  = otel.Meter("services/tuner/traverse")
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls a traversal run.
type Config struct {
	// Operations restricts the walk to the named registry entries. Empty
	// means every registered operation. The walk order is always sorted,
	// the plan must be deterministic.
	Operations []string

	// Scales is the ascending tier ladder the walk may escalate through.
	// The first entry is where the tree is built; later entries are
	// reached only by scale escalation.
	Scales []datatypes.Scale

	// Menu bounds candidate generation; Thresholds parameterize pruning.
	Menu       space.Menu
	Thresholds space.Thresholds

	// TimedSlots is the number of nodes that may occupy a timed section
	// at once. More than one trades timing fidelity for throughput and
	// is only sane on otherwise idle many-core machines. Default: 1
	TimedSlots int

	// CheckpointPath, when set, is the sidecar manifest refreshed every
	// CheckpointEvery appended rows. The store itself is already durable;
	// the sidecar pins plan identity for resume and is cheap to inspect.
	CheckpointPath  string
	CheckpointEvery int

	// Hardware is stamped into the run metadata so derived rules carry
	// the machine fingerprint.
	Hardware datatypes.HardwareProfile

	// Description is free text stored with the run.
	Description string
}

// DefaultConfig explores up to the "large" tier with serialized timing.
func DefaultConfig() Config {
	return Config{
		Scales:          datatypes.AllScales()[:4],
		Menu:            space.DefaultMenu(),
		Thresholds:      space.DefaultThresholds(),
		TimedSlots:      1,
		CheckpointEvery: 10,
	}
}

// Validate checks the run configuration.
func (c Config) Validate() error {
	if len(c.Scales) == 0 {
		return errors.New("at least one scale tier is required")
	}
	for i, s := range c.Scales {
		if s.Index() < 0 {
			return fmt.Errorf("unknown scale tier %q", s.Name)
		}
		if i > 0 && !c.Scales[i-1].Less(s) {
			return fmt.Errorf("scale tiers must ascend: %q does not follow %q",
				s.Name, c.Scales[i-1].Name)
		}
	}
	if c.TimedSlots <= 0 {
		return errors.New("timed slots must be positive")
	}
	if c.CheckpointEvery <= 0 {
		return errors.New("checkpoint interval must be positive")
	}
	return c.Thresholds.Validate()
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs traversals against a registry, a measurement engine, and a
// result store.
//
// Thread Safety:
//
//	An Engine is safe for concurrent use, but runs sharing one store
//	must use distinct run IDs. Run and Resume block until the walk
//	finishes or aborts.
type Engine struct {
	registry *registry.Registry
	meas     *measure.Engine
	retry    *measure.Engine
	store    *store.Store
	datasets *dataset.Resolver
	gen      *space.Generator
	pruner   *space.Pruner
	config   Config
	logger   *slog.Logger

	metricsOnce  sync.Once
	nodesTotal   metric.Int64Counter
	prunesTotal  metric.Int64Counter
	nodeDuration metric.Float64Histogram
}

// New assembles a traversal engine.
//
// Inputs:
//   - reg: The operation registry to walk. Must not be nil.
//   - meas: The measurement engine for normal nodes. Must not be nil. A
//     retry engine with doubled repetitions is derived from its config
//     for the one retry a noisy node gets.
//   - st: The result store rows are appended to. Must not be nil.
//   - datasets: The corpus resolver shared with the measurement path.
//   - cfg: Run configuration; see DefaultConfig.
//   - logger: Structured logger. Nil gets slog.Default.
func New(reg *registry.Registry, meas *measure.Engine, st *store.Store, datasets *dataset.Resolver, cfg Config, logger *slog.Logger) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}
	if meas == nil {
		return nil, errors.New("measurement engine must not be nil")
	}
	if st == nil {
		return nil, errors.New("result store must not be nil")
	}
	if datasets == nil {
		return nil, errors.New("dataset resolver must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating traversal config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pruner, err := space.NewPruner(cfg.Thresholds)
	if err != nil {
		return nil, err
	}

	retryCfg := meas.Config()
	retryCfg.Repetitions *= 2
	retry, err := measure.NewEngine(reg, measure.WithConfig(retryCfg))
	if err != nil {
		return nil, fmt.Errorf("deriving retry engine: %w", err)
	}
	retry.SetLogger(logger)

	return &Engine{
		registry: reg,
		meas:     meas,
		retry:    retry,
		store:    st,
		datasets: datasets,
		gen:      space.NewGenerator(cfg.Menu),
		pruner:   pruner,
		config:   cfg,
		logger:   logger.With(slog.String("component", "traverse")),
	}, nil
}

// initMetrics creates instruments on first use. Failures degrade to logs,
// a missing meter must never stop a run.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		if e.nodesTotal, err = meter.Int64Counter("tuner_nodes_processed_total",
			metric.WithDescription("Search-space nodes processed, by operation and outcome status"),
		); err != nil {
			e.logger.Warn("failed to create node counter", slog.String("error", err.Error()))
		}
		if e.prunesTotal, err = meter.Int64Counter("tuner_prune_decisions_total",
			metric.WithDescription("Prune decisions recorded, by predicate"),
		); err != nil {
			e.logger.Warn("failed to create prune counter", slog.String("error", err.Error()))
		}
		if e.nodeDuration, err = meter.Float64Histogram("tuner_node_duration_seconds",
			metric.WithDescription("Wall-clock cost of processing one node end to end"),
			metric.WithUnit("s"),
		); err != nil {
			e.logger.Warn("failed to create duration histogram", slog.String("error", err.Error()))
		}
	})
}

func (e *Engine) countNode(ctx context.Context, op string, status datatypes.NodeStatus) {
	if e.nodesTotal != nil {
		e.nodesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("status", string(status)),
		))
	}
}

func (e *Engine) countPrune(ctx context.Context, predicate string) {
	if e.prunesTotal != nil {
		e.prunesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("predicate", predicate),
		))
	}
}

func (e *Engine) observeNode(ctx context.Context, op string, seconds float64) {
	if e.nodeDuration != nil {
		e.nodeDuration.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("operation", op),
		))
	}
}

// =============================================================================
// Run and Resume
// =============================================================================

// Run executes a fresh traversal under a new run ID and blocks until it
// completes or aborts.
//
// Outputs:
//   - *Summary: Outcome counts and the best config per operation. Non-nil
//     whenever any nodes were processed, including aborted runs; rows
//     already in the store stay valid.
//   - error: Nil on success. ErrRunAborted wraps context cancellation;
//     datatypes.ErrCheckpointWriteFailure wraps store or checkpoint
//     write failures, which halt the run.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	runID := "run-" + uuid.NewString()[:12]
	return e.run(ctx, runID, nil, time.Now().UTC())
}

// Resume continues a previously interrupted run. Completed nodes are
// reused from the store; only the remainder of the plan is measured.
//
// The live plan must hash to the fingerprint recorded with the run,
// otherwise Resume fails with ErrPlanChanged: reusing rows from a
// different plan would corrupt pruning decisions.
func (e *Engine) Resume(ctx context.Context, runID string) (*Summary, error) {
	meta, err := e.store.Meta(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %q: %w", runID, err)
	}

	ops, err := e.selectOperations()
	if err != nil {
		return nil, err
	}
	fingerprint, err := e.planFingerprint(ops)
	if err != nil {
		return nil, err
	}
	if meta.PlanFingerprint != "" && meta.PlanFingerprint != fingerprint {
		return nil, fmt.Errorf("%w: run %s was planned as %s, live plan is %s",
			ErrPlanChanged, runID, meta.PlanFingerprint, fingerprint)
	}

	if e.config.CheckpointPath != "" {
		cp, err := LoadCheckpoint(e.config.CheckpointPath)
		switch {
		case err != nil:
			// The store is the source of truth; a missing or damaged
			// sidecar only costs the cheap pre-check.
			e.logger.Warn("checkpoint sidecar unusable, resuming from store alone",
				slog.String("path", e.config.CheckpointPath),
				slog.String("error", err.Error()))
		case cp.RunID != runID:
			return nil, fmt.Errorf("checkpoint belongs to run %s, not %s", cp.RunID, runID)
		case cp.PlanFingerprint != fingerprint:
			return nil, fmt.Errorf("%w: checkpoint plan %s, live plan %s",
				ErrPlanChanged, cp.PlanFingerprint, fingerprint)
		}
	}

	records, err := e.store.Records(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading prior rows for %q: %w", runID, err)
	}
	prior := make(map[string]datatypes.Record, len(records))
	for _, rec := range records {
		prior[rec.NodeID] = rec
	}

	e.logger.Info("resuming traversal",
		slog.String("run_id", runID),
		slog.Int("completed_nodes", len(prior)))

	return e.run(ctx, runID, prior, meta.StartedAt)
}

func (e *Engine) run(ctx context.Context, runID string, prior map[string]datatypes.Record, startedAt time.Time) (*Summary, error) {
	e.initMetrics()

	ops, err := e.selectOperations()
	if err != nil {
		return nil, err
	}
	fingerprint, err := e.planFingerprint(ops)
	if err != nil {
		return nil, err
	}

	opIDs := make([]string, len(ops))
	for i, op := range ops {
		opIDs[i] = op.ID
	}
	scaleNames := make([]string, len(e.config.Scales))
	for i, s := range e.config.Scales {
		scaleNames[i] = s.Name
	}

	ctx, span := tracer.Start(ctx, "traverse.Engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.operations", len(ops)),
		attribute.StringSlice("run.scales", scaleNames),
		attribute.Bool("run.resumed", len(prior) > 0),
	)

	start := time.Now()
	e.logger.Info("traversal started",
		slog.String("run_id", runID),
		slog.Any("operations", opIDs),
		slog.Any("scales", scaleNames),
		slog.Int("prior_nodes", len(prior)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	counts, correctness := tallyRecords(prior)
	w := newWriter(writerConfig{
		store:  e.store,
		logger: e.logger,
		cancel: cancel,
		meta: store.RunMeta{
			RunID:           runID,
			StartedAt:       startedAt,
			Hardware:        e.config.Hardware,
			PlanFingerprint: fingerprint,
			Description:     e.config.Description,
		},
		seqStart:       len(prior),
		counts:         counts,
		correctness:    correctness,
		every:          e.config.CheckpointEvery,
		checkpointPath: e.config.CheckpointPath,
		fingerprint:    fingerprint,
		operations:     opIDs,
		scales:         scaleNames,
	})
	if err := w.start(ctx); err != nil {
		return nil, err
	}

	sess := &session{
		engine: e,
		runID:  runID,
		prior:  prior,
		writer: w,
		timed:  make(chan struct{}, e.config.TimedSlots),
		best:   make(map[string]BestConfig),
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			return e.walkOperation(gctx, sess, op)
		})
	}
	walkErr := g.Wait()
	w.close()

	summary := e.buildSummary(runID, sess, w, start)

	if werr := w.takeErr(); werr != nil {
		span.RecordError(werr)
		span.SetStatus(codes.Error, "store write failed")
		e.logger.Error("traversal halted by store failure",
			slog.String("run_id", runID),
			slog.String("error", werr.Error()))
		return summary, werr
	}

	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			walkErr = fmt.Errorf("%w after %d nodes: %v",
				datatypes.ErrRunAborted, summary.Considered, walkErr)
		}
		span.RecordError(walkErr)
		span.SetStatus(codes.Error, "walk aborted")
		e.logger.Warn("traversal aborted",
			slog.String("run_id", runID),
			slog.Int("considered", summary.Considered),
			slog.String("error", walkErr.Error()))
		return summary, walkErr
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("traversal completed",
		slog.String("run_id", runID),
		slog.Int("considered", summary.Considered),
		slog.Int("measured", summary.Measured),
		slog.Int("pruned", summary.Pruned),
		slog.Int("failed", summary.Failed),
		slog.Int("unreliable", summary.Unreliable),
		slog.Int("reused", summary.Reused),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// selectOperations resolves the configured operation filter against the
// registry, in sorted order.
func (e *Engine) selectOperations() ([]datatypes.Operation, error) {
	ids := e.config.Operations
	if len(ids) == 0 {
		ids = e.registry.List()
	} else {
		ids = append([]string(nil), ids...)
		sort.Strings(ids)
	}
	if len(ids) == 0 {
		return nil, errors.New("registry has no operations to walk")
	}

	ops := make([]datatypes.Operation, 0, len(ids))
	for _, id := range ids {
		def, err := e.registry.Get(id)
		if err != nil {
			return nil, err
		}
		ops = append(ops, def.Spec)
	}
	return ops, nil
}

// =============================================================================
// Plan fingerprint
// =============================================================================

// planIdentity is everything that determines which nodes a run visits and
// how their rows read. Two runs with equal identities walk identical plans.
type planIdentity struct {
	Operations  []string           `json:"operations"`
	Scales      []string           `json:"scales"`
	Menu        space.Menu         `json:"menu"`
	Thresholds  space.Thresholds   `json:"thresholds"`
	Protocol    measure.Config     `json:"protocol"`
	Complexity  map[string]float64 `json:"complexity"`
	DatasetSeed string             `json:"dataset_seed"`
}

func (e *Engine) planFingerprint(ops []datatypes.Operation) (string, error) {
	id := planIdentity{
		Operations:  make([]string, len(ops)),
		Scales:      make([]string, len(e.config.Scales)),
		Menu:        e.config.Menu,
		Thresholds:  e.config.Thresholds,
		Protocol:    e.meas.Config(),
		Complexity:  make(map[string]float64, len(ops)),
		DatasetSeed: e.datasets.SeedLabel(),
	}
	for i, op := range ops {
		id.Operations[i] = op.ID
		id.Complexity[op.ID] = op.Complexity
	}
	for i, s := range e.config.Scales {
		id.Scales[i] = s.Name
	}

	raw, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("fingerprinting plan: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// Summary
// =============================================================================

// BestConfig is the strongest measured configuration for one operation.
type BestConfig struct {
	ConfigName string  `json:"config_name"`
	Scale      string  `json:"scale"`
	Speedup    float64 `json:"speedup"`
}

// Summary reports the outcome of a run. Counts cover the whole run,
// including rows reused from a prior interrupted attempt.
type Summary struct {
	RunID string `json:"run_id"`

	// Considered is the total row count: measured, pruned, failed, and
	// unreliable together.
	Considered int `json:"considered"`

	Measured   int `json:"measured"`
	Pruned     int `json:"pruned"`
	Failed     int `json:"failed"`
	Unreliable int `json:"unreliable"`

	// Reused counts prior rows this invocation skipped instead of
	// re-measuring. Zero for fresh runs.
	Reused int `json:"reused"`

	// CorrectnessFailures counts failed nodes whose backend produced
	// wrong output. Any nonzero value blocks rule derivation.
	CorrectnessFailures int `json:"correctness_failures"`

	Elapsed time.Duration `json:"elapsed"`

	// Best maps operation ID to its strongest measured configuration.
	Best map[string]BestConfig `json:"best"`
}

func (e *Engine) buildSummary(runID string, sess *session, w *writer, start time.Time) *Summary {
	counts, correctness, seq := w.snapshot()
	return &Summary{
		RunID:               runID,
		Considered:          seq,
		Measured:            counts[datatypes.NodeMeasured],
		Pruned:              counts[datatypes.NodePruned],
		Failed:              counts[datatypes.NodeFailed],
		Unreliable:          counts[datatypes.NodeUnreliable],
		Reused:              sess.reusedCount(),
		CorrectnessFailures: correctness,
		Elapsed:             time.Since(start),
		Best:                sess.bestConfigs(),
	}
}

// tallyRecords recounts outcome statuses from prior rows so resumed runs
// seed the writer with accurate whole-run counters.
func tallyRecords(prior map[string]datatypes.Record) (map[datatypes.NodeStatus]int, int) {
	counts := make(map[datatypes.NodeStatus]int, 4)
	correctness := 0
	for _, rec := range prior {
		counts[rec.Status]++
		if rec.CorrectnessFailure {
			correctness++
		}
	}
	return counts, correctness
}
