// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/space"
)

// =============================================================================
// Session
// =============================================================================

// session is the shared state of one run: prior rows for reuse, the timed
// slot pool, the writer, and the best-config scoreboard.
type session struct {
	engine *Engine
	runID  string
	prior  map[string]datatypes.Record
	writer *writer

	// timed is the slot pool for timed sections. Holding a slot means no
	// more than TimedSlots-1 other measurements are perturbing the machine.
	timed chan struct{}

	mu     sync.Mutex
	best   map[string]BestConfig
	reused int
}

// measureNode produces the outcome row for one node: a prior row when the
// run is resuming, otherwise a fresh measurement classified by the error
// taxonomy. Only run-level problems (cancellation, store failure) return
// an error; per-node failures come back as failed or unreliable rows.
func (s *session) measureNode(ctx context.Context, node datatypes.DAGNode, base *datatypes.Statistics) (datatypes.Record, error) {
	if rec, ok := s.prior[node.ID()]; ok {
		s.noteReused(rec)
		return rec, nil
	}

	e := s.engine
	data, err := e.datasets.Resolve(node.Scale)
	if err != nil {
		return datatypes.Record{}, fmt.Errorf("resolving %s corpus: %w", node.Scale.Name, err)
	}

	// Corpus generation happens outside the slot; only timing holds it.
	select {
	case s.timed <- struct{}{}:
	case <-ctx.Done():
		return datatypes.Record{}, ctx.Err()
	}
	defer func() { <-s.timed }()

	start := time.Now()
	stats, err := e.meas.Measure(ctx, node.Operation, node.Config, data)
	if err != nil && errors.Is(err, datatypes.ErrInsufficientValidSamples) && ctx.Err() == nil {
		e.logger.Warn("noisy measurement, retrying with doubled repetitions",
			slog.String("node", node.ID()))
		stats, err = e.retry.Measure(ctx, node.Operation, node.Config, data)
	}
	elapsed := time.Since(start)

	rec := datatypes.Record{
		RunID:          s.runID,
		NodeID:         node.ID(),
		Operation:      node.Operation,
		Config:         node.Config,
		Scale:          node.Scale,
		ElapsedSeconds: elapsed.Seconds(),
	}

	switch {
	case err == nil:
		rec.Status = datatypes.NodeMeasured
		rec.Stats = stats
		rec.Speedup = speedupFor(stats, base, e.logger, node)
		s.noteBest(rec)

	case ctx.Err() != nil:
		// Run-level abort between or during nodes. No row is written;
		// the node is re-planned on resume.
		return rec, ctx.Err()

	case errors.Is(err, datatypes.ErrCorrectnessMismatch):
		rec.Status = datatypes.NodeFailed
		rec.Error = err.Error()
		rec.CorrectnessFailure = true
		e.logger.Error("backend output failed correctness validation, timing discarded",
			slog.String("operation", node.Operation),
			slog.String("config", node.Config.Name()),
			slog.String("scale", node.Scale.Name),
			slog.String("error", err.Error()))

	case errors.Is(err, datatypes.ErrInsufficientValidSamples):
		rec.Status = datatypes.NodeUnreliable
		rec.Error = err.Error()
		e.logger.Warn("node still noisy after retry, marked unreliable",
			slog.String("node", node.ID()),
			slog.String("error", err.Error()))

	case errors.Is(err, datatypes.ErrIncompatibleBackend):
		rec.Status = datatypes.NodeFailed
		rec.Error = err.Error()
		e.logger.Info("incompatible backend skipped",
			slog.String("node", node.ID()),
			slog.String("error", err.Error()))

	default:
		rec.Status = datatypes.NodeFailed
		rec.Error = err.Error()
		e.logger.Warn("node failed",
			slog.String("node", node.ID()),
			slog.String("error", err.Error()))
	}

	e.countNode(ctx, node.Operation, rec.Status)
	e.observeNode(ctx, node.Operation, elapsed.Seconds())

	if err := s.writer.submit(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// prune records an audit row for a node the predicates rejected.
func (s *session) prune(ctx context.Context, node datatypes.DAGNode, dec datatypes.PruneDecision) error {
	if rec, ok := s.prior[node.ID()]; ok {
		s.noteReused(rec)
		return nil
	}

	e := s.engine
	e.logger.Debug("node pruned",
		slog.String("node", node.ID()),
		slog.String("predicate", dec.Predicate),
		slog.String("reason", dec.Reason))
	e.countPrune(ctx, dec.Predicate)
	e.countNode(ctx, node.Operation, datatypes.NodePruned)

	return s.writer.submit(ctx, datatypes.Record{
		RunID:     s.runID,
		NodeID:    node.ID(),
		Operation: node.Operation,
		Config:    node.Config,
		Scale:     node.Scale,
		Status:    datatypes.NodePruned,
		Prune:     &dec,
	})
}

func (s *session) noteReused(rec datatypes.Record) {
	s.mu.Lock()
	s.reused++
	s.mu.Unlock()
	if rec.Status == datatypes.NodeMeasured {
		s.noteBest(rec)
	}
}

func (s *session) noteBest(rec datatypes.Record) {
	if rec.Speedup == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.best[rec.Operation]
	if !ok || rec.Speedup.Value > cur.Speedup {
		s.best[rec.Operation] = BestConfig{
			ConfigName: rec.Config.Name(),
			Scale:      rec.Scale.Name,
			Speedup:    rec.Speedup.Value,
		}
	}
}

func (s *session) reusedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reused
}

func (s *session) bestConfigs() map[string]BestConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BestConfig, len(s.best))
	for k, v := range s.best {
		out[k] = v
	}
	return out
}

func speedupFor(stats, base *datatypes.Statistics, logger *slog.Logger, node datatypes.DAGNode) *datatypes.Speedup {
	if base == nil {
		// Baseline nodes are their own denominator.
		return &datatypes.Speedup{Value: 1, CILower: 1, CIUpper: 1}
	}
	sp, err := datatypes.PropagateSpeedup(*stats, *base)
	if err != nil {
		logger.Debug("speedup unavailable",
			slog.String("node", node.ID()),
			slog.String("error", err.Error()))
		return nil
	}
	return &sp
}

func measuredSpeedup(rec datatypes.Record) (float64, bool) {
	if rec.Status != datatypes.NodeMeasured || rec.Speedup == nil {
		return 0, false
	}
	return rec.Speedup.Value, true
}

// =============================================================================
// Per-operation walk
// =============================================================================

// familyWinner is the best measured single-dimension config of one family.
type familyWinner struct {
	cfg     datatypes.BackendConfig
	speedup float64
}

// scaleTrack follows one measured config up the tier ladder.
type scaleTrack struct {
	cfg datatypes.BackendConfig

	// history holds measured speedups at ascending tiers; refs the node
	// IDs they came from. Both feed the escalation predicate.
	history []float64
	refs    []string
	stopped bool
}

// opState accumulates one operation's walk: family winners for composition,
// tracks for escalation, and the running best.
type opState struct {
	winners      map[space.Family]familyWinner
	bestByFamily map[space.Family]float64
	refsByFamily map[space.Family][]string
	tracks       []*scaleTrack

	bestNode    datatypes.DAGNode
	bestSpeedup float64
	haveBest    bool
}

func newOpState() *opState {
	return &opState{
		winners:      make(map[space.Family]familyWinner),
		bestByFamily: make(map[space.Family]float64),
		refsByFamily: make(map[space.Family][]string),
	}
}

func (st *opState) observeSingle(cand space.Candidate, rec datatypes.Record) {
	sp, ok := measuredSpeedup(rec)
	if !ok {
		return
	}
	fam := cand.Family
	st.refsByFamily[fam] = append(st.refsByFamily[fam], cand.Node.ID())
	if sp > st.bestByFamily[fam] {
		st.bestByFamily[fam] = sp
	}
	if w, exists := st.winners[fam]; !exists || sp > w.speedup {
		st.winners[fam] = familyWinner{cfg: cand.Node.Config, speedup: sp}
	}
	st.noteMeasured(cand.Node, sp)
}

func (st *opState) noteMeasured(node datatypes.DAGNode, sp float64) {
	st.tracks = append(st.tracks, &scaleTrack{
		cfg:     node.Config,
		history: []float64{sp},
		refs:    []string{node.ID()},
	})
	if !st.haveBest || sp > st.bestSpeedup {
		st.bestNode, st.bestSpeedup, st.haveBest = node, sp, true
	}
}

func (st *opState) winnerConfigs() map[space.Family]datatypes.BackendConfig {
	out := make(map[space.Family]datatypes.BackendConfig, len(st.winners))
	for f, w := range st.winners {
		out[f] = w.cfg
	}
	return out
}

// activeTracks counts tracks eligible for the given tier index: not stopped
// and measured at every tier below it.
func (st *opState) activeTracks(tier int) int {
	n := 0
	for _, tr := range st.tracks {
		if !tr.stopped && len(tr.history) == tier {
			n++
		}
	}
	return n
}

// bestTrackAt returns the index of the strongest eligible track entering
// the given tier, or -1. That track is exempt from the escalation stop.
func (st *opState) bestTrackAt(tier int) int {
	bestIdx, bestVal := -1, 0.0
	for i, tr := range st.tracks {
		if tr.stopped || len(tr.history) != tier {
			continue
		}
		if bestIdx < 0 || tr.history[tier-1] > bestVal {
			bestIdx, bestVal = i, tr.history[tier-1]
		}
	}
	return bestIdx
}

// walkOperation explores one operation's tree: baseline, single-dimension
// children, compositions of the family winners, then scale escalation.
func (e *Engine) walkOperation(ctx context.Context, sess *session, op datatypes.Operation) error {
	ctx, span := tracer.Start(ctx, "traverse.walkOperation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", op.ID))

	logger := e.logger.With(slog.String("operation", op.ID))
	first := e.config.Scales[0]

	baseRec, err := sess.measureNode(ctx, e.gen.Baseline(op, first), nil)
	if err != nil {
		return err
	}
	if baseRec.Status != datatypes.NodeMeasured || baseRec.Stats == nil {
		// Without a denominator no child speedup is defined.
		span.SetStatus(codes.Error, "baseline unmeasurable")
		logger.Error("baseline unmeasurable, skipping operation",
			slog.String("scale", first.Name),
			slog.String("status", string(baseRec.Status)),
			slog.String("error", baseRec.Error))
		return nil
	}

	st := newOpState()
	if err := e.walkSingles(ctx, sess, st, op, first, baseRec.Stats); err != nil {
		return err
	}
	if err := e.walkCompositions(ctx, sess, st, op, baseRec.Stats); err != nil {
		return err
	}
	if err := e.walkEscalation(ctx, sess, st, op); err != nil {
		return err
	}

	span.SetStatus(codes.Ok, "")
	logger.Debug("operation walk complete",
		slog.Int("tracks", len(st.tracks)),
		slog.Float64("best_speedup", st.bestSpeedup))
	return nil
}

// walkSingles measures the single-dimension children at the first tier.
// Candidates arrive rank-ordered within each family, so the alternative
// predicate always compares against already-measured cheaper siblings.
func (e *Engine) walkSingles(ctx context.Context, sess *session, st *opState, op datatypes.Operation, scale datatypes.Scale, base *datatypes.Statistics) error {
	for _, cand := range e.gen.SingleDimension(op, scale) {
		dec, pruned := e.pruner.Alternative(cand, st.bestByFamily[cand.Family], st.refsByFamily[cand.Family])
		if pruned {
			if err := sess.prune(ctx, cand.Node, dec); err != nil {
				return err
			}
			continue
		}
		rec, err := sess.measureNode(ctx, cand.Node, base)
		if err != nil {
			return err
		}
		st.observeSingle(cand, rec)
	}
	return nil
}

// walkCompositions stacks family winners onto the current best node, one
// dimension per step, as long as a step improves on its parent.
func (e *Engine) walkCompositions(ctx context.Context, sess *session, st *opState, op datatypes.Operation, base *datatypes.Statistics) error {
	if !st.haveBest {
		return nil
	}
	winnerCfgs := st.winnerConfigs()
	parent, parentSpeedup := st.bestNode, st.bestSpeedup

	for {
		cands := e.gen.Compositions(op, parent, winnerCfgs)
		if len(cands) == 0 {
			return nil
		}

		improved := false
		nextParent, nextSpeedup := parent, parentSpeedup
		for _, cand := range cands {
			// Replace the heuristic marginal with the family's measured
			// single-dimension speedup once one exists.
			if w, ok := st.winners[cand.Family]; ok {
				cand.Marginal = w.speedup
			}
			dec, pruned := e.pruner.Composition(cand, parent.ID(), parentSpeedup)
			if pruned {
				if err := sess.prune(ctx, cand.Node, dec); err != nil {
					return err
				}
				continue
			}
			rec, err := sess.measureNode(ctx, cand.Node, base)
			if err != nil {
				return err
			}
			sp, ok := measuredSpeedup(rec)
			if !ok {
				continue
			}
			st.noteMeasured(cand.Node, sp)
			if sp > nextSpeedup {
				nextParent, nextSpeedup = cand.Node, sp
				improved = true
			}
		}
		if !improved {
			return nil
		}
		parent, parentSpeedup = nextParent, nextSpeedup
	}
}

// walkEscalation re-measures the baseline at each higher tier and climbs
// every surviving track until the escalation predicate or the ladder stops
// it. The strongest track entering a tier is exempt from the stop.
func (e *Engine) walkEscalation(ctx context.Context, sess *session, st *opState, op datatypes.Operation) error {
	for ti := 1; ti < len(e.config.Scales); ti++ {
		tier := e.config.Scales[ti]
		if st.activeTracks(ti) == 0 {
			return nil
		}

		baseRec, err := sess.measureNode(ctx, e.gen.Baseline(op, tier), nil)
		if err != nil {
			return err
		}
		if baseRec.Status != datatypes.NodeMeasured || baseRec.Stats == nil {
			e.logger.Warn("baseline unmeasurable at tier, stopping escalation",
				slog.String("operation", op.ID),
				slog.String("scale", tier.Name),
				slog.String("status", string(baseRec.Status)))
			return nil
		}

		bestIdx := st.bestTrackAt(ti)
		for i, tr := range st.tracks {
			if tr.stopped || len(tr.history) != ti {
				continue
			}
			node := datatypes.NewNode(op.ID, tr.cfg, tier)
			dec, pruned := e.pruner.Escalation(node, tr.history, tr.refs, i == bestIdx)
			if pruned {
				if err := sess.prune(ctx, node, dec); err != nil {
					return err
				}
				tr.stopped = true
				continue
			}
			rec, err := sess.measureNode(ctx, node, baseRec.Stats)
			if err != nil {
				return err
			}
			if sp, ok := measuredSpeedup(rec); ok {
				tr.history = append(tr.history, sp)
				tr.refs = append(tr.refs, node.ID())
				if sp > st.bestSpeedup {
					st.bestNode, st.bestSpeedup = node, sp
				}
			} else {
				tr.stopped = true
			}
		}
	}
	return nil
}