// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package measure implements the measurement protocol: correctness-gated,
// warmed-up, repetition-based timing with IQR outlier rejection and
// t-distribution confidence intervals.
//
// The engine owns all timing. Operations never self-report durations; the
// registry hands the engine a bound callable and the engine decides batch
// sizes, repetition counts, and which samples survive.
package measure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/BeringTune/services/tuner/dataset"
	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/registry"
)

const tracerName = "github.com/AleutianAI/BeringTune/services/tuner/measure"

// Engine executes the measurement protocol against registered operations.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Measure call keeps all mutable state on
//	its own stack; the config is read-only after construction.
type Engine struct {
	registry *registry.Registry
	config   *Config
	logger   *slog.Logger
}

// NewEngine creates a measurement engine over an operation registry.
//
// Inputs:
//   - reg: The operation catalog. Must not be nil.
//   - opts: Protocol overrides applied on top of DefaultConfig.
//
// Outputs:
//   - *Engine: The configured engine.
//   - error: Non-nil when the resulting config fails validation.
func NewEngine(reg *registry.Registry, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating measurement config: %w", err)
	}

	return &Engine{
		registry: reg,
		config:   config,
		logger:   slog.Default(),
	}, nil
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Config returns a copy of the engine's protocol parameters.
func (e *Engine) Config() Config {
	return *e.config
}

// Measure runs the full protocol for one (operation, config, dataset) node.
//
// Description:
//
//	The protocol is: resolve (which enforces the compatibility invariant),
//	correctness-gate the output against the baseline reference, warm up,
//	calibrate a batch size if the single-iteration estimate sits below the
//	timer precision floor, record the repetitions on a locked OS thread,
//	reject outliers by IQR fence, and summarize the survivors.
//
// Outputs:
//   - *datatypes.Statistics: The survivor summary. Nil on any error.
//   - error: ErrIncompatibleBackend before any execution for undeclared
//     dimensions; ErrCorrectnessMismatch when the gate fails;
//     ErrInsufficientValidSamples when rejection leaves fewer than the
//     configured floor; otherwise the underlying execution error.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Measure(ctx context.Context, operationID string, backend datatypes.BackendConfig, data *dataset.Data) (*datatypes.Statistics, error) {
	if ctx == nil {
		return nil, errors.New("context must not be nil")
	}
	if data == nil {
		return nil, errors.New("dataset must not be nil")
	}

	backend = backend.Normalize()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "measure.Engine.Measure",
		trace.WithAttributes(
			attribute.String("tuner.operation", operationID),
			attribute.String("tuner.config", backend.Name()),
			attribute.String("tuner.scale", data.Scale.Name),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	call, _, err := e.registry.Resolve(operationID, backend)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}

	if e.config.ValidateOutput {
		if err := e.runCorrectnessGate(ctx, operationID, backend, call, data); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "correctness gate")
			return nil, err
		}
	}

	var memBefore runtime.MemStats
	if e.config.CollectMemory {
		runtime.GC()
		runtime.ReadMemStats(&memBefore)
	}

	for i := 0; i < e.config.Warmup; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := call(ctx, data); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "warmup failed")
			return nil, fmt.Errorf("warmup iteration %d: %w", i, err)
		}
	}

	if e.config.Cooldown > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cooldown interrupted: %w", ctx.Err())
		case <-time.After(e.config.Cooldown):
		}
	}

	batch, estimate, err := e.calibrate(ctx, call, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calibration failed")
		return nil, err
	}
	if batch > 1 {
		e.logger.Debug("iteration estimate below precision floor, batching",
			slog.String("operation", operationID),
			slog.String("config", backend.Name()),
			slog.Duration("estimate", estimate),
			slog.Int("batch_size", batch),
		)
	}

	samples, err := e.record(ctx, call, data, batch, backend.Affinity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "measurement failed")
		return nil, err
	}

	if e.config.CollectMemory {
		var memAfter runtime.MemStats
		runtime.ReadMemStats(&memAfter)
		e.logger.Debug("measurement memory profile",
			slog.String("operation", operationID),
			slog.Int64("heap_delta_bytes", int64(memAfter.HeapAlloc)-int64(memBefore.HeapAlloc)),
			slog.Uint64("gc_cycles", uint64(memAfter.NumGC-memBefore.NumGC)),
		)
	}

	kept, rejected := RemoveOutliers(samples, e.config.OutlierThreshold)
	if len(kept) < e.config.MinValidSamples {
		err := fmt.Errorf("%w: %d of %d samples survived the IQR fence, need %d",
			datatypes.ErrInsufficientValidSamples, len(kept), len(samples), e.config.MinValidSamples)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insufficient valid samples")
		e.logger.Warn("measurement too noisy to trust",
			slog.String("operation", operationID),
			slog.String("config", backend.Name()),
			slog.String("scale", data.Scale.Name),
			slog.Int("survivors", len(kept)),
			slog.Int("rejected", len(rejected)),
		)
		return nil, err
	}

	stats := e.buildStatistics(samples, kept, batch, data)

	span.SetAttributes(
		attribute.Int("tuner.result.n_valid", stats.NValid),
		attribute.Int("tuner.result.n_outliers", stats.NOutliers),
		attribute.Int("tuner.result.batch_size", stats.BatchSize),
		attribute.Float64("tuner.result.mean_seconds", stats.MeanSeconds),
		attribute.Float64("tuner.result.throughput_mean", stats.Throughput.Mean),
	)
	span.SetStatus(codes.Ok, "measurement completed")

	e.logger.Debug("node measured",
		slog.String("operation", operationID),
		slog.String("config", backend.Name()),
		slog.String("scale", data.Scale.Name),
		slog.Float64("mean_seconds", stats.MeanSeconds),
		slog.Float64("throughput_mean", stats.Throughput.Mean),
		slog.Int("n_valid", stats.NValid),
		slog.Int("n_outliers", stats.NOutliers),
	)

	return stats, nil
}

// runCorrectnessGate executes the node once and compares its output against
// the cached baseline reference. Failure is terminal for the node: a config
// that changes results is not an optimization at any speed.
func (e *Engine) runCorrectnessGate(ctx context.Context, operationID string, backend datatypes.BackendConfig, call registry.Callable, data *dataset.Data) error {
	out, err := call(ctx, data)
	if err != nil {
		return fmt.Errorf("correctness probe: %w", err)
	}

	ok, err := e.registry.Validate(ctx, operationID, data, out)
	if err != nil {
		return fmt.Errorf("computing reference output: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s under %s at scale %s",
			datatypes.ErrCorrectnessMismatch, operationID, backend.Name(), data.Scale.Name)
	}
	return nil
}

// calibrate times one iteration and picks the batch size for the recorded
// loop. Estimates at or above the precision floor run unbatched.
func (e *Engine) calibrate(ctx context.Context, call registry.Callable, data *dataset.Data) (batch int, estimate time.Duration, err error) {
	start := time.Now()
	if _, err := call(ctx, data); err != nil {
		return 0, 0, fmt.Errorf("calibration run: %w", err)
	}
	estimate = time.Since(start)

	if estimate >= e.config.PrecisionFloor {
		return 1, estimate, nil
	}
	if estimate <= 0 {
		estimate = time.Nanosecond
	}

	batch = int(e.config.TargetBatchTime/estimate) + 1
	if batch > e.config.MaxBatchSize {
		batch = e.config.MaxBatchSize
	}
	return batch, estimate, nil
}

// record runs the timed repetitions on a locked OS thread. Each sample is
// the batch wall time divided by the batch size, in seconds.
func (e *Engine) record(ctx context.Context, call registry.Callable, data *dataset.Data, batch int, hint datatypes.Affinity) ([]float64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if e.config.PinThread {
		restore, err := pinThread(hint)
		if err != nil {
			e.logger.Debug("affinity hint not applied",
				slog.String("hint", string(hint)),
				slog.String("error", err.Error()),
			)
		} else {
			defer restore()
		}
	}

	samples := make([]float64, 0, e.config.Repetitions)
	for i := 0; i < e.config.Repetitions; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		for k := 0; k < batch; k++ {
			if _, err := call(ctx, data); err != nil {
				return nil, fmt.Errorf("repetition %d: %w", i, err)
			}
		}
		elapsed := time.Since(start)

		samples = append(samples, elapsed.Seconds()/float64(batch))
	}
	return samples, nil
}

// buildStatistics summarizes survivor samples in both time and throughput
// views. Throughput is computed per sample before aggregation, so its mean
// is a true mean of rates.
func (e *Engine) buildStatistics(raw, kept []float64, batch int, data *dataset.Data) *datatypes.Statistics {
	mean, median, stddev, ciLo, ciHi, min, max := Summarize(kept, e.config.Confidence)

	sequences := float64(data.Len())
	throughputs := make([]float64, 0, len(kept))
	for _, s := range kept {
		if s > 0 {
			throughputs = append(throughputs, sequences/s)
		}
	}
	tMean, tMedian, tStd, tLo, tHi, tMin, tMax := Summarize(throughputs, e.config.Confidence)

	return &datatypes.Statistics{
		RawSeconds:       raw,
		FilteredSeconds:  kept,
		MeanSeconds:      mean,
		MedianSeconds:    median,
		StdDevSeconds:    stddev,
		CI95LowerSeconds: ciLo,
		CI95UpperSeconds: ciHi,
		MinSeconds:       min,
		MaxSeconds:       max,
		NValid:           len(kept),
		NOutliers:        len(raw) - len(kept),
		Throughput: datatypes.ThroughputStats{
			Mean:      tMean,
			Median:    tMedian,
			StdDev:    tStd,
			CI95Lower: tLo,
			CI95Upper: tHi,
			Min:       tMin,
			Max:       tMax,
		},
		BatchSize: batch,
	}
}
