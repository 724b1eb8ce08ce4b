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
	"math"
)

// =============================================================================
// Statistics
// =============================================================================

// Statistics is the measurement summary for one node.
//
// Description:
//
//	All timing fields are in seconds per iteration. RawSeconds holds every
//	post-warmup repetition; FilteredSeconds is the subset surviving IQR
//	outlier rejection, and every summary value is computed over that subset.
//	Throughput is derived per-sample (sequences / elapsed) before
//	aggregation, so its mean is a true mean of throughputs rather than an
//	inversion of the mean time.
type Statistics struct {
	RawSeconds      []float64 `json:"raw_seconds,omitempty"`
	FilteredSeconds []float64 `json:"filtered_seconds,omitempty"`

	MeanSeconds      float64 `json:"mean_seconds"`
	MedianSeconds    float64 `json:"median_seconds"`
	StdDevSeconds    float64 `json:"stddev_seconds"`
	CI95LowerSeconds float64 `json:"ci95_lower_seconds"`
	CI95UpperSeconds float64 `json:"ci95_upper_seconds"`
	MinSeconds       float64 `json:"min_seconds"`
	MaxSeconds       float64 `json:"max_seconds"`

	// NValid is the surviving sample count; NOutliers is how many raw
	// samples the IQR fence rejected. NValid + NOutliers == len(RawSeconds).
	NValid    int `json:"n_valid"`
	NOutliers int `json:"n_outliers"`

	// Throughput aggregates the per-sample sequences/sec view.
	Throughput ThroughputStats `json:"throughput"`

	// BatchSize is the number of iterations folded into each timing sample
	// when the single-iteration estimate sat below the timer precision
	// floor. 1 means no batching was needed.
	BatchSize int `json:"batch_size,omitempty"`
}

// ThroughputStats summarizes per-sample throughput in sequences per second.
type ThroughputStats struct {
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	StdDev    float64 `json:"stddev"`
	CI95Lower float64 `json:"ci95_lower"`
	CI95Upper float64 `json:"ci95_upper"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

// StdErrSeconds returns the standard error of the mean timing.
func (s Statistics) StdErrSeconds() float64 {
	if s.NValid == 0 {
		return 0
	}
	return s.StdDevSeconds / math.Sqrt(float64(s.NValid))
}

// =============================================================================
// Speedup
// =============================================================================

// Speedup is the throughput ratio of a node against its baseline sibling,
// with a propagated 95% confidence interval.
type Speedup struct {
	Value   float64 `json:"value"`
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
}

// PropagateSpeedup computes node-vs-baseline speedup from two measurement
// summaries.
//
// Description:
//
//	Speedup is the ratio of mean times (baseline / node), which equals the
//	ratio of mean throughputs. The interval uses first-order uncertainty
//	propagation on the ratio: the relative standard error of the quotient is
//	the root-sum-square of the two relative standard errors, widened by the
//	t critical value at the smaller sample's degrees of freedom.
//
// Outputs:
//
//	Speedup - Value with CI bounds clamped at zero below.
//	error - Non-nil when either summary has no valid samples or a zero mean.
func PropagateSpeedup(node, baseline Statistics) (Speedup, error) {
	if node.NValid == 0 || baseline.NValid == 0 {
		return Speedup{}, fmt.Errorf("%w: speedup needs valid samples on both sides", ErrNoBaseline)
	}
	if node.MeanSeconds <= 0 || baseline.MeanSeconds <= 0 {
		return Speedup{}, fmt.Errorf("%w: non-positive mean timing", ErrNoBaseline)
	}

	value := baseline.MeanSeconds / node.MeanSeconds

	relNode := node.StdErrSeconds() / node.MeanSeconds
	relBase := baseline.StdErrSeconds() / baseline.MeanSeconds
	relErr := math.Sqrt(relNode*relNode + relBase*relBase)

	df := node.NValid
	if baseline.NValid < df {
		df = baseline.NValid
	}
	df--

	t := TCriticalValue(df, 0.95)
	half := t * relErr * value

	lower := value - half
	if lower < 0 {
		lower = 0
	}

	return Speedup{Value: value, CILower: lower, CIUpper: value + half}, nil
}

// Contains reports whether v falls inside the speedup's interval.
func (s Speedup) Contains(v float64) bool {
	return v >= s.CILower && v <= s.CIUpper
}

// =============================================================================
// t-distribution critical values
// =============================================================================

// tTable holds two-tailed critical values for small degrees of freedom.
// Index i is df = i + 1. Beyond df 30 the normal approximation is close
// enough for measurement work.
var tTable = map[float64][30]float64{
	0.90: {
		6.314, 2.920, 2.353, 2.132, 2.015, 1.943, 1.895, 1.860, 1.833, 1.812,
		1.796, 1.782, 1.771, 1.761, 1.753, 1.746, 1.740, 1.734, 1.729, 1.725,
		1.721, 1.717, 1.714, 1.711, 1.708, 1.706, 1.703, 1.701, 1.699, 1.697,
	},
	0.95: {
		12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042,
	},
	0.99: {
		63.657, 9.925, 5.841, 4.604, 4.032, 3.707, 3.499, 3.355, 3.250, 3.169,
		3.106, 3.055, 3.012, 2.977, 2.947, 2.921, 2.898, 2.878, 2.861, 2.845,
		2.831, 2.819, 2.807, 2.797, 2.787, 2.779, 2.771, 2.763, 2.756, 2.750,
	},
}

// zValues are the normal-approximation fallbacks for df > 30.
var zValues = map[float64]float64{
	0.90: 1.645,
	0.95: 1.960,
	0.99: 2.576,
}

// TCriticalValue returns the two-tailed t critical value for the given
// degrees of freedom and confidence level (0.90, 0.95, or 0.99; anything
// else falls back to 0.95). df < 1 is treated as 1.
func TCriticalValue(df int, confidence float64) float64 {
	table, ok := tTable[confidence]
	if !ok {
		table = tTable[0.95]
	}
	if df < 1 {
		df = 1
	}
	if df <= 30 {
		return table[df-1]
	}
	z, ok := zValues[confidence]
	if !ok {
		z = zValues[0.95]
	}
	return z
}
