// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// =============================================================================
// Feature extraction
// =============================================================================

// featureCount is the width of the design matrix.
const featureCount = 7

// Feature column order. The exported RegressionModel names the same
// coefficients, so this order is part of the rule set format.
const (
	colIntercept = iota
	colComplexity
	colLogScale
	colVector
	colThreadsLog2
	colCompact
	colCompressed
)

// errDegenerateFit means the design matrix cannot support a stable solve:
// too few samples for the varying columns, or a (near-)singular system.
var errDegenerateFit = errors.New("degenerate design matrix")

// featureVector flattens one node's coordinates into regression features.
//
// Scale enters as log10 of the sequence count, so the tier ladder maps to
// the evenly spaced values 2 through 7. Thread count enters as log2, so
// each doubling of workers contributes one unit. The remaining dimensions
// are indicator flags.
func featureVector(complexity float64, scale datatypes.Scale, cfg datatypes.BackendConfig) [featureCount]float64 {
	cfg = cfg.Normalize()
	var f [featureCount]float64
	f[colIntercept] = 1
	f[colComplexity] = complexity
	if scale.Sequences > 0 {
		f[colLogScale] = math.Log10(float64(scale.Sequences))
	}
	if cfg.Vector {
		f[colVector] = 1
	}
	if cfg.Threads > 1 {
		f[colThreadsLog2] = math.Log2(float64(cfg.Threads))
	}
	if cfg.Encoding == datatypes.EncodingCompact {
		f[colCompact] = 1
	}
	if cfg.Compression != datatypes.CompressionNone {
		f[colCompressed] = 1
	}
	return f
}

// coefficients flattens a model into feature-column order.
func coefficients(m *datatypes.RegressionModel) [featureCount]float64 {
	return [featureCount]float64{
		colIntercept:   m.Intercept,
		colComplexity:  m.Complexity,
		colLogScale:    m.LogScale,
		colVector:      m.Vector,
		colThreadsLog2: m.ThreadsLog2,
		colCompact:     m.Compact,
		colCompressed:  m.Compressed,
	}
}

// Predict evaluates the regression model for one (operation, scale, config)
// point and returns the predicted speedup over baseline.
//
// Description:
//
//	The model is linear in the features produced by the same flattening
//	the fit used, so predictions are exact interpolations of the fitted
//	plane. Callers own plausibility checks; the model happily extrapolates
//	beyond the measured feature ranges.
func Predict(m *datatypes.RegressionModel, complexity float64, scale datatypes.Scale, cfg datatypes.BackendConfig) float64 {
	return dot(coefficients(m), featureVector(complexity, scale, cfg))
}

func dot(a, b [featureCount]float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// =============================================================================
// Least-squares fit
// =============================================================================

// sample is one fitted row: a measured node flattened to features plus
// its observed speedup.
type sample struct {
	operation string
	features  [featureCount]float64
	speedup   float64
}

// fitModel solves ordinary least squares over the samples and returns the
// coefficient set. RMSE fields and counts are the caller's to fill.
//
// Description:
//
//	Builds the normal equations X'X b = X'y and solves them by Gaussian
//	elimination with partial pivoting. Columns that are constant across
//	the training set carry no information and would make the system
//	singular, so the solve runs over the varying columns only and the
//	constant ones keep a zero coefficient. The intercept column is always
//	active.
func fitModel(train []sample) (*datatypes.RegressionModel, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("%w: no training samples", errDegenerateFit)
	}

	active := activeColumns(train)
	k := len(active)
	if len(train) < k {
		return nil, fmt.Errorf("%w: %d samples for %d coefficients", errDegenerateFit, len(train), k)
	}

	xtx := make([][]float64, k)
	xty := make([]float64, k)
	for i := range xtx {
		xtx[i] = make([]float64, k)
	}
	for _, s := range train {
		for i, ci := range active {
			xi := s.features[ci]
			xty[i] += xi * s.speedup
			for j, cj := range active {
				xtx[i][j] += xi * s.features[cj]
			}
		}
	}

	beta, err := solveLinear(xtx, xty)
	if err != nil {
		return nil, err
	}

	var coef [featureCount]float64
	for i, c := range active {
		coef[c] = beta[i]
	}
	return &datatypes.RegressionModel{
		Intercept:   coef[colIntercept],
		Complexity:  coef[colComplexity],
		LogScale:    coef[colLogScale],
		Vector:      coef[colVector],
		ThreadsLog2: coef[colThreadsLog2],
		Compact:     coef[colCompact],
		Compressed:  coef[colCompressed],
	}, nil
}

// activeColumns returns the intercept plus every column that takes at
// least two distinct values across the training set.
func activeColumns(train []sample) []int {
	active := []int{colIntercept}
	for c := colComplexity; c < featureCount; c++ {
		first := train[0].features[c]
		for _, s := range train[1:] {
			if s.features[c] != first {
				active = append(active, c)
				break
			}
		}
	}
	return active
}

// solveLinear solves a*x = b in place by Gaussian elimination with partial
// pivoting. A pivot below tolerance means collinear columns survived the
// constant-column filter; the fit is refused rather than published with
// unstable coefficients.
func solveLinear(a [][]float64, b []float64) ([]float64, error) {
	const tolerance = 1e-12
	n := len(a)

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < tolerance {
			return nil, fmt.Errorf("%w: collinear features (pivot %d)", errDegenerateFit, col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

// modelRMSE is the root-mean-square prediction error over a sample set.
func modelRMSE(m *datatypes.RegressionModel, samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	coef := coefficients(m)
	var se float64
	for _, s := range samples {
		diff := dot(coef, s.features) - s.speedup
		se += diff * diff
	}
	return math.Sqrt(se / float64(len(samples)))
}
