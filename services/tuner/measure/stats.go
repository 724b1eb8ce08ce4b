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
	"math"
	"sort"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
)

// Percentile returns the p-quantile of an already sorted sample using
// linear interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	fraction := index - float64(lower)
	return sorted[lower]*(1-fraction) + sorted[upper]*fraction
}

// RemoveOutliers splits samples into survivors and rejects using the IQR
// method: values outside [Q1 - threshold*IQR, Q3 + threshold*IQR] are
// rejected.
//
// Description:
//
//	Unlike a best-effort filter, this never restores rejected samples when
//	too many fall outside the fence. Deciding whether the surviving count is
//	still statistically usable is the caller's job; the measurement engine
//	turns a too-small survivor set into ErrInsufficientValidSamples rather
//	than silently reporting contaminated statistics.
//
// Inputs:
//   - samples: Raw timing samples. Fewer than 4 are returned unfiltered,
//     quartiles are meaningless below that.
//   - threshold: IQR multiplier (1.5 for mild outliers, 3.0 for extreme).
//
// Outputs:
//   - kept: Samples inside the fence, in original order.
//   - rejected: Samples outside the fence, in original order.
//
// Thread Safety: Stateless and safe for concurrent use.
func RemoveOutliers(samples []float64, threshold float64) (kept, rejected []float64) {
	if len(samples) < 4 {
		return samples, nil
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	q1 := Percentile(sorted, 0.25)
	q3 := Percentile(sorted, 0.75)
	iqr := q3 - q1

	lowerBound := q1 - threshold*iqr
	upperBound := q3 + threshold*iqr

	kept = make([]float64, 0, len(samples))
	for _, s := range samples {
		if s >= lowerBound && s <= upperBound {
			kept = append(kept, s)
		} else {
			rejected = append(rejected, s)
		}
	}
	return kept, rejected
}

// Mean returns the arithmetic mean.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// variance is the population variance, matching the convention the
// two-sample tests use.
func variance(samples []float64, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquaredDiff float64
	for _, s := range samples {
		diff := s - mean
		sumSquaredDiff += diff * diff
	}
	return sumSquaredDiff / float64(len(samples))
}

// SampleStdDev is the n-1 standard deviation used for confidence intervals.
func SampleStdDev(samples []float64, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sumSquaredDiff float64
	for _, s := range samples {
		diff := s - mean
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(samples)-1))
}

// Summarize computes the full descriptive summary over one sample set:
// mean, median, sample standard deviation, t-based confidence interval at
// the given level, and range.
func Summarize(samples []float64, confidence float64) (mean, median, stddev, ciLower, ciUpper, min, max float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0, 0, 0, 0
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	mean = Mean(samples)
	median = Percentile(sorted, 0.5)
	stddev = SampleStdDev(samples, mean)
	min = sorted[0]
	max = sorted[len(sorted)-1]

	if len(samples) > 1 {
		t := datatypes.TCriticalValue(len(samples)-1, confidence)
		half := t * stddev / math.Sqrt(float64(len(samples)))
		ciLower = mean - half
		ciUpper = mean + half
	} else {
		ciLower, ciUpper = mean, mean
	}
	return mean, median, stddev, ciLower, ciUpper, min, max
}

// WelchTTest performs Welch's t-test for two sample sets.
//
// Description:
//
//	Welch's test does not assume equal variances or sample sizes, which
//	fits timing data where an optimized variant is usually far less noisy
//	than its baseline.
//
// Outputs:
//   - tStatistic: Negative when samples1 < samples2.
//   - pValue: Approximate two-tailed p-value. 1 when the inputs are too
//     small or have zero variance.
//
// Thread Safety: Stateless and safe for concurrent use.
//
// Limitations:
//   - Uses the normal approximation for df >= 30 and a rough correction
//     below that. Adequate for gating decisions, not for publication.
func WelchTTest(samples1, samples2 []float64) (tStatistic float64, pValue float64) {
	if len(samples1) < 2 || len(samples2) < 2 {
		return 0, 1
	}

	mean1 := Mean(samples1)
	mean2 := Mean(samples2)

	var1 := variance(samples1, mean1)
	var2 := variance(samples2, mean2)

	n1 := float64(len(samples1))
	n2 := float64(len(samples2))

	se := math.Sqrt(var1/n1 + var2/n2)
	if se == 0 {
		return 0, 1
	}

	tStatistic = (mean1 - mean2) / se

	// Welch-Satterthwaite degrees of freedom.
	num := math.Pow(var1/n1+var2/n2, 2)
	denom := math.Pow(var1/n1, 2)/(n1-1) + math.Pow(var2/n2, 2)/(n2-1)
	if denom == 0 {
		return tStatistic, 1
	}
	df := num / denom

	pValue = approximatePValue(tStatistic, df)
	return tStatistic, pValue
}

// OneSampleTTest tests whether the sample mean differs from mu0.
//
// Description:
//
//	This is the compositionality gate: the per-repetition interaction
//	factors are tested against 1.0, and only a significant departure is
//	allowed to label a composition sub- or super-multiplicative.
//
// Outputs:
//   - tStatistic: Negative when the sample mean is below mu0.
//   - pValue: Approximate two-tailed p-value. 1 when fewer than 2 samples
//     or zero variance.
//   - df: Degrees of freedom (n-1).
//
// Thread Safety: Stateless and safe for concurrent use.
func OneSampleTTest(samples []float64, mu0 float64) (tStatistic float64, pValue float64, df int) {
	if len(samples) < 2 {
		return 0, 1, 0
	}

	mean := Mean(samples)
	stddev := SampleStdDev(samples, mean)
	df = len(samples) - 1

	se := stddev / math.Sqrt(float64(len(samples)))
	if se == 0 {
		return 0, 1, df
	}

	tStatistic = (mean - mu0) / se
	pValue = approximatePValue(tStatistic, float64(df))
	return tStatistic, pValue, df
}

// CohensD is the standardized effect size between two sample sets, using
// the pooled standard deviation. Positive d means samples1 > samples2.
func CohensD(samples1, samples2 []float64) float64 {
	if len(samples1) == 0 || len(samples2) == 0 {
		return 0
	}

	mean1 := Mean(samples1)
	mean2 := Mean(samples2)

	var1 := variance(samples1, mean1)
	var2 := variance(samples2, mean2)

	n1 := float64(len(samples1))
	n2 := float64(len(samples2))
	if n1+n2 <= 2 {
		return 0
	}
	pooledVar := ((n1-1)*var1 + (n2-1)*var2) / (n1 + n2 - 2)
	pooledStdDev := math.Sqrt(pooledVar)

	if pooledStdDev == 0 {
		return 0
	}
	return (mean1 - mean2) / pooledStdDev
}

// approximatePValue converts a t statistic to a two-tailed p-value, using
// the normal approximation above 30 degrees of freedom. Below that the
// statistic is rescaled by the t-distribution's standard deviation so the
// fatter tails make the result less significant, never more.
func approximatePValue(t, df float64) float64 {
	if df >= 30 {
		return 2 * normalCDF(-math.Abs(t))
	}
	scale := 2.0
	if df > 2 {
		scale = math.Sqrt(df / (df - 2))
	}
	return 2 * normalCDF(-math.Abs(t)/scale)
}

// normalCDF approximates the standard normal CDF via the error function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
