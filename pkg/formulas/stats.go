// Package formulas holds the numeric helpers shared by the risk model components.
// NaN values are treated as "missing" by the helpers that say so.
package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation (N-1 denominator)
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance (N-1 denominator)
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Finite returns the non-NaN, non-Inf values of data in their original order.
func Finite(data []float64) []float64 {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// Sorted returns a sorted copy of data.
func Sorted(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	sort.Float64s(out)
	return out
}

// Median returns the median of the finite values in data (mean of the two middle
// values for an even count). Returns NaN when there are no finite values.
func Median(data []float64) float64 {
	vals := Sorted(Finite(data))
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// Quantile returns the p-quantile of the finite values in data, interpolating
// linearly at rank (n-1)·p so that p and 1-p sit symmetrically between the
// extremes. Returns NaN when there are no finite values.
func Quantile(data []float64, p float64) float64 {
	vals := Sorted(Finite(data))
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return vals[0]
	}
	p = math.Max(0, math.Min(1, p))
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	return vals[lo] + (h-float64(lo))*(vals[hi]-vals[lo])
}

// Winsorize clips the finite values of data to the [lower, upper] quantiles of the
// finite values. NaN entries are passed through unchanged. Returns a new slice.
func Winsorize(data []float64, lower, upper float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)

	finite := Finite(data)
	if len(finite) < 2 {
		return out
	}

	lo := Quantile(finite, lower)
	hi := Quantile(finite, upper)
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		out[i] = math.Max(lo, math.Min(hi, v))
	}
	return out
}

// ZScore standardises the finite values of data with their mean and sample standard
// deviation. It reports ok=false when fewer than two finite values exist or the
// standard deviation is zero; in that case finite values are set to 0.
func ZScore(data []float64) (out []float64, ok bool) {
	out = make([]float64, len(data))
	finite := Finite(data)

	mean := Mean(finite)
	std := StdDev(finite)
	ok = len(finite) >= 2 && std > 0

	for i, v := range data {
		switch {
		case math.IsNaN(v):
			out[i] = math.NaN()
		case !ok:
			out[i] = 0
		default:
			out[i] = (v - mean) / std
		}
	}
	return out, ok
}

// Normalize scales weights so they sum to 1. Returns false when the sum is not positive.
func Normalize(weights []float64) bool {
	sum := floats.Sum(weights)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	floats.Scale(1/sum, weights)
	return true
}

// Covariance calculates the sample covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// Beta returns the OLS slope and intercept of y on x together with the regression
// residuals. ok is false when the series lengths differ, fewer than two points are
// available, or x has no variance.
func Beta(y, x []float64) (beta, alpha float64, residuals []float64, ok bool) {
	if len(y) != len(x) || len(y) < 2 {
		return 0, 0, nil, false
	}
	if stat.Variance(x, nil) == 0 {
		return 0, 0, nil, false
	}

	alpha, beta = stat.LinearRegression(x, y, nil, false)
	residuals = make([]float64, len(y))
	for i := range y {
		residuals[i] = y[i] - alpha - beta*x[i]
	}
	return beta, alpha, residuals, true
}

// CompoundReturn compounds simple returns: (1+r1)*(1+r2)*...*(1+rN) - 1
func CompoundReturn(returns []float64) float64 {
	cumulative := 1.0
	for _, r := range returns {
		cumulative *= 1 + r
	}
	return cumulative - 1
}

// CAGR returns the compound annual growth rate between the first and last value of a
// yearly series. ok is false for fewer than two points or a non-positive start/end.
func CAGR(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	first := values[0]
	last := values[len(values)-1]
	if first <= 0 || last <= 0 {
		return 0, false
	}
	years := float64(len(values) - 1)
	return math.Pow(last/first, 1/years) - 1, true
}

// EWMAVariance runs the recursion var_t = λ·var_{t-1} + (1-λ)·r_t² over returns
// (oldest first), seeded with the first squared return. It returns the variance after
// each observation. NaN returns leave the previous estimate unchanged.
func EWMAVariance(returns []float64, lambda float64) []float64 {
	out := make([]float64, len(returns))
	seeded := false
	prev := 0.0
	for i, r := range returns {
		switch {
		case math.IsNaN(r):
			if !seeded {
				out[i] = math.NaN()
				continue
			}
		case !seeded:
			prev = r * r
			seeded = true
		default:
			prev = lambda*prev + (1-lambda)*r*r
		}
		out[i] = math.Max(0, prev)
	}
	return out
}
