package covariance

import (
	"math"
)

// decayWeights returns exponential time-decay weights for n observations, oldest
// first. halfLife <= 0 gives equal weights. Weights are not normalised.
func decayWeights(n int, halfLife float64) []float64 {
	w := make([]float64, n)
	if halfLife <= 0 {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	lambda := math.Ln2 / halfLife
	for i := range w {
		age := float64(n - 1 - i) // 0 for newest
		w[i] = math.Exp(-lambda * age)
	}
	return w
}

// pairwiseCovariance computes a weighted covariance matrix over panel rows (oldest
// first, NaN for missing), using for each pair only the rows where both are present.
// Weights are renormalised per pair with the effective-sample correction
// denom = 1 - sum(w^2). Cells with fewer than two shared rows are NaN.
func pairwiseCovariance(panel [][]float64, weights []float64, k int) [][]float64 {
	cov := make([][]float64, k)
	for i := range cov {
		cov[i] = make([]float64, k)
	}

	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			val := pairCovariance(panel, weights, i, j)
			cov[i][j] = val
			cov[j][i] = val
		}
	}
	return cov
}

func pairCovariance(panel [][]float64, weights []float64, i, j int) float64 {
	var sumW float64
	var count int
	for t, row := range panel {
		if math.IsNaN(row[i]) || math.IsNaN(row[j]) {
			continue
		}
		sumW += weights[t]
		count++
	}
	if count < 2 || sumW <= 0 {
		return math.NaN()
	}

	var muI, muJ, sumW2 float64
	for t, row := range panel {
		if math.IsNaN(row[i]) || math.IsNaN(row[j]) {
			continue
		}
		w := weights[t] / sumW
		muI += w * row[i]
		muJ += w * row[j]
		sumW2 += w * w
	}
	denom := 1 - sumW2
	if denom <= 0 {
		return math.NaN()
	}

	var s float64
	for t, row := range panel {
		if math.IsNaN(row[i]) || math.IsNaN(row[j]) {
			continue
		}
		s += weights[t] / sumW * (row[i] - muI) * (row[j] - muJ)
	}
	return s / denom
}

// completeCases returns the panel rows with every factor present.
func completeCases(panel [][]float64) [][]float64 {
	out := make([][]float64, 0, len(panel))
	for _, row := range panel {
		complete := true
		for _, v := range row {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, row)
		}
	}
	return out
}
