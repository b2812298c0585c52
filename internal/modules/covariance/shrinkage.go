package covariance

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// averageCorrelation returns the mean pairwise correlation implied by s, skipping
// factors with non-positive variance.
func averageCorrelation(s *mat.SymDense) float64 {
	n := s.SymmetricDim()
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			vi, vj := s.At(i, i), s.At(j, j)
			if vi <= 0 || vj <= 0 {
				continue
			}
			sum += s.At(i, j) / math.Sqrt(vi*vj)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// constantCorrelationTarget keeps the variances of s and sets every correlation to
// the average correlation of s.
func constantCorrelationTarget(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	rbar := averageCorrelation(s)
	target := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		target.SetSym(i, i, s.At(i, i))
		for j := i + 1; j < n; j++ {
			vi, vj := math.Max(0, s.At(i, i)), math.Max(0, s.At(j, j))
			target.SetSym(i, j, rbar*math.Sqrt(vi*vj))
		}
	}
	return target
}

// shrink returns (1-delta)·s + delta·target.
func shrink(s, target *mat.SymDense, delta float64) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (1-delta)*s.At(i, j)+delta*target.At(i, j))
		}
	}
	return out
}

// ledoitWolfIntensity estimates the optimal shrinkage intensity toward the constant
// correlation target (Ledoit & Wolf, 2004, "Honey, I shrunk the sample covariance
// matrix") from complete observations, oldest first. ok is false when the estimate
// is not defined: fewer than two rows or factors, or a factor without variance.
func ledoitWolfIntensity(rows [][]float64) (float64, bool) {
	t := len(rows)
	if t < 2 {
		return 0, false
	}
	n := len(rows[0])
	if n < 2 {
		return 0, false
	}

	x := mat.NewDense(t, n, nil)
	for r, row := range rows {
		x.SetRow(r, row)
	}
	for j := 0; j < n; j++ {
		var mean float64
		for r := 0; r < t; r++ {
			mean += x.At(r, j)
		}
		mean /= float64(t)
		for r := 0; r < t; r++ {
			x.Set(r, j, x.At(r, j)-mean)
		}
	}

	tf := float64(t)
	var s mat.SymDense
	s.SymOuterK(1/tf, x.T())
	for i := 0; i < n; i++ {
		if s.At(i, i) <= 0 {
			return 0, false
		}
	}
	target := constantCorrelationTarget(&s)
	rbar := averageCorrelation(&s)

	// pi: sum of asymptotic variances of the sample covariance entries.
	// theta[i][j]: asymptotic covariance between s_ii and s_ij.
	var pi float64
	theta := make([][]float64, n)
	for i := range theta {
		theta[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sij := s.At(i, j)
			sii := s.At(i, i)
			var p, th float64
			for r := 0; r < t; r++ {
				xi, xj := x.At(r, i), x.At(r, j)
				d := xi*xj - sij
				p += d * d
				th += (xi*xi - sii) * d
			}
			pi += p / tf
			theta[i][j] = th / tf
		}
	}

	// rho: asymptotic covariance between target and sample entries.
	var rho float64
	for i := 0; i < n; i++ {
		var p float64
		for r := 0; r < t; r++ {
			d := x.At(r, i)*x.At(r, i) - s.At(i, i)
			p += d * d
		}
		rho += p / tf
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sii, sjj := s.At(i, i), s.At(j, j)
			rho += rbar / 2 * (math.Sqrt(sjj/sii)*theta[i][j] + math.Sqrt(sii/sjj)*theta[j][i])
		}
	}

	// gamma: squared Frobenius distance between target and sample.
	var gamma float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := target.At(i, j) - s.At(i, j)
			gamma += d * d
		}
	}
	if gamma == 0 {
		return 0, true
	}

	kappa := (pi - rho) / gamma
	delta := kappa / tf
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, false
	}
	return math.Max(0, math.Min(1, delta)), true
}
