package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/pkg/formulas"
)

// Design is an explicit regression design: one row per security, one column per factor.
type Design struct {
	Columns []string
	X       *mat.Dense
}

// Solution is the outcome of one weighted least squares solve.
type Solution struct {
	Coefficients    []float64
	Residuals       []float64
	Weights         []float64
	ConditionNumber float64
	RidgeActivated  bool
	RSquared        float64
}

// Weights returns the normalised regression weights for the given market caps.
// ok is false when no weight is positive.
func Weights(caps []float64, scheme string) ([]float64, bool) {
	w := make([]float64, len(caps))
	for i, c := range caps {
		if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			continue
		}
		switch scheme {
		case WeightCap:
			w[i] = c
		case WeightEqual:
			w[i] = 1
		default:
			w[i] = math.Sqrt(c)
		}
	}
	return w, formulas.Normalize(w)
}

// Solve runs weighted least squares of y on the design. Weights must already be
// normalised. When cond(XᵀWX) exceeds the threshold (or is not finite) the system is
// ridge-regularised with alpha on the diagonal.
func Solve(design Design, y, w []float64, threshold, alpha float64) (*Solution, error) {
	if design.X == nil {
		return nil, errors.New("empty design")
	}
	n, k := design.X.Dims()
	if len(y) != n || len(w) != n {
		return nil, fmt.Errorf("design has %d rows, got %d returns and %d weights", n, len(y), len(w))
	}
	if len(design.Columns) != k {
		return nil, fmt.Errorf("design has %d columns but %d names", k, len(design.Columns))
	}

	// Scale rows by sqrt(w) so XᵀWX = XsᵀXs.
	xs := mat.DenseCopyOf(design.X)
	ys := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		s := math.Sqrt(w[i])
		row := xs.RawRowView(i)
		floats.Scale(s, row)
		ys.SetVec(i, s*y[i])
	}

	var normal mat.SymDense
	normal.SymOuterK(1, xs.T())
	var rhs mat.VecDense
	rhs.MulVec(xs.T(), ys)

	sol := &Solution{Weights: w}
	sol.ConditionNumber = mat.Cond(&normal, 2)
	if math.IsNaN(sol.ConditionNumber) || math.IsInf(sol.ConditionNumber, 0) || sol.ConditionNumber > threshold {
		addRidge(&normal, alpha)
		sol.RidgeActivated = true
	}

	coef, err := solveNormal(&normal, &rhs)
	if err != nil && !sol.RidgeActivated {
		addRidge(&normal, alpha)
		sol.RidgeActivated = true
		coef, err = solveNormal(&normal, &rhs)
	}
	if err != nil {
		return nil, fmt.Errorf("solve normal equations: %w", err)
	}
	sol.Coefficients = coef.RawVector().Data

	var fitted mat.VecDense
	fitted.MulVec(design.X, coef)
	sol.Residuals = make([]float64, n)
	for i := 0; i < n; i++ {
		sol.Residuals[i] = y[i] - fitted.AtVec(i)
	}
	sol.RSquared = weightedRSquared(y, sol.Residuals, w)
	return sol, nil
}

func addRidge(a *mat.SymDense, alpha float64) {
	n := a.SymmetricDim()
	for i := 0; i < n; i++ {
		a.SetSym(i, i, a.At(i, i)+alpha)
	}
}

// solveNormal solves A·f = b by Cholesky, falling back to LU.
func solveNormal(a *mat.SymDense, b *mat.VecDense) (*mat.VecDense, error) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		var f mat.VecDense
		if err := chol.SolveVecTo(&f, b); err == nil && finiteVec(&f) {
			return &f, nil
		}
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, err
	}
	if !finiteVec(&f) {
		return nil, errors.New("non-finite solution")
	}
	return &f, nil
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func weightedRSquared(y, residuals, w []float64) float64 {
	mean := floats.Dot(w, y)
	var ssRes, ssTot float64
	for i := range y {
		ssRes += w[i] * residuals[i] * residuals[i]
		d := y[i] - mean
		ssTot += w[i] * d * d
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}
