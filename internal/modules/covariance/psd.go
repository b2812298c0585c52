package covariance

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/domain"
)

// PSDReport describes an eigenvalue-clipping pass.
type PSDReport struct {
	// MinEigenvalue is the smallest eigenvalue before clipping.
	MinEigenvalue float64
	Clipped       int
	// ConditionNumber is the ratio of the largest to the smallest eigenvalue after clipping.
	ConditionNumber float64
	Eigenvalues     []float64
}

// Symmetrize returns (M + Mᵀ)/2 as a SymDense.
func Symmetrize(m mat.Matrix) *mat.SymDense {
	r, c := m.Dims()
	if r != c {
		panic(mat.ErrShape)
	}
	out := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			out.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return out
}

// EnforcePSD symmetrises m, clips eigenvalues below floor up to floor and rebuilds
// the matrix from the clipped spectrum. It fails with a NonPSDMatrixError when the
// matrix holds non-finite values, has no positive variance, or cannot be decomposed.
func EnforcePSD(m mat.Matrix, floor float64) (*mat.SymDense, PSDReport, error) {
	var report PSDReport
	r, c := m.Dims()
	if r != c || r == 0 {
		return nil, report, &domain.NonPSDMatrixError{Reason: "matrix is empty or not square"}
	}

	sym := Symmetrize(m)
	var trace float64
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			v := sym.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, report, &domain.NonPSDMatrixError{MinEigenvalue: math.NaN(), Reason: "matrix has non-finite entries"}
			}
		}
		trace += math.Max(0, sym.At(i, i))
	}
	if trace <= 0 {
		return nil, report, &domain.NonPSDMatrixError{Reason: "no factor has positive variance"}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, report, &domain.NonPSDMatrixError{MinEigenvalue: math.NaN(), Reason: "eigendecomposition failed"}
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	report.MinEigenvalue = values[0]
	for i, v := range values {
		if v < report.MinEigenvalue {
			report.MinEigenvalue = v
		}
		if v < floor {
			values[i] = floor
			report.Clipped++
		}
	}

	out := sym
	if report.Clipped > 0 {
		var scaled, rebuilt mat.Dense
		scaled.Mul(&vectors, mat.NewDiagDense(r, values))
		rebuilt.Mul(&scaled, vectors.T())
		out = Symmetrize(&rebuilt)
	}

	report.Eigenvalues = values
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	report.ConditionNumber = hi / lo
	return out, report, nil
}
