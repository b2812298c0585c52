package regression

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/domain"
)

var testDate = time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinUniverse = 5
	return cfg
}

// constrainedInput builds a noiseless cross-section whose industry returns satisfy the
// cap-weighted zero-sum constraint, so the regression must recover them exactly.
func constrainedInput() (Input, map[string]float64) {
	in := Input{
		Date:         testDate,
		Securities:   []string{"A1", "A2", "A3", "B1", "B2", "B3", "C1", "C2", "C3"},
		StyleFactors: []string{"size"},
		Industry:     []string{"A", "A", "A", "B", "B", "B", "C", "C", "C"},
		Country:      "US",
		MarketCap:    []float64{10, 20, 30, 15, 25, 5, 80, 60, 40},
	}
	style := []float64{-1.2, 0.3, 0.9, -0.4, 1.1, -0.8, 0.5, -0.1, 1.4}

	var capA, capB, capC float64
	for i, label := range in.Industry {
		switch label {
		case "A":
			capA += in.MarketCap[i]
		case "B":
			capB += in.MarketCap[i]
		case "C":
			capC += in.MarketCap[i]
		}
	}
	total := capA + capB + capC
	fA, fB := 0.01, -0.02
	fC := -(capA/total*fA + capB/total*fB) / (capC / total)

	want := map[string]float64{
		"size":              0.03,
		IndustryFactor("A"): fA,
		IndustryFactor("B"): fB,
		IndustryFactor("C"): fC,
		CountryFactor("US"): 0.005,
	}
	industry := map[string]float64{"A": fA, "B": fB, "C": fC}

	for i := range in.Securities {
		in.Style = append(in.Style, []float64{style[i]})
		in.Returns = append(in.Returns, 0.005+0.03*style[i]+industry[in.Industry[i]])
	}
	return in, want
}

func TestEstimate_RecoversConstrainedFactorReturns(t *testing.T) {
	in, want := constrainedInput()
	engine := NewEngine(zerolog.Nop())

	result, err := engine.Estimate(in, testConfig())
	require.NoError(t, err)

	assert.False(t, result.Diagnostics.RidgeActivated)
	assert.Equal(t, "C", result.Diagnostics.PivotIndustry)
	assert.Equal(t, 5, result.Diagnostics.NumFactors)
	assert.InDelta(t, 1.0, result.Diagnostics.RSquared, 1e-9)
	require.Len(t, result.FactorReturns, 5)

	got := make(map[string]float64)
	kinds := make(map[string]domain.FactorKind)
	for _, fr := range result.FactorReturns {
		got[fr.Factor] = fr.Return
		kinds[fr.Factor] = fr.Kind
	}
	for name, v := range want {
		assert.InDelta(t, v, got[name], 1e-9, name)
	}
	assert.Equal(t, domain.FactorKindIndustry, kinds[IndustryFactor("B")])
	assert.Equal(t, domain.FactorKindCountry, kinds[CountryFactor("US")])
	assert.Equal(t, domain.FactorKindStyle, kinds["size"])

	for _, sr := range result.SpecificReturns {
		assert.InDelta(t, 0, sr.Residual, 1e-9)
	}
}

func TestEstimate_IndustryReturnsCapWeightedZero(t *testing.T) {
	in, _ := constrainedInput()
	// Add noise so the fit is not exact.
	for i := range in.Returns {
		in.Returns[i] += 0.004 * math.Sin(float64(i)*1.7)
	}
	result, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.NoError(t, err)

	shares := map[string]float64{}
	var total float64
	for i, label := range in.Industry {
		shares[label] += in.MarketCap[i]
		total += in.MarketCap[i]
	}
	var constraint float64
	for _, fr := range result.FactorReturns {
		if fr.Kind != domain.FactorKindIndustry {
			continue
		}
		label := fr.Factor[len("industry:"):]
		constraint += shares[label] / total * fr.Return
	}
	assert.InDelta(t, 0, constraint, 1e-12)

	// The country column is all ones, so weighted residuals sum to zero.
	w, ok := Weights(in.MarketCap, WeightSqrtCap)
	require.True(t, ok)
	var weighted float64
	for i, sr := range result.SpecificReturns {
		weighted += w[i] * sr.Residual
	}
	assert.InDelta(t, 0, weighted, 1e-12)
}

func TestEstimate_CollinearStyleActivatesRidge(t *testing.T) {
	in, _ := constrainedInput()
	in.StyleFactors = []string{"size", "size_copy"}
	for i := range in.Style {
		in.Style[i] = []float64{in.Style[i][0], in.Style[i][0]}
	}

	result, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.NoError(t, err)

	assert.True(t, result.Diagnostics.RidgeActivated)
	assert.Greater(t, result.Diagnostics.ConditionNumber, 1e10)
	for _, fr := range result.FactorReturns {
		assert.True(t, fr.RidgeActivated)
		assert.False(t, math.IsNaN(fr.Return), fr.Factor)
		assert.False(t, math.IsInf(fr.Return, 0), fr.Factor)
	}
}

func TestSolve_DuplicateIndustryColumns(t *testing.T) {
	// Two identical industry dummies plus a style column.
	x := mat.NewDense(6, 3, []float64{
		1, 1, 0.5,
		1, 1, -0.2,
		1, 1, 1.3,
		0, 0, -0.7,
		0, 0, 0.1,
		0, 0, 0.9,
	})
	y := []float64{0.02, 0.01, 0.03, -0.01, 0.0, 0.015}
	w, ok := Weights([]float64{1, 4, 9, 16, 25, 36}, WeightSqrtCap)
	require.True(t, ok)

	sol, err := Solve(Design{Columns: []string{"ind_a", "ind_a_dup", "size"}, X: x}, y, w, 1e10, 1e-4)
	require.NoError(t, err)

	assert.True(t, sol.RidgeActivated)
	require.Len(t, sol.Coefficients, 3)
	for _, c := range sol.Coefficients {
		assert.False(t, math.IsNaN(c))
		assert.False(t, math.IsInf(c, 0))
	}
	// Ridge splits the shared loading evenly between identical columns.
	assert.InDelta(t, sol.Coefficients[0], sol.Coefficients[1], 1e-9)
}

func TestSolve_ShapeErrors(t *testing.T) {
	x := mat.NewDense(2, 1, []float64{1, 1})
	_, err := Solve(Design{Columns: []string{"c"}, X: x}, []float64{1}, []float64{0.5, 0.5}, 1e10, 1e-4)
	assert.Error(t, err)

	_, err = Solve(Design{Columns: []string{"c", "d"}, X: x}, []float64{1, 2}, []float64{0.5, 0.5}, 1e10, 1e-4)
	assert.Error(t, err)

	_, err = Solve(Design{}, nil, nil, 1e10, 1e-4)
	assert.Error(t, err)
}

func TestWeights_SumToOne(t *testing.T) {
	caps := []float64{1e9, 2.5e10, 3e8, 0, 7.1e9}
	for _, scheme := range []string{WeightSqrtCap, WeightCap, WeightEqual} {
		t.Run(scheme, func(t *testing.T) {
			w, ok := Weights(caps, scheme)
			require.True(t, ok)
			var sum float64
			for _, v := range w {
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
			assert.Zero(t, w[3])
		})
	}

	_, ok := Weights([]float64{0, -1}, WeightCap)
	assert.False(t, ok)
}

func TestEstimate_EmptyUniverse(t *testing.T) {
	engine := NewEngine(zerolog.Nop())

	result, err := engine.Estimate(Input{Date: testDate, StyleFactors: []string{"size"}}, testConfig())
	require.NoError(t, err)
	assert.Empty(t, result.FactorReturns)
	assert.Empty(t, result.SpecificReturns)

	// Every security excluded.
	in := Input{
		Date:         testDate,
		Securities:   []string{"A", "B"},
		StyleFactors: []string{"size"},
		Style:        [][]float64{{1}, {-1}},
		MarketCap:    []float64{0, 10},
		Returns:      []float64{0.01, math.NaN()},
	}
	result, err = engine.Estimate(in, testConfig())
	require.NoError(t, err)
	assert.Empty(t, result.FactorReturns)
	assert.Equal(t, 2, result.Diagnostics.NumExcluded)
}

func TestEstimate_ExcludesUnusableSecurities(t *testing.T) {
	in, _ := constrainedInput()
	in.MarketCap[0] = 0
	in.Returns[4] = math.NaN()

	result, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.NoError(t, err)

	assert.Equal(t, 7, result.Diagnostics.NumSecurities)
	assert.Equal(t, 2, result.Diagnostics.NumExcluded)
	ids := make([]string, 0, len(result.SpecificReturns))
	for _, sr := range result.SpecificReturns {
		ids = append(ids, sr.SecurityID)
	}
	assert.NotContains(t, ids, "A1")
	assert.NotContains(t, ids, "B2")
}

func TestEstimate_LowCoverageFlag(t *testing.T) {
	in, _ := constrainedInput()
	cfg := DefaultConfig()

	result, err := NewEngine(zerolog.Nop()).Estimate(in, cfg)
	require.NoError(t, err)
	assert.True(t, result.Diagnostics.LowCoverage)
	assert.NotEmpty(t, result.FactorReturns)
	assert.InDelta(t, 1.0, result.Diagnostics.WeightSum, 1e-9)
}

func TestEstimate_WithoutIndustries(t *testing.T) {
	in, _ := constrainedInput()
	in.Industry = nil

	result, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.NoError(t, err)
	require.Len(t, result.FactorReturns, 2)
	assert.Equal(t, "size", result.FactorReturns[0].Factor)
	assert.Equal(t, CountryFactor("US"), result.FactorReturns[1].Factor)
	assert.Empty(t, result.Diagnostics.PivotIndustry)
}

func TestEstimate_SingleIndustryHasZeroReturn(t *testing.T) {
	in, _ := constrainedInput()
	for i := range in.Industry {
		in.Industry[i] = "ONLY"
	}
	result, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.NoError(t, err)
	for _, fr := range result.FactorReturns {
		if fr.Kind == domain.FactorKindIndustry {
			assert.Equal(t, 0.0, fr.Return)
		}
	}
}

func TestEstimate_SchemaViolation(t *testing.T) {
	in, _ := constrainedInput()
	in.Returns = in.Returns[:3]

	_, err := NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaViolation))

	in, _ = constrainedInput()
	in.Style[2] = []float64{1, 2}
	_, err = NewEngine(zerolog.Nop()).Estimate(in, testConfig())
	var schemaErr *domain.SchemaViolationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "A3", schemaErr.SecurityID)
}

func TestEstimate_Deterministic(t *testing.T) {
	in, _ := constrainedInput()
	for i := range in.Returns {
		in.Returns[i] += 0.002 * math.Cos(float64(i))
	}
	engine := NewEngine(zerolog.Nop())
	first, err := engine.Estimate(in, testConfig())
	require.NoError(t, err)
	second, err := engine.Estimate(in, testConfig())
	require.NoError(t, err)
	assert.Equal(t, first.FactorReturns, second.FactorReturns)
	assert.Equal(t, first.SpecificReturns, second.SpecificReturns)
}
