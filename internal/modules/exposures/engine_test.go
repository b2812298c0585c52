package exposures

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/classification"
)

var testDate = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

type stubMarket struct {
	series []float64
	err    error
}

func (s *stubMarket) MarketReturns(_ context.Context, _ time.Time, n int) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.series) > n {
		return s.series[len(s.series)-n:], nil
	}
	return s.series, nil
}

func mustSnapshot(t *testing.T, obs []domain.Observation) domain.Snapshot {
	t.Helper()
	for i := range obs {
		obs[i].Date = testDate
	}
	snap, err := domain.NewSnapshot(testDate, obs)
	require.NoError(t, err)
	return snap
}

func mustAssign(t *testing.T, snap domain.Snapshot) *classification.Assignment {
	t.Helper()
	a, err := classification.NewAssigner(zerolog.Nop()).
		AssignIndustry(snap.Date, snap.Observations, classification.Config{}.Hierarchy())
	require.NoError(t, err)
	return a
}

func onlyFactors(names ...string) Config {
	cfg := DefaultConfig()
	cfg.Factors = names
	cfg.Workers = 2
	return cfg
}

func rowsFor(result *Result, factor string) map[string]domain.FactorExposure {
	out := make(map[string]domain.FactorExposure)
	for _, e := range result.Exposures {
		if e.Factor == factor {
			out[e.SecurityID] = e
		}
	}
	return out
}

func TestComputeExposures_NegativeEarningsImputed(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, NetIncome: ptr(5), ClassificationCode: "45102010"},
		{SecurityID: "B", MarketCap: 100, NetIncome: ptr(-2), ClassificationCode: "45102010"},
		{SecurityID: "C", MarketCap: 100, NetIncome: ptr(8), ClassificationCode: "45102010"},
	})
	engine := NewEngine(nil, zerolog.Nop())

	result, err := engine.ComputeExposures(context.Background(), snap, mustAssign(t, snap), onlyFactors(FactorEarningsYield))
	require.NoError(t, err)
	require.Len(t, result.Exposures, 3)

	rows := rowsFor(result, FactorEarningsYield)
	imputed := 0
	for _, row := range rows {
		if row.Imputed {
			imputed++
		}
	}
	assert.Equal(t, 1, imputed)

	assert.True(t, rows["B"].Imputed)
	assert.True(t, math.IsNaN(rows["B"].RawValue))
	assert.Equal(t, domain.ImputationIndustryMedian, rows["B"].ImputationSource)
	assert.InDelta(t, 0, rows["B"].Exposure, 1e-12)

	assert.InDelta(t, -math.Sqrt2/2, rows["A"].Exposure, 1e-9)
	assert.InDelta(t, math.Sqrt2/2, rows["C"].Exposure, 1e-9)
	assert.InDelta(t, 0.05, rows["A"].RawValue, 1e-12)
	assert.False(t, rows["A"].Imputed)
	assert.Equal(t, domain.ImputationNone, rows["A"].ImputationSource)

	require.Len(t, result.Coverage, 1)
	cov := result.Coverage[0]
	assert.Equal(t, 2, cov.Computed)
	assert.Equal(t, 1, cov.Imputed)
	assert.Equal(t, 1, cov.MissingReasons["negative earnings"])
	assert.True(t, cov.ThresholdExceeded)
	assert.False(t, cov.Degenerate)
}

func TestComputeExposures_GlobalMedianFallback(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, BookEquity: ptr(10), ClassificationCode: "45102010"},
		{SecurityID: "B", MarketCap: 100, BookEquity: ptr(30), ClassificationCode: "45102010"},
		{SecurityID: "C", MarketCap: 100, BookEquity: ptr(50), ClassificationCode: "45102010"},
		{SecurityID: "D", MarketCap: 100, ClassificationCode: "35101010"},
	})
	engine := NewEngine(nil, zerolog.Nop())

	result, err := engine.ComputeExposures(context.Background(), snap, mustAssign(t, snap), onlyFactors(FactorBookToPrice))
	require.NoError(t, err)

	rows := rowsFor(result, FactorBookToPrice)
	assert.True(t, rows["D"].Imputed)
	assert.Equal(t, domain.ImputationGlobalMedian, rows["D"].ImputationSource)
	assert.InDelta(t, rows["B"].Exposure, rows["D"].Exposure, 1e-12)
}

func TestComputeExposures_NoAssignmentUsesGlobalMedian(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, Dividends: ptr(1)},
		{SecurityID: "B", MarketCap: 100, Dividends: ptr(3)},
		{SecurityID: "C", MarketCap: 0, Dividends: ptr(3)},
	})
	result, err := NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, onlyFactors(FactorDividendYield))
	require.NoError(t, err)

	rows := rowsFor(result, FactorDividendYield)
	assert.Equal(t, domain.ImputationGlobalMedian, rows["C"].ImputationSource)
	assert.Equal(t, 1, result.Coverage[0].MissingReasons["non-positive market cap"])
}

func TestComputeExposures_CurrencySensitivityDefaultsToZero(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, ForeignSalesRatio: ptr(0.6)},
		{SecurityID: "B", MarketCap: 100, ForeignSalesRatio: ptr(0.2)},
		{SecurityID: "C", MarketCap: 100},
	})
	result, err := NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, onlyFactors(FactorCurrencySensitivity))
	require.NoError(t, err)

	rows := rowsFor(result, FactorCurrencySensitivity)
	for _, row := range rows {
		assert.False(t, row.Imputed)
	}
	assert.Equal(t, 0.0, rows["C"].RawValue)
	assert.Less(t, rows["C"].Exposure, rows["B"].Exposure)
	assert.Less(t, rows["B"].Exposure, rows["A"].Exposure)

	cov := result.Coverage[0]
	assert.Equal(t, 1, cov.Defaulted)
	assert.Equal(t, 3, cov.Computed)
	assert.Zero(t, cov.Imputed)
}

func TestComputeExposures_DegenerateFactor(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 500},
		{SecurityID: "B", MarketCap: 500},
		{SecurityID: "C", MarketCap: 500},
	})
	result, err := NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, onlyFactors(FactorSize))
	require.NoError(t, err)

	for _, row := range result.Exposures {
		assert.Equal(t, 0.0, row.Exposure)
		assert.False(t, math.IsNaN(row.Exposure))
	}
	assert.True(t, result.Coverage[0].Degenerate)
}

func TestComputeExposures_OrderAndMatrix(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "B", MarketCap: 200, BookEquity: ptr(50)},
		{SecurityID: "A", MarketCap: 100, BookEquity: ptr(80)},
		{SecurityID: "C", MarketCap: 400, BookEquity: ptr(20)},
	})
	cfg := onlyFactors(FactorSize, FactorBookToPrice)
	result, err := NewEngine(nil, zerolog.Nop()).ComputeExposures(context.Background(), snap, nil, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, result.Securities)
	assert.Equal(t, []string{FactorSize, FactorBookToPrice}, result.Factors)
	require.Len(t, result.Exposures, 6)
	assert.Equal(t, "A", result.Exposures[0].SecurityID)
	assert.Equal(t, FactorSize, result.Exposures[0].Factor)
	assert.Equal(t, FactorBookToPrice, result.Exposures[1].Factor)

	m := result.Matrix()
	require.Len(t, m, 3)
	assert.Equal(t, result.Exposures[3].Exposure, m[1][1])
	assert.Greater(t, m[2][0], m[0][0])
}

func TestComputeExposures_BetaFromProvider(t *testing.T) {
	const n = 36
	market := make([]float64, n)
	hiBeta := make([]float64, n)
	loBeta := make([]float64, n)
	midBeta := make([]float64, n)
	for i := 0; i < n; i++ {
		m := 0.03 * math.Sin(float64(i)*0.7)
		noise := 0.001 * math.Cos(float64(i)*1.3)
		market[i] = m
		hiBeta[i] = 1.5*m + noise
		loBeta[i] = 0.5*m - noise
		midBeta[i] = m + noise/2
	}
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "HI", MarketCap: 100, ReturnHistory: hiBeta},
		{SecurityID: "LO", MarketCap: 100, ReturnHistory: loBeta},
		{SecurityID: "MID", MarketCap: 100, ReturnHistory: midBeta},
		{SecurityID: "NEW", MarketCap: 100, ReturnHistory: hiBeta[:5]},
	})

	engine := NewEngine(&stubMarket{series: market}, zerolog.Nop())
	result, err := engine.ComputeExposures(context.Background(), snap, nil,
		onlyFactors(FactorBeta, FactorResidualVolatility))
	require.NoError(t, err)
	assert.False(t, result.MarketFallback)

	betas := rowsFor(result, FactorBeta)
	assert.InDelta(t, 1.5, betas["HI"].RawValue, 0.05)
	assert.InDelta(t, 0.5, betas["LO"].RawValue, 0.05)
	assert.Greater(t, betas["HI"].Exposure, betas["MID"].Exposure)
	assert.Greater(t, betas["MID"].Exposure, betas["LO"].Exposure)
	assert.True(t, betas["NEW"].Imputed)

	vols := rowsFor(result, FactorResidualVolatility)
	assert.Greater(t, vols["HI"].RawValue, 0.0)
	assert.True(t, vols["NEW"].Imputed)
}

func TestComputeExposures_MomentumNeedsMinObs(t *testing.T) {
	history := func(n int, scale float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = scale * math.Sin(float64(i)*0.4)
		}
		return out
	}
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, ReturnHistory: history(30, 0.01)},
		{SecurityID: "B", MarketCap: 100, ReturnHistory: history(30, 0.02)},
		{SecurityID: "C", MarketCap: 100, ReturnHistory: history(30, 0.03)},
		// Longer than the lookback but shorter than MinObs.
		{SecurityID: "SHORT", MarketCap: 100, ReturnHistory: history(18, 0.02)},
	})

	cfg := onlyFactors(FactorMomentum)
	require.Greater(t, cfg.MinObs, 18)
	require.Less(t, cfg.MomentumLookback, 18)

	result, err := NewEngine(nil, zerolog.Nop()).ComputeExposures(context.Background(), snap, nil, cfg)
	require.NoError(t, err)
	rows := rowsFor(result, FactorMomentum)
	assert.True(t, rows["SHORT"].Imputed)
	assert.True(t, math.IsNaN(rows["SHORT"].RawValue))
	for _, id := range []string{"A", "B", "C"} {
		assert.False(t, rows[id].Imputed, id)
	}

	cfg.MinObs = 12
	result, err = NewEngine(nil, zerolog.Nop()).ComputeExposures(context.Background(), snap, nil, cfg)
	require.NoError(t, err)
	assert.False(t, rowsFor(result, FactorMomentum)["SHORT"].Imputed)
}

func TestComputeExposures_MarketFallback(t *testing.T) {
	history := make([]float64, 30)
	for i := range history {
		history[i] = 0.01 * float64(i%5-2)
	}
	snap := mustSnapshot(t, []domain.Observation{
		{SecurityID: "A", MarketCap: 100, ReturnHistory: history},
		{SecurityID: "B", MarketCap: 300, ReturnHistory: history},
	})

	for _, provider := range []domain.MarketIndexProvider{nil, &stubMarket{}} {
		result, err := NewEngine(provider, zerolog.Nop()).
			ComputeExposures(context.Background(), snap, nil, onlyFactors(FactorBeta))
		require.NoError(t, err)
		assert.True(t, result.MarketFallback)
		rows := rowsFor(result, FactorBeta)
		assert.InDelta(t, 1.0, rows["A"].RawValue, 1e-9)
	}
}

func TestComputeExposures_ProviderError(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{{SecurityID: "A", MarketCap: 1}})
	boom := errors.New("boom")
	_, err := NewEngine(&stubMarket{err: boom}, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, DefaultConfig())
	assert.ErrorIs(t, err, boom)
}

func TestComputeExposures_UnknownFactor(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{{SecurityID: "A", MarketCap: 1}})
	_, err := NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, onlyFactors("value"))
	assert.Error(t, err)

	_, err = NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), snap, nil, onlyFactors(FactorSize, FactorSize))
	assert.Error(t, err)
}

func TestComputeExposures_EmptySnapshot(t *testing.T) {
	result, err := NewEngine(nil, zerolog.Nop()).
		ComputeExposures(context.Background(), domain.Snapshot{Date: testDate}, nil, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, result.Exposures)
	assert.Equal(t, AllFactors(), result.Factors)
}

func TestComputeExposures_AllFactorsFinite(t *testing.T) {
	obs := make([]domain.Observation, 0, 12)
	for i := 0; i < 12; i++ {
		f := float64(i + 1)
		history := make([]float64, 30)
		for k := range history {
			history[k] = 0.01 * math.Sin(float64(k)*0.5+f)
		}
		obs = append(obs, domain.Observation{
			SecurityID:         string(rune('A' + i)),
			MarketCap:          1000 * f,
			ReturnHistory:      history,
			BookEquity:         ptr(200 * f),
			NetIncome:          ptr(30 + f),
			TotalDebt:          ptr(50 * f),
			Dividends:          ptr(5 + f/2),
			IncomeHistory:      []float64{20 + f, 25, 30 - f/2, 28},
			SalesHistory:       []float64{100, 110 + f, 120 + 2*f, 130 + 3*f},
			Turnover:           []float64{0.02 * f, 0.03, 0.025 * f},
			ClassificationCode: "4510",
		})
	}
	snap := mustSnapshot(t, obs)

	cfg := DefaultConfig()
	result, err := NewEngine(nil, zerolog.Nop()).ComputeExposures(context.Background(), snap, mustAssign(t, snap), cfg)
	require.NoError(t, err)
	assert.Len(t, result.Exposures, 12*len(AllFactors()))
	for _, row := range result.Exposures {
		assert.False(t, math.IsNaN(row.Exposure), "%s/%s", row.SecurityID, row.Factor)
		assert.False(t, math.IsInf(row.Exposure, 0), "%s/%s", row.SecurityID, row.Factor)
	}
}

func TestComputeExposures_Cancelled(t *testing.T) {
	snap := mustSnapshot(t, []domain.Observation{{SecurityID: "A", MarketCap: 1}, {SecurityID: "B", MarketCap: 2}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(nil, zerolog.Nop()).ComputeExposures(ctx, snap, nil, DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCapWeightedMarket(t *testing.T) {
	obs := []domain.Observation{
		{SecurityID: "A", MarketCap: 100, ReturnHistory: []float64{0.01, 0.02, 0.03}},
		{SecurityID: "B", MarketCap: 300, ReturnHistory: []float64{0.05, math.NaN()}},
		{SecurityID: "C", MarketCap: 0, ReturnHistory: []float64{1, 1, 1}},
	}
	series := CapWeightedMarket(obs, 60)
	require.Len(t, series, 3)
	assert.InDelta(t, 0.01, series[0], 1e-12)
	assert.InDelta(t, (100*0.02+300*0.05)/400, series[1], 1e-12)
	assert.InDelta(t, 0.03, series[2], 1e-12)

	assert.Len(t, CapWeightedMarket(obs, 2), 2)
}
