package covariance

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/domain"
)

// Diagnostics describes a date's covariance estimate.
type Diagnostics struct {
	NumFactors          int     `json:"num_factors"`
	HistoryLength       int     `json:"history_length"`
	ShortObs            int     `json:"short_obs"`
	LongObs             int     `json:"long_obs"`
	CompleteCases       int     `json:"complete_cases"`
	ShrinkageIntensity  float64 `json:"shrinkage_intensity"`
	ShrinkageAuto       bool    `json:"shrinkage_auto"`
	EigenvaluesClipped  int     `json:"eigenvalues_clipped"`
	MinEigenvalue       float64 `json:"min_eigenvalue"`
	ConditionNumber     float64 `json:"condition_number"`
	InsufficientHistory bool    `json:"insufficient_history"`
	Unrecoverable       bool    `json:"unrecoverable"`
	// SparseFactors had fewer than two observations; their variance starts at zero.
	SparseFactors []string `json:"sparse_factors,omitempty"`
}

// Result is a date's factor covariance matrix. Matrix rows and columns follow Factors.
type Result struct {
	Date        time.Time
	Factors     []string
	Matrix      [][]float64
	Rows        []domain.FactorCovariance
	Diagnostics Diagnostics
}

// Empty reports whether the estimate produced no matrix.
func (r *Result) Empty() bool { return len(r.Rows) == 0 }

// Estimator computes factor covariance matrices
type Estimator struct {
	log zerolog.Logger
}

// NewEstimator creates a new covariance estimator
func NewEstimator(log zerolog.Logger) *Estimator {
	return &Estimator{log: log.With().Str("component", "covariance").Logger()}
}

// Estimate builds the covariance matrix for date from factor return history.
// The factor set is the factors with a return on date; earlier dates may miss some
// of them. Only history up to and including date is used. Insufficient history and
// unrecoverable matrices yield an empty result with the matching diagnostic set;
// neither is returned as an error.
func (e *Estimator) Estimate(date time.Time, history []domain.FactorReturn, cfg Config) (*Result, error) {
	date = domain.NormalizeDate(date)
	result := &Result{Date: date}

	factors, dates, panel := buildPanel(date, history)
	result.Factors = factors
	result.Diagnostics.NumFactors = len(factors)
	result.Diagnostics.HistoryLength = len(dates)

	if len(factors) == 0 || len(dates) < cfg.MinHistory {
		err := &domain.InsufficientHistoryError{Component: "covariance", Date: date, Have: len(dates), Need: cfg.MinHistory}
		result.Diagnostics.InsufficientHistory = true
		e.log.Warn().Err(err).Int("factors", len(factors)).Msg("Insufficient history, skipping covariance")
		return result, nil
	}

	short := tail(panel, cfg.ShortWindow)
	long := tail(panel, cfg.LongWindow)
	result.Diagnostics.ShortObs = len(short)
	result.Diagnostics.LongObs = len(long)

	k := len(factors)
	shortCov := pairwiseCovariance(short, decayWeights(len(short), cfg.HalfLife), k)
	longCov := pairwiseCovariance(long, decayWeights(len(long), cfg.HalfLife), k)

	blended := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			blended.SetSym(i, j, blend(shortCov[i][j], longCov[i][j], cfg.BlendWeight))
		}
		if math.IsNaN(longCov[i][i]) {
			result.Diagnostics.SparseFactors = append(result.Diagnostics.SparseFactors, factors[i])
		}
	}

	complete := completeCases(long)
	result.Diagnostics.CompleteCases = len(complete)
	delta := cfg.ShrinkageIntensity
	if cfg.ShrinkageMode == ShrinkageAuto {
		if auto, ok := ledoitWolfIntensity(complete); ok {
			delta = auto
			result.Diagnostics.ShrinkageAuto = true
		} else {
			e.log.Debug().
				Str("date", domain.DateKey(date)).
				Int("complete_cases", len(complete)).
				Float64("fallback", delta).
				Msg("Shrinkage intensity not estimable, using fixed value")
		}
	}
	result.Diagnostics.ShrinkageIntensity = delta
	shrunk := shrink(blended, constantCorrelationTarget(blended), delta)

	psd, report, err := EnforcePSD(shrunk, cfg.EigenFloor)
	if err != nil {
		var nonPSD *domain.NonPSDMatrixError
		if !errors.As(err, &nonPSD) {
			return nil, err
		}
		nonPSD.Date = date
		result.Diagnostics.Unrecoverable = true
		e.log.Warn().Err(nonPSD).Msg("Covariance matrix unrecoverable, emitting no rows")
		return result, nil
	}

	result.Diagnostics.EigenvaluesClipped = report.Clipped
	result.Diagnostics.MinEigenvalue = report.MinEigenvalue
	result.Diagnostics.ConditionNumber = report.ConditionNumber
	if report.Clipped > 0 {
		e.log.Warn().
			Str("date", domain.DateKey(date)).
			Int("clipped", report.Clipped).
			Float64("min_eigenvalue", report.MinEigenvalue).
			Msg("Clipped negative eigenvalues of factor covariance")
	}

	result.Matrix = make([][]float64, k)
	result.Rows = make([]domain.FactorCovariance, 0, k*k)
	for i := 0; i < k; i++ {
		result.Matrix[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			v := psd.At(i, j)
			result.Matrix[i][j] = v
			result.Rows = append(result.Rows, domain.FactorCovariance{
				Date:               date,
				FactorI:            factors[i],
				FactorJ:            factors[j],
				Covariance:         v,
				ShrinkageIntensity: delta,
				EigenvaluesClipped: report.Clipped,
			})
		}
	}

	e.log.Debug().
		Str("date", domain.DateKey(date)).
		Int("factors", k).
		Int("short_obs", len(short)).
		Int("long_obs", len(long)).
		Float64("shrinkage", delta).
		Float64("condition_number", report.ConditionNumber).
		Msg("Factor covariance estimated")

	return result, nil
}

// blend mixes the short and long window estimates. A side without an estimate
// defers to the other; neither means zero.
func blend(short, long, weight float64) float64 {
	switch {
	case math.IsNaN(short) && math.IsNaN(long):
		return 0
	case math.IsNaN(short):
		return long
	case math.IsNaN(long):
		return short
	}
	return weight*short + (1-weight)*long
}

// buildPanel returns the factors with a return on date (in first-seen order), the
// history dates up to date (oldest first) and a dates x factors panel with NaN for
// missing returns.
func buildPanel(date time.Time, history []domain.FactorReturn) ([]string, []time.Time, [][]float64) {
	var factors []string
	index := make(map[string]int)
	for _, fr := range history {
		if !domain.NormalizeDate(fr.Date).Equal(date) {
			continue
		}
		if _, ok := index[fr.Factor]; !ok {
			index[fr.Factor] = len(factors)
			factors = append(factors, fr.Factor)
		}
	}

	dateIndex := make(map[time.Time]int)
	var dates []time.Time
	for _, fr := range history {
		d := domain.NormalizeDate(fr.Date)
		if d.After(date) {
			continue
		}
		if _, ok := index[fr.Factor]; !ok {
			continue
		}
		if _, ok := dateIndex[d]; !ok {
			dateIndex[d] = 0
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	for i, d := range dates {
		dateIndex[d] = i
	}

	panel := make([][]float64, len(dates))
	for i := range panel {
		panel[i] = make([]float64, len(factors))
		for j := range panel[i] {
			panel[i][j] = math.NaN()
		}
	}
	for _, fr := range history {
		d := domain.NormalizeDate(fr.Date)
		col, ok := index[fr.Factor]
		if !ok || d.After(date) {
			continue
		}
		if !math.IsNaN(fr.Return) && !math.IsInf(fr.Return, 0) {
			panel[dateIndex[d]][col] = fr.Return
		}
	}
	return factors, dates, panel
}

func tail(panel [][]float64, n int) [][]float64 {
	if n <= 0 || len(panel) <= n {
		return panel
	}
	return panel[len(panel)-n:]
}
