package riskmodel

import (
	"time"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/covariance"
	"github.com/aristath/factorrisk/internal/modules/exposures"
	"github.com/aristath/factorrisk/internal/modules/regression"
)

// DateResult holds every output table for one rebalance date.
type DateResult struct {
	Date              time.Time
	FactorExposures   []domain.FactorExposure
	IndustryExposures []domain.IndustryExposure
	CountryExposures  []domain.CountryExposure
	FactorReturns     []domain.FactorReturn
	SpecificReturns   []domain.SpecificReturn
	SpecificRisk      []domain.SpecificRisk
	Covariance        *covariance.Result
	// Industries maps security to its label at the regression industry level.
	Industries  map[string]string
	Diagnostics DateDiagnostics
}

// DateDiagnostics records what happened to one date.
type DateDiagnostics struct {
	Date           time.Time               `json:"date"`
	NumSecurities  int                     `json:"num_securities"`
	Coverage       []exposures.Coverage    `json:"coverage"`
	MarketFallback bool                    `json:"market_fallback"`
	Regression     *regression.Diagnostics `json:"regression,omitempty"`
	SpecificRisk   int                     `json:"specific_risk_rows"`
	Covariance     covariance.Diagnostics  `json:"covariance"`
	Elapsed        time.Duration           `json:"elapsed_ns"`
}

// Failure is a date that could not be computed.
type Failure struct {
	Date  time.Time `json:"date"`
	Stage string    `json:"stage"`
	Error string    `json:"error"`
}

// Report summarises a multi-date run.
type Report struct {
	RunID      string            `json:"run_id"`
	From       time.Time         `json:"from"`
	To         time.Time         `json:"to"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Dates      []DateDiagnostics `json:"dates"`
	Failures   []Failure         `json:"failures"`
	Results    []*DateResult     `json:"-" msgpack:"-"`
}

// Succeeded is the number of dates with outputs.
func (r *Report) Succeeded() int { return len(r.Dates) }

// CovarianceSnapshot is the stored form of a date's factor covariance matrix.
type CovarianceSnapshot struct {
	Date               time.Time   `msgpack:"date" json:"date"`
	Factors            []string    `msgpack:"factors" json:"factors"`
	Matrix             [][]float64 `msgpack:"matrix" json:"matrix"`
	ShrinkageIntensity float64     `msgpack:"shrinkage_intensity" json:"shrinkage_intensity"`
	EigenvaluesClipped int         `msgpack:"eigenvalues_clipped" json:"eigenvalues_clipped"`
	ConditionNumber    float64     `msgpack:"condition_number" json:"condition_number"`
}

// Snapshot converts a covariance result to its stored form. Nil for an empty result.
func Snapshot(r *covariance.Result) *CovarianceSnapshot {
	if r == nil || r.Empty() {
		return nil
	}
	return &CovarianceSnapshot{
		Date:               r.Date,
		Factors:            r.Factors,
		Matrix:             r.Matrix,
		ShrinkageIntensity: r.Diagnostics.ShrinkageIntensity,
		EigenvaluesClipped: r.Diagnostics.EigenvaluesClipped,
		ConditionNumber:    r.Diagnostics.ConditionNumber,
	}
}

// Result expands the snapshot back into a covariance result with one row per cell.
func (s *CovarianceSnapshot) Result() *covariance.Result {
	r := &covariance.Result{Date: s.Date, Factors: s.Factors, Matrix: s.Matrix}
	r.Diagnostics.NumFactors = len(s.Factors)
	r.Diagnostics.ShrinkageIntensity = s.ShrinkageIntensity
	r.Diagnostics.EigenvaluesClipped = s.EigenvaluesClipped
	r.Diagnostics.ConditionNumber = s.ConditionNumber
	for i, fi := range s.Factors {
		for j, fj := range s.Factors {
			r.Rows = append(r.Rows, domain.FactorCovariance{
				Date:               s.Date,
				FactorI:            fi,
				FactorJ:            fj,
				Covariance:         s.Matrix[i][j],
				ShrinkageIntensity: s.ShrinkageIntensity,
				EigenvaluesClipped: s.EigenvaluesClipped,
			})
		}
	}
	return r
}

// SecurityExposures is every stored exposure of one security on one date.
type SecurityExposures struct {
	Date       time.Time                 `json:"date"`
	SecurityID string                    `json:"security_id"`
	Style      []domain.FactorExposure   `json:"style"`
	Industry   []domain.IndustryExposure `json:"industry"`
	Country    []domain.CountryExposure  `json:"country"`
}

// Empty reports whether nothing is stored for the security.
func (e *SecurityExposures) Empty() bool {
	return len(e.Style) == 0 && len(e.Industry) == 0 && len(e.Country) == 0
}

// RunSummary is the stored header of a run report.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}
