// Package domain provides the typed records exchanged between the risk model components.
package domain

import (
	"math"
	"time"
)

// DateLayout is the canonical date format used in keys, storage and the API.
const DateLayout = "2006-01-02"

// NormalizeDate truncates t to a UTC calendar date.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats a date for use as a key.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Observation is the point-in-time input snapshot for one security on one rebalance date.
// Optional fundamentals are nil when not reported. History slices are ordered oldest first
// and end at Date.
type Observation struct {
	Date       time.Time `json:"date"`
	SecurityID string    `json:"security_id"`

	MarketCap float64 `json:"market_cap"`
	// Return is the realized return of the period ending at Date (NaN when unknown).
	Return        float64   `json:"return"`
	ReturnHistory []float64 `json:"return_history,omitempty"`

	BookEquity        *float64 `json:"book_equity,omitempty"`
	NetIncome         *float64 `json:"net_income,omitempty"`
	TotalDebt         *float64 `json:"total_debt,omitempty"`
	Sales             *float64 `json:"sales,omitempty"`
	Dividends         *float64 `json:"dividends,omitempty"`
	ForeignSalesRatio *float64 `json:"foreign_sales_ratio,omitempty"`

	IncomeHistory []float64 `json:"income_history,omitempty"`
	SalesHistory  []float64 `json:"sales_history,omitempty"`
	Turnover      []float64 `json:"turnover,omitempty"`

	ClassificationCode string `json:"classification_code"`
}

// HasReturn reports whether the period return is known.
func (o Observation) HasReturn() bool {
	return !math.IsNaN(o.Return) && !math.IsInf(o.Return, 0)
}

// ImputationSource records where an imputed exposure came from.
type ImputationSource string

const (
	ImputationNone           ImputationSource = "none"
	ImputationIndustryMedian ImputationSource = "industry_median"
	ImputationGlobalMedian   ImputationSource = "global_median"
)

// FactorExposure is one standardized style-factor exposure.
// RawValue is NaN when the raw value could not be computed.
type FactorExposure struct {
	Date             time.Time        `json:"date"`
	SecurityID       string           `json:"security_id"`
	Factor           string           `json:"factor"`
	RawValue         float64          `json:"raw_value"`
	Exposure         float64          `json:"exposure"`
	Imputed          bool             `json:"imputed"`
	ImputationSource ImputationSource `json:"imputation_source"`
}

// IndustryExposure is a one-hot classification dummy.
type IndustryExposure struct {
	Date       time.Time `json:"date"`
	SecurityID string    `json:"security_id"`
	Level      string    `json:"level"`
	Label      string    `json:"label"`
	Exposure   float64   `json:"exposure"`
}

// CountryExposure is the constant country exposure of an observed security.
type CountryExposure struct {
	Date       time.Time `json:"date"`
	SecurityID string    `json:"security_id"`
	Country    string    `json:"country"`
	Exposure   float64   `json:"exposure"`
}

// FactorKind distinguishes the column families of the regression design.
type FactorKind string

const (
	FactorKindStyle    FactorKind = "style"
	FactorKindIndustry FactorKind = "industry"
	FactorKindCountry  FactorKind = "country"
)

// FactorReturn is one factor's estimated return for a date.
type FactorReturn struct {
	Date            time.Time  `json:"date"`
	Factor          string     `json:"factor"`
	Kind            FactorKind `json:"kind"`
	Return          float64    `json:"factor_return"`
	RidgeActivated  bool       `json:"ridge_activated"`
	ConditionNumber float64    `json:"condition_number"`
}

// SpecificReturn is the regression residual of one security.
type SpecificReturn struct {
	Date       time.Time `json:"date"`
	SecurityID string    `json:"security_id"`
	Residual   float64   `json:"residual"`
}

// SpecificRisk holds the EWMA specific variance and its shrunk counterpart.
type SpecificRisk struct {
	Date             time.Time `json:"date"`
	SecurityID       string    `json:"security_id"`
	Variance         float64   `json:"variance"`
	SmoothedVariance float64   `json:"smoothed_variance"`
}

// FactorCovariance is one cell of a date's factor covariance matrix.
type FactorCovariance struct {
	Date               time.Time `json:"date"`
	FactorI            string    `json:"factor_i"`
	FactorJ            string    `json:"factor_j"`
	Covariance         float64   `json:"covariance"`
	ShrinkageIntensity float64   `json:"shrinkage_intensity"`
	EigenvaluesClipped int       `json:"eigenvalues_clipped"`
}
