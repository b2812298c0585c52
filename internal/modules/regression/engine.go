package regression

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/domain"
)

// Column name prefixes for the non-style factor families.
const (
	industryPrefix = "industry:"
	countryPrefix  = "country:"
)

// IndustryFactor is the factor name of an industry column.
func IndustryFactor(label string) string { return industryPrefix + label }

// CountryFactor is the factor name of the country column.
func CountryFactor(country string) string { return countryPrefix + country }

// Input is one period's cross-section. Rows follow Securities. Style exposures and
// industry labels are as of the start of the period, Returns are realized over it.
type Input struct {
	Date         time.Time
	Securities   []string
	StyleFactors []string
	Style        [][]float64 // [security][style factor]
	// Industry holds each security's label at the regression industry level.
	// Nil disables industry columns.
	Industry  []string
	Country   string
	MarketCap []float64
	Returns   []float64
}

// Diagnostics describes how a date's regression went.
type Diagnostics struct {
	NumSecurities   int     `json:"num_securities"`
	NumExcluded     int     `json:"num_excluded"`
	NumFactors      int     `json:"num_factors"`
	ConditionNumber float64 `json:"condition_number"`
	RidgeActivated  bool    `json:"ridge_activated"`
	LowCoverage     bool    `json:"low_coverage"`
	RSquared        float64 `json:"r_squared"`
	PivotIndustry   string  `json:"pivot_industry,omitempty"`
	WeightSum       float64 `json:"weight_sum"`
}

// Result holds a date's factor and specific returns.
type Result struct {
	Date            time.Time
	FactorReturns   []domain.FactorReturn
	SpecificReturns []domain.SpecificReturn
	Diagnostics     Diagnostics
}

// Engine estimates cross-sectional factor returns
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a new regression engine
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "regression").Logger()}
}

// Estimate solves the weighted cross-sectional regression for one date.
//
// Industry dummies sum to the country column, so industry returns are constrained
// to a cap-weighted sum of zero. The constraint is applied by eliminating the pivot
// industry (largest cap share) and recovering its return afterwards.
func (e *Engine) Estimate(in Input, cfg Config) (*Result, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	result := &Result{Date: in.Date}

	rows := make([]int, 0, len(in.Securities))
	for i := range in.Securities {
		if in.MarketCap[i] <= 0 || math.IsNaN(in.MarketCap[i]) || math.IsNaN(in.Returns[i]) || math.IsInf(in.Returns[i], 0) {
			continue
		}
		if !finiteRow(in.Style[i]) {
			continue
		}
		rows = append(rows, i)
	}
	result.Diagnostics.NumSecurities = len(rows)
	result.Diagnostics.NumExcluded = len(in.Securities) - len(rows)
	if len(rows) == 0 {
		e.log.Debug().Str("date", domain.DateKey(in.Date)).Msg("Empty universe, nothing to estimate")
		return result, nil
	}

	if len(rows) < cfg.MinUniverse {
		result.Diagnostics.LowCoverage = true
		e.log.Warn().
			Str("date", domain.DateKey(in.Date)).
			Int("securities", len(rows)).
			Int("min_universe", cfg.MinUniverse).
			Msg("Regression universe below minimum, estimating anyway")
	}

	caps := make([]float64, len(rows))
	y := make([]float64, len(rows))
	for r, i := range rows {
		caps[r] = in.MarketCap[i]
		y[r] = in.Returns[i]
	}
	w, ok := Weights(caps, cfg.Weighting)
	if !ok {
		return nil, &domain.SchemaViolationError{Date: in.Date, Reason: "regression weights do not sum to a positive value"}
	}
	for _, v := range w {
		result.Diagnostics.WeightSum += v
	}

	layout := newLayout(in, rows, caps)
	result.Diagnostics.PivotIndustry = layout.pivot
	result.Diagnostics.NumFactors = len(layout.factors)

	sol, err := Solve(layout.design(in, rows), y, w, cfg.ConditionThreshold, cfg.RidgeAlpha)
	if err != nil {
		return nil, fmt.Errorf("regression on %s: %w", domain.DateKey(in.Date), err)
	}

	result.Diagnostics.ConditionNumber = reportable(sol.ConditionNumber)
	result.Diagnostics.RidgeActivated = sol.RidgeActivated
	result.Diagnostics.RSquared = sol.RSquared
	if sol.RidgeActivated {
		warning := &domain.RankDeficiencyWarning{
			Date:            in.Date,
			ConditionNumber: sol.ConditionNumber,
			Threshold:       cfg.ConditionThreshold,
		}
		e.log.Warn().Err(warning).Float64("alpha", cfg.RidgeAlpha).Msg("Ridge regression activated")
	}

	returns := layout.factorReturns(sol.Coefficients)
	result.FactorReturns = make([]domain.FactorReturn, len(layout.factors))
	for k, f := range layout.factors {
		result.FactorReturns[k] = domain.FactorReturn{
			Date:            in.Date,
			Factor:          f.name,
			Kind:            f.kind,
			Return:          returns[k],
			RidgeActivated:  sol.RidgeActivated,
			ConditionNumber: result.Diagnostics.ConditionNumber,
		}
	}

	result.SpecificReturns = make([]domain.SpecificReturn, len(rows))
	for r, i := range rows {
		result.SpecificReturns[r] = domain.SpecificReturn{
			Date:       in.Date,
			SecurityID: in.Securities[i],
			Residual:   sol.Residuals[r],
		}
	}

	e.log.Debug().
		Str("date", domain.DateKey(in.Date)).
		Int("securities", len(rows)).
		Int("factors", len(layout.factors)).
		Float64("r_squared", sol.RSquared).
		Float64("condition_number", result.Diagnostics.ConditionNumber).
		Msg("Cross-sectional regression solved")

	return result, nil
}

func validateInput(in Input) error {
	n := len(in.Securities)
	switch {
	case len(in.Style) != n:
		return &domain.SchemaViolationError{Date: in.Date, Reason: fmt.Sprintf("%d securities but %d exposure rows", n, len(in.Style))}
	case len(in.MarketCap) != n:
		return &domain.SchemaViolationError{Date: in.Date, Reason: fmt.Sprintf("%d securities but %d market caps", n, len(in.MarketCap))}
	case len(in.Returns) != n:
		return &domain.SchemaViolationError{Date: in.Date, Reason: fmt.Sprintf("%d securities but %d returns", n, len(in.Returns))}
	case in.Industry != nil && len(in.Industry) != n:
		return &domain.SchemaViolationError{Date: in.Date, Reason: fmt.Sprintf("%d securities but %d industry labels", n, len(in.Industry))}
	}
	for i, row := range in.Style {
		if len(row) != len(in.StyleFactors) {
			return &domain.SchemaViolationError{
				Date:       in.Date,
				SecurityID: in.Securities[i],
				Reason:     fmt.Sprintf("%d exposures for %d style factors", len(row), len(in.StyleFactors)),
			}
		}
	}
	return nil
}

func finiteRow(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// reportable maps an infinite condition number to the largest float so it survives JSON.
func reportable(cond float64) float64 {
	if math.IsInf(cond, 1) || math.IsNaN(cond) {
		return math.MaxFloat64
	}
	return cond
}

type factorColumn struct {
	name string
	kind domain.FactorKind
}

// layout maps the full factor set onto the reduced design columns.
type layout struct {
	factors    []factorColumn
	numStyle   int
	industries []string           // sorted labels, pivot included
	share      map[string]float64 // cap share per industry
	pivot      string
	column     map[string]int // industry label -> design column, pivot absent
}

func newLayout(in Input, rows []int, caps []float64) *layout {
	l := &layout{numStyle: len(in.StyleFactors), column: make(map[string]int)}
	for _, f := range in.StyleFactors {
		l.factors = append(l.factors, factorColumn{name: f, kind: domain.FactorKindStyle})
	}

	if in.Industry != nil {
		l.share = make(map[string]float64)
		var total float64
		for r, i := range rows {
			l.share[in.Industry[i]] += caps[r]
			total += caps[r]
		}
		for label := range l.share {
			l.industries = append(l.industries, label)
			l.share[label] /= total
		}
		sort.Strings(l.industries)

		for _, label := range l.industries {
			if l.pivot == "" || l.share[label] > l.share[l.pivot] {
				l.pivot = label
			}
		}
		col := l.numStyle
		for _, label := range l.industries {
			l.factors = append(l.factors, factorColumn{name: IndustryFactor(label), kind: domain.FactorKindIndustry})
			if label == l.pivot {
				continue
			}
			l.column[label] = col
			col++
		}
	}

	l.factors = append(l.factors, factorColumn{name: CountryFactor(in.Country), kind: domain.FactorKindCountry})
	return l
}

// numColumns is the width of the reduced design.
func (l *layout) numColumns() int {
	n := l.numStyle + 1
	if len(l.industries) > 0 {
		n += len(l.industries) - 1
	}
	return n
}

func (l *layout) design(in Input, rows []int) Design {
	k := l.numColumns()
	x := mat.NewDense(len(rows), k, nil)
	names := make([]string, 0, k)
	names = append(names, in.StyleFactors...)
	for _, label := range l.industries {
		if label != l.pivot {
			names = append(names, IndustryFactor(label))
		}
	}
	names = append(names, CountryFactor(in.Country))

	for r, i := range rows {
		for f, v := range in.Style[i] {
			x.Set(r, f, v)
		}
		if len(l.industries) > 0 {
			label := in.Industry[i]
			if label == l.pivot {
				for other, col := range l.column {
					x.Set(r, col, -l.share[other]/l.share[l.pivot])
				}
			} else {
				x.Set(r, l.column[label], 1)
			}
		}
		x.Set(r, k-1, 1)
	}
	return Design{Columns: names, X: x}
}

// factorReturns expands reduced coefficients back to one return per factor.
func (l *layout) factorReturns(coef []float64) []float64 {
	out := make([]float64, len(l.factors))
	copy(out, coef[:l.numStyle])

	if len(l.industries) > 0 {
		var pivotReturn float64
		for k, label := range l.industries {
			idx := l.numStyle + k
			if label == l.pivot {
				continue
			}
			out[idx] = coef[l.column[label]]
			pivotReturn -= l.share[label] / l.share[l.pivot] * out[idx]
		}
		for k, label := range l.industries {
			if label == l.pivot {
				out[l.numStyle+k] = pivotReturn
			}
		}
	}

	out[len(out)-1] = coef[len(coef)-1]
	return out
}
