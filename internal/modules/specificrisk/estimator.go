// Package specificrisk turns specific-return histories into EWMA specific variances
// shrunk toward their industry median.
package specificrisk

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/classification"
	"github.com/aristath/factorrisk/pkg/formulas"
)

// Config holds the specific risk parameters
type Config struct {
	Lambda    float64 `yaml:"lambda" json:"lambda" default:"0.94" validate:"gt=0,lt=1"`
	Shrinkage float64 `yaml:"shrinkage" json:"shrinkage" default:"0.1" validate:"gte=0,lte=1"`
	// IndustryLevel selects the groups whose median variance is the shrinkage target.
	IndustryLevel string `yaml:"industry_level" json:"industry_level" default:"sector" validate:"required"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Lambda:        0.94,
		Shrinkage:     0.10,
		IndustryLevel: classification.LevelSector,
	}
}

// Estimator computes specific risk
type Estimator struct {
	log zerolog.Logger
}

// NewEstimator creates a new specific risk estimator
func NewEstimator(log zerolog.Logger) *Estimator {
	return &Estimator{log: log.With().Str("component", "specific_risk").Logger()}
}

// Estimate returns the specific risk of every security with a residual on date.
// history may contain any dates; only those up to and including date are used.
// groups maps security to its industry label; securities without a group (or a nil
// map) shrink toward the median of the whole cross-section.
func (e *Estimator) Estimate(
	date time.Time,
	history []domain.SpecificReturn,
	groups map[string]string,
	cfg Config,
) ([]domain.SpecificRisk, error) {
	date = domain.NormalizeDate(date)
	window := make([]domain.SpecificReturn, 0, len(history))
	for _, sr := range history {
		if !domain.NormalizeDate(sr.Date).After(date) {
			window = append(window, sr)
		}
	}

	series, err := e.EstimateSeries(window, groups, cfg)
	if err != nil {
		return nil, err
	}

	var out []domain.SpecificRisk
	for _, row := range series {
		if row.Date.Equal(date) {
			out = append(out, row)
		}
	}
	if len(out) == 0 {
		e.log.Debug().
			Str("date", domain.DateKey(date)).
			Err(&domain.InsufficientHistoryError{Component: "specific_risk", Date: date, Have: 0, Need: 1}).
			Msg("No specific returns on date")
	}
	return out, nil
}

// EstimateSeries computes specific risk for every date present in history, each date
// using only residuals up to that date. Rows are ordered by (date, security).
func (e *Estimator) EstimateSeries(
	history []domain.SpecificReturn,
	groups map[string]string,
	cfg Config,
) ([]domain.SpecificRisk, error) {
	bySecurity, dates, err := organize(history)
	if err != nil {
		return nil, err
	}

	// Per security, EWMA variance after each of its observations keyed by date.
	variance := make(map[string]map[time.Time]float64, len(bySecurity))
	for id, rows := range bySecurity {
		residuals := make([]float64, len(rows))
		for i, r := range rows {
			residuals[i] = r.Residual
		}
		ewma := formulas.EWMAVariance(residuals, cfg.Lambda)
		variance[id] = make(map[time.Time]float64, len(rows))
		for i, r := range rows {
			if !math.IsNaN(ewma[i]) {
				variance[id][r.Date] = ewma[i]
			}
		}
	}

	ids := make([]string, 0, len(bySecurity))
	for id := range bySecurity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []domain.SpecificRisk
	for _, date := range dates {
		rows := make([]domain.SpecificRisk, 0, len(ids))
		for _, id := range ids {
			v, ok := variance[id][date]
			if !ok {
				continue
			}
			rows = append(rows, domain.SpecificRisk{Date: date, SecurityID: id, Variance: math.Max(0, v)})
		}
		shrink(rows, groups, cfg.Shrinkage)
		out = append(out, rows...)
	}
	return out, nil
}

// shrink sets SmoothedVariance = (1-s)·Variance + s·median of the group's Variance.
func shrink(rows []domain.SpecificRisk, groups map[string]string, s float64) {
	byGroup := make(map[string][]float64)
	all := make([]float64, 0, len(rows))
	for _, row := range rows {
		all = append(all, row.Variance)
		if g, ok := groups[row.SecurityID]; ok {
			byGroup[g] = append(byGroup[g], row.Variance)
		}
	}
	global := formulas.Median(all)

	for i := range rows {
		target := global
		if g, ok := groups[rows[i].SecurityID]; ok {
			target = formulas.Median(byGroup[g])
		}
		if math.IsNaN(target) {
			target = rows[i].Variance
		}
		rows[i].SmoothedVariance = math.Max(0, (1-s)*rows[i].Variance+s*target)
	}
}

// organize groups residuals per security in date order and rejects duplicate keys.
func organize(history []domain.SpecificReturn) (map[string][]domain.SpecificReturn, []time.Time, error) {
	bySecurity := make(map[string][]domain.SpecificReturn)
	seen := make(map[string]bool, len(history))
	dateSet := make(map[time.Time]bool)
	for _, sr := range history {
		sr.Date = domain.NormalizeDate(sr.Date)
		key := domain.DateKey(sr.Date) + "|" + sr.SecurityID
		if seen[key] {
			return nil, nil, &domain.SchemaViolationError{
				Date:       sr.Date,
				SecurityID: sr.SecurityID,
				Reason:     "duplicate specific return",
			}
		}
		seen[key] = true
		dateSet[sr.Date] = true
		bySecurity[sr.SecurityID] = append(bySecurity[sr.SecurityID], sr)
	}
	for _, rows := range bySecurity {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	}

	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return bySecurity, dates, nil
}
