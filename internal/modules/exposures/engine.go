package exposures

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/classification"
	"github.com/aristath/factorrisk/pkg/formulas"
)

// Coverage summarises how a factor was populated on a date.
type Coverage struct {
	Factor            string         `json:"factor"`
	Total             int            `json:"total"`
	Computed          int            `json:"computed"`
	Defaulted         int            `json:"defaulted"`
	Imputed           int            `json:"imputed"`
	ImputedPct        float64        `json:"imputed_pct"`
	Degenerate        bool           `json:"degenerate"`
	ThresholdExceeded bool           `json:"threshold_exceeded"`
	MissingReasons    map[string]int `json:"missing_reasons,omitempty"`
}

// Result holds one date's style exposures, ordered by (security, factor order).
type Result struct {
	Date       time.Time
	Factors    []string
	Securities []string
	Exposures  []domain.FactorExposure
	Coverage   []Coverage
	// MarketFallback is true when beta used the cap-weighted cross-section.
	MarketFallback bool
}

// Matrix returns exposures indexed as [security][factor] following Securities and Factors.
func (r *Result) Matrix() [][]float64 {
	nf := len(r.Factors)
	m := make([][]float64, len(r.Securities))
	for i := range m {
		m[i] = make([]float64, nf)
	}
	for k, e := range r.Exposures {
		m[k/nf][k%nf] = e.Exposure
	}
	return m
}

// Engine computes style factor exposures
type Engine struct {
	market domain.MarketIndexProvider
	log    zerolog.Logger
}

// NewEngine creates a new exposure engine. market may be nil, in which case beta uses
// the cap-weighted cross-section of the snapshot.
func NewEngine(market domain.MarketIndexProvider, log zerolog.Logger) *Engine {
	return &Engine{
		market: market,
		log:    log.With().Str("component", "exposures").Logger(),
	}
}

// ComputeExposures derives standardized exposures for every security in the snapshot.
// assignment supplies the imputation groups; nil means global-median imputation only.
func (e *Engine) ComputeExposures(
	ctx context.Context,
	snapshot domain.Snapshot,
	assignment *classification.Assignment,
	cfg Config,
) (*Result, error) {
	defs, err := lookupDefinitions(cfg.factorNames())
	if err != nil {
		return nil, err
	}

	result := &Result{
		Date:       snapshot.Date,
		Factors:    make([]string, len(defs)),
		Securities: snapshot.SecurityIDs(),
	}
	for i, d := range defs {
		result.Factors[i] = d.name
	}
	if len(snapshot.Observations) == 0 {
		return result, nil
	}

	market, fallback, err := e.marketReturns(ctx, snapshot, cfg)
	if err != nil {
		return nil, err
	}
	result.MarketFallback = fallback
	in := &inputs{cfg: cfg, market: market}

	raw, err := e.computeRaw(ctx, in, snapshot.Observations, defs, cfg.workers())
	if err != nil {
		return nil, err
	}

	var groups map[string]string
	if assignment != nil {
		groups = assignment.Membership(cfg.ImputationLevel)
		if groups == nil {
			e.log.Warn().
				Str("level", cfg.ImputationLevel).
				Msg("Imputation level not in hierarchy, using global median only")
		}
	}

	n := len(snapshot.Observations)
	columns := make([][]domain.FactorExposure, len(defs))
	result.Coverage = make([]Coverage, len(defs))
	for f, d := range defs {
		columns[f] = e.standardize(snapshot, d, raw[f], groups, cfg)
		result.Coverage[f] = summarize(d.name, raw[f], columns[f], cfg)
	}

	result.Exposures = make([]domain.FactorExposure, 0, n*len(defs))
	for i := 0; i < n; i++ {
		for f := range defs {
			result.Exposures = append(result.Exposures, columns[f][i])
		}
	}

	for _, c := range result.Coverage {
		evt := e.log.Debug()
		if c.ThresholdExceeded {
			evt = e.log.Warn()
		}
		evt.Str("date", domain.DateKey(snapshot.Date)).
			Str("factor", c.Factor).
			Int("computed", c.Computed).
			Int("imputed", c.Imputed).
			Float64("imputed_pct", c.ImputedPct).
			Bool("degenerate", c.Degenerate).
			Msg("Factor coverage")
	}

	return result, nil
}

// computeRaw evaluates every factor formula per security. Securities are independent
// so they are processed concurrently; each goroutine writes only its own index.
func (e *Engine) computeRaw(
	ctx context.Context,
	in *inputs,
	observations []domain.Observation,
	defs []definition,
	workers int,
) ([][]rawValue, error) {
	raw := make([][]rawValue, len(defs))
	for f := range raw {
		raw[f] = make([]rawValue, len(observations))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range observations {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for f, d := range defs {
				raw[f][i] = d.compute(in, observations[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute raw factor values: %w", err)
	}
	return raw, nil
}

// standardize runs log-transform, winsorize and z-score over the non-missing values
// of one factor, then imputes the missing ones.
func (e *Engine) standardize(
	snapshot domain.Snapshot,
	d definition,
	raw []rawValue,
	groups map[string]string,
	cfg Config,
) []domain.FactorExposure {
	n := len(raw)
	values := make([]float64, n)
	for i, rv := range raw {
		v := rv.value
		if rv.status == rawMissing {
			v = math.NaN()
		} else if d.logTransform {
			if v <= -1 {
				v = math.NaN()
			} else {
				v = math.Log1p(v)
			}
		}
		values[i] = v
	}

	winsorized := formulas.Winsorize(values, cfg.WinsorLower, cfg.WinsorUpper)
	standardized, _ := formulas.ZScore(winsorized)

	rows := make([]domain.FactorExposure, n)
	for i, obs := range snapshot.Observations {
		rows[i] = domain.FactorExposure{
			Date:             snapshot.Date,
			SecurityID:       obs.SecurityID,
			Factor:           d.name,
			RawValue:         raw[i].value,
			Exposure:         standardized[i],
			ImputationSource: domain.ImputationNone,
		}
		if math.IsNaN(values[i]) {
			rows[i].RawValue = math.NaN()
		}
	}

	impute(rows, groups)
	return rows
}

// impute replaces NaN exposures with the median of the non-imputed exposures of the
// security's group, or the global median when the group has none.
func impute(rows []domain.FactorExposure, groups map[string]string) {
	byGroup := make(map[string][]float64)
	var all []float64
	for _, row := range rows {
		if math.IsNaN(row.Exposure) {
			continue
		}
		all = append(all, row.Exposure)
		if groups != nil {
			g := groups[row.SecurityID]
			byGroup[g] = append(byGroup[g], row.Exposure)
		}
	}

	global := formulas.Median(all)
	if math.IsNaN(global) {
		global = 0
	}

	for i := range rows {
		if !math.IsNaN(rows[i].Exposure) {
			continue
		}
		rows[i].Imputed = true
		if groups != nil {
			if vals := byGroup[groups[rows[i].SecurityID]]; len(vals) > 0 {
				rows[i].Exposure = formulas.Median(vals)
				rows[i].ImputationSource = domain.ImputationIndustryMedian
				continue
			}
		}
		rows[i].Exposure = global
		rows[i].ImputationSource = domain.ImputationGlobalMedian
	}
}

func summarize(factor string, raw []rawValue, rows []domain.FactorExposure, cfg Config) Coverage {
	c := Coverage{Factor: factor, Total: len(rows)}
	var present []float64
	for i, rv := range raw {
		switch {
		case rows[i].Imputed:
			c.Imputed++
			if c.MissingReasons == nil {
				c.MissingReasons = make(map[string]int)
			}
			reason := rv.reason
			if reason == "" {
				reason = "invalid transform input"
			}
			c.MissingReasons[reason]++
		case rv.status == rawDefaulted:
			c.Defaulted++
			c.Computed++
			present = append(present, rows[i].Exposure)
		default:
			c.Computed++
			present = append(present, rows[i].Exposure)
		}
	}
	if c.Total > 0 {
		c.ImputedPct = float64(c.Imputed) / float64(c.Total)
	}
	c.Degenerate = len(present) < 2 || formulas.StdDev(present) == 0
	c.ThresholdExceeded = c.ImputedPct > cfg.ImputationWarnThreshold
	return c
}

// marketReturns returns the market series for beta, falling back to the cap-weighted
// cross-section of the snapshot when no provider or no index data is available.
func (e *Engine) marketReturns(ctx context.Context, snapshot domain.Snapshot, cfg Config) ([]float64, bool, error) {
	if e.market != nil {
		series, err := e.market.MarketReturns(ctx, snapshot.Date, cfg.BetaWindow)
		if err != nil {
			return nil, false, fmt.Errorf("market returns for %s: %w", domain.DateKey(snapshot.Date), err)
		}
		if len(series) > 0 {
			return series, false, nil
		}
		e.log.Debug().
			Str("date", domain.DateKey(snapshot.Date)).
			Msg("No market index data, using cap-weighted cross-section")
	}
	return CapWeightedMarket(snapshot.Observations, cfg.BetaWindow), true, nil
}

// CapWeightedMarket builds a market return series from the securities' own return
// histories, weighting each lag by current market cap. Histories are aligned at their
// most recent observation. Lags nobody covers are NaN.
func CapWeightedMarket(observations []domain.Observation, window int) []float64 {
	length := 0
	for _, obs := range observations {
		if len(obs.ReturnHistory) > length {
			length = len(obs.ReturnHistory)
		}
	}
	if window > 0 && length > window {
		length = window
	}

	ordered := make([]domain.Observation, len(observations))
	copy(ordered, observations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SecurityID < ordered[j].SecurityID })

	series := make([]float64, length)
	for k := 0; k < length; k++ {
		lag := length - 1 - k
		var sum, weight float64
		for _, obs := range ordered {
			idx := len(obs.ReturnHistory) - 1 - lag
			if obs.MarketCap <= 0 || idx < 0 {
				continue
			}
			r := obs.ReturnHistory[idx]
			if math.IsNaN(r) {
				continue
			}
			sum += obs.MarketCap * r
			weight += obs.MarketCap
		}
		if weight > 0 {
			series[k] = sum / weight
		} else {
			series[k] = math.NaN()
		}
	}
	return series
}
