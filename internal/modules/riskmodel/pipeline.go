package riskmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/classification"
	"github.com/aristath/factorrisk/internal/modules/exposures"
	"github.com/aristath/factorrisk/internal/modules/regression"
)

// prepared is one date's per-snapshot work: everything that needs no history.
type prepared struct {
	snapshot   domain.Snapshot
	assignment *classification.Assignment
	exposures  *exposures.Result
	industry   []domain.IndustryExposure
	country    []domain.CountryExposure
	started    time.Time
}

func (s *Service) prepare(ctx context.Context, snapshot domain.Snapshot) (*prepared, error) {
	started := time.Now()
	assignment, err := s.assigner.AssignIndustry(snapshot.Date, snapshot.Observations, s.cfg.Classification.Hierarchy())
	if err != nil {
		return nil, err
	}
	// AssignIndustry has already checked one active label per level.
	industry := assignment.Exposures()

	exp, err := s.exposures.ComputeExposures(ctx, snapshot, assignment, s.cfg.Exposures)
	if err != nil {
		return nil, err
	}

	return &prepared{
		snapshot:   snapshot,
		assignment: assignment,
		exposures:  exp,
		industry:   industry,
		country:    s.assigner.AssignCountry(snapshot.Date, snapshot.Observations, s.cfg.Classification.Country),
		started:    started,
	}, nil
}

// regress explains cur's realized returns with prev's exposures, industry labels
// and market caps. Securities absent from either date are left out.
func (s *Service) regress(prev, cur *prepared) (*regression.Result, error) {
	byID := cur.snapshot.ByID()
	prevByID := prev.snapshot.ByID()
	matrix := prev.exposures.Matrix()

	in := regression.Input{
		Date:         cur.snapshot.Date,
		StyleFactors: prev.exposures.Factors,
		Industry:     []string{},
		Country:      s.cfg.Classification.Country,
	}
	for i, id := range prev.exposures.Securities {
		obs, ok := byID[id]
		if !ok {
			continue
		}
		label, _ := prev.assignment.Label(s.cfg.Regression.IndustryLevel, id)
		in.Securities = append(in.Securities, id)
		in.Style = append(in.Style, matrix[i])
		in.Industry = append(in.Industry, label)
		in.MarketCap = append(in.MarketCap, prevByID[id].MarketCap)
		in.Returns = append(in.Returns, obs.Return)
	}

	result, err := s.regression.Estimate(in, s.cfg.Regression)
	if err != nil {
		return nil, fmt.Errorf("regression: %w", err)
	}
	return result, nil
}

// finalize appends the date's regression output to the rolling history and runs the
// history-dependent estimators. It must be called in date order.
func (s *Service) finalize(p *prepared, reg *regression.Result, rolling *History) (*DateResult, error) {
	date := p.snapshot.Date
	result := &DateResult{
		Date:              date,
		FactorExposures:   p.exposures.Exposures,
		IndustryExposures: p.industry,
		CountryExposures:  p.country,
		Industries:        p.assignment.Membership(s.cfg.Regression.IndustryLevel),
		Diagnostics: DateDiagnostics{
			Date:           date,
			NumSecurities:  len(p.snapshot.Observations),
			Coverage:       p.exposures.Coverage,
			MarketFallback: p.exposures.MarketFallback,
		},
	}

	if reg != nil {
		result.FactorReturns = reg.FactorReturns
		result.SpecificReturns = reg.SpecificReturns
		diag := reg.Diagnostics
		result.Diagnostics.Regression = &diag
		rolling.FactorReturns = append(rolling.FactorReturns, reg.FactorReturns...)
		rolling.SpecificReturns = append(rolling.SpecificReturns, reg.SpecificReturns...)
	}

	groups := p.assignment.Membership(s.cfg.SpecificRisk.IndustryLevel)
	risk, err := s.specific.Estimate(date, rolling.SpecificReturns, groups, s.cfg.SpecificRisk)
	if err != nil {
		return nil, fmt.Errorf("specific risk: %w", err)
	}
	result.SpecificRisk = risk
	result.Diagnostics.SpecificRisk = len(risk)

	cov, err := s.covariance.Estimate(date, rolling.FactorReturns, s.cfg.Covariance)
	if err != nil {
		return nil, fmt.Errorf("covariance: %w", err)
	}
	result.Covariance = cov
	result.Diagnostics.Covariance = cov.Diagnostics
	result.Diagnostics.Elapsed = time.Since(p.started)

	return result, nil
}
