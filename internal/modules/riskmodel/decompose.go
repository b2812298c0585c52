package riskmodel

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/regression"
)

// Decomposition splits a portfolio's variance into its factor and specific parts:
// total = xᵀ·Σ_F·x + Σ wᵢ²·σᵢ², with x = Bᵀ·w.
type Decomposition struct {
	FactorVariance   float64            `json:"factor_variance"`
	SpecificVariance float64            `json:"specific_variance"`
	TotalVariance    float64            `json:"total_variance"`
	FactorExposures  map[string]float64 `json:"factor_exposures"`
	// MissingSpecific lists held securities without a specific risk estimate.
	MissingSpecific []string `json:"missing_specific,omitempty"`
}

// Decompose computes the variance decomposition of a portfolio (security -> weight)
// on a date's outputs. The portfolio's factor exposure covers style, industry and
// country factors; factors outside the covariance matrix are ignored.
func Decompose(result *DateResult, country string, weights map[string]float64) (*Decomposition, error) {
	if result == nil || result.Covariance == nil || result.Covariance.Empty() {
		return nil, fmt.Errorf("no factor covariance for date")
	}
	cov := result.Covariance
	k := len(cov.Factors)
	index := make(map[string]int, k)
	for i, f := range cov.Factors {
		index[f] = i
	}

	x := mat.NewVecDense(k, nil)
	add := func(factor string, v float64) {
		if i, ok := index[factor]; ok {
			x.SetVec(i, x.AtVec(i)+v)
		}
	}
	for _, e := range result.FactorExposures {
		if w, ok := weights[e.SecurityID]; ok {
			add(e.Factor, w*e.Exposure)
		}
	}

	ids := make([]string, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := weights[id]
		if label, ok := result.Industries[id]; ok {
			add(regression.IndustryFactor(label), w)
		}
		add(regression.CountryFactor(country), w)
	}

	sigma := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sigma.SetSym(i, j, cov.Matrix[i][j])
		}
	}

	d := &Decomposition{FactorExposures: make(map[string]float64, k)}
	d.FactorVariance = mat.Inner(x, sigma, x)
	for i, f := range cov.Factors {
		d.FactorExposures[f] = x.AtVec(i)
	}

	specific := make(map[string]domain.SpecificRisk, len(result.SpecificRisk))
	for _, r := range result.SpecificRisk {
		specific[r.SecurityID] = r
	}
	for _, id := range ids {
		r, ok := specific[id]
		if !ok {
			d.MissingSpecific = append(d.MissingSpecific, id)
			continue
		}
		w := weights[id]
		d.SpecificVariance += w * w * r.SmoothedVariance
	}
	d.TotalVariance = d.FactorVariance + d.SpecificVariance
	return d, nil
}
