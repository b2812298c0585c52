// Package riskmodel runs the factor risk model pipeline: classification, style
// exposures, cross-sectional regression, specific risk and factor covariance,
// date by date, and reports what was skipped or regularised along the way.
package riskmodel

import (
	"fmt"
	"runtime"

	"github.com/aristath/factorrisk/internal/modules/classification"
	"github.com/aristath/factorrisk/internal/modules/covariance"
	"github.com/aristath/factorrisk/internal/modules/exposures"
	"github.com/aristath/factorrisk/internal/modules/regression"
	"github.com/aristath/factorrisk/internal/modules/specificrisk"
)

// Config is the full, immutable model configuration passed to every run.
type Config struct {
	Classification classification.Config `yaml:"classification" json:"classification"`
	Exposures      exposures.Config      `yaml:"exposures" json:"exposures"`
	Regression     regression.Config     `yaml:"regression" json:"regression"`
	SpecificRisk   specificrisk.Config   `yaml:"specific_risk" json:"specific_risk"`
	Covariance     covariance.Config     `yaml:"covariance" json:"covariance"`

	// Workers bounds cross-date parallelism; 0 means runtime.NumCPU().
	Workers int `yaml:"workers" json:"workers" validate:"gte=0"`
	// CacheSize is the number of covariance snapshots kept in memory.
	CacheSize int `yaml:"cache_size" json:"cache_size" default:"64" validate:"gte=1"`
}

// DefaultConfig returns the documented defaults for every component.
func DefaultConfig() Config {
	return Config{
		Classification: classification.Config{Country: "US"},
		Exposures:      exposures.DefaultConfig(),
		Regression:     regression.DefaultConfig(),
		SpecificRisk:   specificrisk.DefaultConfig(),
		Covariance:     covariance.DefaultConfig(),
		CacheSize:      64,
	}
}

// CheckLevels verifies that every level the components group by exists in the
// classification hierarchy.
func (c Config) CheckLevels() error {
	h := c.Classification.Hierarchy()
	if err := h.Validate(); err != nil {
		return err
	}
	for component, level := range map[string]string{
		"exposures.imputation_level":   c.Exposures.ImputationLevel,
		"regression.industry_level":    c.Regression.IndustryLevel,
		"specific_risk.industry_level": c.SpecificRisk.IndustryLevel,
	} {
		if !h.HasLevel(level) {
			return fmt.Errorf("%s: classification level %q is not in the hierarchy", component, level)
		}
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}
