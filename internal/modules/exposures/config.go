// Package exposures computes standardized style-factor exposures from raw
// fundamentals and return histories, imputing missing values by group median.
package exposures

import (
	"runtime"

	"github.com/aristath/factorrisk/internal/modules/classification"
)

// Config holds the exposure engine parameters
type Config struct {
	// Factors restricts the style factors computed; empty means all of AllFactors.
	Factors []string `yaml:"factors" json:"factors"`

	MinObs     int `yaml:"min_obs" json:"min_obs" default:"24" validate:"gte=2"`
	BetaWindow int `yaml:"beta_window" json:"beta_window" default:"60" validate:"gtefield=MinObs"`

	MomentumLookback int `yaml:"momentum_lookback" json:"momentum_lookback" default:"12" validate:"gte=2"`
	MomentumSkip     int `yaml:"momentum_skip" json:"momentum_skip" default:"1" validate:"gte=0,ltfield=MomentumLookback"`

	FundamentalMinYears int `yaml:"fundamental_min_years" json:"fundamental_min_years" default:"3" validate:"gte=2"`
	LiquidityWindow     int `yaml:"liquidity_window" json:"liquidity_window" default:"12" validate:"gte=1"`
	LiquidityMinObs     int `yaml:"liquidity_min_obs" json:"liquidity_min_obs" default:"3" validate:"gte=1"`

	WinsorLower float64 `yaml:"winsor_lower" json:"winsor_lower" default:"0.01" validate:"gte=0,lt=0.5"`
	WinsorUpper float64 `yaml:"winsor_upper" json:"winsor_upper" default:"0.99" validate:"gt=0.5,lte=1"`

	ImputationLevel         string  `yaml:"imputation_level" json:"imputation_level" default:"industry" validate:"required"`
	ImputationWarnThreshold float64 `yaml:"imputation_warn_threshold" json:"imputation_warn_threshold" default:"0.3" validate:"gte=0,lte=1"`

	// Workers bounds cross-security parallelism; 0 means runtime.NumCPU().
	Workers int `yaml:"workers" json:"workers" validate:"gte=0"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinObs:                  24,
		BetaWindow:              60,
		MomentumLookback:        12,
		MomentumSkip:            1,
		FundamentalMinYears:     3,
		LiquidityWindow:         12,
		LiquidityMinObs:         3,
		WinsorLower:             0.01,
		WinsorUpper:             0.99,
		ImputationLevel:         classification.LevelIndustry,
		ImputationWarnThreshold: 0.30,
	}
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) factorNames() []string {
	if len(c.Factors) == 0 {
		return AllFactors()
	}
	return c.Factors
}
