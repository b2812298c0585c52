// Package regression estimates period factor returns and specific returns by
// cross-sectional weighted least squares, falling back to ridge when the normal
// equations are ill-conditioned.
package regression

import "github.com/aristath/factorrisk/internal/modules/classification"

// Weighting schemes
const (
	WeightSqrtCap = "sqrt_cap"
	WeightCap     = "cap"
	WeightEqual   = "equal"
)

// Config holds the regression parameters
type Config struct {
	Weighting          string  `yaml:"weighting" json:"weighting" default:"sqrt_cap" validate:"oneof=sqrt_cap cap equal"`
	ConditionThreshold float64 `yaml:"condition_threshold" json:"condition_threshold" default:"1e10" validate:"gt=1"`
	RidgeAlpha         float64 `yaml:"ridge_alpha" json:"ridge_alpha" default:"0.0001" validate:"gt=0"`
	MinUniverse        int     `yaml:"min_universe" json:"min_universe" default:"500" validate:"gte=0"`
	// IndustryLevel is the classification level whose labels become industry columns.
	IndustryLevel string `yaml:"industry_level" json:"industry_level" default:"sector" validate:"required"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weighting:          WeightSqrtCap,
		ConditionThreshold: 1e10,
		RidgeAlpha:         1e-4,
		MinUniverse:        500,
		IndustryLevel:      classification.LevelSector,
	}
}
