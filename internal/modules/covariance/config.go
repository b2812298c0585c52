// Package covariance estimates the factor covariance matrix from factor return
// history: multi-horizon blending, Ledoit-Wolf shrinkage toward a constant
// correlation target, and eigenvalue clipping to keep the result PSD.
package covariance

// Shrinkage modes
const (
	ShrinkageAuto  = "auto"
	ShrinkageFixed = "fixed"
)

// Config holds the covariance estimator parameters
type Config struct {
	ShortWindow int `yaml:"short_window" json:"short_window" default:"12" validate:"gte=2"`
	LongWindow  int `yaml:"long_window" json:"long_window" default:"60" validate:"gtefield=ShortWindow"`
	// BlendWeight is the weight of the short-window estimate.
	BlendWeight float64 `yaml:"blend_weight" json:"blend_weight" default:"0.5" validate:"gte=0,lte=1"`
	// HalfLife in periods for exponential weighting inside each window; 0 weights equally.
	HalfLife float64 `yaml:"half_life" json:"half_life" validate:"gte=0"`

	ShrinkageMode string `yaml:"shrinkage_mode" json:"shrinkage_mode" default:"auto" validate:"oneof=auto fixed"`
	// ShrinkageIntensity is used in fixed mode and as the auto-mode fallback.
	ShrinkageIntensity float64 `yaml:"shrinkage_intensity" json:"shrinkage_intensity" default:"0.2" validate:"gte=0,lte=1"`

	EigenFloor float64 `yaml:"eigen_floor" json:"eigen_floor" default:"1e-8" validate:"gt=0"`
	MinHistory int     `yaml:"min_history" json:"min_history" default:"2" validate:"gte=2"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ShortWindow:        12,
		LongWindow:         60,
		BlendWeight:        0.5,
		ShrinkageMode:      ShrinkageAuto,
		ShrinkageIntensity: 0.2,
		EigenFloor:         1e-8,
		MinHistory:         2,
	}
}
