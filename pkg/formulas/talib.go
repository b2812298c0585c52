package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
)

// TrailingStdDev returns the population standard deviation of the last period values
// using go-talib. Returns nil when fewer than period values (or period < 2) are available.
func TrailingStdDev(values []float64, period int) *float64 {
	if period < 2 || len(values) < period {
		return nil
	}

	std := talib.StdDev(values, period, 1.0)
	if len(std) == 0 || isNaN(std[len(std)-1]) {
		return nil
	}
	result := std[len(std)-1]
	return &result
}

// TrailingSMA returns the simple moving average of the last period values using go-talib.
// When fewer values exist the whole series is averaged; nil for an empty series.
func TrailingSMA(values []float64, period int) *float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	if len(values) < period {
		period = len(values)
	}
	if period == 1 {
		result := values[len(values)-1]
		return &result
	}

	sma := talib.Sma(values, period)
	if len(sma) == 0 || isNaN(sma[len(sma)-1]) {
		return nil
	}
	result := sma[len(sma)-1]
	return &result
}

func isNaN(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
