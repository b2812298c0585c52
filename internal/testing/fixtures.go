package testing

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
)

// SectorCodes are the eight-digit classification codes used by the fixtures.
var SectorCodes = []string{"10102010", "20101010", "45102010"}

// MonthEnd returns the last calendar day of the month that is m months after January 2022.
func MonthEnd(m int) time.Time {
	return time.Date(2022, time.Month(m+2), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

func ptr(v float64) *float64 { return &v }

// FixtureReturn is the deterministic monthly return of security i in month m.
func FixtureReturn(i, m int) float64 {
	market := 0.015 * math.Sin(float64(m)*0.8)
	sector := 0.01 * math.Cos(float64(m)*1.3+float64(i%3))
	idio := 0.02 * math.Sin(float64(i*7+m*3)*0.37)
	return (0.6+0.1*float64(i%9))*market + sector + idio
}

// NewObservationFixtures returns n fully populated observations for month m.
// Every fourth security has no foreign sales ratio.
func NewObservationFixtures(m, n int) []domain.Observation {
	date := MonthEnd(m)
	out := make([]domain.Observation, n)
	for i := range out {
		f := float64(i + 1)
		history := make([]float64, 24)
		for k := range history {
			history[k] = FixtureReturn(i, m-23+k)
		}
		var foreign *float64
		if i%4 != 0 {
			foreign = ptr(0.05 * float64(i%10))
		}
		out[i] = domain.Observation{
			Date:               date,
			SecurityID:         fmt.Sprintf("SEC%03d", i),
			MarketCap:          1e3 * (1 + float64(i%7)),
			Return:             FixtureReturn(i, m),
			ReturnHistory:      history,
			BookEquity:         ptr(300 + 20*f),
			NetIncome:          ptr(50 + 5*math.Sin(f)),
			TotalDebt:          ptr(100 + 15*float64(i%5)),
			Sales:              ptr(900 + 10*f),
			Dividends:          ptr(10 + float64(i%6)),
			ForeignSalesRatio:  foreign,
			IncomeHistory:      []float64{40 + f, 45, 48, 50},
			SalesHistory:       []float64{800, 820 + f, 860, 900 + 10*f},
			Turnover:           []float64{0.01, 0.012, 0.011},
			ClassificationCode: SectorCodes[i%len(SectorCodes)],
		}
	}
	return out
}
