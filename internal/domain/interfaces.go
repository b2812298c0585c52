package domain

import (
	"context"
	"time"
)

// ObservationSource supplies raw observation snapshots. Implementations must be
// point-in-time: a snapshot for date t contains nothing published after t.
type ObservationSource interface {
	Dates(ctx context.Context, from, to time.Time) ([]time.Time, error)
	Snapshot(ctx context.Context, date time.Time) (Snapshot, error)
}

// MarketIndexProvider supplies the market return series used for beta.
// MarketReturns returns up to n monthly returns ending at date, oldest first.
// A nil slice with a nil error means no index is available for the date.
type MarketIndexProvider interface {
	MarketReturns(ctx context.Context, date time.Time, n int) ([]float64, error)
}
