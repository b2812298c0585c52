package riskmodel

import (
	"context"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
)

// Store persists run outputs. Saving a date replaces any earlier outputs for the
// same (date, key).
type Store interface {
	SaveDate(ctx context.Context, runID string, result *DateResult) error
	SaveRun(ctx context.Context, report *Report) error
	// LoadReturns returns the stored factor and specific returns dated strictly
	// before the given date, oldest first.
	LoadReturns(ctx context.Context, before time.Time) ([]domain.FactorReturn, []domain.SpecificReturn, error)
	// LoadCovariance returns nil, nil when no snapshot exists for date.
	LoadCovariance(ctx context.Context, date time.Time) (*CovarianceSnapshot, error)
}

// Recorder observes pipeline diagnostics, typically for metrics.
type Recorder interface {
	RecordDate(diag DateDiagnostics)
	RecordFailure(failure Failure)
	RecordRun(report *Report)
}
