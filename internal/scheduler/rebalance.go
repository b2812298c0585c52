package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/rs/zerolog"
)

// LatestRunner runs the model over the trailing window ending at asOf.
type LatestRunner interface {
	RunLatest(ctx context.Context, asOf time.Time) (*riskmodel.Report, error)
}

// RebalanceJob recomputes the model for the latest available rebalance date.
type RebalanceJob struct {
	runner  LatestRunner
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewRebalanceJob creates a rebalance job. A zero timeout means no deadline.
func NewRebalanceJob(runner LatestRunner, timeout time.Duration, log zerolog.Logger) *RebalanceJob {
	return &RebalanceJob{
		runner:  runner,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("job", "rebalance").Logger(),
	}
}

// Name returns the job name
func (j *RebalanceJob) Name() string {
	return "rebalance"
}

// Run executes the rebalance job. A run already in progress is not an error.
func (j *RebalanceJob) Run() error {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	asOf := domain.NormalizeDate(j.now())
	report, err := j.runner.RunLatest(ctx, asOf)
	if errors.Is(err, riskmodel.ErrRunInProgress) {
		j.log.Info().Msg("Risk model run already in progress, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	j.log.Info().
		Str("as_of", domain.DateKey(asOf)).
		Str("run_id", report.RunID).
		Int("succeeded", report.Succeeded()).
		Int("failed", len(report.Failures)).
		Msg("Rebalance run completed")
	return nil
}
