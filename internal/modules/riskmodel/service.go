package riskmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/classification"
	"github.com/aristath/factorrisk/internal/modules/covariance"
	"github.com/aristath/factorrisk/internal/modules/exposures"
	"github.com/aristath/factorrisk/internal/modules/regression"
	"github.com/aristath/factorrisk/internal/modules/specificrisk"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("risk model run already in progress")

// History carries the prior-period state a single-date run needs.
type History struct {
	// Previous is the snapshot of the preceding rebalance date, whose exposures
	// explain this date's returns. Nil skips the regression.
	Previous        *domain.Snapshot
	FactorReturns   []domain.FactorReturn
	SpecificReturns []domain.SpecificReturn
}

// Service orchestrates the risk model components
type Service struct {
	source domain.ObservationSource
	store  Store
	cfg    Config

	assigner   *classification.Assigner
	exposures  *exposures.Engine
	regression *regression.Engine
	specific   *specificrisk.Estimator
	covariance *covariance.Estimator

	recorder Recorder
	cache    *lru.Cache[string, *CovarianceSnapshot]
	running  sync.Mutex
	log      zerolog.Logger
}

// NewService creates a new risk model service. market and store may be nil.
func NewService(
	source domain.ObservationSource,
	market domain.MarketIndexProvider,
	store Store,
	cfg Config,
	log zerolog.Logger,
) (*Service, error) {
	if err := cfg.CheckLevels(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, *CovarianceSnapshot](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create covariance cache: %w", err)
	}

	return &Service{
		source:     source,
		store:      store,
		cfg:        cfg,
		assigner:   classification.NewAssigner(log),
		exposures:  exposures.NewEngine(market, log),
		regression: regression.NewEngine(log),
		specific:   specificrisk.NewEstimator(log),
		covariance: covariance.NewEstimator(log),
		cache:      cache,
		log:        log.With().Str("component", "risk_model").Logger(),
	}, nil
}

// SetRecorder sets the diagnostics recorder.
// This is optional - without it diagnostics are only logged.
func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// Config returns the model configuration the service runs with.
func (s *Service) Config() Config { return s.cfg }

// RunDate computes every output for one snapshot given the prior-period history.
// It does not persist anything.
func (s *Service) RunDate(ctx context.Context, snapshot domain.Snapshot, history History) (*DateResult, error) {
	cur, err := s.prepare(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	var reg *regression.Result
	if history.Previous != nil {
		prev, err := s.prepare(ctx, *history.Previous)
		if err != nil {
			return nil, fmt.Errorf("previous date %s: %w", domain.DateKey(history.Previous.Date), err)
		}
		if reg, err = s.regress(prev, cur); err != nil {
			return nil, err
		}
	}

	rolling := &History{
		FactorReturns:   append([]domain.FactorReturn(nil), history.FactorReturns...),
		SpecificReturns: append([]domain.SpecificReturn(nil), history.SpecificReturns...),
	}
	return s.finalize(cur, reg, rolling)
}

// Run computes the model for every source date in [from, to] and persists each
// date's outputs when a store is configured. A date that fails is recorded in the
// report and skipped; the run continues. Only cancellation aborts the run.
// Dates before from are not recomputed: the first date regresses on the exposures
// of the preceding source date, and the rolling history starts from the stored
// returns before from.
func (s *Service) Run(ctx context.Context, from, to time.Time) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	report := &Report{
		RunID:     uuid.New().String(),
		From:      domain.NormalizeDate(from),
		To:        domain.NormalizeDate(to),
		StartedAt: time.Now(),
	}
	log := s.log.With().Str("run_id", report.RunID).Logger()

	dates, err := s.source.Dates(ctx, report.From, report.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list observation dates: %w", err)
	}
	log.Info().
		Str("from", domain.DateKey(report.From)).
		Str("to", domain.DateKey(report.To)).
		Int("dates", len(dates)).
		Msg("Starting risk model run")

	seed, err := s.seed(ctx, report.From)
	if err != nil {
		return nil, err
	}

	failed := make([]*Failure, len(dates))
	prepared, err := s.prepareAll(ctx, dates, failed)
	if err != nil {
		return nil, err
	}
	regressions, err := s.regressAll(ctx, dates, prepared, seed, failed)
	if err != nil {
		return nil, err
	}

	rolling := seed.history
	for i, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if failed[i] != nil {
			s.fail(report, *failed[i])
			continue
		}

		result, err := s.finalize(prepared[i], regressions[i], rolling)
		if err != nil {
			s.fail(report, Failure{Date: date, Stage: "estimate", Error: err.Error()})
			continue
		}
		if s.store != nil {
			if err := s.store.SaveDate(ctx, report.RunID, result); err != nil {
				s.fail(report, Failure{Date: date, Stage: "store", Error: err.Error()})
				continue
			}
		}
		if snap := Snapshot(result.Covariance); snap != nil {
			s.cache.Add(domain.DateKey(date), snap)
		} else {
			s.cache.Remove(domain.DateKey(date))
		}
		report.Dates = append(report.Dates, result.Diagnostics)
		report.Results = append(report.Results, result)
		if s.recorder != nil {
			s.recorder.RecordDate(result.Diagnostics)
		}
	}

	report.FinishedAt = time.Now()
	if s.store != nil {
		if err := s.store.SaveRun(ctx, report); err != nil {
			log.Error().Err(err).Msg("Failed to save run report")
		}
	}
	if s.recorder != nil {
		s.recorder.RecordRun(report)
	}

	log.Info().
		Int("succeeded", report.Succeeded()).
		Int("failed", len(report.Failures)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Risk model run finished")
	return report, nil
}

// RunLatest runs the model over the trailing window of source dates ending at asOf,
// long enough to rebuild the covariance history of the latest date.
func (s *Service) RunLatest(ctx context.Context, asOf time.Time) (*Report, error) {
	dates, err := s.source.Dates(ctx, time.Time{}, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list observation dates: %w", err)
	}
	if len(dates) == 0 {
		s.log.Info().Str("as_of", domain.DateKey(asOf)).Msg("No observation dates available")
		return &Report{RunID: uuid.New().String(), To: domain.NormalizeDate(asOf)}, nil
	}
	window := s.cfg.Covariance.LongWindow + 1
	if len(dates) > window {
		dates = dates[len(dates)-window:]
	}
	return s.Run(ctx, dates[0], dates[len(dates)-1])
}

// Covariance returns the stored covariance snapshot for date, nil when none exists.
func (s *Service) Covariance(ctx context.Context, date time.Time) (*CovarianceSnapshot, error) {
	key := domain.DateKey(date)
	if snap, ok := s.cache.Get(key); ok {
		return snap, nil
	}
	if s.store == nil {
		return nil, nil
	}
	snap, err := s.store.LoadCovariance(ctx, domain.NormalizeDate(date))
	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.cache.Add(key, snap)
	}
	return snap, nil
}

func (s *Service) fail(report *Report, f Failure) {
	report.Failures = append(report.Failures, f)
	s.log.Error().
		Str("run_id", report.RunID).
		Str("date", domain.DateKey(f.Date)).
		Str("stage", f.Stage).
		Str("error", f.Error).
		Msg("Date skipped")
	if s.recorder != nil {
		s.recorder.RecordFailure(f)
	}
}

// prepareAll loads and classifies every date and computes its exposures. Dates are
// independent here, so they run concurrently.
func (s *Service) prepareAll(ctx context.Context, dates []time.Time, failed []*Failure) ([]*prepared, error) {
	out := make([]*prepared, len(dates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.workers())
	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			snapshot, err := s.source.Snapshot(gctx, date)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed[i] = &Failure{Date: date, Stage: "load", Error: err.Error()}
				return nil
			}
			p, err := s.prepare(gctx, snapshot)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed[i] = &Failure{Date: date, Stage: "exposures", Error: err.Error()}
				return nil
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// seeded is the state a run inherits from before its first date.
type seeded struct {
	// previous is the last source date before the run, nil when there is none or
	// it could not be prepared.
	previous    *prepared
	previousErr error
	history     *History
}

// seed prepares the last source date before from, whose exposures explain from's
// returns, and loads the stored factor and specific returns dated before from.
// A rerun of any window therefore sees the same history as the run that first
// produced those dates.
func (s *Service) seed(ctx context.Context, from time.Time) (*seeded, error) {
	out := &seeded{history: &History{}}
	if s.store != nil {
		factorReturns, specificReturns, err := s.store.LoadReturns(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("failed to load stored returns: %w", err)
		}
		out.history.FactorReturns = factorReturns
		out.history.SpecificReturns = specificReturns
	}

	earlier, err := s.source.Dates(ctx, time.Time{}, from.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("failed to list observation dates: %w", err)
	}
	if len(earlier) == 0 {
		return out, nil
	}
	prevDate := earlier[len(earlier)-1]

	snapshot, err := s.source.Snapshot(ctx, prevDate)
	if err == nil {
		out.previous, err = s.prepare(ctx, snapshot)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		out.previousErr = fmt.Errorf("previous date %s unavailable: %w", domain.DateKey(prevDate), err)
		s.log.Warn().Err(err).Str("date", domain.DateKey(prevDate)).Msg("Could not prepare date before run window")
	}
	return out, nil
}

// regressAll solves each date's regression from the previous date's exposures.
// Once exposures exist the regressions are independent across dates. A date whose
// previous date exists but could not be prepared fails instead of being stored
// without returns.
func (s *Service) regressAll(
	ctx context.Context,
	dates []time.Time,
	prepared []*prepared,
	seed *seeded,
	failed []*Failure,
) ([]*regression.Result, error) {
	out := make([]*regression.Result, len(dates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.workers())
	for i := range dates {
		i := i
		if prepared[i] == nil {
			continue
		}

		prev := seed.previous
		if i > 0 {
			prev = prepared[i-1]
		}
		if prev == nil {
			switch {
			case i > 0:
				failed[i] = &Failure{
					Date:  dates[i],
					Stage: "regression",
					Error: fmt.Sprintf("previous date %s unavailable", domain.DateKey(dates[i-1])),
				}
			case seed.previousErr != nil:
				failed[i] = &Failure{Date: dates[i], Stage: "regression", Error: seed.previousErr.Error()}
			}
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reg, err := s.regress(prev, prepared[i])
			if err != nil {
				failed[i] = &Failure{Date: dates[i], Stage: "regression", Error: err.Error()}
				return nil
			}
			out[i] = reg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
