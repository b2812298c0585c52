package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// outputTables are cleared per date before a rewrite so stale keys from an
// earlier run of the same date do not survive.
var outputTables = []string{
	"factor_exposures",
	"industry_exposures",
	"country_exposures",
	"factor_returns",
	"specific_returns",
	"specific_risk",
	"factor_covariance",
	"covariance_snapshots",
	"date_diagnostics",
}

// OutputRepository persists model outputs and run reports.
// It implements riskmodel.Store.
type OutputRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOutputRepository creates an output repository
func NewOutputRepository(db *sql.DB, log zerolog.Logger) *OutputRepository {
	return &OutputRepository{
		db:  db,
		log: log.With().Str("component", "output_repository").Logger(),
	}
}

// SaveDate replaces every output table's rows for result.Date in one transaction.
func (r *OutputRepository) SaveDate(ctx context.Context, runID string, result *riskmodel.DateResult) error {
	if result == nil {
		return fmt.Errorf("nil result")
	}
	key := domain.DateKey(result.Date)

	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		for _, table := range outputTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE date = ?", key); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, e := range result.FactorExposures {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO factor_exposures
				(date, security_id, factor, raw_value, exposure, imputed, imputation_source)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				key, e.SecurityID, e.Factor, nullFloat(e.RawValue), e.Exposure, e.Imputed, string(e.ImputationSource),
			); err != nil {
				return fmt.Errorf("failed to insert factor exposure: %w", err)
			}
		}
		for _, e := range result.IndustryExposures {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO industry_exposures
				(date, security_id, level, label, exposure) VALUES (?, ?, ?, ?, ?)`,
				key, e.SecurityID, e.Level, e.Label, e.Exposure,
			); err != nil {
				return fmt.Errorf("failed to insert industry exposure: %w", err)
			}
		}
		for _, e := range result.CountryExposures {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO country_exposures
				(date, security_id, country, exposure) VALUES (?, ?, ?, ?)`,
				key, e.SecurityID, e.Country, e.Exposure,
			); err != nil {
				return fmt.Errorf("failed to insert country exposure: %w", err)
			}
		}
		for _, f := range result.FactorReturns {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO factor_returns
				(date, factor, kind, factor_return, ridge_activated, condition_number) VALUES (?, ?, ?, ?, ?, ?)`,
				key, f.Factor, string(f.Kind), f.Return, f.RidgeActivated, finiteOrMax(f.ConditionNumber),
			); err != nil {
				return fmt.Errorf("failed to insert factor return: %w", err)
			}
		}
		for _, s := range result.SpecificReturns {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO specific_returns
				(date, security_id, residual) VALUES (?, ?, ?)`,
				key, s.SecurityID, s.Residual,
			); err != nil {
				return fmt.Errorf("failed to insert specific return: %w", err)
			}
		}
		for _, s := range result.SpecificRisk {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO specific_risk
				(date, security_id, variance, smoothed_variance) VALUES (?, ?, ?, ?)`,
				key, s.SecurityID, s.Variance, s.SmoothedVariance,
			); err != nil {
				return fmt.Errorf("failed to insert specific risk: %w", err)
			}
		}

		if result.Covariance != nil {
			for _, c := range result.Covariance.Rows {
				if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO factor_covariance
					(date, factor_i, factor_j, covariance, shrinkage_intensity, eigenvalues_clipped)
					VALUES (?, ?, ?, ?, ?, ?)`,
					key, c.FactorI, c.FactorJ, c.Covariance, c.ShrinkageIntensity, c.EigenvaluesClipped,
				); err != nil {
					return fmt.Errorf("failed to insert covariance cell: %w", err)
				}
			}
		}
		if snap := riskmodel.Snapshot(result.Covariance); snap != nil {
			blob, err := msgpack.Marshal(snap)
			if err != nil {
				return fmt.Errorf("failed to encode covariance snapshot: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO covariance_snapshots
				(date, run_id, snapshot) VALUES (?, ?, ?)`, key, runID, blob,
			); err != nil {
				return fmt.Errorf("failed to insert covariance snapshot: %w", err)
			}
		}

		diag, err := msgpack.Marshal(result.Diagnostics)
		if err != nil {
			return fmt.Errorf("failed to encode diagnostics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO date_diagnostics
			(date, run_id, diagnostics) VALUES (?, ?, ?)`, key, runID, diag,
		); err != nil {
			return fmt.Errorf("failed to insert diagnostics: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save outputs for %s: %w", key, err)
	}

	r.log.Debug().
		Str("date", key).
		Str("run_id", runID).
		Int("exposures", len(result.FactorExposures)).
		Int("factor_returns", len(result.FactorReturns)).
		Msg("Saved date outputs")
	return nil
}

// SaveRun stores the run report.
func (r *OutputRepository) SaveRun(ctx context.Context, report *riskmodel.Report) error {
	blob, err := msgpack.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT OR REPLACE INTO model_runs
		(run_id, from_date, to_date, started_at, finished_at, succeeded, failed, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID,
		domain.DateKey(report.From),
		domain.DateKey(report.To),
		report.StartedAt.Unix(),
		report.FinishedAt.Unix(),
		report.Succeeded(),
		len(report.Failures),
		blob,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", report.RunID, err)
	}
	return nil
}

// LoadCovariance returns the stored covariance snapshot for date, or nil.
func (r *OutputRepository) LoadCovariance(ctx context.Context, date time.Time) (*riskmodel.CovarianceSnapshot, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot FROM covariance_snapshots WHERE date = ?`, domain.DateKey(date),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load covariance snapshot: %w", err)
	}

	var snap riskmodel.CovarianceSnapshot
	if err := msgpack.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode covariance snapshot: %w", err)
	}
	return &snap, nil
}

// LoadReturns returns every stored factor and specific return dated strictly before
// the given date, ordered by date.
func (r *OutputRepository) LoadReturns(ctx context.Context, before time.Time) ([]domain.FactorReturn, []domain.SpecificReturn, error) {
	key := domain.DateKey(before)

	rows, err := r.db.QueryContext(ctx, `
		SELECT date, factor, kind, factor_return, ridge_activated, condition_number
		FROM factor_returns WHERE date < ? ORDER BY date, factor
	`, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query factor return history: %w", err)
	}
	var factorReturns []domain.FactorReturn
	for rows.Next() {
		var f domain.FactorReturn
		var date, kind string
		if err := rows.Scan(&date, &f.Factor, &kind, &f.Return, &f.RidgeActivated, &f.ConditionNumber); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan factor return: %w", err)
		}
		if f.Date, err = parseDate(date); err != nil {
			rows.Close()
			return nil, nil, err
		}
		f.Kind = domain.FactorKind(kind)
		factorReturns = append(factorReturns, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating factor return history: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT date, security_id, residual
		FROM specific_returns WHERE date < ? ORDER BY date, security_id
	`, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query specific return history: %w", err)
	}
	defer rows.Close()
	var specificReturns []domain.SpecificReturn
	for rows.Next() {
		var s domain.SpecificReturn
		var date string
		if err := rows.Scan(&date, &s.SecurityID, &s.Residual); err != nil {
			return nil, nil, fmt.Errorf("failed to scan specific return: %w", err)
		}
		if s.Date, err = parseDate(date); err != nil {
			return nil, nil, err
		}
		specificReturns = append(specificReturns, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating specific return history: %w", err)
	}

	r.log.Debug().
		Str("before", key).
		Int("factor_returns", len(factorReturns)).
		Int("specific_returns", len(specificReturns)).
		Msg("Loaded stored return history")
	return factorReturns, specificReturns, nil
}

// FactorReturns returns the stored factor returns for date ordered by factor.
func (r *OutputRepository) FactorReturns(ctx context.Context, date time.Time) ([]domain.FactorReturn, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT factor, kind, factor_return, ridge_activated, condition_number
		FROM factor_returns WHERE date = ? ORDER BY factor
	`, domain.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query factor returns: %w", err)
	}
	defer rows.Close()

	out := []domain.FactorReturn{}
	for rows.Next() {
		f := domain.FactorReturn{Date: domain.NormalizeDate(date)}
		var kind string
		if err := rows.Scan(&f.Factor, &kind, &f.Return, &f.RidgeActivated, &f.ConditionNumber); err != nil {
			return nil, fmt.Errorf("failed to scan factor return: %w", err)
		}
		f.Kind = domain.FactorKind(kind)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating factor returns: %w", err)
	}
	return out, nil
}

// SpecificRisk returns the stored specific risk rows for date ordered by security.
func (r *OutputRepository) SpecificRisk(ctx context.Context, date time.Time) ([]domain.SpecificRisk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT security_id, variance, smoothed_variance
		FROM specific_risk WHERE date = ? ORDER BY security_id
	`, domain.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query specific risk: %w", err)
	}
	defer rows.Close()

	out := []domain.SpecificRisk{}
	for rows.Next() {
		s := domain.SpecificRisk{Date: domain.NormalizeDate(date)}
		if err := rows.Scan(&s.SecurityID, &s.Variance, &s.SmoothedVariance); err != nil {
			return nil, fmt.Errorf("failed to scan specific risk: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating specific risk: %w", err)
	}
	return out, nil
}

// Exposures returns every stored exposure of security on date.
func (r *OutputRepository) Exposures(ctx context.Context, date time.Time, security string) (*riskmodel.SecurityExposures, error) {
	date = domain.NormalizeDate(date)
	key := domain.DateKey(date)
	out := &riskmodel.SecurityExposures{
		Date:       date,
		SecurityID: security,
		Style:      []domain.FactorExposure{},
		Industry:   []domain.IndustryExposure{},
		Country:    []domain.CountryExposure{},
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT factor, raw_value, exposure, imputed, imputation_source
		FROM factor_exposures WHERE date = ? AND security_id = ? ORDER BY factor
	`, key, security)
	if err != nil {
		return nil, fmt.Errorf("failed to query factor exposures: %w", err)
	}
	for rows.Next() {
		e := domain.FactorExposure{Date: date, SecurityID: security}
		var raw sql.NullFloat64
		var source string
		if err := rows.Scan(&e.Factor, &raw, &e.Exposure, &e.Imputed, &source); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan factor exposure: %w", err)
		}
		e.RawValue = math.NaN()
		if raw.Valid {
			e.RawValue = raw.Float64
		}
		e.ImputationSource = domain.ImputationSource(source)
		out.Style = append(out.Style, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating factor exposures: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT level, label, exposure
		FROM industry_exposures WHERE date = ? AND security_id = ? ORDER BY level, label
	`, key, security)
	if err != nil {
		return nil, fmt.Errorf("failed to query industry exposures: %w", err)
	}
	for rows.Next() {
		e := domain.IndustryExposure{Date: date, SecurityID: security}
		if err := rows.Scan(&e.Level, &e.Label, &e.Exposure); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan industry exposure: %w", err)
		}
		out.Industry = append(out.Industry, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating industry exposures: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT country, exposure
		FROM country_exposures WHERE date = ? AND security_id = ? ORDER BY country
	`, key, security)
	if err != nil {
		return nil, fmt.Errorf("failed to query country exposures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e := domain.CountryExposure{Date: date, SecurityID: security}
		if err := rows.Scan(&e.Country, &e.Exposure); err != nil {
			return nil, fmt.Errorf("failed to scan country exposure: %w", err)
		}
		out.Country = append(out.Country, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating country exposures: %w", err)
	}

	return out, nil
}

// DateResult assembles the stored outputs needed to analyse a portfolio of securities
// on date. Industries holds each security's label at level. Covariance is nil when no
// matrix is stored.
func (r *OutputRepository) DateResult(ctx context.Context, date time.Time, securities []string, level string) (*riskmodel.DateResult, error) {
	date = domain.NormalizeDate(date)
	result := &riskmodel.DateResult{Date: date, Industries: make(map[string]string, len(securities))}

	held := make(map[string]bool, len(securities))
	for _, id := range securities {
		held[id] = true
		exposures, err := r.Exposures(ctx, date, id)
		if err != nil {
			return nil, err
		}
		result.FactorExposures = append(result.FactorExposures, exposures.Style...)
		result.CountryExposures = append(result.CountryExposures, exposures.Country...)
		for _, e := range exposures.Industry {
			result.IndustryExposures = append(result.IndustryExposures, e)
			if e.Level == level {
				result.Industries[id] = e.Label
			}
		}
	}

	risk, err := r.SpecificRisk(ctx, date)
	if err != nil {
		return nil, err
	}
	for _, row := range risk {
		if held[row.SecurityID] {
			result.SpecificRisk = append(result.SpecificRisk, row)
		}
	}

	snap, err := r.LoadCovariance(ctx, date)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		result.Covariance = snap.Result()
	}
	return result, nil
}

// Diagnostics returns the stored diagnostics for date, or nil.
func (r *OutputRepository) Diagnostics(ctx context.Context, date time.Time) (*riskmodel.DateDiagnostics, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT diagnostics FROM date_diagnostics WHERE date = ?`, domain.DateKey(date),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load diagnostics: %w", err)
	}

	var diag riskmodel.DateDiagnostics
	if err := msgpack.Unmarshal(blob, &diag); err != nil {
		return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
	}
	return &diag, nil
}

// Runs returns the most recent run summaries, newest first.
func (r *OutputRepository) Runs(ctx context.Context, limit int) ([]riskmodel.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, from_date, to_date, started_at, finished_at, succeeded, failed
		FROM model_runs ORDER BY started_at DESC, run_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	out := []riskmodel.RunSummary{}
	for rows.Next() {
		var s riskmodel.RunSummary
		var from, to string
		var started, finished int64
		if err := rows.Scan(&s.RunID, &from, &to, &started, &finished, &s.Succeeded, &s.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if s.From, err = parseDate(from); err != nil {
			return nil, err
		}
		if s.To, err = parseDate(to); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.FinishedAt = time.Unix(finished, 0).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// Run loads a stored run report, or nil when the run is unknown.
func (r *OutputRepository) Run(ctx context.Context, runID string) (*riskmodel.Report, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `SELECT report FROM model_runs WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var report riskmodel.Report
	if err := msgpack.Unmarshal(blob, &report); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &report, nil
}

func finiteOrMax(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.MaxFloat64
	}
	return v
}
