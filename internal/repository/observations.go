// Package repository provides SQLite-backed inputs and output storage for the risk model.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ObservationRepository stores point-in-time observation snapshots.
// It implements domain.ObservationSource.
type ObservationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewObservationRepository creates an observation repository
func NewObservationRepository(db *sql.DB, log zerolog.Logger) *ObservationRepository {
	return &ObservationRepository{
		db:  db,
		log: log.With().Str("component", "observation_repository").Logger(),
	}
}

const observationColumns = `date, security_id, market_cap, period_return, return_history,
	book_equity, net_income, total_debt, sales, dividends, foreign_sales_ratio,
	income_history, sales_history, turnover, classification_code`

// Upsert writes observations, replacing any stored row with the same (date, security).
func (r *ObservationRepository) Upsert(ctx context.Context, observations []domain.Observation) error {
	if len(observations) == 0 {
		return nil
	}

	return database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO observations (`+observationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare observation insert: %w", err)
		}
		defer stmt.Close()

		for _, obs := range observations {
			if obs.SecurityID == "" {
				return &domain.SchemaViolationError{Date: obs.Date, Reason: "empty security id"}
			}
			blobs := make([][]byte, 4)
			for i, series := range [][]float64{obs.ReturnHistory, obs.IncomeHistory, obs.SalesHistory, obs.Turnover} {
				if blobs[i], err = encodeSeries(series); err != nil {
					return fmt.Errorf("failed to encode history for %s: %w", obs.SecurityID, err)
				}
			}
			_, err := stmt.ExecContext(ctx,
				domain.DateKey(obs.Date),
				obs.SecurityID,
				obs.MarketCap,
				nullFloat(obs.Return),
				blobs[0],
				nullPtr(obs.BookEquity),
				nullPtr(obs.NetIncome),
				nullPtr(obs.TotalDebt),
				nullPtr(obs.Sales),
				nullPtr(obs.Dividends),
				nullPtr(obs.ForeignSalesRatio),
				blobs[1],
				blobs[2],
				blobs[3],
				obs.ClassificationCode,
			)
			if err != nil {
				return fmt.Errorf("failed to insert observation %s/%s: %w", domain.DateKey(obs.Date), obs.SecurityID, err)
			}
		}
		return nil
	})
}

// Dates returns the distinct observation dates in [from, to], ascending.
// A zero from is unbounded.
func (r *ObservationRepository) Dates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	lower := ""
	if !from.IsZero() {
		lower = domain.DateKey(from)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT date FROM observations
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, lower, domain.DateKey(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query observation dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan observation date: %w", err)
		}
		date, err := parseDate(key)
		if err != nil {
			return nil, err
		}
		dates = append(dates, date)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observation dates: %w", err)
	}

	return dates, nil
}

// Snapshot loads and validates the observations for date.
func (r *ObservationRepository) Snapshot(ctx context.Context, date time.Time) (domain.Snapshot, error) {
	date = domain.NormalizeDate(date)
	rows, err := r.db.QueryContext(ctx, `SELECT `+observationColumns+`
		FROM observations WHERE date = ? ORDER BY security_id`, domain.DateKey(date))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var observations []domain.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return domain.Snapshot{}, err
		}
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("error iterating observations: %w", err)
	}

	r.log.Debug().
		Str("date", domain.DateKey(date)).
		Int("observations", len(observations)).
		Msg("Loaded observation snapshot")

	return domain.NewSnapshot(date, observations)
}

func scanObservation(rows *sql.Rows) (domain.Observation, error) {
	var (
		obs                                              domain.Observation
		key                                              string
		ret                                              sql.NullFloat64
		book, income, debt, sales, dividends, foreign    sql.NullFloat64
		returnHist, incomeHist, salesHist, turnoverBlobs []byte
	)
	err := rows.Scan(&key, &obs.SecurityID, &obs.MarketCap, &ret, &returnHist,
		&book, &income, &debt, &sales, &dividends, &foreign,
		&incomeHist, &salesHist, &turnoverBlobs, &obs.ClassificationCode)
	if err != nil {
		return obs, fmt.Errorf("failed to scan observation: %w", err)
	}

	if obs.Date, err = parseDate(key); err != nil {
		return obs, err
	}
	obs.Return = math.NaN()
	if ret.Valid {
		obs.Return = ret.Float64
	}
	obs.BookEquity = ptrFromNull(book)
	obs.NetIncome = ptrFromNull(income)
	obs.TotalDebt = ptrFromNull(debt)
	obs.Sales = ptrFromNull(sales)
	obs.Dividends = ptrFromNull(dividends)
	obs.ForeignSalesRatio = ptrFromNull(foreign)

	targets := []*[]float64{&obs.ReturnHistory, &obs.IncomeHistory, &obs.SalesHistory, &obs.Turnover}
	for i, blob := range [][]byte{returnHist, incomeHist, salesHist, turnoverBlobs} {
		if *targets[i], err = decodeSeries(blob); err != nil {
			return obs, fmt.Errorf("failed to decode history for %s: %w", obs.SecurityID, err)
		}
	}
	return obs, nil
}

func encodeSeries(series []float64) ([]byte, error) {
	if len(series) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(series)
}

func decodeSeries(blob []byte) ([]float64, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var series []float64
	if err := msgpack.Unmarshal(blob, &series); err != nil {
		return nil, err
	}
	return series, nil
}

func parseDate(key string) (time.Time, error) {
	date, err := time.Parse(domain.DateLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored date %q: %w", key, err)
	}
	return date, nil
}

// nullFloat maps non-finite values to NULL; SQLite cannot store NaN.
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullPtr(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return nullFloat(*v)
}

func ptrFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
