package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/domain"
	"github.com/rs/zerolog"
)

// MarketRepository stores the market index return series.
// It implements domain.MarketIndexProvider.
type MarketRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMarketRepository creates a market index repository
func NewMarketRepository(db *sql.DB, log zerolog.Logger) *MarketRepository {
	return &MarketRepository{
		db:  db,
		log: log.With().Str("component", "market_repository").Logger(),
	}
}

// Upsert stores index returns keyed by date.
func (r *MarketRepository) Upsert(ctx context.Context, returns map[time.Time]float64) error {
	if len(returns) == 0 {
		return nil
	}
	return database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		for date, ret := range returns {
			v := nullFloat(ret)
			if !v.Valid {
				return fmt.Errorf("market return for %s is not finite", domain.DateKey(date))
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO market_returns (date, market_return) VALUES (?, ?)`,
				domain.DateKey(date), v.Float64,
			); err != nil {
				return fmt.Errorf("failed to insert market return: %w", err)
			}
		}
		return nil
	})
}

// MarketReturns returns up to n index returns ending at date, oldest first.
// It returns nil when no index data exists on or before date.
func (r *MarketRepository) MarketReturns(ctx context.Context, date time.Time, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT market_return FROM market_returns
		WHERE date <= ?
		ORDER BY date DESC
		LIMIT ?
	`, domain.DateKey(date), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query market returns: %w", err)
	}
	defer rows.Close()

	var desc []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan market return: %w", err)
		}
		desc = append(desc, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market returns: %w", err)
	}
	if len(desc) == 0 {
		return nil, nil
	}

	out := make([]float64, len(desc))
	for i, v := range desc {
		out[len(desc)-1-i] = v
	}
	return out, nil
}
