package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// ListExchangeRates returns every stored currency pair.
func (db *DB) ListExchangeRates(ctx context.Context) ([]models.ExchangeRate, error) {
	rows, err := db.query(ctx, `SELECT from_currency, to_currency, rate, updated_at FROM exchange_rates`)
	if err != nil {
		return nil, fmt.Errorf("list exchange rates: %w", err)
	}
	defer rows.Close()

	var out []models.ExchangeRate
	for rows.Next() {
		var (
			r       models.ExchangeRate
			updated int64
		)
		if err := rows.Scan(&r.FromCurrency, &r.ToCurrency, &r.Rate, &updated); err != nil {
			return nil, fmt.Errorf("scan exchange rate: %w", err)
		}
		r.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertExchangeRate stores the rate for one currency pair.
func (db *DB) UpsertExchangeRate(ctx context.Context, r models.ExchangeRate) error {
	query := `
		INSERT INTO exchange_rates (from_currency, to_currency, rate, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (from_currency, to_currency) DO UPDATE SET
			rate = excluded.rate,
			updated_at = excluded.updated_at
	`
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := db.exec(ctx, query, r.FromCurrency, r.ToCurrency, r.Rate, updated.Unix()); err != nil {
		return fmt.Errorf("upsert exchange rate: %w", err)
	}
	return nil
}
