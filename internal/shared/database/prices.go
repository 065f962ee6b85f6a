package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// GetPrice retrieves the stored price row for a model without following aliases.
func (db *DB) GetPrice(ctx context.Context, model string) (*models.Price, error) {
	query := `
		SELECT model, input_price, output_price, currency, alias_for, cache_read_price,
		       cache_creation_price, batch_input_price, batch_output_price,
		       priority_input_price, priority_output_price, audio_input_price, region
		FROM prices
		WHERE model = ?
	`

	var (
		p             models.Price
		alias, region sql.NullString
	)
	err := db.queryRow(ctx, query, model).Scan(
		&p.Model,
		&p.InputPrice,
		&p.OutputPrice,
		&p.Currency,
		&alias,
		&p.CacheReadPrice,
		&p.CacheCreationPrice,
		&p.BatchInputPrice,
		&p.BatchOutputPrice,
		&p.PriorityInputPrice,
		&p.PriorityOutputPrice,
		&p.AudioInputPrice,
		&region,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("price for %s: %w", model, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get price: %w", err)
	}

	p.AliasFor = alias.String
	p.Region = region.String
	return &p, nil
}

// UpsertPrice inserts or replaces a price row.
func (db *DB) UpsertPrice(ctx context.Context, p models.Price) error {
	query := `
		INSERT INTO prices (model, input_price, output_price, currency, alias_for, cache_read_price,
		                    cache_creation_price, batch_input_price, batch_output_price,
		                    priority_input_price, priority_output_price, audio_input_price, region)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model) DO UPDATE SET
			input_price = excluded.input_price,
			output_price = excluded.output_price,
			currency = excluded.currency,
			alias_for = excluded.alias_for,
			cache_read_price = excluded.cache_read_price,
			cache_creation_price = excluded.cache_creation_price,
			batch_input_price = excluded.batch_input_price,
			batch_output_price = excluded.batch_output_price,
			priority_input_price = excluded.priority_input_price,
			priority_output_price = excluded.priority_output_price,
			audio_input_price = excluded.audio_input_price,
			region = excluded.region
	`

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	_, err := db.exec(ctx, query,
		p.Model, p.InputPrice, p.OutputPrice, currency, nullString(p.AliasFor),
		p.CacheReadPrice, p.CacheCreationPrice, p.BatchInputPrice, p.BatchOutputPrice,
		p.PriorityInputPrice, p.PriorityOutputPrice, p.AudioInputPrice, nullString(p.Region),
	)
	if err != nil {
		return fmt.Errorf("upsert price: %w", err)
	}
	return nil
}

// TieredPrices returns every tier configured for a model ordered by tier_start.
func (db *DB) TieredPrices(ctx context.Context, model string) ([]models.TieredPrice, error) {
	query := `
		SELECT id, model, region, tier_start, tier_end, input_price, output_price
		FROM tiered_pricing
		WHERE model = ?
		ORDER BY tier_start ASC
	`

	rows, err := db.query(ctx, query, model)
	if err != nil {
		return nil, fmt.Errorf("list tiered prices: %w", err)
	}
	defer rows.Close()

	var out []models.TieredPrice
	for rows.Next() {
		var t models.TieredPrice
		if err := rows.Scan(&t.ID, &t.Model, &t.Region, &t.TierStart, &t.TierEnd, &t.InputPrice, &t.OutputPrice); err != nil {
			return nil, fmt.Errorf("scan tiered price: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTieredPrice inserts or replaces one tier.
func (db *DB) UpsertTieredPrice(ctx context.Context, t models.TieredPrice) error {
	query := `
		INSERT INTO tiered_pricing (model, region, tier_start, tier_end, input_price, output_price)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (model, region, tier_start) DO UPDATE SET
			tier_end = excluded.tier_end,
			input_price = excluded.input_price,
			output_price = excluded.output_price
	`
	if _, err := db.exec(ctx, query, t.Model, t.Region, t.TierStart, t.TierEnd, t.InputPrice, t.OutputPrice); err != nil {
		return fmt.Errorf("upsert tiered price: %w", err)
	}
	return nil
}
