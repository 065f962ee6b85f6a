package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// GetChannel retrieves a channel by id
func (db *DB) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	query := `
		SELECT id, type, name, api_key, base_url, models, group_name, weight, priority,
		       status, api_version, header_override, param_override, pricing_region
		FROM channels
		WHERE id = ?
	`

	var (
		ch                                  models.Channel
		apiVersion, headers, params, region sql.NullString
	)
	err := db.queryRow(ctx, query, id).Scan(
		&ch.ID,
		&ch.Type,
		&ch.Name,
		&ch.Key,
		&ch.BaseURL,
		&ch.Models,
		&ch.Group,
		&ch.Weight,
		&ch.Priority,
		&ch.Status,
		&apiVersion,
		&headers,
		&params,
		&region,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	ch.APIVersion = apiVersion.String
	ch.HeaderOverride = headers.String
	ch.ParamOverride = params.String
	ch.PricingRegion = region.String
	return &ch, nil
}

// CreateChannel inserts a channel and returns its id.
func (db *DB) CreateChannel(ctx context.Context, ch *models.Channel) (int64, error) {
	query := `
		INSERT INTO channels (type, name, api_key, base_url, models, group_name, weight,
		                      priority, status, api_version, header_override, param_override, pricing_region)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	status := ch.Status
	if status == 0 {
		status = models.StatusEnabled
	}
	group := ch.Group
	if group == "" {
		group = "default"
	}

	var id int64
	err := db.queryRow(ctx, query,
		ch.Type, ch.Name, ch.Key, ch.BaseURL, ch.Models, group, ch.Weight,
		ch.Priority, status, nullString(ch.APIVersion), nullString(ch.HeaderOverride),
		nullString(ch.ParamOverride), nullString(ch.PricingRegion),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create channel: %w", err)
	}
	ch.ID = id
	return id, nil
}

// UpdateChannelAPIVersion rewrites the stored api_version of a channel.
func (db *DB) UpdateChannelAPIVersion(ctx context.Context, id int64, version string) error {
	res, err := db.exec(ctx, `UPDATE channels SET api_version = ? WHERE id = ?`, version, id)
	if err != nil {
		return fmt.Errorf("update channel api_version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d: %w", id, ErrNotFound)
	}
	return nil
}

// EnabledAbilities returns every enabled ability for a (group, model) pair,
// highest priority first.
func (db *DB) EnabledAbilities(ctx context.Context, group, model string) ([]models.Ability, error) {
	query := `
		SELECT group_name, model, channel_id, enabled, priority, weight
		FROM abilities
		WHERE group_name = ? AND model = ? AND enabled = ?
		ORDER BY priority DESC, channel_id ASC
	`

	rows, err := db.query(ctx, query, group, model, true)
	if err != nil {
		return nil, fmt.Errorf("list abilities: %w", err)
	}
	defer rows.Close()

	var out []models.Ability
	for rows.Next() {
		var a models.Ability
		if err := rows.Scan(&a.Group, &a.Model, &a.ChannelID, &a.Enabled, &a.Priority, &a.Weight); err != nil {
			return nil, fmt.Errorf("scan ability: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAbility inserts or replaces a routing row.
func (db *DB) UpsertAbility(ctx context.Context, a models.Ability) error {
	query := `
		INSERT INTO abilities (group_name, model, channel_id, enabled, priority, weight)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_name, model, channel_id) DO UPDATE SET
			enabled = excluded.enabled,
			priority = excluded.priority,
			weight = excluded.weight
	`
	if _, err := db.exec(ctx, query, a.Group, a.Model, a.ChannelID, a.Enabled, a.Priority, a.Weight); err != nil {
		return fmt.Errorf("upsert ability: %w", err)
	}
	return nil
}
