package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const protocolConfigColumns = `id, channel_type, api_version, is_default, chat_endpoint, embed_endpoint,
		       models_endpoint, request_mapping, response_mapping, detection_rules`

func scanProtocolConfig(row *sql.Row) (*models.ProtocolConfig, error) {
	var (
		c                          models.ProtocolConfig
		chat, embed, list          sql.NullString
		reqMap, respMap, detection sql.NullString
	)
	err := row.Scan(&c.ID, &c.ChannelType, &c.APIVersion, &c.IsDefault, &chat, &embed,
		&list, &reqMap, &respMap, &detection)
	if err != nil {
		return nil, err
	}
	c.ChatEndpoint = chat.String
	c.EmbedEndpoint = embed.String
	c.ModelsEndpoint = list.String
	c.RequestMapping = reqMap.String
	c.ResponseMapping = respMap.String
	c.DetectionRules = detection.String
	return &c, nil
}

// GetProtocolConfig retrieves the config for a channel type and API version.
func (db *DB) GetProtocolConfig(ctx context.Context, channelType int, apiVersion string) (*models.ProtocolConfig, error) {
	query := `SELECT ` + protocolConfigColumns + ` FROM protocol_configs WHERE channel_type = ? AND api_version = ?`

	c, err := scanProtocolConfig(db.queryRow(ctx, query, channelType, apiVersion))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("protocol config %d/%s: %w", channelType, apiVersion, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol config: %w", err)
	}
	return c, nil
}

// GetDefaultProtocolConfig retrieves the default config for a channel type.
func (db *DB) GetDefaultProtocolConfig(ctx context.Context, channelType int) (*models.ProtocolConfig, error) {
	query := `SELECT ` + protocolConfigColumns + ` FROM protocol_configs WHERE channel_type = ? AND is_default = ?`

	c, err := scanProtocolConfig(db.queryRow(ctx, query, channelType, true))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("default protocol config %d: %w", channelType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get default protocol config: %w", err)
	}
	return c, nil
}

// UpsertProtocolConfig inserts or replaces a config. Marking it default
// clears the flag on every other config of the same channel type.
func (db *DB) UpsertProtocolConfig(ctx context.Context, c models.ProtocolConfig) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert protocol config: %w", err)
	}
	defer tx.Rollback()

	if c.IsDefault {
		clearDefault := db.rebind(`UPDATE protocol_configs SET is_default = ? WHERE channel_type = ? AND api_version <> ?`)
		if _, err := tx.ExecContext(ctx, clearDefault, false, c.ChannelType, c.APIVersion); err != nil {
			return fmt.Errorf("clear default protocol config: %w", err)
		}
	}

	query := db.rebind(`
		INSERT INTO protocol_configs (channel_type, api_version, is_default, chat_endpoint, embed_endpoint,
		                              models_endpoint, request_mapping, response_mapping, detection_rules)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_type, api_version) DO UPDATE SET
			is_default = excluded.is_default,
			chat_endpoint = excluded.chat_endpoint,
			embed_endpoint = excluded.embed_endpoint,
			models_endpoint = excluded.models_endpoint,
			request_mapping = excluded.request_mapping,
			response_mapping = excluded.response_mapping,
			detection_rules = excluded.detection_rules
	`)
	_, err = tx.ExecContext(ctx, query,
		c.ChannelType, c.APIVersion, c.IsDefault, nullString(c.ChatEndpoint), nullString(c.EmbedEndpoint),
		nullString(c.ModelsEndpoint), nullString(c.RequestMapping), nullString(c.ResponseMapping),
		nullString(c.DetectionRules),
	)
	if err != nil {
		return fmt.Errorf("upsert protocol config: %w", err)
	}
	return tx.Commit()
}
