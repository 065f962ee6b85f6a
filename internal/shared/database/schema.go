package database

import (
	"context"
	"fmt"
	"strings"
)

const schemaChannels = `
CREATE TABLE IF NOT EXISTS channels (
	id {{id}},
	type INTEGER NOT NULL DEFAULT 1,
	name TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	base_url TEXT NOT NULL DEFAULT '',
	models TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT 'default',
	weight INTEGER NOT NULL DEFAULT 0,
	priority BIGINT NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 1,
	api_version TEXT,
	header_override TEXT,
	param_override TEXT,
	pricing_region TEXT
)`

const schemaAbilities = `
CREATE TABLE IF NOT EXISTS abilities (
	group_name TEXT NOT NULL,
	model TEXT NOT NULL,
	channel_id BIGINT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	priority BIGINT NOT NULL DEFAULT 0,
	weight INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_name, model, channel_id)
)`

const schemaProtocolConfigs = `
CREATE TABLE IF NOT EXISTS protocol_configs (
	id {{id}},
	channel_type INTEGER NOT NULL,
	api_version TEXT NOT NULL,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	chat_endpoint TEXT,
	embed_endpoint TEXT,
	models_endpoint TEXT,
	request_mapping TEXT,
	response_mapping TEXT,
	detection_rules TEXT,
	UNIQUE (channel_type, api_version)
)`

const schemaPrices = `
CREATE TABLE IF NOT EXISTS prices (
	model TEXT PRIMARY KEY,
	input_price BIGINT NOT NULL DEFAULT 0,
	output_price BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'USD',
	alias_for TEXT,
	cache_read_price BIGINT,
	cache_creation_price BIGINT,
	batch_input_price BIGINT,
	batch_output_price BIGINT,
	priority_input_price BIGINT,
	priority_output_price BIGINT,
	audio_input_price BIGINT,
	region TEXT
)`

const schemaTieredPricing = `
CREATE TABLE IF NOT EXISTS tiered_pricing (
	id {{id}},
	model TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	tier_start BIGINT NOT NULL,
	tier_end BIGINT,
	input_price BIGINT NOT NULL,
	output_price BIGINT NOT NULL,
	UNIQUE (model, region, tier_start)
)`

const schemaTokens = `
CREATE TABLE IF NOT EXISTS tokens (
	id {{id}},
	token_key TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT 'default',
	status INTEGER NOT NULL DEFAULT 1,
	quota_limit BIGINT NOT NULL DEFAULT -1,
	used_quota BIGINT NOT NULL DEFAULT 0,
	expired_time BIGINT NOT NULL DEFAULT -1,
	rate_limit INTEGER NOT NULL DEFAULT 0
)`

const schemaExchangeRates = `
CREATE TABLE IF NOT EXISTS exchange_rates (
	from_currency TEXT NOT NULL,
	to_currency TEXT NOT NULL,
	rate DOUBLE PRECISION NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (from_currency, to_currency)
)`

const schemaGatewayLogs = `
CREATE TABLE IF NOT EXISTS gateway_logs (
	id {{id}},
	request_id TEXT NOT NULL,
	token_id BIGINT NOT NULL DEFAULT 0,
	channel_id BIGINT NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	cost_nano BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'USD',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	passthrough BOOLEAN NOT NULL DEFAULT FALSE,
	failover_used BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

var schema = []string{
	schemaChannels,
	schemaAbilities,
	`CREATE INDEX IF NOT EXISTS idx_abilities_lookup ON abilities (group_name, model, enabled, priority)`,
	schemaProtocolConfigs,
	schemaPrices,
	schemaTieredPricing,
	schemaTokens,
	schemaExchangeRates,
	schemaGatewayLogs,
}

// Migrate creates all tables the gateway reads and writes.
func (db *DB) Migrate(ctx context.Context) error {
	id := "BIGSERIAL PRIMARY KEY"
	if db.driver == DriverSQLite {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{id}}", id)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
