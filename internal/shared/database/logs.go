package database

import (
	"context"
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			request_id, token_id, channel_id, model, endpoint, prompt_tokens, completion_tokens,
			cache_read_tokens, cache_creation_tokens, cost_nano, currency, latency_ms,
			status_code, passthrough, failover_used, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.exec(ctx,
		query,
		log.RequestID,
		log.TokenID,
		log.ChannelID,
		log.Model,
		log.Endpoint,
		log.PromptTokens,
		log.CompletionTokens,
		log.CacheReadTokens,
		log.CacheCreationTokens,
		log.CostNano,
		log.Currency,
		log.LatencyMs,
		log.StatusCode,
		log.Passthrough,
		log.FailoverUsed,
		log.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("log request: %w", err)
	}
	return nil
}

// RecentLogs returns the newest request logs for a token.
func (db *DB) RecentLogs(ctx context.Context, tokenID int64, limit int) ([]models.GatewayLog, error) {
	query := `
		SELECT id, request_id, token_id, channel_id, model, endpoint, prompt_tokens, completion_tokens,
		       cache_read_tokens, cache_creation_tokens, cost_nano, currency, latency_ms,
		       status_code, passthrough, failover_used, error_message
		FROM gateway_logs
		WHERE token_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := db.query(ctx, query, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	defer rows.Close()

	var out []models.GatewayLog
	for rows.Next() {
		var l models.GatewayLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.TokenID, &l.ChannelID, &l.Model, &l.Endpoint,
			&l.PromptTokens, &l.CompletionTokens, &l.CacheReadTokens, &l.CacheCreationTokens,
			&l.CostNano, &l.Currency, &l.LatencyMs, &l.StatusCode, &l.Passthrough, &l.FailoverUsed,
			&l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
