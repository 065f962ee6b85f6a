package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// GetToken retrieves a token by its raw key value
func (db *DB) GetToken(ctx context.Context, key string) (*models.Token, error) {
	query := `
		SELECT id, token_key, user_id, name, group_name, status, quota_limit, used_quota,
		       expired_time, rate_limit
		FROM tokens
		WHERE token_key = ?
	`

	var t models.Token
	err := db.queryRow(ctx, query, key).Scan(
		&t.ID,
		&t.Key,
		&t.UserID,
		&t.Name,
		&t.Group,
		&t.Status,
		&t.QuotaLimit,
		&t.UsedQuota,
		&t.ExpiredTime,
		&t.RateLimit,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// GetTokenByID retrieves a token by id.
func (db *DB) GetTokenByID(ctx context.Context, id int64) (*models.Token, error) {
	var key string
	err := db.queryRow(ctx, `SELECT token_key FROM tokens WHERE id = ?`, id).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return db.GetToken(ctx, key)
}

// CreateToken inserts a token and returns its id.
func (db *DB) CreateToken(ctx context.Context, t *models.Token) (int64, error) {
	query := `
		INSERT INTO tokens (token_key, user_id, name, group_name, status, quota_limit,
		                    used_quota, expired_time, rate_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	status := t.Status
	if status == 0 {
		status = models.StatusEnabled
	}
	group := t.Group
	if group == "" {
		group = "default"
	}

	var id int64
	err := db.queryRow(ctx, query,
		t.Key, t.UserID, t.Name, group, status, t.QuotaLimit, t.UsedQuota, t.ExpiredTime, t.RateLimit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create token: %w", err)
	}
	t.ID = id
	return id, nil
}

// DeductQuota adds delta to a token's used quota in a single conditional
// write. It reports false, with no error, when the deduction would push a
// bounded token past its limit.
func (db *DB) DeductQuota(ctx context.Context, tokenID int64, delta int64) (bool, error) {
	if delta < 0 {
		return false, fmt.Errorf("deduct quota: negative delta %d", delta)
	}

	query := `
		UPDATE tokens
		SET used_quota = used_quota + ?
		WHERE id = ? AND (quota_limit = -1 OR used_quota + ? <= quota_limit)
	`
	res, err := db.exec(ctx, query, delta, tokenID, delta)
	if err != nil {
		return false, fmt.Errorf("deduct quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deduct quota: %w", err)
	}
	return n == 1, nil
}
