package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Runtime state that must survive restarts lives in deployment_config.
// Scheduler jobs key their last-run watermark here, which is what makes
// duplicate firings idempotent at the advance step.

// GetConfigValue reads one key. Missing keys return ErrNotFound.
func (db *DB) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM deployment_config WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get config value: %w", err)
	}
	return value, nil
}

// SetConfigValue upserts one key.
func (db *DB) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO deployment_config (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("storage: set config value: %w", err)
	}
	return nil
}
