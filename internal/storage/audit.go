package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertAudit appends one admin-action audit row. Best effort from the
// caller's perspective; failures are surfaced but never roll back the
// action they describe.
func (db *DB) InsertAudit(ctx context.Context, orgID *uuid.UUID, actor, action, target string, detail map[string]any) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (org_id, actor, action, target, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		orgID, actor, action, target, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}
