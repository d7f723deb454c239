package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// AuditRepository appends to the audit log (C2). It implements
// internal/audit.Repository.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository constructs an AuditRepository backed by pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Insert appends entry. Never called with entry == nil.
func (r *AuditRepository) Insert(ctx context.Context, entry *domain.AuditEntry) error {
	var diff map[string]any
	if entry.Diff != nil {
		diff = map[string]any{
			"added":    entry.Diff.Added,
			"modified": entry.Diff.Modified,
			"removed":  entry.Diff.Removed,
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_entry_records (
			id, entity_type, entity_id, operation, user_id,
			changes, metadata, previous_state, new_state, diff, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID, string(entry.EntityType), entry.EntityID, string(entry.Operation), entry.UserID,
		toJSONB(entry.Changes), toJSONB(entry.Metadata), entry.PreviousState, entry.NewState, diff, entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// History returns every audit entry for (entityType, entityID), most
// recent first.
func (r *AuditRepository) History(ctx context.Context, entityType domain.EntityType, entityID string) ([]*domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, operation, user_id, changes, metadata,
		       previous_state, new_state, reason, created_at
		FROM audit_entry_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
	`, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var entityTypeStr, op string
		if err := rows.Scan(
			&e.ID, &entityTypeStr, &e.EntityID, &op, &e.UserID, &e.Changes, &e.Metadata,
			&e.PreviousState, &e.NewState, &e.Reason, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry row: %w", err)
		}
		e.EntityType = domain.EntityType(entityTypeStr)
		e.Operation = domain.AuditOperation(op)
		out = append(out, &e)
	}
	return out, rows.Err()
}
