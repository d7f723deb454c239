package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// EntityRepository persists the generic entity table shared by every
// versionable entity type and by LOCATION (C4).
type EntityRepository struct {
	pool *pgxpool.Pool
}

// NewEntityRepository constructs an EntityRepository backed by pool.
func NewEntityRepository(pool *pgxpool.Pool) *EntityRepository {
	return &EntityRepository{pool: pool}
}

// Insert creates a new entity row.
func (r *EntityRepository) Insert(ctx context.Context, tx pgx.Tx, e *domain.Entity) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		INSERT INTO entities (
			id, entity_type, campaign_id, world_id, parent_id,
			fields, variables, version, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.ID, string(e.Type), nullableString(e.CampaignID), nullableString(e.WorldID),
		e.ParentID, toJSONB(e.Fields), toJSONB(e.Variables), e.Version, e.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing entity row, bumping
// version to newVersion only if the row's current version matches
// expectedVersion (optimistic concurrency, §3 invariant 5).
func (r *EntityRepository) Update(ctx context.Context, tx pgx.Tx, e *domain.Entity, expectedVersion, newVersion int64) (bool, error) {
	q := querier(r.pool, tx)
	tag, err := q.Exec(ctx, `
		UPDATE entities
		SET fields = $1, variables = $2, version = $3, archived_at = $4, updated_at = now()
		WHERE id = $5 AND version = $6
	`, toJSONB(e.Fields), toJSONB(e.Variables), newVersion, e.ArchivedAt, e.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update entity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the entity with id, or nil if it does not exist or is
// soft-deleted.
func (r *EntityRepository) Get(ctx context.Context, id string) (*domain.Entity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, campaign_id, world_id, parent_id, fields, variables,
		       version, archived_at, created_at, updated_at, deleted_at
		FROM entities
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entity: %w", err)
	}
	return e, nil
}

// ListByParent returns the live children of parentID with the given type.
func (r *EntityRepository) ListByParent(ctx context.Context, entityType domain.EntityType, parentID string) ([]*domain.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, campaign_id, world_id, parent_id, fields, variables,
		       version, archived_at, created_at, updated_at, deleted_at
		FROM entities
		WHERE entity_type = $1 AND parent_id = $2 AND deleted_at IS NULL
	`, string(entityType), parentID)
	if err != nil {
		return nil, fmt.Errorf("query entities by parent: %w", err)
	}
	defer rows.Close()

	var out []*domain.Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SoftDelete marks an entity deleted without removing its row, preserving
// version history for bitemporal queries.
func (r *EntityRepository) SoftDelete(ctx context.Context, tx pgx.Tx, id string) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `UPDATE entities SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete entity: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row) (*domain.Entity, error) {
	return scanEntityRow(row)
}

func scanEntityRow(row rowScanner) (*domain.Entity, error) {
	var e domain.Entity
	var entityType string
	var campaignID, worldID *string
	var fields, variables map[string]any
	if err := row.Scan(
		&e.ID, &entityType, &campaignID, &worldID, &e.ParentID,
		&fields, &variables, &e.Version, &e.ArchivedAt,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	); err != nil {
		return nil, err
	}
	e.Type = domain.EntityType(entityType)
	if campaignID != nil {
		e.CampaignID = *campaignID
	}
	if worldID != nil {
		e.WorldID = *worldID
	}
	e.Fields = fields
	e.Variables = variables
	return &e, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// toJSONB passes a map through unchanged; pgx encodes map[string]any into
// JSONB columns natively via its built-in JSON codec.
func toJSONB(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
