package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// StateVariableRepository persists state variables (C9, §3). Uniqueness
// of (scope, scope_id, key) holds only among live (non-deleted) rows --
// enforced by the partial index in the schema migration.
type StateVariableRepository struct {
	pool *pgxpool.Pool
}

// NewStateVariableRepository constructs a StateVariableRepository backed
// by pool.
func NewStateVariableRepository(pool *pgxpool.Pool) *StateVariableRepository {
	return &StateVariableRepository{pool: pool}
}

// Insert creates a new state variable row.
func (r *StateVariableRepository) Insert(ctx context.Context, tx pgx.Tx, v *domain.StateVariable) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		INSERT INTO state_variable_records (
			id, scope, scope_id, key, type, value, formula,
			description, is_active, version, created_by, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		v.ID, string(v.Scope), v.ScopeID, v.Key, string(v.Type), valueToJSON(v.Value), toJSONB(v.Formula),
		v.Description, v.IsActive, v.Version, v.CreatedBy, v.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert state variable: %w", err)
	}
	return nil
}

// Update overwrites a state variable's mutable fields, enforcing
// optimistic concurrency against expectedVersion (§3 invariant 5).
func (r *StateVariableRepository) Update(ctx context.Context, tx pgx.Tx, v *domain.StateVariable, expectedVersion, newVersion int64) (bool, error) {
	q := querier(r.pool, tx)
	tag, err := q.Exec(ctx, `
		UPDATE state_variable_records
		SET value = $1, formula = $2, description = $3, is_active = $4,
		    version = $5, updated_by = $6, updated_at = now()
		WHERE id = $7 AND version = $8 AND deleted_at IS NULL
	`, valueToJSON(v.Value), toJSONB(v.Formula), v.Description, v.IsActive,
		newVersion, v.UpdatedBy, v.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update state variable: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns the live state variable with id, or nil.
func (r *StateVariableRepository) Get(ctx context.Context, id string) (*domain.StateVariable, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, scope, scope_id, key, type, value, formula, description,
		       is_active, version, created_by, updated_by, created_at, updated_at, deleted_at
		FROM state_variable_records WHERE id = $1 AND deleted_at IS NULL
	`, id)
	v, err := scanStateVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state variable: %w", err)
	}
	return v, nil
}

// GetByScopeKey returns the live state variable at (scope, scopeID, key),
// or nil if unset.
func (r *StateVariableRepository) GetByScopeKey(ctx context.Context, scope domain.Scope, scopeID *string, key string) (*domain.StateVariable, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, scope, scope_id, key, type, value, formula, description,
		       is_active, version, created_by, updated_by, created_at, updated_at, deleted_at
		FROM state_variable_records
		WHERE scope = $1 AND scope_id IS NOT DISTINCT FROM $2 AND key = $3 AND deleted_at IS NULL
	`, string(scope), scopeID, key)
	v, err := scanStateVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state variable by scope key: %w", err)
	}
	return v, nil
}

// ListByScope returns every live state variable at (scope, scopeID).
func (r *StateVariableRepository) ListByScope(ctx context.Context, scope domain.Scope, scopeID *string) ([]*domain.StateVariable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, scope, scope_id, key, type, value, formula, description,
		       is_active, version, created_by, updated_by, created_at, updated_at, deleted_at
		FROM state_variable_records
		WHERE scope = $1 AND scope_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
	`, string(scope), scopeID)
	if err != nil {
		return nil, fmt.Errorf("query state variables by scope: %w", err)
	}
	defer rows.Close()

	var out []*domain.StateVariable
	for rows.Next() {
		v, err := scanStateVariableRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state variable row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListForCampaign returns every live state variable whose scope entity
// belongs to campaignID: CAMPAIGN-scoped variables keyed directly by
// campaignID, plus every entity-scoped variable (PARTY, KINGDOM, ...)
// whose scope entity's campaign_id matches. WORLD-scoped variables are
// shared across campaigns and are not included. Feeds the dependency
// graph (C8), which is built per (campaignId, branchId).
func (r *StateVariableRepository) ListForCampaign(ctx context.Context, campaignID string) ([]*domain.StateVariable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sv.id, sv.scope, sv.scope_id, sv.key, sv.type, sv.value, sv.formula, sv.description,
		       sv.is_active, sv.version, sv.created_by, sv.updated_by, sv.created_at, sv.updated_at, sv.deleted_at
		FROM state_variable_records sv
		LEFT JOIN entities e ON sv.scope_id = e.id
		WHERE sv.deleted_at IS NULL
		  AND (
		    (sv.scope = 'CAMPAIGN' AND sv.scope_id = $1)
		    OR (sv.scope NOT IN ('CAMPAIGN', 'WORLD') AND e.campaign_id = $1)
		  )
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query state variables for campaign: %w", err)
	}
	defer rows.Close()

	var out []*domain.StateVariable
	for rows.Next() {
		v, err := scanStateVariableRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state variable row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SoftDelete marks a state variable deleted, freeing its (scope, scope_id,
// key) for reuse.
func (r *StateVariableRepository) SoftDelete(ctx context.Context, tx pgx.Tx, id string) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `UPDATE state_variable_records SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete state variable: %w", err)
	}
	return nil
}

func scanStateVariable(row pgx.Row) (*domain.StateVariable, error) {
	return scanStateVariableRow(row)
}

func scanStateVariableRow(row rowScanner) (*domain.StateVariable, error) {
	var v domain.StateVariable
	var scope, varType string
	if err := row.Scan(
		&v.ID, &scope, &v.ScopeID, &v.Key, &varType, &v.Value, &v.Formula, &v.Description,
		&v.IsActive, &v.Version, &v.CreatedBy, &v.UpdatedBy, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
	); err != nil {
		return nil, err
	}
	v.Scope = domain.Scope(scope)
	v.Type = domain.VariableType(varType)
	return &v, nil
}

// valueToJSON wraps a scalar/any value for storage in a JSONB column. pgx's
// JSON codec encodes any Go value via encoding/json, so this only needs to
// guard against a nil interface losing its JSON "null" representation.
func valueToJSON(v any) any {
	if v == nil {
		return nil
	}
	return v
}
