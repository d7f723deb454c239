// Package repository holds hand-written pgx repositories for the tables
// described in internal/storage/schema. There is no generated client:
// each repository is a thin, explicit SQL layer over the shared pgxpool.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// VersionRepository persists the bitemporal version log (C3, §4.3).
type VersionRepository struct {
	pool *pgxpool.Pool
}

// NewVersionRepository constructs a VersionRepository backed by pool.
func NewVersionRepository(pool *pgxpool.Pool) *VersionRepository {
	return &VersionRepository{pool: pool}
}

// Insert appends a new version row. Callers are responsible for closing
// the previous open tail (CloseTail) within the same transaction.
func (r *VersionRepository) Insert(ctx context.Context, tx pgx.Tx, v *domain.VersionRecord) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		INSERT INTO version_records (
			id, entity_type, entity_id, branch_id, version,
			valid_from, valid_to, payload_gz, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		v.ID, string(v.EntityType), v.EntityID, v.BranchID, v.Version,
		v.ValidFrom, v.ValidTo, v.Payload, v.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert version record: %w", err)
	}
	return nil
}

// CloseTail sets valid_to on the currently open-tailed record for
// (entityType, entityID, branchID), if one exists.
func (r *VersionRepository) CloseTail(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validTo int64) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		UPDATE version_records
		SET valid_to = $1
		WHERE entity_type = $2 AND entity_id = $3 AND branch_id = $4 AND valid_to IS NULL
	`, validTo, string(entityType), entityID, branchID)
	if err != nil {
		return fmt.Errorf("close version tail: %w", err)
	}
	return nil
}

// OpenTail returns the currently open-tailed version record on branchID,
// or nil if none exists.
func (r *VersionRepository) OpenTail(ctx context.Context, entityType domain.EntityType, entityID, branchID string) (*domain.VersionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload_gz, created_by, created_at
		FROM version_records
		WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3 AND valid_to IS NULL
	`, string(entityType), entityID, branchID)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open tail: %w", err)
	}
	return v, nil
}

// AtWorldTime returns the version record on branchID whose validity
// interval contains worldTime, or nil if none covers it.
func (r *VersionRepository) AtWorldTime(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload_gz, created_by, created_at
		FROM version_records
		WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3
		  AND valid_from <= $4 AND (valid_to IS NULL OR valid_to > $4)
	`, string(entityType), entityID, branchID, worldTime)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query version at world time: %w", err)
	}
	return v, nil
}

// GetByID returns the version record with id, or nil if none exists. Used
// by cherry-pick to look up its source version directly.
func (r *VersionRepository) GetByID(ctx context.Context, id string) (*domain.VersionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload_gz, created_by, created_at
		FROM version_records
		WHERE id = $1
	`, id)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query version by id: %w", err)
	}
	return v, nil
}

// ListEntityIDsAtWorldTime returns the distinct union of entity IDs of
// entityType with a version record visible at worldTime on any of
// branchIDs. Used by merge preview/execution (§4.5) to build the set of
// entities a merge between two branches might touch: the caller passes
// the source, target, and common-ancestor branch IDs together so a
// single query yields the full candidate set.
func (r *VersionRepository) ListEntityIDsAtWorldTime(ctx context.Context, entityType domain.EntityType, branchIDs []string, worldTime int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT entity_id
		FROM version_records
		WHERE entity_type = $1 AND branch_id = ANY($2)
		  AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
	`, string(entityType), branchIDs, worldTime)
	if err != nil {
		return nil, fmt.Errorf("query entity ids at world time: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetVersionsForBranchAndType returns every version record of entityType on
// branchID visible at worldTime, one per entity (§4.3's
// getVersionsForBranchAndType). Unlike ListEntityIDsAtWorldTime this does
// not search multiple branches and returns full records, not bare IDs.
func (r *VersionRepository) GetVersionsForBranchAndType(ctx context.Context, branchID string, entityType domain.EntityType, worldTime int64) ([]*domain.VersionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload_gz, created_by, created_at
		FROM version_records
		WHERE entity_type = $1 AND branch_id = $2
		  AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
		ORDER BY entity_id ASC
	`, string(entityType), branchID, worldTime)
	if err != nil {
		return nil, fmt.Errorf("query versions for branch and type: %w", err)
	}
	defer rows.Close()

	var out []*domain.VersionRecord
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version for branch and type row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// History returns every version record for (entityType, entityID, branchID),
// ordered by valid_from ascending.
func (r *VersionRepository) History(ctx context.Context, entityType domain.EntityType, entityID, branchID string) ([]*domain.VersionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, branch_id, version, valid_from, valid_to, payload_gz, created_by, created_at
		FROM version_records
		WHERE entity_type = $1 AND entity_id = $2 AND branch_id = $3
		ORDER BY valid_from ASC
	`, string(entityType), entityID, branchID)
	if err != nil {
		return nil, fmt.Errorf("query version history: %w", err)
	}
	defer rows.Close()

	var out []*domain.VersionRecord
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version history row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row pgx.Row) (*domain.VersionRecord, error) {
	return scanVersionRow(row)
}

func scanVersionRow(row rowScanner) (*domain.VersionRecord, error) {
	var v domain.VersionRecord
	var entityType string
	if err := row.Scan(
		&v.ID, &entityType, &v.EntityID, &v.BranchID, &v.Version,
		&v.ValidFrom, &v.ValidTo, &v.Payload, &v.CreatedBy, &v.CreatedAt,
	); err != nil {
		return nil, err
	}
	v.EntityType = domain.EntityType(entityType)
	return &v, nil
}

// querier abstracts over *pgxpool.Pool and pgx.Tx so repository methods can
// run either standalone or inside a caller-managed transaction.
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

func querier(pool *pgxpool.Pool, tx pgx.Tx) execQuerier {
	if tx != nil {
		return tx
	}
	return pool
}
