package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// BranchRepository persists the branch forest and completed merge/
// cherry-pick history (C5, §4.5).
type BranchRepository struct {
	pool *pgxpool.Pool
}

// NewBranchRepository constructs a BranchRepository backed by pool.
func NewBranchRepository(pool *pgxpool.Pool) *BranchRepository {
	return &BranchRepository{pool: pool}
}

// Insert creates a new branch row.
func (r *BranchRepository) Insert(ctx context.Context, tx pgx.Tx, b *domain.Branch) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		INSERT INTO branches (id, campaign_id, name, parent_id, diverged_at, is_pinned, color, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.CampaignID, b.Name, b.ParentID, b.DivergedAt, b.IsPinned, b.Color, b.Tags)
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

// Get returns the branch with id, including soft-deleted ones (callers
// distinguish via Branch.State()).
func (r *BranchRepository) Get(ctx context.Context, id string) (*domain.Branch, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, parent_id, diverged_at, is_pinned, color, tags, created_at, deleted_at
		FROM branches WHERE id = $1
	`, id)
	b, err := scanBranch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query branch: %w", err)
	}
	return b, nil
}

// ListByCampaign returns every non-deleted branch in campaignID.
func (r *BranchRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*domain.Branch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, campaign_id, name, parent_id, diverged_at, is_pinned, color, tags, created_at, deleted_at
		FROM branches WHERE campaign_id = $1 AND deleted_at IS NULL
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query branches by campaign: %w", err)
	}
	defer rows.Close()

	var out []*domain.Branch
	for rows.Next() {
		b, err := scanBranchRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Update persists mutable branch fields (name, pin state, color, tags).
func (r *BranchRepository) Update(ctx context.Context, b *domain.Branch) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE branches SET name = $1, is_pinned = $2, color = $3, tags = $4, updated_at = now()
		WHERE id = $5
	`, b.Name, b.IsPinned, b.Color, b.Tags, b.ID)
	if err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	return nil
}

// SoftDelete marks a branch deleted (§4.5 edge case: archived branches are
// never hard-deleted so merge history stays resolvable).
func (r *BranchRepository) SoftDelete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE branches SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete branch: %w", err)
	}
	return nil
}

// InsertMergeHistory records a completed merge or cherry-pick.
func (r *BranchRepository) InsertMergeHistory(ctx context.Context, tx pgx.Tx, m *domain.MergeHistory) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		INSERT INTO merge_history_records (
			id, source_branch_id, target_branch_id, common_ancestor_id, world_time,
			merged_by, conflicts_count, entities_merged, resolutions_data, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		m.ID, m.SourceBranchID, m.TargetBranchID, m.CommonAncestorID, m.WorldTime,
		m.MergedBy, m.ConflictsCount, m.EntitiesMerged, m.ResolutionsData, toJSONB(m.Metadata),
	)
	if err != nil {
		return fmt.Errorf("insert merge history: %w", err)
	}
	return nil
}

// ListMergeHistory returns every merge recorded between sourceBranchID and
// targetBranchID, most recent first -- used for the idempotent re-merge
// guard (SPEC_FULL supplemented feature).
func (r *BranchRepository) ListMergeHistory(ctx context.Context, sourceBranchID, targetBranchID string) ([]*domain.MergeHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_branch_id, target_branch_id, common_ancestor_id, world_time,
		       merged_by, conflicts_count, entities_merged, resolutions_data, metadata, created_at
		FROM merge_history_records
		WHERE source_branch_id = $1 AND target_branch_id = $2
		ORDER BY created_at DESC
	`, sourceBranchID, targetBranchID)
	if err != nil {
		return nil, fmt.Errorf("query merge history: %w", err)
	}
	defer rows.Close()

	var out []*domain.MergeHistory
	for rows.Next() {
		var m domain.MergeHistory
		if err := rows.Scan(
			&m.ID, &m.SourceBranchID, &m.TargetBranchID, &m.CommonAncestorID, &m.WorldTime,
			&m.MergedBy, &m.ConflictsCount, &m.EntitiesMerged, &m.ResolutionsData, &m.Metadata, &m.MergedAt,
		); err != nil {
			return nil, fmt.Errorf("scan merge history row: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ListMergeHistoryForBranch returns every merge or cherry-pick where
// branchID was either the source or the target, newest first.
func (r *BranchRepository) ListMergeHistoryForBranch(ctx context.Context, branchID string) ([]*domain.MergeHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_branch_id, target_branch_id, common_ancestor_id, world_time,
		       merged_by, conflicts_count, entities_merged, resolutions_data, metadata, created_at
		FROM merge_history_records
		WHERE source_branch_id = $1 OR target_branch_id = $1
		ORDER BY created_at DESC
	`, branchID)
	if err != nil {
		return nil, fmt.Errorf("query merge history for branch: %w", err)
	}
	defer rows.Close()

	var out []*domain.MergeHistory
	for rows.Next() {
		var m domain.MergeHistory
		if err := rows.Scan(
			&m.ID, &m.SourceBranchID, &m.TargetBranchID, &m.CommonAncestorID, &m.WorldTime,
			&m.MergedBy, &m.ConflictsCount, &m.EntitiesMerged, &m.ResolutionsData, &m.Metadata, &m.MergedAt,
		); err != nil {
			return nil, fmt.Errorf("scan merge history row: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanBranch(row pgx.Row) (*domain.Branch, error) {
	return scanBranchRow(row)
}

func scanBranchRow(row rowScanner) (*domain.Branch, error) {
	var b domain.Branch
	if err := row.Scan(
		&b.ID, &b.CampaignID, &b.Name, &b.ParentID, &b.DivergedAt,
		&b.IsPinned, &b.Color, &b.Tags, &b.CreatedAt, &b.DeletedAt,
	); err != nil {
		return nil, err
	}
	return &b, nil
}
