package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/domain"
)

// CampaignRepository persists campaigns and campaign memberships, the
// rows C12's access checks query (§4.12).
type CampaignRepository struct {
	pool *pgxpool.Pool
}

// NewCampaignRepository constructs a CampaignRepository backed by pool.
func NewCampaignRepository(pool *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{pool: pool}
}

// Insert creates a new campaign row.
func (r *CampaignRepository) Insert(ctx context.Context, c *domain.Campaign) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, world_id, owner_id, current_world_time, archived_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.WorldID, c.OwnerID, c.CurrentWorldTime, c.ArchivedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// Get returns the campaign with id, or nil if not found or soft-deleted.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, world_id, owner_id, current_world_time, archived_at, created_at, updated_at, deleted_at
		FROM campaigns WHERE id = $1 AND deleted_at IS NULL
	`, id)
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.WorldID, &c.OwnerID, &c.CurrentWorldTime, &c.ArchivedAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return &c, nil
}

// SetCurrentWorldTime advances the campaign's current world time (C10,
// §3 invariant: world time is monotonic non-decreasing per campaign).
func (r *CampaignRepository) SetCurrentWorldTime(ctx context.Context, tx pgx.Tx, campaignID string, worldTime int64) error {
	q := querier(r.pool, tx)
	_, err := q.Exec(ctx, `
		UPDATE campaigns SET current_world_time = $1, updated_at = now() WHERE id = $2
	`, worldTime, campaignID)
	if err != nil {
		return fmt.Errorf("advance world time: %w", err)
	}
	return nil
}

// UpsertMembership creates or updates a user's role within a campaign.
func (r *CampaignRepository) UpsertMembership(ctx context.Context, id, campaignID, userID string, role domain.Role) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO memberships (id, campaign_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()
	`, id, campaignID, userID, string(role))
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// MembershipRole returns the role userID holds in campaignID, or
// ("", false) if the user is not a member.
func (r *CampaignRepository) MembershipRole(ctx context.Context, campaignID, userID string) (domain.Role, bool, error) {
	var role string
	err := r.pool.QueryRow(ctx, `
		SELECT role FROM memberships WHERE campaign_id = $1 AND user_id = $2
	`, campaignID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query membership role: %w", err)
	}
	return domain.Role(role), true, nil
}
