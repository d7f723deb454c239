// Package worldtime implements the World-Time Service (C10): advancing a
// campaign's shared world clock, the default `worldTime` every Entity
// Store write falls back to when the caller doesn't supply one.
package worldtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/eventbus"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// CampaignRepository reads and advances a campaign's world clock.
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	SetCurrentWorldTime(ctx context.Context, tx pgx.Tx, campaignID string, worldTime int64) error
}

// AccessChecker enforces campaign membership.
type AccessChecker interface {
	CheckCampaignAccess(ctx context.Context, campaignID, userID string) error
}

// EventPublisher publishes worldtime.changed events.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any)
}

// CacheInvalidator drops cached dependency graphs for a campaign.
type CacheInvalidator interface {
	InvalidateGraph(campaignID string)
}

// Transactor opens a transaction.
type Transactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service advances campaign world time.
type Service struct {
	pool      Transactor
	campaigns CampaignRepository
	access    AccessChecker
	bus       EventPublisher
	depgraph  CacheInvalidator
}

// New constructs a Service. depgraph may be nil if cache invalidation is
// handled by a caller instead.
func New(pool Transactor, campaigns CampaignRepository, access AccessChecker, bus EventPublisher, depgraph CacheInvalidator) *Service {
	return &Service{pool: pool, campaigns: campaigns, access: access, bus: bus, depgraph: depgraph}
}

// AdvanceInput is Advance's request shape.
type AdvanceInput struct {
	To              int64
	BranchID        *string
	InvalidateCache bool
	AllowRewind     bool // explicit caller override to move world time backward
}

// Advance validates monotonicity, updates Campaign.currentWorldTime inside
// one transaction, optionally drops the dependency-graph cache, and
// publishes worldtime.changed after commit.
func (s *Service) Advance(ctx context.Context, campaignID string, in AdvanceInput, userID string) (*domain.Campaign, error) {
	if err := s.access.CheckCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}

	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if campaign == nil || campaign.DeletedAt != nil {
		return nil, domainerrors.NotFound(domainerrors.CodeEntityNotFound, "campaign not found")
	}
	if campaign.CurrentWorldTime != nil && in.To <= *campaign.CurrentWorldTime && !in.AllowRewind {
		return nil, domainerrors.BadRequest(domainerrors.CodeTimeRegression,
			fmt.Sprintf("new world time %d does not advance past current %d", in.To, *campaign.CurrentWorldTime))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.campaigns.SetCurrentWorldTime(ctx, tx, campaignID, in.To); err != nil {
		return nil, fmt.Errorf("set current world time: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	to := in.To
	campaign.CurrentWorldTime = &to

	if in.InvalidateCache && s.depgraph != nil {
		s.depgraph.InvalidateGraph(campaignID)
	}

	payload := map[string]any{"campaignId": campaignID, "to": in.To}
	if in.BranchID != nil {
		payload["branchId"] = *in.BranchID
	}
	s.bus.Publish(ctx, eventbus.TopicWorldTimeChanged, payload)

	return campaign, nil
}

// ResolveWorldTime returns the worldTime an Entity Store write should use
// when the caller supplies none: the campaign's currentWorldTime, falling
// back to wall-clock now (as a Unix timestamp) if that too is unset.
func ResolveWorldTime(campaign *domain.Campaign, explicit *int64, nowUnix int64) int64 {
	if explicit != nil {
		return *explicit
	}
	if campaign != nil && campaign.CurrentWorldTime != nil {
		return *campaign.CurrentWorldTime
	}
	return nowUnix
}
