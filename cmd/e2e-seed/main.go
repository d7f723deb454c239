// Package main seeds deterministic fixtures for live end-to-end tests: a
// campaign, its root branch, an owner membership, a kingdom, and a party.
// The two entities go through the entity store's create/version/audit
// pipeline rather than being written as rows directly.
//
// This command is test-environment only and is intentionally idempotent.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/app/modules"
	"campaignstate.io/core/internal/config"
	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/entitystore"
	"campaignstate.io/core/internal/pkg/logger"
	"campaignstate.io/core/internal/repository"
)

type fixtureConfig struct {
	CampaignID string
	OwnerID    string
	WorldID    string
	KingdomID  string
	PartyID    string
}

func loadFixtureConfig() fixtureConfig {
	return fixtureConfig{
		CampaignID: envOrDefault("E2E_CAMPAIGN_ID", "campaign-e2e"),
		OwnerID:    envOrDefault("E2E_OWNER_ID", "user-e2e-owner"),
		WorldID:    envOrDefault("E2E_WORLD_ID", "world-e2e"),
		KingdomID:  envOrDefault("E2E_KINGDOM_ID", "kingdom-e2e"),
		PartyID:    envOrDefault("E2E_PARTY_ID", "party-e2e"),
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "e2e-seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer infra.Close()

	fx := loadFixtureConfig()
	branchID := "branch-" + fx.CampaignID + "-root"

	campaignRepo := repository.NewCampaignRepository(infra.Pool)
	branchRepo := repository.NewBranchRepository(infra.Pool)

	if err := ensureCampaign(ctx, campaignRepo, fx); err != nil {
		return fmt.Errorf("ensure campaign: %w", err)
	}
	if err := ensureRootBranch(ctx, infra.Pool, branchRepo, fx.CampaignID, branchID); err != nil {
		return fmt.Errorf("ensure root branch: %w", err)
	}
	if err := campaignRepo.UpsertMembership(ctx, "membership-"+fx.CampaignID+"-"+fx.OwnerID, fx.CampaignID, fx.OwnerID, domain.RoleOwner); err != nil {
		return fmt.Errorf("ensure owner membership: %w", err)
	}

	if err := ensureKingdom(ctx, infra.Entities, fx, branchID); err != nil {
		return fmt.Errorf("ensure kingdom: %w", err)
	}
	if err := ensureParty(ctx, infra.Entities, fx, branchID); err != nil {
		return fmt.Errorf("ensure party: %w", err)
	}

	fmt.Printf("e2e fixtures ready (campaign=%s kingdom=%s party=%s)\n", fx.CampaignID, fx.KingdomID, fx.PartyID)
	return nil
}

func ensureCampaign(ctx context.Context, repo *repository.CampaignRepository, fx fixtureConfig) error {
	existing, err := repo.Get(ctx, fx.CampaignID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Campaign already exists, skipping", zap.String("campaign_id", fx.CampaignID))
		return nil
	}
	zero := int64(0)
	if err := repo.Insert(ctx, &domain.Campaign{
		ID:               fx.CampaignID,
		WorldID:          fx.WorldID,
		OwnerID:          fx.OwnerID,
		CurrentWorldTime: &zero,
	}); err != nil {
		return err
	}
	logger.Info("Seeded campaign", zap.String("campaign_id", fx.CampaignID))
	return nil
}

func ensureRootBranch(ctx context.Context, pool *pgxpool.Pool, branchRepo *repository.BranchRepository, campaignID, branchID string) error {
	existing, err := branchRepo.Get(ctx, branchID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Root branch already exists, skipping", zap.String("branch_id", branchID))
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := branchRepo.Insert(ctx, tx, &domain.Branch{ID: branchID, CampaignID: campaignID, Name: "main"}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	logger.Info("Seeded root branch", zap.String("branch_id", branchID))
	return nil
}

func ensureKingdom(ctx context.Context, entities *entitystore.Store, fx fixtureConfig, branchID string) error {
	existing, err := entities.FindByID(ctx, fx.KingdomID, fx.OwnerID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Kingdom already exists, skipping", zap.String("entity_id", fx.KingdomID))
		return nil
	}

	_, err = entities.Create(ctx, entitystore.CreateInput{
		ID:         fx.KingdomID,
		Type:       domain.EntityKingdom,
		CampaignID: fx.CampaignID,
		BranchID:   branchID,
		Fields: map[string]any{
			"name":       "Ashford Kingdom",
			"population": 1000,
		},
	}, fx.OwnerID)
	if err != nil {
		return err
	}
	logger.Info("Seeded kingdom", zap.String("entity_id", fx.KingdomID))
	return nil
}

func ensureParty(ctx context.Context, entities *entitystore.Store, fx fixtureConfig, branchID string) error {
	existing, err := entities.FindByID(ctx, fx.PartyID, fx.OwnerID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Party already exists, skipping", zap.String("entity_id", fx.PartyID))
		return nil
	}

	kingdomID := fx.KingdomID
	_, err = entities.Create(ctx, entitystore.CreateInput{
		ID:         fx.PartyID,
		Type:       domain.EntityParty,
		CampaignID: fx.CampaignID,
		ParentID:   &kingdomID,
		BranchID:   branchID,
		Fields: map[string]any{
			"name":    "The Wayfarers",
			"members": 4,
		},
	}, fx.OwnerID)
	if err != nil {
		return err
	}
	logger.Info("Seeded party", zap.String("entity_id", fx.PartyID))
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
