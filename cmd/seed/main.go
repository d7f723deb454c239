// Package main seeds the baseline data a fresh campaign-state deployment
// needs: one campaign, its root branch, and an owner membership.
//
// Database and River migrations are expected to run before this command;
// it only performs idempotent data bootstrap.
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
	"campaignstate.io/core/internal/pkg/logger"
	"campaignstate.io/core/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
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

	logger.Info("Starting data seeding...")

	campaignRepo := repository.NewCampaignRepository(infra.Pool)
	branchRepo := repository.NewBranchRepository(infra.Pool)

	campaignID := envOrDefault("SEED_CAMPAIGN_ID", "campaign-default")
	ownerID := envOrDefault("SEED_OWNER_ID", "user-default-owner")

	if err := seedCampaign(ctx, campaignRepo, campaignID, ownerID); err != nil {
		return fmt.Errorf("seed campaign: %w", err)
	}
	if err := seedRootBranch(ctx, infra.Pool, branchRepo, campaignID); err != nil {
		return fmt.Errorf("seed root branch: %w", err)
	}
	if err := seedOwnerMembership(ctx, campaignRepo, campaignID, ownerID); err != nil {
		return fmt.Errorf("seed owner membership: %w", err)
	}

	logger.Info("Data seeding completed successfully")
	return nil
}

func seedCampaign(ctx context.Context, repo *repository.CampaignRepository, campaignID, ownerID string) error {
	existing, err := repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Campaign already exists, skipping", zap.String("campaign_id", campaignID))
		return nil
	}

	zero := int64(0)
	c := &domain.Campaign{
		ID:               campaignID,
		WorldID:          envOrDefault("SEED_WORLD_ID", "world-default"),
		OwnerID:          ownerID,
		CurrentWorldTime: &zero,
	}
	if err := repo.Insert(ctx, c); err != nil {
		return err
	}
	logger.Info("Seeded campaign", zap.String("campaign_id", campaignID), zap.String("owner_id", ownerID))
	return nil
}

func seedRootBranch(ctx context.Context, pool *pgxpool.Pool, branchRepo *repository.BranchRepository, campaignID string) error {
	rootID := "branch-" + campaignID + "-root"
	existing, err := branchRepo.Get(ctx, rootID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Info("Root branch already exists, skipping", zap.String("branch_id", rootID))
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &domain.Branch{
		ID:         rootID,
		CampaignID: campaignID,
		Name:       "main",
	}
	if err := branchRepo.Insert(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	logger.Info("Seeded root branch", zap.String("branch_id", rootID), zap.String("campaign_id", campaignID))
	return nil
}

func seedOwnerMembership(ctx context.Context, repo *repository.CampaignRepository, campaignID, ownerID string) error {
	if err := repo.UpsertMembership(ctx, "membership-"+campaignID+"-"+ownerID, campaignID, ownerID, domain.RoleOwner); err != nil {
		return err
	}
	logger.Info("Seeded owner membership", zap.String("campaign_id", campaignID), zap.String("user_id", ownerID))
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
