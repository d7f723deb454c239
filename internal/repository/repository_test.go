package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/storage"
	"campaignstate.io/core/internal/testutil"
)

func newTestPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()
	pool := testutil.OpenPGXPool(t, prefix)
	require.NoError(t, storage.ApplyInitMigration(context.Background(), pool))
	return pool
}

func seedCampaign(t *testing.T, ctx context.Context, repo *CampaignRepository, id string) {
	t.Helper()
	require.NoError(t, repo.Insert(ctx, &domain.Campaign{
		ID:      id,
		WorldID: "world-1",
		OwnerID: "user-owner",
	}))
}

func TestCampaignRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "campaign_insert")
	repo := NewCampaignRepository(pool)

	seedCampaign(t, ctx, repo, "campaign-1")

	got, err := repo.Get(ctx, "campaign-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "world-1", got.WorldID)
	require.Equal(t, "user-owner", got.OwnerID)
	require.Nil(t, got.CurrentWorldTime)
}

func TestCampaignRepository_SetCurrentWorldTime(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "campaign_worldtime")
	repo := NewCampaignRepository(pool)
	seedCampaign(t, ctx, repo, "campaign-1")

	require.NoError(t, repo.SetCurrentWorldTime(ctx, nil, "campaign-1", 42))

	got, err := repo.Get(ctx, "campaign-1")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentWorldTime)
	require.EqualValues(t, 42, *got.CurrentWorldTime)
}

func TestCampaignRepository_MembershipRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "membership")
	repo := NewCampaignRepository(pool)
	seedCampaign(t, ctx, repo, "campaign-1")

	_, ok, err := repo.MembershipRole(ctx, "campaign-1", "user-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.UpsertMembership(ctx, "membership-1", "campaign-1", "user-1", domain.RoleGM))

	role, ok, err := repo.MembershipRole(ctx, "campaign-1", "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.RoleGM, role)

	require.NoError(t, repo.UpsertMembership(ctx, "membership-1", "campaign-1", "user-1", domain.RoleOwner))
	role, ok, err = repo.MembershipRole(ctx, "campaign-1", "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.RoleOwner, role)
}

func TestEntityRepository_InsertGetUpdate(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "entity")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")

	repo := NewEntityRepository(pool)
	e := &domain.Entity{
		ID:         "kingdom-1",
		Type:       domain.EntityKingdom,
		CampaignID: "campaign-1",
		Fields:     map[string]any{"name": "Aldermoor"},
		Version:    1,
	}
	require.NoError(t, repo.Insert(ctx, nil, e))

	got, err := repo.Get(ctx, "kingdom-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Aldermoor", got.Fields["name"])
	require.EqualValues(t, 1, got.Version)

	got.Fields["name"] = "New Aldermoor"
	ok, err := repo.Update(ctx, nil, got, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)

	// stale optimistic lock attempt must fail
	ok, err = repo.Update(ctx, nil, got, 1, 3)
	require.NoError(t, err)
	require.False(t, ok)

	refetched, err := repo.Get(ctx, "kingdom-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, refetched.Version)
	require.Equal(t, "New Aldermoor", refetched.Fields["name"])
}

func TestEntityRepository_SoftDeleteHidesFromGet(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "entity_delete")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")

	repo := NewEntityRepository(pool)
	require.NoError(t, repo.Insert(ctx, nil, &domain.Entity{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1", Version: 1,
	}))
	require.NoError(t, repo.SoftDelete(ctx, nil, "party-1"))

	got, err := repo.Get(ctx, "party-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestVersionRepository_OpenTailAndClose(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "version")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")
	entities := NewEntityRepository(pool)
	require.NoError(t, entities.Insert(ctx, nil, &domain.Entity{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1", Version: 1,
	}))

	repo := NewVersionRepository(pool)
	v1 := &domain.VersionRecord{
		ID: "v1", EntityType: domain.EntityParty, EntityID: "party-1", BranchID: "main",
		Version: 1, ValidFrom: 100, Payload: []byte{0x1f, 0x8b}, CreatedBy: "user-1",
	}
	require.NoError(t, repo.Insert(ctx, nil, v1))

	open, err := repo.OpenTail(ctx, domain.EntityParty, "party-1", "main")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.True(t, open.Open())

	require.NoError(t, repo.CloseTail(ctx, nil, domain.EntityParty, "party-1", "main", 200))

	v2 := &domain.VersionRecord{
		ID: "v2", EntityType: domain.EntityParty, EntityID: "party-1", BranchID: "main",
		Version: 2, ValidFrom: 200, Payload: []byte{0x1f, 0x8b}, CreatedBy: "user-1",
	}
	require.NoError(t, repo.Insert(ctx, nil, v2))

	at150, err := repo.AtWorldTime(ctx, domain.EntityParty, "party-1", "main", 150)
	require.NoError(t, err)
	require.NotNil(t, at150)
	require.EqualValues(t, 1, at150.Version)

	at250, err := repo.AtWorldTime(ctx, domain.EntityParty, "party-1", "main", 250)
	require.NoError(t, err)
	require.NotNil(t, at250)
	require.EqualValues(t, 2, at250.Version)

	history, err := repo.History(ctx, domain.EntityParty, "party-1", "main")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestBranchRepository_ForkAndLookup(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "branch")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")

	repo := NewBranchRepository(pool)
	require.NoError(t, repo.Insert(ctx, nil, &domain.Branch{
		ID: "main", CampaignID: "campaign-1", Name: "main",
	}))
	divergedAt := int64(500)
	require.NoError(t, repo.Insert(ctx, nil, &domain.Branch{
		ID: "feature-1", CampaignID: "campaign-1", Name: "feature-1",
		ParentID: strPtr("main"), DivergedAt: &divergedAt,
	}))

	branches, err := repo.ListByCampaign(ctx, "campaign-1")
	require.NoError(t, err)
	require.Len(t, branches, 2)

	feature, err := repo.Get(ctx, "feature-1")
	require.NoError(t, err)
	require.Equal(t, domain.BranchActive, feature.State())

	main, err := repo.Get(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, domain.BranchRoot, main.State())
}

func TestBranchRepository_MergeHistory(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "merge_history")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")
	repo := NewBranchRepository(pool)
	require.NoError(t, repo.Insert(ctx, nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}))
	require.NoError(t, repo.Insert(ctx, nil, &domain.Branch{ID: "feature-1", CampaignID: "campaign-1", Name: "feature-1", ParentID: strPtr("main")}))

	require.NoError(t, repo.InsertMergeHistory(ctx, nil, &domain.MergeHistory{
		ID: "merge-1", SourceBranchID: "feature-1", TargetBranchID: "main",
		CommonAncestorID: "main", WorldTime: 100, MergedBy: "user-1",
		ConflictsCount: 1, EntitiesMerged: 3,
		ResolutionsData: []domain.Resolution{{EntityID: "party-1", EntityType: domain.EntityParty, Path: "gold", Value: float64(10)}},
	}))

	history, err := repo.ListMergeHistory(ctx, "feature-1", "main")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 1, history[0].ConflictsCount)
	require.Len(t, history[0].ResolutionsData, 1)
}

func TestAuditRepository_InsertAndHistory(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "audit")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")
	entities := NewEntityRepository(pool)
	require.NoError(t, entities.Insert(ctx, nil, &domain.Entity{ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1", Version: 1}))

	repo := NewAuditRepository(pool)
	require.NoError(t, repo.Insert(ctx, &domain.AuditEntry{
		ID: "audit-1", EntityType: domain.EntityParty, EntityID: "party-1",
		Operation: domain.OpCreate, UserID: "user-1",
	}))

	history, err := repo.History(ctx, domain.EntityParty, "party-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.OpCreate, history[0].Operation)
}

func TestStateVariableRepository_ScopeKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, "state_variable")
	campaigns := NewCampaignRepository(pool)
	seedCampaign(t, ctx, campaigns, "campaign-1")

	repo := NewStateVariableRepository(pool)
	require.NoError(t, repo.Insert(ctx, nil, &domain.StateVariable{
		ID: "var-1", Scope: domain.ScopeCampaign, ScopeID: strPtr("campaign-1"),
		Key: "treasury_gold", Type: domain.VarInteger, Value: float64(100),
		IsActive: true, Version: 1, CreatedBy: "user-1",
	}))

	got, err := repo.GetByScopeKey(ctx, domain.ScopeCampaign, strPtr("campaign-1"), "treasury_gold")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 100, got.Value)

	ok, err := repo.Update(ctx, nil, &domain.StateVariable{
		ID: got.ID, Value: float64(150), IsActive: true, UpdatedBy: strPtr("user-2"),
	}, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.SoftDelete(ctx, nil, "var-1"))
	got, err = repo.GetByScopeKey(ctx, domain.ScopeCampaign, strPtr("campaign-1"), "treasury_gold")
	require.NoError(t, err)
	require.Nil(t, got)

	// key is free again after soft-delete
	require.NoError(t, repo.Insert(ctx, nil, &domain.StateVariable{
		ID: "var-2", Scope: domain.ScopeCampaign, ScopeID: strPtr("campaign-1"),
		Key: "treasury_gold", Type: domain.VarInteger, Value: float64(0),
		IsActive: true, Version: 1, CreatedBy: "user-1",
	}))
}

func strPtr(s string) *string { return &s }
