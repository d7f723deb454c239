package entitystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/audit"
	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/repository"
	"campaignstate.io/core/internal/storage"
	"campaignstate.io/core/internal/testutil"
	"campaignstate.io/core/internal/versionstore"
)

func newIntegrationStore(t *testing.T) (*Store, *repository.VersionRepository) {
	t.Helper()
	pool := testutil.OpenPGXPool(t, "entitystore")
	require.NoError(t, storage.ApplyInitMigration(context.Background(), pool))

	campaigns := repository.NewCampaignRepository(pool)
	branches := repository.NewBranchRepository(pool)
	entities := repository.NewEntityRepository(pool)
	versions := repository.NewVersionRepository(pool)
	vstore := versionstore.New(versions, branches)
	auditLog := audit.NewLogger(repository.NewAuditRepository(pool))

	ctx := context.Background()
	require.NoError(t, campaigns.Insert(ctx, &domain.Campaign{ID: "campaign-1", WorldID: "world-1", OwnerID: "user-1"}))
	require.NoError(t, branches.Insert(ctx, nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}))

	store := New(pool, entities, vstore, campaigns, branches, &fakeAccess{}, &fakeBus{}, auditLog)
	return store, versions
}

func TestCreate_PersistsEntityAndOpensVersionTail(t *testing.T) {
	ctx := context.Background()
	store, versions := newIntegrationStore(t)

	e, err := store.Create(ctx, CreateInput{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1",
		Fields: map[string]any{"name": "The Wanderers", "gold": float64(50)},
		BranchID: "main", WorldTime: int64Ptr(100),
	}, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, e.Version)

	open, err := versions.OpenTail(ctx, domain.EntityParty, "party-1", "main")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.EqualValues(t, 1, open.Version)
}

func TestUpdate_BumpsVersionAndClosesTail(t *testing.T) {
	ctx := context.Background()
	store, versions := newIntegrationStore(t)

	_, err := store.Create(ctx, CreateInput{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1",
		Fields: map[string]any{"name": "The Wanderers", "gold": float64(50)},
		BranchID: "main", WorldTime: int64Ptr(100),
	}, "user-1")
	require.NoError(t, err)

	updated, err := store.Update(ctx, "party-1", UpdateInput{
		Patch: map[string]any{"gold": float64(75)}, ExpectedVersion: 1, BranchID: "main", WorldTime: int64Ptr(200),
	}, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)
	require.EqualValues(t, 75, updated.Fields["gold"])

	history, err := versions.History(ctx, domain.EntityParty, "party-1", "main")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].ValidTo)
	require.Nil(t, history[1].ValidTo)
}

func TestDelete_SoftDeletesAndHidesFromFindByID(t *testing.T) {
	ctx := context.Background()
	store, _ := newIntegrationStore(t)
	_, err := store.Create(ctx, CreateInput{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1",
		Fields: map[string]any{"name": "The Wanderers"}, BranchID: "main", WorldTime: int64Ptr(100),
	}, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "party-1", "user-1"))

	got, err := store.FindByID(ctx, "party-1", "user-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestArchiveRestore_TogglesArchivedAt(t *testing.T) {
	ctx := context.Background()
	store, _ := newIntegrationStore(t)
	_, err := store.Create(ctx, CreateInput{
		ID: "party-1", Type: domain.EntityParty, CampaignID: "campaign-1",
		Fields: map[string]any{"name": "The Wanderers"}, BranchID: "main", WorldTime: int64Ptr(100),
	}, "user-1")
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, "party-1", "user-1"))
	got, err := store.FindByID(ctx, "party-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)

	require.NoError(t, store.Restore(ctx, "party-1", "user-1"))
	got, err = store.FindByID(ctx, "party-1", "user-1")
	require.NoError(t, err)
	require.Nil(t, got.ArchivedAt)
}

func int64Ptr(v int64) *int64 { return &v }
