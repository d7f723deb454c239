package branch

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/audit"
	"campaignstate.io/core/internal/codec"
	"campaignstate.io/core/internal/domain"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

type fakeBranches struct {
	byID         map[string]*domain.Branch
	mergeHistory []*domain.MergeHistory
}

func newFakeBranches() *fakeBranches {
	return &fakeBranches{byID: map[string]*domain.Branch{}}
}

func (f *fakeBranches) Insert(ctx context.Context, tx pgx.Tx, b *domain.Branch) error {
	cp := *b
	f.byID[b.ID] = &cp
	return nil
}

func (f *fakeBranches) Get(ctx context.Context, id string) (*domain.Branch, error) {
	b, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBranches) ListByCampaign(ctx context.Context, campaignID string) ([]*domain.Branch, error) {
	var out []*domain.Branch
	for _, b := range f.byID {
		if b.CampaignID == campaignID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBranches) SoftDelete(ctx context.Context, id string) error {
	if b, ok := f.byID[id]; ok {
		b.DeletedAt = &b.CreatedAt
	}
	return nil
}

func (f *fakeBranches) InsertMergeHistory(ctx context.Context, tx pgx.Tx, m *domain.MergeHistory) error {
	cp := *m
	f.mergeHistory = append(f.mergeHistory, &cp)
	return nil
}

func (f *fakeBranches) ListMergeHistoryForBranch(ctx context.Context, branchID string) ([]*domain.MergeHistory, error) {
	var out []*domain.MergeHistory
	for _, m := range f.mergeHistory {
		if m.SourceBranchID == branchID || m.TargetBranchID == branchID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBranches) ListMergeHistory(ctx context.Context, sourceBranchID, targetBranchID string) ([]*domain.MergeHistory, error) {
	var out []*domain.MergeHistory
	for _, m := range f.mergeHistory {
		if m.SourceBranchID == sourceBranchID && m.TargetBranchID == targetBranchID {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeVersionRepo keeps version rows in memory. fakeVersionStore (below)
// backs VersionStore.ResolveVersion by reading straight out of these
// rows, applying the same branch-walk AtWorldTime logic
// a real versionstore.Store would (but without parent-chain recursion,
// since tests set up one row per branch directly).
type fakeVersionRepo struct {
	rows   []*domain.VersionRecord
	nextID int
}

func (f *fakeVersionRepo) Insert(ctx context.Context, tx pgx.Tx, v *domain.VersionRecord) error {
	cp := *v
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeVersionRepo) CloseTail(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validTo int64) error {
	for _, v := range f.rows {
		if v.EntityType == entityType && v.EntityID == entityID && v.BranchID == branchID && v.ValidTo == nil {
			vt := validTo
			v.ValidTo = &vt
		}
	}
	return nil
}

func (f *fakeVersionRepo) OpenTail(ctx context.Context, entityType domain.EntityType, entityID, branchID string) (*domain.VersionRecord, error) {
	for _, v := range f.rows {
		if v.EntityType == entityType && v.EntityID == entityID && v.BranchID == branchID && v.ValidTo == nil {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeVersionRepo) GetByID(ctx context.Context, id string) (*domain.VersionRecord, error) {
	for _, v := range f.rows {
		if v.ID == id {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeVersionRepo) ListEntityIDsAtWorldTime(ctx context.Context, entityType domain.EntityType, branchIDs []string, worldTime int64) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, v := range f.rows {
		if v.EntityType != entityType || !v.Contains(worldTime) {
			continue
		}
		for _, b := range branchIDs {
			if v.BranchID == b && !seen[v.EntityID] {
				seen[v.EntityID] = true
				out = append(out, v.EntityID)
			}
		}
	}
	return out, nil
}

func (f *fakeVersionRepo) atWorldTime(entityType domain.EntityType, entityID, branchID string, worldTime int64) *domain.VersionRecord {
	for _, v := range f.rows {
		if v.EntityType == entityType && v.EntityID == entityID && v.BranchID == branchID && v.Contains(worldTime) {
			cp := *v
			return &cp
		}
	}
	return nil
}

type fakeVersionStore struct{ repo *fakeVersionRepo }

func (f *fakeVersionStore) ResolveVersion(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error) {
	return f.repo.atWorldTime(entityType, entityID, branchID, worldTime), nil
}

func addVersion(repo *fakeVersionRepo, entityType domain.EntityType, entityID, branchID string, version, validFrom int64, validTo *int64, fields map[string]any) {
	payload, err := codec.Encode(fields)
	if err != nil {
		panic(err)
	}
	repo.nextID++
	repo.rows = append(repo.rows, &domain.VersionRecord{
		ID: "v", EntityType: entityType, EntityID: entityID, BranchID: branchID,
		Version: version, ValidFrom: validFrom, ValidTo: validTo, Payload: payload, CreatedBy: "seed",
	})
}

type fakeAccess struct{ deny bool }

func (f *fakeAccess) CheckCampaignAccess(ctx context.Context, campaignID, userID string) error {
	if f.deny {
		return domainerrors.NotFound(domainerrors.CodeEntityNotFound, "campaign not found")
	}
	return nil
}

func (f *fakeAccess) CheckCampaignRole(ctx context.Context, campaignID, userID string, allowed ...domain.Role) error {
	if f.deny {
		return domainerrors.Forbidden(domainerrors.CodeForbiddenRole, "requires a higher campaign role")
	}
	return nil
}

type fakeBus struct{ published []string }

func (f *fakeBus) Publish(ctx context.Context, topic string, payload map[string]any) {
	f.published = append(f.published, topic)
}

func newTestService(branches *fakeBranches, versionRepo *fakeVersionRepo, access *fakeAccess, bus *fakeBus) *Service {
	return New(nil, branches, &fakeVersionStore{repo: versionRepo}, versionRepo, access, bus, audit.NewLogger(nil))
}

func seedForkedBranches(t *testing.T) (*fakeBranches, *fakeBranches, *domain.Branch, *domain.Branch) {
	t.Helper()
	branches := newFakeBranches()
	main := &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}
	require.NoError(t, branches.Insert(context.Background(), nil, main))
	diverged := int64(10)
	feature := &domain.Branch{ID: "feature", CampaignID: "campaign-1", ParentID: &main.ID, DivergedAt: &diverged, Name: "feature"}
	require.NoError(t, branches.Insert(context.Background(), nil, feature))
	return branches, branches, main, feature
}

func TestFork_CreatesDivergedChild(t *testing.T) {
	branches := newFakeBranches()
	require.NoError(t, branches.Insert(context.Background(), nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}))
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	child, copied, err := svc.Fork(context.Background(), "main", "feature", 10, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, copied)
	require.NotNil(t, child.ParentID)
	require.Equal(t, "main", *child.ParentID)
	require.EqualValues(t, 10, *child.DivergedAt)
}

func TestFork_DeniesInaccessibleCampaign(t *testing.T) {
	branches := newFakeBranches()
	require.NoError(t, branches.Insert(context.Background(), nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}))
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{deny: true}, &fakeBus{})

	_, _, err := svc.Fork(context.Background(), "main", "feature", 10, "user-1")
	require.Error(t, err)
}

func TestFindCommonAncestor_ReturnsParentForDirectFork(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	lca, err := svc.FindCommonAncestor(context.Background(), feature.ID, main.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, lca)
	require.Equal(t, main.ID, lca.ID)
}

func TestFindCommonAncestor_NilForDifferentCampaigns(t *testing.T) {
	branches := newFakeBranches()
	require.NoError(t, branches.Insert(context.Background(), nil, &domain.Branch{ID: "a", CampaignID: "campaign-1", Name: "a"}))
	require.NoError(t, branches.Insert(context.Background(), nil, &domain.Branch{ID: "b", CampaignID: "campaign-2", Name: "b"}))
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	lca, err := svc.FindCommonAncestor(context.Background(), "a", "b", "user-1")
	require.NoError(t, err)
	require.Nil(t, lca)
}

func TestPreviewMerge_S1_AutoResolvesDivergentPopulationAndName(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	versions := &fakeVersionRepo{}
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 1, 0, nil, map[string]any{"name": "Ford", "population": float64(1000)})
	addVersion(versions, domain.EntitySettlement, "settlement-1", "feature", 1, 10, nil, map[string]any{"name": "Ford", "population": float64(1500)})

	// main's own post-fork update: close main's original tail and open a new one.
	versions.rows[0].ValidTo = int64Ptr(20)
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 2, 20, nil, map[string]any{"name": "Ford Reborn", "population": float64(1000)})

	svc := newTestService(branches, versions, &fakeAccess{}, &fakeBus{})
	preview, err := svc.PreviewMerge(context.Background(), feature.ID, main.ID, 100, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, preview.TotalConflicts)
	require.Equal(t, 2, preview.TotalAutoResolved)
	require.False(t, preview.RequiresManualResolution)
	require.Len(t, preview.Entities, 1)
	require.Equal(t, "Ford Reborn", preview.Entities[0].Merged["name"])
	require.EqualValues(t, 1500, preview.Entities[0].Merged["population"])
}

func TestExecuteMerge_RequiresGMOrOwnerRole(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{deny: true}, &fakeBus{})

	_, err := svc.ExecuteMerge(context.Background(), feature.ID, main.ID, 100, nil, "user-1")
	require.Error(t, err)
}

func TestExecuteMerge_UnresolvedConflictReturnsFailureNotError(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	versions := &fakeVersionRepo{}
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 1, 0, int64Ptr(20), map[string]any{"population": float64(1000)})
	addVersion(versions, domain.EntitySettlement, "settlement-1", "feature", 1, 10, nil, map[string]any{"population": float64(1500)})
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 2, 20, nil, map[string]any{"population": float64(2000)})

	svc := newTestService(branches, versions, &fakeAccess{}, &fakeBus{})
	result, err := svc.ExecuteMerge(context.Background(), feature.ID, main.ID, 100, nil, "user-1")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Conflicts, 1)
}

func TestExecuteMerge_IdenticalRepeatIsIdempotent(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	branches.mergeHistory = append(branches.mergeHistory, &domain.MergeHistory{
		ID: "m-prior", SourceBranchID: feature.ID, TargetBranchID: main.ID,
		WorldTime: 100, EntitiesMerged: 1,
	})

	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})
	result, err := svc.ExecuteMerge(context.Background(), feature.ID, main.ID, 100, nil, "user-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "m-prior", result.MergeHistoryID)
	require.Equal(t, 1, result.EntitiesMerged)
	require.Len(t, branches.mergeHistory, 1, "re-merge must not write a duplicate MergeHistory row")
}

func TestExecuteMerge_DifferentResolutionsAreNotShortCircuited(t *testing.T) {
	branches, _, main, feature := seedForkedBranches(t)
	versions := &fakeVersionRepo{}
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 1, 0, int64Ptr(20), map[string]any{"population": float64(1000)})
	addVersion(versions, domain.EntitySettlement, "settlement-1", "feature", 1, 10, nil, map[string]any{"population": float64(1500)})
	addVersion(versions, domain.EntitySettlement, "settlement-1", "main", 2, 20, nil, map[string]any{"population": float64(2000)})

	branches.mergeHistory = append(branches.mergeHistory, &domain.MergeHistory{
		ID: "m-prior", SourceBranchID: feature.ID, TargetBranchID: main.ID, WorldTime: 100,
		ResolutionsData: []domain.Resolution{{EntityID: "settlement-1", EntityType: domain.EntitySettlement, Path: "population", Value: float64(9999)}},
	})

	svc := newTestService(branches, versions, &fakeAccess{}, &fakeBus{})
	result, err := svc.ExecuteMerge(context.Background(), feature.ID, main.ID, 100, nil, "user-1")
	require.NoError(t, err)
	require.False(t, result.Success, "mismatched resolutions must fall through to the real merge, not the guard")
	require.Len(t, result.Conflicts, 1)
	require.NotEqual(t, "m-prior", result.MergeHistoryID)
}

func TestGetMergeHistory_ReturnsRowsWhereBranchIsSourceOrTarget(t *testing.T) {
	branches := newFakeBranches()
	require.NoError(t, branches.Insert(context.Background(), nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}))
	branches.mergeHistory = append(branches.mergeHistory,
		&domain.MergeHistory{ID: "m1", SourceBranchID: "feature", TargetBranchID: "main"},
		&domain.MergeHistory{ID: "m2", SourceBranchID: "other", TargetBranchID: "another"},
	)
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	history, err := svc.GetMergeHistory(context.Background(), "main", "user-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "m1", history[0].ID)
}

func TestListBranches_FiltersByPinnedAndTags(t *testing.T) {
	ctx := context.Background()
	branches := newFakeBranches()
	require.NoError(t, branches.Insert(ctx, nil, &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main", IsPinned: true, Tags: []string{"canon"}}))
	require.NoError(t, branches.Insert(ctx, nil, &domain.Branch{ID: "feature", CampaignID: "campaign-1", Name: "feature", Tags: []string{"what-if"}}))
	require.NoError(t, branches.Insert(ctx, nil, &domain.Branch{ID: "side-quest", CampaignID: "campaign-1", Name: "side-quest", IsPinned: true, Tags: []string{"what-if", "canon"}}))
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	pinned := true
	all, err := svc.ListBranches(ctx, "campaign-1", "user-1", BranchFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	onlyPinned, err := svc.ListBranches(ctx, "campaign-1", "user-1", BranchFilter{IsPinned: &pinned})
	require.NoError(t, err)
	require.Len(t, onlyPinned, 2)

	byTag, err := svc.ListBranches(ctx, "campaign-1", "user-1", BranchFilter{Tags: []string{"canon"}})
	require.NoError(t, err)
	require.Len(t, byTag, 2)

	pinnedCanon, err := svc.ListBranches(ctx, "campaign-1", "user-1", BranchFilter{IsPinned: &pinned, Tags: []string{"canon", "what-if"}})
	require.NoError(t, err)
	require.Len(t, pinnedCanon, 1)
	require.Equal(t, "side-quest", pinnedCanon[0].ID)
}

func TestGetBranchTree_FilteredOutParentPromotesChildToRoot(t *testing.T) {
	ctx := context.Background()
	branches := newFakeBranches()
	main := &domain.Branch{ID: "main", CampaignID: "campaign-1", Name: "main"}
	require.NoError(t, branches.Insert(ctx, nil, main))
	diverged := int64(10)
	require.NoError(t, branches.Insert(ctx, nil, &domain.Branch{ID: "feature", CampaignID: "campaign-1", ParentID: &main.ID, DivergedAt: &diverged, Name: "feature", IsPinned: true}))
	svc := newTestService(branches, &fakeVersionRepo{}, &fakeAccess{}, &fakeBus{})

	pinned := true
	tree, err := svc.GetBranchTree(ctx, "campaign-1", "user-1", BranchFilter{IsPinned: &pinned})
	require.NoError(t, err)
	require.NotNil(t, tree)
	require.Equal(t, "feature", tree.Branch.ID)
	require.Empty(t, tree.Children)
}

func int64Ptr(v int64) *int64 { return &v }
