// Package branch implements the Branch Manager (C5): forking, finding
// common ancestors, and merging campaign state between branches via the
// three-way merge algorithm in merge.go.
package branch

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"campaignstate.io/core/internal/audit"
	"campaignstate.io/core/internal/codec"
	"campaignstate.io/core/internal/domain"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// mergeableEntityTypes are the versionable, campaign-bound entity kinds a
// merge or cherry-pick can touch. LOCATION is world-bound and never
// versioned; STATE_VARIABLE has its own optional versioning path (§4.9)
// and is not part of a branch merge.
var mergeableEntityTypes = []domain.EntityType{
	domain.EntityKingdom,
	domain.EntitySettlement,
	domain.EntityStructure,
	domain.EntityParty,
	domain.EntityCharacter,
	domain.EntityEvent,
	domain.EntityEncounter,
}

// BranchRepository is the persistence surface this package depends on.
type BranchRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, b *domain.Branch) error
	Get(ctx context.Context, id string) (*domain.Branch, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*domain.Branch, error)
	SoftDelete(ctx context.Context, id string) error
	InsertMergeHistory(ctx context.Context, tx pgx.Tx, m *domain.MergeHistory) error
	ListMergeHistoryForBranch(ctx context.Context, branchID string) ([]*domain.MergeHistory, error)
	ListMergeHistory(ctx context.Context, sourceBranchID, targetBranchID string) ([]*domain.MergeHistory, error)
}

// VersionStore resolves the version visible at a point in time, walking
// branch ancestry. Satisfied by internal/versionstore.Store.
type VersionStore interface {
	ResolveVersion(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error)
}

// VersionRepository is the raw version-log surface this package writes
// through directly, rather than via VersionStore: a merge's new version
// number is max(source.version, target.version)+1, not the sequential
// next-on-this-branch number VersionStore.CreateVersion computes.
type VersionRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, v *domain.VersionRecord) error
	CloseTail(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validTo int64) error
	OpenTail(ctx context.Context, entityType domain.EntityType, entityID, branchID string) (*domain.VersionRecord, error)
	GetByID(ctx context.Context, id string) (*domain.VersionRecord, error)
	ListEntityIDsAtWorldTime(ctx context.Context, entityType domain.EntityType, branchIDs []string, worldTime int64) ([]string, error)
}

// AccessChecker enforces C12's membership and role rules.
type AccessChecker interface {
	CheckCampaignAccess(ctx context.Context, campaignID, userID string) error
	CheckCampaignRole(ctx context.Context, campaignID, userID string, allowed ...domain.Role) error
}

// EventPublisher is the subset of internal/eventbus.Bus this package
// publishes through.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any)
}

// Transactor opens a database transaction.
type Transactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service implements C5's operations.
type Service struct {
	pool        Transactor
	branches    BranchRepository
	versions    VersionStore
	versionRepo VersionRepository
	access      AccessChecker
	bus         EventPublisher
	auditLog    *audit.Logger
}

// New constructs a Service.
func New(
	pool Transactor,
	branches BranchRepository,
	versions VersionStore,
	versionRepo VersionRepository,
	access AccessChecker,
	bus EventPublisher,
	auditLog *audit.Logger,
) *Service {
	return &Service{
		pool: pool, branches: branches, versions: versions, versionRepo: versionRepo,
		access: access, bus: bus, auditLog: auditLog,
	}
}

// Fork creates a child branch diverging from parentBranchID at worldTime.
// No VersionRecords are eagerly copied; resolveVersion walks up to the
// parent for anything the child hasn't touched yet. versionsCopied is
// always 0: this implementation does no eager copy.
func (s *Service) Fork(ctx context.Context, parentBranchID, newName string, worldTime int64, userID string) (*domain.Branch, int, error) {
	parent, err := s.branches.Get(ctx, parentBranchID)
	if err != nil {
		return nil, 0, fmt.Errorf("get parent branch: %w", err)
	}
	if parent == nil {
		return nil, 0, domainerrors.ErrBranchNotFoundf(parentBranchID)
	}
	if err := s.access.CheckCampaignAccess(ctx, parent.CampaignID, userID); err != nil {
		return nil, 0, err
	}

	child := &domain.Branch{
		ID:         newBranchID(),
		CampaignID: parent.CampaignID,
		ParentID:   &parent.ID,
		DivergedAt: &worldTime,
		Name:       newName,
	}
	if err := s.branches.Insert(ctx, nil, child); err != nil {
		return nil, 0, fmt.Errorf("insert branch: %w", err)
	}

	s.auditLog.Log(ctx, "", child.ID, domain.OpFork, userID, nil,
		map[string]any{"parentBranchId": parent.ID, "worldTime": worldTime}, nil, nil, "")
	return child, 0, nil
}

// FindCommonAncestor walks each branch's parent chain and returns the
// lowest branch common to both, or nil if they belong to different
// campaigns or root trees.
func (s *Service) FindCommonAncestor(ctx context.Context, aID, bID, userID string) (*domain.Branch, error) {
	aChain, err := s.ancestorChain(ctx, aID)
	if err != nil {
		return nil, err
	}
	bChain, err := s.ancestorChain(ctx, bID)
	if err != nil {
		return nil, err
	}
	if len(aChain) == 0 || len(bChain) == 0 {
		return nil, nil
	}
	if err := s.access.CheckCampaignAccess(ctx, aChain[0].CampaignID, userID); err != nil {
		return nil, err
	}
	if aChain[0].CampaignID != bChain[0].CampaignID {
		return nil, nil
	}

	aSet := make(map[string]*domain.Branch, len(aChain))
	for _, br := range aChain {
		aSet[br.ID] = br
	}
	for _, br := range bChain {
		if found, ok := aSet[br.ID]; ok {
			return found, nil
		}
	}
	return nil, nil
}

// ancestorChain returns branchID and every ancestor up to its root,
// nearest first.
func (s *Service) ancestorChain(ctx context.Context, branchID string) ([]*domain.Branch, error) {
	var chain []*domain.Branch
	seen := map[string]bool{}
	cur := branchID
	for cur != "" {
		if seen[cur] {
			break
		}
		seen[cur] = true
		b, err := s.branches.Get(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("get branch: %w", err)
		}
		if b == nil {
			break
		}
		chain = append(chain, b)
		if b.ParentID == nil {
			break
		}
		cur = *b.ParentID
	}
	return chain, nil
}

// MergePreview is the result of previewMerge: the three-way merge outcome
// for every entity either branch touched, with aggregate conflict counts.
type MergePreview struct {
	SourceBranchID           string
	TargetBranchID           string
	CommonAncestorID         string
	WorldTime                int64
	Entities                 []EntityMergeResult
	TotalConflicts            int
	TotalAutoResolved         int
	RequiresManualResolution bool
}

// PreviewMerge computes the three-way merge outcome for every entity with a
// VersionRecord on source, target, or their common ancestor visible at
// worldTime, without writing anything.
func (s *Service) PreviewMerge(ctx context.Context, sourceBranchID, targetBranchID string, worldTime int64, userID string) (*MergePreview, error) {
	source, target, lca, err := s.resolveMergeBranches(ctx, sourceBranchID, targetBranchID, userID)
	if err != nil {
		return nil, err
	}

	baseWorldTime, err := s.resolveBaseWorldTime(ctx, lca, source, target)
	if err != nil {
		return nil, err
	}

	results, err := s.diffMergeSet(ctx, source, target, lca, baseWorldTime, worldTime, nil)
	if err != nil {
		return nil, err
	}

	preview := &MergePreview{
		SourceBranchID: source.ID, TargetBranchID: target.ID, CommonAncestorID: lca.ID, WorldTime: worldTime,
		Entities: results,
	}
	for _, r := range results {
		preview.TotalConflicts += len(r.Conflicts)
		preview.TotalAutoResolved += r.AutoResolved
	}
	preview.RequiresManualResolution = preview.TotalConflicts > 0
	return preview, nil
}

// MergeResult is the outcome of executeMerge or cherryPick.
type MergeResult struct {
	Success        bool
	EntitiesMerged int
	ConflictsCount int
	Conflicts      []Conflict
	MergeHistoryID string
	VersionID      string
}

// ExecuteMerge validates the merge's preconditions, computes the full
// three-way merge with resolutions applied, and — only if every conflict
// resolves — writes all resulting VersionRecords and the MergeHistory row
// in one transaction. An unresolved conflict aborts the entire merge
// (§7: MergeConflict is a structured result, not an error).
func (s *Service) ExecuteMerge(ctx context.Context, sourceBranchID, targetBranchID string, worldTime int64, resolutions []domain.Resolution, userID string) (*MergeResult, error) {
	source, target, lca, err := s.resolveMergeBranches(ctx, sourceBranchID, targetBranchID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.access.CheckCampaignRole(ctx, target.CampaignID, userID, domain.RoleOwner, domain.RoleGM); err != nil {
		return nil, err
	}

	if prior, err := s.findIdenticalPriorMerge(ctx, source.ID, target.ID, worldTime, resolutions); err != nil {
		return nil, err
	} else if prior != nil {
		return &MergeResult{Success: true, EntitiesMerged: prior.EntitiesMerged, MergeHistoryID: prior.ID}, nil
	}

	baseWorldTime, err := s.resolveBaseWorldTime(ctx, lca, source, target)
	if err != nil {
		return nil, err
	}

	resIdx := resolutionIndex(resolutions)
	results, err := s.diffMergeSet(ctx, source, target, lca, baseWorldTime, worldTime, resIdx)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for _, r := range results {
		conflicts = append(conflicts, r.Conflicts...)
	}
	if len(conflicts) > 0 {
		return &MergeResult{Success: false, ConflictsCount: len(conflicts), Conflicts: conflicts}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entitiesMerged := 0
	for _, r := range results {
		if !r.HasChanges {
			continue
		}
		sVer, err := s.versions.ResolveVersion(ctx, r.EntityType, r.EntityID, source.ID, worldTime)
		if err != nil {
			return nil, fmt.Errorf("resolve source version: %w", err)
		}
		tVer, err := s.versions.ResolveVersion(ctx, r.EntityType, r.EntityID, target.ID, worldTime)
		if err != nil {
			return nil, fmt.Errorf("resolve target version: %w", err)
		}
		newVersion := maxVersion(sVer, tVer) + 1

		payload, err := codec.Encode(r.Merged)
		if err != nil {
			return nil, fmt.Errorf("encode merged payload: %w", err)
		}
		if _, err := s.writeMergedVersion(ctx, tx, r.EntityType, r.EntityID, target.ID, newVersion, worldTime, payload, userID); err != nil {
			return nil, err
		}
		entitiesMerged++
	}

	mh := &domain.MergeHistory{
		ID: newMergeHistoryID(), SourceBranchID: source.ID, TargetBranchID: target.ID,
		CommonAncestorID: lca.ID, WorldTime: worldTime, MergedBy: userID,
		ConflictsCount: 0, EntitiesMerged: entitiesMerged, ResolutionsData: resolutions,
	}
	if err := s.branches.InsertMergeHistory(ctx, tx, mh); err != nil {
		return nil, fmt.Errorf("insert merge history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.auditLog.Log(ctx, "", target.ID, domain.OpMerge, userID, nil,
		map[string]any{"sourceBranchId": source.ID, "entitiesMerged": entitiesMerged}, nil, nil, "")
	s.bus.Publish(ctx, "branch.merged", map[string]any{
		"sourceBranchId": source.ID, "targetBranchId": target.ID, "entitiesMerged": entitiesMerged,
	})

	return &MergeResult{Success: true, EntitiesMerged: entitiesMerged, MergeHistoryID: mh.ID}, nil
}

// CherryPick applies a single source version onto targetBranchID via a
// three-way merge whose base is the target's version valid at the
// source's validFrom and whose "target" side is the branch's current
// value, so a conflict surfaces whenever the target has moved since.
func (s *Service) CherryPick(ctx context.Context, sourceVersionID, targetBranchID string, resolutions []domain.Resolution, userID string) (*MergeResult, error) {
	sourceVersion, err := s.versionRepo.GetByID(ctx, sourceVersionID)
	if err != nil {
		return nil, fmt.Errorf("get source version: %w", err)
	}
	if sourceVersion == nil {
		return nil, domainerrors.NotFound(domainerrors.CodeVersionNotFound, "source version not found")
	}

	target, err := s.branches.Get(ctx, targetBranchID)
	if err != nil {
		return nil, fmt.Errorf("get target branch: %w", err)
	}
	if target == nil {
		return nil, domainerrors.ErrBranchNotFoundf(targetBranchID)
	}
	if err := s.access.CheckCampaignAccess(ctx, target.CampaignID, userID); err != nil {
		return nil, err
	}

	baseVersion, err := s.versions.ResolveVersion(ctx, sourceVersion.EntityType, sourceVersion.EntityID, targetBranchID, sourceVersion.ValidFrom)
	if err != nil {
		return nil, fmt.Errorf("resolve base version: %w", err)
	}
	if baseVersion == nil {
		return nil, domainerrors.ErrCherryPickNoBasef(sourceVersionID)
	}

	targetVersion, err := s.versionRepo.OpenTail(ctx, sourceVersion.EntityType, sourceVersion.EntityID, targetBranchID)
	if err != nil {
		return nil, fmt.Errorf("query target open tail: %w", err)
	}

	basePayload, err := codec.Decode(baseVersion.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode base payload: %w", err)
	}
	sourcePayload, err := codec.Decode(sourceVersion.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode source payload: %w", err)
	}
	var targetPayload map[string]any
	var tVer int64
	if targetVersion != nil {
		targetPayload, err = codec.Decode(targetVersion.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode target payload: %w", err)
		}
		tVer = targetVersion.Version
	}

	resIdx := resolutionIndex(resolutions)
	result := threeWayMerge(sourceVersion.EntityID, sourceVersion.EntityType, basePayload, sourcePayload, targetPayload, resIdx)
	if len(result.Conflicts) > 0 {
		return &MergeResult{Success: false, ConflictsCount: len(result.Conflicts), Conflicts: result.Conflicts}, nil
	}
	if !result.HasChanges {
		return &MergeResult{Success: true}, nil
	}

	payload, err := codec.Encode(result.Merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	newVersion := maxInt64(sourceVersion.Version, tVer) + 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	newVersionID, err := s.writeMergedVersion(ctx, tx, sourceVersion.EntityType, sourceVersion.EntityID, targetBranchID, newVersion, sourceVersion.ValidFrom, payload, userID)
	if err != nil {
		return nil, err
	}

	mh := &domain.MergeHistory{
		ID: newMergeHistoryID(), SourceBranchID: sourceVersion.BranchID, TargetBranchID: targetBranchID,
		CommonAncestorID: targetBranchID, WorldTime: sourceVersion.ValidFrom, MergedBy: userID,
		ConflictsCount: 0, EntitiesMerged: 1, ResolutionsData: resolutions,
	}
	if err := s.branches.InsertMergeHistory(ctx, tx, mh); err != nil {
		return nil, fmt.Errorf("insert merge history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.auditLog.Log(ctx, sourceVersion.EntityType, sourceVersion.EntityID, domain.OpCherryPick, userID, nil,
		map[string]any{"sourceVersionId": sourceVersionID, "targetBranchId": targetBranchID}, nil, nil, "")
	s.bus.Publish(ctx, "branch.merged", map[string]any{
		"sourceVersionId": sourceVersionID, "targetBranchId": targetBranchID, "entitiesMerged": 1,
	})

	return &MergeResult{Success: true, EntitiesMerged: 1, MergeHistoryID: mh.ID, VersionID: newVersionID}, nil
}

// GetMergeHistory returns every merge or cherry-pick where branchID was
// source or target, newest first.
func (s *Service) GetMergeHistory(ctx context.Context, branchID, userID string) ([]*domain.MergeHistory, error) {
	b, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	if b == nil {
		return nil, domainerrors.ErrBranchNotFoundf(branchID)
	}
	if err := s.access.CheckCampaignAccess(ctx, b.CampaignID, userID); err != nil {
		return nil, err
	}
	return s.branches.ListMergeHistoryForBranch(ctx, branchID)
}

// BranchFilter narrows ListBranches/GetBranchTree to branches matching
// every non-zero field. A nil IsPinned or empty Tags matches everything.
type BranchFilter struct {
	IsPinned *bool
	Tags     []string
}

// matches reports whether b satisfies every filter the caller set.
func (f BranchFilter) matches(b *domain.Branch) bool {
	if f.IsPinned != nil && b.IsPinned != *f.IsPinned {
		return false
	}
	for _, want := range f.Tags {
		if !slices.Contains(b.Tags, want) {
			return false
		}
	}
	return true
}

// ListBranches returns every live branch in campaignID matching filter.
func (s *Service) ListBranches(ctx context.Context, campaignID, userID string, filter BranchFilter) ([]*domain.Branch, error) {
	if err := s.access.CheckCampaignAccess(ctx, campaignID, userID); err != nil {
		return nil, err
	}
	all, err := s.branches.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Branch, 0, len(all))
	for _, b := range all {
		if filter.matches(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// BranchTreeNode is one node of the branch forest returned by GetBranchTree.
type BranchTreeNode struct {
	Branch   *domain.Branch
	Children []*BranchTreeNode
}

// GetBranchTree assembles campaignID's branches matching filter into a
// forest rooted at every branch with no parent, returning the first root
// found. Campaigns have exactly one root branch in practice. A filtered
// branch whose parent was filtered out becomes its own root, since the
// tree can only be built from what the caller asked to see.
func (s *Service) GetBranchTree(ctx context.Context, campaignID, userID string, filter BranchFilter) (*BranchTreeNode, error) {
	branches, err := s.ListBranches(ctx, campaignID, userID, filter)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*BranchTreeNode, len(branches))
	for _, b := range branches {
		nodes[b.ID] = &BranchTreeNode{Branch: b}
	}
	var root *BranchTreeNode
	for _, b := range branches {
		node := nodes[b.ID]
		if b.ParentID == nil {
			if root == nil {
				root = node
			}
			continue
		}
		if parent, ok := nodes[*b.ParentID]; ok {
			parent.Children = append(parent.Children, node)
		} else if root == nil {
			root = node
		}
	}
	return root, nil
}

// resolveMergeBranches loads source and target, checks the caller can
// access the source's campaign, and finds their common ancestor.
func (s *Service) resolveMergeBranches(ctx context.Context, sourceBranchID, targetBranchID, userID string) (source, target, lca *domain.Branch, err error) {
	source, err = s.branches.Get(ctx, sourceBranchID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get source branch: %w", err)
	}
	if source == nil {
		return nil, nil, nil, domainerrors.ErrBranchNotFoundf(sourceBranchID)
	}
	target, err = s.branches.Get(ctx, targetBranchID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get target branch: %w", err)
	}
	if target == nil {
		return nil, nil, nil, domainerrors.ErrBranchNotFoundf(targetBranchID)
	}
	if err := s.access.CheckCampaignAccess(ctx, source.CampaignID, userID); err != nil {
		return nil, nil, nil, err
	}

	lca, err = s.FindCommonAncestor(ctx, sourceBranchID, targetBranchID, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if lca == nil {
		return nil, nil, nil, domainerrors.ErrNoCommonAncestorf(sourceBranchID, targetBranchID)
	}
	return source, target, lca, nil
}

// findIdenticalPriorMerge looks for a previously recorded merge between
// sourceBranchID and targetBranchID at the same worldTime with the same
// resolutions, so a resubmitted (e.g. after a dropped response) executeMerge
// call can short-circuit instead of writing a duplicate snapshot.
func (s *Service) findIdenticalPriorMerge(ctx context.Context, sourceBranchID, targetBranchID string, worldTime int64, resolutions []domain.Resolution) (*domain.MergeHistory, error) {
	history, err := s.branches.ListMergeHistory(ctx, sourceBranchID, targetBranchID)
	if err != nil {
		return nil, fmt.Errorf("list merge history: %w", err)
	}
	for _, m := range history {
		if m.WorldTime == worldTime && resolutionsEqual(m.ResolutionsData, resolutions) {
			return m, nil
		}
	}
	return nil, nil
}

// resolutionsEqual reports whether a and b resolve the same set of
// (entityId, entityType, path) -> value conflicts, regardless of order.
func resolutionsEqual(a, b []domain.Resolution) bool {
	if len(a) != len(b) {
		return false
	}
	aIdx := resolutionIndex(a)
	for _, r := range b {
		got, ok := aIdx[resolutionKey{entityID: r.EntityID, entityType: r.EntityType, path: r.Path}]
		if !ok || !reflect.DeepEqual(got.Value, r.Value) {
			return false
		}
	}
	return true
}

// resolveBaseWorldTime finds the point at which source and target's
// lineages actually split from lca: the divergedAt of whichever side's
// direct child-of-lca branch they descend from, or the earlier of the two
// if both sides diverged independently from lca (cousin branches).
func (s *Service) resolveBaseWorldTime(ctx context.Context, lca, source, target *domain.Branch) (int64, error) {
	sDiverge, err := s.directChildDivergence(ctx, source.ID, lca.ID)
	if err != nil {
		return 0, err
	}
	tDiverge, err := s.directChildDivergence(ctx, target.ID, lca.ID)
	if err != nil {
		return 0, err
	}
	switch {
	case sDiverge != nil && tDiverge != nil:
		if *sDiverge < *tDiverge {
			return *sDiverge, nil
		}
		return *tDiverge, nil
	case sDiverge != nil:
		return *sDiverge, nil
	case tDiverge != nil:
		return *tDiverge, nil
	default:
		return 0, nil
	}
}

// directChildDivergence walks up from branchID to lcaID and returns the
// divergedAt of the branch immediately below lcaID on that path, or nil if
// branchID IS lcaID (no divergence on this side).
func (s *Service) directChildDivergence(ctx context.Context, branchID, lcaID string) (*int64, error) {
	if branchID == lcaID {
		return nil, nil
	}
	cur, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	for cur != nil {
		if cur.ParentID != nil && *cur.ParentID == lcaID {
			return cur.DivergedAt, nil
		}
		if cur.ParentID == nil {
			return nil, fmt.Errorf("branch %s is not a descendant of %s", branchID, lcaID)
		}
		cur, err = s.branches.Get(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("get branch: %w", err)
		}
	}
	return nil, fmt.Errorf("branch %s is not a descendant of %s", branchID, lcaID)
}

// diffMergeSet collects every entity with a version on source, target, or
// lca visible at worldTime, and three-way-merges each of them.
func (s *Service) diffMergeSet(ctx context.Context, source, target, lca *domain.Branch, baseWorldTime, worldTime int64, resolutions map[resolutionKey]domain.Resolution) ([]EntityMergeResult, error) {
	var out []EntityMergeResult
	for _, et := range mergeableEntityTypes {
		ids, err := s.versionRepo.ListEntityIDsAtWorldTime(ctx, et, []string{source.ID, target.ID, lca.ID}, worldTime)
		if err != nil {
			return nil, fmt.Errorf("list entity ids for %s: %w", et, err)
		}
		for _, id := range ids {
			base, err := s.resolvePayload(ctx, et, id, lca.ID, baseWorldTime)
			if err != nil {
				return nil, err
			}
			src, err := s.resolvePayload(ctx, et, id, source.ID, worldTime)
			if err != nil {
				return nil, err
			}
			tgt, err := s.resolvePayload(ctx, et, id, target.ID, worldTime)
			if err != nil {
				return nil, err
			}
			out = append(out, *threeWayMerge(id, et, base, src, tgt, resolutions))
		}
	}
	return out, nil
}

func (s *Service) resolvePayload(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (map[string]any, error) {
	v, err := s.versions.ResolveVersion(ctx, entityType, entityID, branchID, worldTime)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	return codec.Decode(v.Payload)
}

// writeMergedVersion closes the target branch's open tail (if any) and
// inserts the merged payload as newVersion, mirroring
// internal/versionstore.Store.CreateVersion's tail-management but with a
// caller-supplied version number instead of prevTail.Version+1.
func (s *Service) writeMergedVersion(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, newVersion, validFrom int64, payload []byte, userID string) (string, error) {
	prevTail, err := s.versionRepo.OpenTail(ctx, entityType, entityID, branchID)
	if err != nil {
		return "", fmt.Errorf("query open tail: %w", err)
	}
	if prevTail != nil {
		if err := s.versionRepo.CloseTail(ctx, tx, entityType, entityID, branchID, validFrom); err != nil {
			return "", fmt.Errorf("close previous tail: %w", err)
		}
	}

	v := &domain.VersionRecord{
		ID: newMergeVersionID(), EntityType: entityType, EntityID: entityID, BranchID: branchID,
		Version: newVersion, ValidFrom: validFrom, Payload: payload, CreatedBy: userID,
	}
	if err := s.versionRepo.Insert(ctx, tx, v); err != nil {
		return "", fmt.Errorf("insert merged version: %w", err)
	}
	return v.ID, nil
}

func maxVersion(a, b *domain.VersionRecord) int64 {
	var av, bv int64
	if a != nil {
		av = a.Version
	}
	if b != nil {
		bv = b.Version
	}
	return maxInt64(av, bv)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func newBranchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "branch-" + id.String()
}

func newMergeHistoryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "merge-" + id.String()
}

func newMergeVersionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "version-" + id.String()
}
