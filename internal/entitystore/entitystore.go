// Package entitystore implements the uniform per-entity-type CRUD contract
// (C4): find/create/update/delete/archive/restore, each writing an atomic
// (entity row, version record) pair and recording an audit entry.
package entitystore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"campaignstate.io/core/internal/audit"
	"campaignstate.io/core/internal/codec"
	"campaignstate.io/core/internal/domain"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// EntityRepository is the persistence surface this package depends on.
type EntityRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, e *domain.Entity) error
	Update(ctx context.Context, tx pgx.Tx, e *domain.Entity, expectedVersion, newVersion int64) (bool, error)
	Get(ctx context.Context, id string) (*domain.Entity, error)
	ListByParent(ctx context.Context, entityType domain.EntityType, parentID string) ([]*domain.Entity, error)
	SoftDelete(ctx context.Context, tx pgx.Tx, id string) error
}

// VersionStore is the subset of internal/versionstore.Store this package
// calls while updating an entity.
type VersionStore interface {
	CreateVersion(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validFrom int64, payload []byte, createdBy string) (*domain.VersionRecord, error)
	ResolveVersion(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error)
	GetVersionsForBranchAndType(ctx context.Context, branchID string, entityType domain.EntityType, worldTime int64) ([]*domain.VersionRecord, error)
}

// CampaignRepository is the subset this package needs to default
// validFrom to Campaign.currentWorldTime.
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// BranchRepository is the subset this package needs to verify a branch
// belongs to the entity's campaign.
type BranchRepository interface {
	Get(ctx context.Context, id string) (*domain.Branch, error)
}

// AccessChecker enforces C12's campaign-membership rule. Implemented by
// internal/access.Guard.
type AccessChecker interface {
	CheckCampaignAccess(ctx context.Context, campaignID, userID string) error
}

// EventPublisher is the subset of internal/eventbus.Bus this package
// publishes through. Best-effort: Publish never returns an error (§4.11).
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any)
}

// Transactor opens a database transaction. *pgxpool.Pool satisfies this
// directly; tests substitute a fake so Create/Update can run without a
// live Postgres instance.
type Transactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements C4's uniform entity CRUD contract.
type Store struct {
	pool      Transactor
	entities  EntityRepository
	versions  VersionStore
	campaigns CampaignRepository
	branches  BranchRepository
	access    AccessChecker
	bus       EventPublisher
	auditLog  *audit.Logger
	now       func() time.Time
}

// New constructs a Store.
func New(
	pool Transactor,
	entities EntityRepository,
	versions VersionStore,
	campaigns CampaignRepository,
	branches BranchRepository,
	access AccessChecker,
	bus EventPublisher,
	auditLog *audit.Logger,
) *Store {
	return &Store{
		pool: pool, entities: entities, versions: versions, campaigns: campaigns,
		branches: branches, access: access, bus: bus, auditLog: auditLog,
		now: time.Now,
	}
}

// FindByID returns the entity with id, or nil if it is deleted, does not
// exist, or the user cannot access its campaign (§4.4 "null if deleted or
// inaccessible"). Infrastructure errors still propagate.
func (s *Store) FindByID(ctx context.Context, id, userID string) (*domain.Entity, error) {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	if err := s.checkEntityAccess(ctx, e, userID); err != nil {
		if _, ok := domainerrors.IsAppError(err); ok {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// FindByParent returns the live children of parentID with entityType,
// ordered by their "name" field ascending when present.
func (s *Store) FindByParent(ctx context.Context, entityType domain.EntityType, parentID, userID string) ([]*domain.Entity, error) {
	children, err := s.entities.ListByParent(ctx, entityType, parentID)
	if err != nil {
		return nil, fmt.Errorf("list entities by parent: %w", err)
	}
	var out []*domain.Entity
	for _, c := range children {
		if err := s.checkEntityAccess(ctx, c, userID); err != nil {
			if _, ok := domainerrors.IsAppError(err); ok {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	sortByName(out)
	return out, nil
}

// CreateInput describes a new entity.
type CreateInput struct {
	ID         string
	Type       domain.EntityType
	CampaignID string // empty for LOCATION
	WorldID    string // set only for LOCATION
	ParentID   *string
	Fields     map[string]any
	BranchID   string // ignored for LOCATION, which is never versioned
	WorldTime  *int64
}

// Create validates parent access, writes the entity row at version 1,
// appends the first VersionRecord (unless the entity type is LOCATION,
// which is never versioned), and emits audit CREATE.
func (s *Store) Create(ctx context.Context, in CreateInput, userID string) (*domain.Entity, error) {
	if in.Type != domain.EntityLocation {
		if err := s.access.CheckCampaignAccess(ctx, in.CampaignID, userID); err != nil {
			return nil, err
		}
	}

	e := &domain.Entity{
		ID:         in.ID,
		Type:       in.Type,
		CampaignID: in.CampaignID,
		WorldID:    in.WorldID,
		ParentID:   in.ParentID,
		Fields:     in.Fields,
		Variables:  map[string]any{},
		Version:    1,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.entities.Insert(ctx, tx, e); err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	if in.Type != domain.EntityLocation {
		validFrom, err := s.resolveValidFrom(ctx, in.CampaignID, in.WorldTime)
		if err != nil {
			return nil, err
		}
		payload, err := codec.Encode(e.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if _, err := s.versions.CreateVersion(ctx, tx, in.Type, e.ID, in.BranchID, validFrom, payload, userID); err != nil {
			return nil, fmt.Errorf("create version: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.auditLog.Log(ctx, in.Type, e.ID, domain.OpCreate, userID, nil, nil, nil, e.Fields, "")
	return e, nil
}

// UpdateInput describes a patch applied to an existing entity.
type UpdateInput struct {
	Patch           map[string]any // merged shallowly over the existing Fields
	ExpectedVersion int64
	BranchID        string
	WorldTime       *int64
}

// Update applies patch over the entity's current Fields inside one
// transaction: bumps version, appends a VersionRecord carrying the full
// post-update payload, emits audit UPDATE, and publishes
// entity.modified.<id> after commit (§4.4, §5).
func (s *Store) Update(ctx context.Context, id string, in UpdateInput, userID string) (*domain.Entity, error) {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if e == nil {
		return nil, domainerrors.NotFound(domainerrors.CodeEntityNotFound, "entity not found")
	}
	if e.Type == domain.EntityLocation {
		return nil, domainerrors.BadRequest(domainerrors.CodeLocationMismatch, "location entities cannot be versioned")
	}
	if err := s.access.CheckCampaignAccess(ctx, e.CampaignID, userID); err != nil {
		return nil, err
	}
	if err := s.checkBranchBelongsToCampaign(ctx, in.BranchID, e.CampaignID); err != nil {
		return nil, err
	}
	if e.Version != in.ExpectedVersion {
		return nil, domainerrors.ErrOptimisticLock(in.ExpectedVersion, e.Version)
	}

	prevFields := cloneFields(e.Fields)
	newFields := mergeFields(e.Fields, in.Patch)
	e.Fields = newFields

	newVersion := in.ExpectedVersion + 1

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.entities.Update(ctx, tx, e, in.ExpectedVersion, newVersion)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	if !ok {
		return nil, domainerrors.ErrOptimisticLock(in.ExpectedVersion, e.Version)
	}

	validFrom, err := s.resolveValidFrom(ctx, e.CampaignID, in.WorldTime)
	if err != nil {
		return nil, err
	}
	payload, err := codec.Encode(newFields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if _, err := s.versions.CreateVersion(ctx, tx, e.Type, e.ID, in.BranchID, validFrom, payload, userID); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	e.Version = newVersion
	s.auditLog.Log(ctx, e.Type, e.ID, domain.OpUpdate, userID, in.Patch, nil, prevFields, newFields, "")
	s.bus.Publish(ctx, fmt.Sprintf("entity.modified.%s", e.ID), map[string]any{
		"entityId": e.ID, "entityType": string(e.Type), "version": newVersion,
	})
	return e, nil
}

// Delete soft-deletes the entity and records audit DELETE. Idempotent: a
// delete on an already-deleted row still records audit (§4.4 edge (a)).
// Children are never cascaded.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}
	if e == nil {
		// Entity already soft-deleted (Get excludes deleted rows) or missing.
		// §4.4 edge (a): still idempotent, still audited.
		s.auditLog.Log(ctx, "", id, domain.OpDelete, userID, nil, nil, nil, nil, "")
		return nil
	}
	if err := s.access.CheckCampaignAccess(ctx, e.CampaignID, userID); err != nil {
		return err
	}
	if err := s.entities.SoftDelete(ctx, nil, id); err != nil {
		return fmt.Errorf("soft delete entity: %w", err)
	}
	s.auditLog.Log(ctx, e.Type, id, domain.OpDelete, userID, nil, nil, e.Fields, nil, "")
	return nil
}

// Archive toggles archivedAt on, recording audit ARCHIVE.
func (s *Store) Archive(ctx context.Context, id, userID string) error {
	return s.toggleArchive(ctx, id, userID, true, domain.OpArchive)
}

// Restore toggles archivedAt off, recording audit RESTORE.
func (s *Store) Restore(ctx context.Context, id, userID string) error {
	return s.toggleArchive(ctx, id, userID, false, domain.OpRestore)
}

func (s *Store) toggleArchive(ctx context.Context, id, userID string, archived bool, op domain.AuditOperation) error {
	e, err := s.entities.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}
	if e == nil {
		return domainerrors.NotFound(domainerrors.CodeEntityNotFound, "entity not found")
	}
	if err := s.access.CheckCampaignAccess(ctx, e.CampaignID, userID); err != nil {
		return err
	}

	if archived {
		now := s.now()
		e.ArchivedAt = &now
	} else {
		e.ArchivedAt = nil
	}

	if _, err := s.entities.Update(ctx, nil, e, e.Version, e.Version); err != nil {
		return fmt.Errorf("toggle archive: %w", err)
	}
	s.auditLog.Log(ctx, e.Type, id, op, userID, nil, nil, nil, nil, "")
	return nil
}

// GetAsOf decodes the version of the entity visible at worldTime on
// branchID, via the Version Store (§4.4 optional operation).
func (s *Store) GetAsOf(ctx context.Context, entityType domain.EntityType, id, branchID string, worldTime int64, userID string) (map[string]any, error) {
	if entityType == domain.EntityLocation {
		return nil, domainerrors.BadRequest(domainerrors.CodeLocationMismatch, "location entities cannot be versioned")
	}
	e, err := s.FindByID(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	v, err := s.versions.ResolveVersion(ctx, entityType, id, branchID, worldTime)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	fields, err := codec.Decode(v.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

// VersionSnapshot pairs a decoded entity payload with the entity id it
// belongs to, for ListVersionsForBranchAndType's results.
type VersionSnapshot struct {
	EntityID string
	Version  int64
	Fields   map[string]any
}

// ListVersionsForBranchAndType returns the decoded payload of every
// entityType record visible at worldTime on branchID (§4.3
// getVersionsForBranchAndType), access-checked against the branch's
// campaign.
func (s *Store) ListVersionsForBranchAndType(ctx context.Context, entityType domain.EntityType, branchID string, worldTime int64, userID string) ([]VersionSnapshot, error) {
	if entityType == domain.EntityLocation {
		return nil, domainerrors.BadRequest(domainerrors.CodeLocationMismatch, "location entities cannot be versioned")
	}
	b, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	if b == nil {
		return nil, domainerrors.NotFound(domainerrors.CodeBranchNotFound, "branch not found")
	}
	if err := s.access.CheckCampaignAccess(ctx, b.CampaignID, userID); err != nil {
		return nil, err
	}

	records, err := s.versions.GetVersionsForBranchAndType(ctx, branchID, entityType, worldTime)
	if err != nil {
		return nil, fmt.Errorf("get versions for branch and type: %w", err)
	}

	out := make([]VersionSnapshot, 0, len(records))
	for _, v := range records {
		fields, err := codec.Decode(v.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, VersionSnapshot{EntityID: v.EntityID, Version: v.Version, Fields: fields})
	}
	return out, nil
}

func (s *Store) checkEntityAccess(ctx context.Context, e *domain.Entity, userID string) error {
	if e.Type == domain.EntityLocation {
		return nil
	}
	return s.access.CheckCampaignAccess(ctx, e.CampaignID, userID)
}

func (s *Store) checkBranchBelongsToCampaign(ctx context.Context, branchID, campaignID string) error {
	b, err := s.branches.Get(ctx, branchID)
	if err != nil {
		return fmt.Errorf("get branch: %w", err)
	}
	if b == nil || b.CampaignID != campaignID {
		return domainerrors.NotFound(domainerrors.CodeBranchNotFound, "branch not found")
	}
	return nil
}

// resolveValidFrom defaults worldTime to Campaign.currentWorldTime, then
// wall-clock now() (§4.10).
func (s *Store) resolveValidFrom(ctx context.Context, campaignID string, worldTime *int64) (int64, error) {
	if worldTime != nil {
		return *worldTime, nil
	}
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("get campaign: %w", err)
	}
	if c != nil && c.CurrentWorldTime != nil {
		return *c.CurrentWorldTime, nil
	}
	return s.now().Unix(), nil
}

func mergeFields(base, patch map[string]any) map[string]any {
	out := cloneFields(base)
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortByName(entities []*domain.Entity) {
	for i := 1; i < len(entities); i++ {
		j := i
		for j > 0 && entityName(entities[j-1]) > entityName(entities[j]) {
			entities[j-1], entities[j] = entities[j], entities[j-1]
			j--
		}
	}
}

func entityName(e *domain.Entity) string {
	if name, ok := e.Fields["name"].(string); ok {
		return name
	}
	return ""
}
