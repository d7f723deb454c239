// Package versionstore implements the per-entity-per-branch append-only
// version log (C3): creating new snapshots, closing the previously-open
// tail, and resolving a snapshot visible at a given world time by walking
// the branch hierarchy toward its root.
package versionstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domainerrors "campaignstate.io/core/internal/pkg/errors"
	"campaignstate.io/core/internal/domain"
)

// VersionRepository is the persistence surface this package depends on,
// satisfied by internal/repository.VersionRepository.
type VersionRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, v *domain.VersionRecord) error
	CloseTail(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validTo int64) error
	OpenTail(ctx context.Context, entityType domain.EntityType, entityID, branchID string) (*domain.VersionRecord, error)
	AtWorldTime(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error)
	History(ctx context.Context, entityType domain.EntityType, entityID, branchID string) ([]*domain.VersionRecord, error)
	GetVersionsForBranchAndType(ctx context.Context, branchID string, entityType domain.EntityType, worldTime int64) ([]*domain.VersionRecord, error)
}

// BranchRepository is the subset of the branch store this package needs to
// walk the branch hierarchy during resolveVersion.
type BranchRepository interface {
	Get(ctx context.Context, id string) (*domain.Branch, error)
}

// Store implements C3's operations.
type Store struct {
	versions VersionRepository
	branches BranchRepository
}

// New constructs a Store.
func New(versions VersionRepository, branches BranchRepository) *Store {
	return &Store{versions: versions, branches: branches}
}

// CreateVersion appends a new version record, closing the previously-open
// tail on the same (entityType, entityId, branchId). Must run inside tx so
// the entity row update and the version append commit atomically (§5).
func (s *Store) CreateVersion(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validFrom int64, payload []byte, createdBy string) (*domain.VersionRecord, error) {
	prevTail, err := s.versions.OpenTail(ctx, entityType, entityID, branchID)
	if err != nil {
		return nil, fmt.Errorf("query open tail: %w", err)
	}
	if prevTail != nil && prevTail.ValidFrom > validFrom {
		return nil, domainerrors.BadRequest(domainerrors.CodeTimeRegression, "new validFrom precedes the open tail's validFrom")
	}

	nextVersion := int64(1)
	if prevTail != nil {
		nextVersion = prevTail.Version + 1
		if err := s.versions.CloseTail(ctx, tx, entityType, entityID, branchID, validFrom); err != nil {
			return nil, fmt.Errorf("close previous tail: %w", err)
		}
	}

	id, err := newVersionID()
	if err != nil {
		return nil, err
	}

	v := &domain.VersionRecord{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		BranchID:   branchID,
		Version:    nextVersion,
		ValidFrom:  validFrom,
		Payload:    payload,
		CreatedBy:  createdBy,
	}
	if err := s.versions.Insert(ctx, tx, v); err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

// ResolveVersion finds the version record visible at worldTime on
// branchID, recursing to the parent branch (bounded by divergedAt) when
// branchID itself has no record covering worldTime (§4.3).
func (s *Store) ResolveVersion(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error) {
	const maxHops = 64 // guards against a corrupted branch cycle; real trees are shallow
	for hop := 0; hop < maxHops; hop++ {
		v, err := s.versions.AtWorldTime(ctx, entityType, entityID, branchID, worldTime)
		if err != nil {
			return nil, fmt.Errorf("query version at world time: %w", err)
		}
		if v != nil {
			return v, nil
		}

		branch, err := s.branches.Get(ctx, branchID)
		if err != nil {
			return nil, fmt.Errorf("query branch: %w", err)
		}
		if branch == nil || branch.ParentID == nil {
			return nil, nil
		}
		if branch.DivergedAt != nil && *branch.DivergedAt < worldTime {
			worldTime = *branch.DivergedAt
		}
		branchID = *branch.ParentID
	}
	return nil, fmt.Errorf("resolve version: exceeded max branch hops")
}

// FindVersionHistory returns every version record for (entityType,
// entityId, branchId), newest validFrom first.
func (s *Store) FindVersionHistory(ctx context.Context, entityType domain.EntityType, entityID, branchID string) ([]*domain.VersionRecord, error) {
	history, err := s.versions.History(ctx, entityType, entityID, branchID)
	if err != nil {
		return nil, err
	}
	reversed := make([]*domain.VersionRecord, len(history))
	for i, v := range history {
		reversed[len(history)-1-i] = v
	}
	return reversed, nil
}

// GetVersionsForBranchAndType returns every version record of entityType on
// branchID visible at worldTime, one per entity (§4.3).
func (s *Store) GetVersionsForBranchAndType(ctx context.Context, branchID string, entityType domain.EntityType, worldTime int64) ([]*domain.VersionRecord, error) {
	return s.versions.GetVersionsForBranchAndType(ctx, branchID, entityType, worldTime)
}

func newVersionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "version-" + id.String(), nil
}
