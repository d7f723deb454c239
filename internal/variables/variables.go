// Package variables implements the State-Variable Service (C9): scoped
// variables, static and derived, composing the Version Store (C3), the
// Expression Evaluator (C6), the Context Builder (C7), and the Dependency
// Graph (C8) behind a uniform create/update/delete/toggleActive/evaluate
// surface.
package variables

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"campaignstate.io/core/internal/cache"
	"campaignstate.io/core/internal/codec"
	"campaignstate.io/core/internal/depgraph"
	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/eval"
	"campaignstate.io/core/internal/eventbus"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// Repository is the persistence surface this package depends on.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, v *domain.StateVariable) error
	Update(ctx context.Context, tx pgx.Tx, v *domain.StateVariable, expectedVersion, newVersion int64) (bool, error)
	Get(ctx context.Context, id string) (*domain.StateVariable, error)
	GetByScopeKey(ctx context.Context, scope domain.Scope, scopeID *string, key string) (*domain.StateVariable, error)
	ListByScope(ctx context.Context, scope domain.Scope, scopeID *string) ([]*domain.StateVariable, error)
	ListForCampaign(ctx context.Context, campaignID string) ([]*domain.StateVariable, error)
	SoftDelete(ctx context.Context, tx pgx.Tx, id string) error
}

// VersionStore is the subset of internal/versionstore.Store this package
// calls for a state variable's optional per-branch history.
type VersionStore interface {
	CreateVersion(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID, branchID string, validFrom int64, payload []byte, createdBy string) (*domain.VersionRecord, error)
	ResolveVersion(ctx context.Context, entityType domain.EntityType, entityID, branchID string, worldTime int64) (*domain.VersionRecord, error)
	FindVersionHistory(ctx context.Context, entityType domain.EntityType, entityID, branchID string) ([]*domain.VersionRecord, error)
}

// CampaignRepository is the subset this package needs to default validFrom
// to Campaign.currentWorldTime (§4.10).
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// AccessChecker resolves a scope to its owning campaign and enforces
// membership in one step. Implemented by internal/access.Guard.
type AccessChecker interface {
	CheckScopeAccess(ctx context.Context, scope domain.Scope, scopeID *string, userID string) (string, error)
}

// GraphInvalidator drops cached dependency graphs for a campaign.
// Implemented by internal/depgraph.Service.
type GraphInvalidator interface {
	InvalidateGraph(campaignID string)
}

// EventPublisher is the subset of internal/eventbus.Bus this package
// publishes through.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any)
}

// FieldCache evicts stale computed-field cache entries. Implemented by
// internal/cache.Cache.
type FieldCache interface {
	Evict(key string)
}

// ContextBuilder assembles the evaluation Context a formula resolves
// {var: "..."} references against. Implemented by internal/evalctx.Builder.
type ContextBuilder interface {
	Build(ctx context.Context, scope domain.Scope, scopeID *string, extra map[string]any) eval.Context
}

// Transactor opens a database transaction. *pgxpool.Pool satisfies this
// directly; tests substitute a fake so Create/Update can run without a
// live Postgres instance.
type Transactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service implements C9's operations.
type Service struct {
	pool       Transactor
	variables  Repository
	versions   VersionStore
	campaigns  CampaignRepository
	access     AccessChecker
	graph      GraphInvalidator
	bus        EventPublisher
	cache      FieldCache
	ctxBuilder ContextBuilder
	evaluator  *eval.Evaluator
	now        func() time.Time
}

// New constructs a Service.
func New(
	pool Transactor,
	variables Repository,
	versions VersionStore,
	campaigns CampaignRepository,
	access AccessChecker,
	graph GraphInvalidator,
	bus EventPublisher,
	fieldCache FieldCache,
	ctxBuilder ContextBuilder,
	evaluator *eval.Evaluator,
) *Service {
	return &Service{
		pool: pool, variables: variables, versions: versions, campaigns: campaigns,
		access: access, graph: graph, bus: bus, cache: fieldCache,
		ctxBuilder: ctxBuilder, evaluator: evaluator, now: time.Now,
	}
}

// CreateInput describes a new state variable.
type CreateInput struct {
	ID          string
	Scope       domain.Scope
	ScopeID     *string // nil only for WORLD
	Key         string
	Type        domain.VariableType
	Value       any            // required unless Type == VarDerived
	Formula     map[string]any // required iff Type == VarDerived
	Description string
	BranchID    string // optional per-branch version history
	WorldTime   *int64
}

// Create validates access, shape, and (for derived variables) the
// formula's structure and acyclicity, then writes the variable row and,
// when branchID is given and the scope isn't WORLD, a first VersionRecord
// — all inside one transaction. Publishes variable.created after commit.
func (s *Service) Create(ctx context.Context, in CreateInput, userID string) (*domain.StateVariable, error) {
	campaignID, err := s.access.CheckScopeAccess(ctx, in.Scope, in.ScopeID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.validateShape(in.Type, in.Value, in.Formula); err != nil {
		return nil, err
	}

	existing, err := s.variables.GetByScopeKey(ctx, in.Scope, in.ScopeID, in.Key)
	if err != nil {
		return nil, fmt.Errorf("check scope key uniqueness: %w", err)
	}
	if existing != nil {
		return nil, domainerrors.Conflict(domainerrors.CodeScopeKeyConflict, "a variable with this key already exists at this scope")
	}

	v := &domain.StateVariable{
		ID: in.ID, Scope: in.Scope, ScopeID: in.ScopeID, Key: in.Key, Type: in.Type,
		Value: in.Value, Formula: in.Formula, Description: in.Description,
		IsActive: true, Version: 1, CreatedBy: userID,
	}

	if in.Type == domain.VarDerived && campaignID != "" {
		if err := s.checkNoCycle(ctx, campaignID, v); err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.variables.Insert(ctx, tx, v); err != nil {
		return nil, fmt.Errorf("insert state variable: %w", err)
	}

	if in.BranchID != "" && in.Scope != domain.ScopeWorld {
		if err := s.writeVersion(ctx, tx, v, campaignID, in.BranchID, in.WorldTime, userID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.afterMutation(ctx, v, campaignID, in.BranchID, eventbus.TopicVariableCreated)
	return v, nil
}

// UpdateInput describes a patch applied to an existing state variable.
// Only non-nil fields are applied; Scope, ScopeID, Key, and Type are
// immutable after creation.
type UpdateInput struct {
	Value           any
	Formula         map[string]any
	Description     *string
	IsActive        *bool
	ExpectedVersion int64
	BranchID        string
	WorldTime       *int64
}

// Update applies in over the variable's current value inside one
// transaction, enforcing optimistic locking against ExpectedVersion,
// re-validating a derived formula's structure and acyclicity, and
// appending a VersionRecord when BranchID is given and the scope isn't
// WORLD. Publishes variable.updated after commit.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput, userID string) (*domain.StateVariable, error) {
	v, err := s.variables.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state variable: %w", err)
	}
	if v == nil {
		return nil, domainerrors.NotFound(domainerrors.CodeVariableNotFound, "state variable not found")
	}
	campaignID, err := s.access.CheckScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return nil, err
	}
	if v.Version != in.ExpectedVersion {
		return nil, domainerrors.ErrOptimisticLock(in.ExpectedVersion, v.Version)
	}

	if in.Formula != nil {
		v.Formula = in.Formula
	}
	if in.Value != nil {
		v.Value = in.Value
	}
	if in.Description != nil {
		v.Description = *in.Description
	}
	if in.IsActive != nil {
		v.IsActive = *in.IsActive
	}
	if err := s.validateShape(v.Type, v.Value, v.Formula); err != nil {
		return nil, err
	}

	if v.Type == domain.VarDerived && campaignID != "" {
		if err := s.checkNoCycle(ctx, campaignID, v); err != nil {
			return nil, err
		}
	}

	newVersion := in.ExpectedVersion + 1
	v.UpdatedBy = &userID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := s.variables.Update(ctx, tx, v, in.ExpectedVersion, newVersion)
	if err != nil {
		return nil, fmt.Errorf("update state variable: %w", err)
	}
	if !ok {
		return nil, domainerrors.ErrOptimisticLock(in.ExpectedVersion, v.Version)
	}
	v.Version = newVersion

	if in.BranchID != "" && v.Scope != domain.ScopeWorld {
		if err := s.writeVersion(ctx, tx, v, campaignID, in.BranchID, in.WorldTime, userID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.afterMutation(ctx, v, campaignID, in.BranchID, eventbus.TopicVariableUpdated)
	return v, nil
}

// ToggleActive flips IsActive without changing the stored value or
// bumping the version (mirroring C4's archive/restore toggle), since
// activation state is metadata about whether the variable participates in
// evaluation, not a new value. Publishes variable.updated.
func (s *Service) ToggleActive(ctx context.Context, id string, active bool, userID string) (*domain.StateVariable, error) {
	v, err := s.variables.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state variable: %w", err)
	}
	if v == nil {
		return nil, domainerrors.NotFound(domainerrors.CodeVariableNotFound, "state variable not found")
	}
	campaignID, err := s.access.CheckScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return nil, err
	}
	v.IsActive = active
	v.UpdatedBy = &userID

	if _, err := s.variables.Update(ctx, nil, v, v.Version, v.Version); err != nil {
		return nil, fmt.Errorf("toggle active: %w", err)
	}

	s.afterMutation(ctx, v, campaignID, "", eventbus.TopicVariableUpdated)
	return v, nil
}

// Delete soft-deletes the variable, freeing its (scope, scopeId, key) for
// reuse, invalidates the owning campaign's dependency graph, and
// publishes variable.deleted.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	v, err := s.variables.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get state variable: %w", err)
	}
	if v == nil {
		return nil
	}
	campaignID, err := s.access.CheckScopeAccess(ctx, v.Scope, v.ScopeID, userID)
	if err != nil {
		return err
	}
	if err := s.variables.SoftDelete(ctx, nil, id); err != nil {
		return fmt.Errorf("soft delete state variable: %w", err)
	}
	s.afterMutation(ctx, v, campaignID, "", eventbus.TopicVariableDeleted)
	return nil
}

// FindByID returns the variable with id, or nil if it is deleted, does
// not exist, or the caller cannot access its campaign.
func (s *Service) FindByID(ctx context.Context, id, userID string) (*domain.StateVariable, error) {
	v, err := s.variables.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state variable: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	if _, err := s.access.CheckScopeAccess(ctx, v.Scope, v.ScopeID, userID); err != nil {
		if _, ok := domainerrors.IsAppError(err); ok {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// FindByScope returns every live variable at (scope, scopeID) the caller
// can access.
func (s *Service) FindByScope(ctx context.Context, scope domain.Scope, scopeID *string, userID string) ([]*domain.StateVariable, error) {
	if _, err := s.access.CheckScopeAccess(ctx, scope, scopeID, userID); err != nil {
		if _, ok := domainerrors.IsAppError(err); ok {
			return nil, nil
		}
		return nil, err
	}
	return s.variables.ListByScope(ctx, scope, scopeID)
}

// FindMany returns the live, accessible variables among ids, silently
// dropping any the caller cannot see.
func (s *Service) FindMany(ctx context.Context, ids []string, userID string) ([]*domain.StateVariable, error) {
	out := make([]*domain.StateVariable, 0, len(ids))
	for _, id := range ids {
		v, err := s.FindByID(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Evaluate resolves the variable's current value: a static variable
// evaluates to its stored Value; a derived variable's formula is
// evaluated against a Context built from its scope entity merged with
// extra (§4.7).
func (s *Service) Evaluate(ctx context.Context, id string, extra map[string]any, userID string) (eval.Result, error) {
	v, err := s.variables.Get(ctx, id)
	if err != nil {
		return eval.Result{}, fmt.Errorf("get state variable: %w", err)
	}
	if v == nil {
		return eval.Result{}, domainerrors.NotFound(domainerrors.CodeVariableNotFound, "state variable not found")
	}
	if _, err := s.access.CheckScopeAccess(ctx, v.Scope, v.ScopeID, userID); err != nil {
		return eval.Result{}, err
	}
	if v.Type != domain.VarDerived {
		return eval.Result{Success: true, Value: v.Value}, nil
	}
	evalCtx := s.ctxBuilder.Build(ctx, v.Scope, v.ScopeID, extra)
	return s.evaluator.Evaluate(ctx, v.Formula, evalCtx), nil
}

// GetAsOf decodes the version of the variable visible at worldTime on
// branchID, via the Version Store.
func (s *Service) GetAsOf(ctx context.Context, id, branchID string, worldTime int64, userID string) (map[string]any, error) {
	v, err := s.FindByID(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	rec, err := s.versions.ResolveVersion(ctx, domain.EntityStateVariable, id, branchID, worldTime)
	if err != nil {
		return nil, fmt.Errorf("resolve version: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	fields, err := codec.Decode(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

// GetHistory returns the variable's version history on branchID, newest
// validFrom first.
func (s *Service) GetHistory(ctx context.Context, id, branchID, userID string) ([]*domain.VersionRecord, error) {
	v, err := s.FindByID(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return s.versions.FindVersionHistory(ctx, domain.EntityStateVariable, id, branchID)
}

// validateShape enforces §3's "Value is nil iff Type == VarDerived"
// invariant and rejects a derived variable with no formula. Formula
// validation goes through evaluator's registry so a formula using a
// custom (e.g. "settlement.*") operator validates the same way it
// evaluates, instead of rejecting every non-builtin operator name.
func (s *Service) validateShape(varType domain.VariableType, value any, formula map[string]any) error {
	if varType == domain.VarDerived {
		if formula == nil {
			return domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "derived variables require a formula")
		}
		vr := s.evaluator.ValidateFormula(formula)
		if !vr.IsValid {
			return domainerrors.ErrFormulaInvalidf(joinErrs(vr.Errors))
		}
		return nil
	}
	if formula != nil {
		return domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "only derived variables may carry a formula")
	}
	if value == nil {
		return domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "non-derived variables require a value")
	}
	return nil
}

// checkNoCycle validates that candidate's formula, if written, would not
// close a dependency cycle among campaignID's other variables. It
// consults live storage rather than the cached graph, since candidate may
// not yet be committed (§5: validateNoCycles always rebuilds).
func (s *Service) checkNoCycle(ctx context.Context, campaignID string, candidate *domain.StateVariable) error {
	existing, err := s.variables.ListForCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("list campaign variables: %w", err)
	}
	replaced := false
	projected := make([]*domain.StateVariable, 0, len(existing)+1)
	for _, v := range existing {
		if v.ID == candidate.ID {
			projected = append(projected, candidate)
			replaced = true
			continue
		}
		projected = append(projected, v)
	}
	if !replaced {
		projected = append(projected, candidate)
	}
	return depgraph.ValidateNoCycles(depgraph.BuildGraph(projected))
}

// writeVersion appends a VersionRecord for v on branchID, resolving
// validFrom the same way C4 does (§4.10): explicit worldTime, else
// Campaign.currentWorldTime, else wall-clock now().
func (s *Service) writeVersion(ctx context.Context, tx pgx.Tx, v *domain.StateVariable, campaignID, branchID string, worldTime *int64, userID string) error {
	validFrom, err := s.resolveValidFrom(ctx, campaignID, worldTime)
	if err != nil {
		return err
	}
	payload, err := codec.Encode(variablePayload(v))
	if err != nil {
		return fmt.Errorf("encode variable payload: %w", err)
	}
	if _, err := s.versions.CreateVersion(ctx, tx, domain.EntityStateVariable, v.ID, branchID, validFrom, payload, userID); err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

func (s *Service) resolveValidFrom(ctx context.Context, campaignID string, worldTime *int64) (int64, error) {
	if worldTime != nil {
		return *worldTime, nil
	}
	if campaignID == "" {
		return s.now().Unix(), nil
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

// afterMutation runs the post-commit side effects common to every
// mutating operation (§4.9): invalidate the owning campaign's dependency
// graph, evict the computed-field cache entry, and publish the event.
func (s *Service) afterMutation(ctx context.Context, v *domain.StateVariable, campaignID, branchID, topic string) {
	if campaignID != "" {
		s.graph.InvalidateGraph(campaignID)
	}
	s.cache.Evict(cache.ComputedFieldKey(string(v.Scope), scopeIDOf(v), branchID))
	s.bus.Publish(ctx, topic, map[string]any{
		"variableId": v.ID, "campaignId": campaignID, "branchId": branchID,
	})
}

func scopeIDOf(v *domain.StateVariable) string {
	if v.ScopeID == nil {
		return ""
	}
	return *v.ScopeID
}

func variablePayload(v *domain.StateVariable) map[string]any {
	return map[string]any{
		"value":       v.Value,
		"formula":     v.Formula,
		"description": v.Description,
		"isActive":    v.IsActive,
	}
}

func joinErrs(errs []string) string {
	if len(errs) == 0 {
		return "invalid formula"
	}
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
