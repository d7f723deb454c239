// Package evalctx builds the evaluation Context (C7) a formula resolves
// {var: "..."} references against: the scope entity's fields exposed
// under the scope's lowercase name, merged with caller-supplied extras.
package evalctx

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/eval"
	"campaignstate.io/core/internal/pkg/logger"
)

// EntityFetcher resolves a scope entity's current fields by id. Lookup
// failures are logged and yield an empty context rather than propagating,
// since a formula should degrade rather than fail the caller's request.
type EntityFetcher interface {
	Get(ctx context.Context, id string) (*domain.Entity, error)
}

// Builder constructs evaluation contexts for formula evaluation.
type Builder struct {
	entities EntityFetcher
}

// New constructs a Builder backed by entities.
func New(entities EntityFetcher) *Builder {
	return &Builder{entities: entities}
}

// Build returns the Context for scope/scopeID, merged with extra. WORLD
// scope has no backing entity: it returns extra verbatim (or an empty map
// when extra is nil).
func (b *Builder) Build(ctx context.Context, scope domain.Scope, scopeID *string, extra map[string]any) eval.Context {
	if scope == domain.ScopeWorld || scopeID == nil {
		return mergeInto(eval.Context{}, extra)
	}

	base := eval.Context{}
	entity, err := b.entities.Get(ctx, *scopeID)
	if err != nil {
		logger.Warn("evalctx: scope entity lookup failed, using empty context",
			zap.String("scope", string(scope)), zap.String("scopeId", *scopeID), zap.Error(err))
		return mergeInto(base, extra)
	}
	if entity == nil {
		return mergeInto(base, extra)
	}

	key := strings.ToLower(string(scope))
	fields := make(map[string]any, len(entity.Fields))
	for k, v := range entity.Fields {
		fields[k] = v
	}
	fields["id"] = entity.ID
	fields["version"] = entity.Version
	base[key] = fields

	return mergeInto(base, extra)
}

func mergeInto(base eval.Context, extra map[string]any) eval.Context {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
