package evalctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/domain"
)

type fakeEntities struct {
	byID map[string]*domain.Entity
	err  error
}

func (f *fakeEntities) Get(ctx context.Context, id string) (*domain.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func TestBuild_WorldScopeReturnsExtraVerbatim(t *testing.T) {
	b := New(&fakeEntities{})
	ctx := b.Build(context.Background(), domain.ScopeWorld, nil, map[string]any{"season": "winter"})
	require.Equal(t, "winter", ctx["season"])
	require.NotContains(t, ctx, "world")
}

func TestBuild_WorldScopeWithNilExtraYieldsEmptyMap(t *testing.T) {
	b := New(&fakeEntities{})
	ctx := b.Build(context.Background(), domain.ScopeWorld, nil, nil)
	require.Empty(t, ctx)
}

func TestBuild_ScopeEntityExposedUnderLowercaseName(t *testing.T) {
	id := "settlement-1"
	entities := &fakeEntities{byID: map[string]*domain.Entity{
		id: {ID: id, Type: domain.EntitySettlement, Version: 3, Fields: map[string]any{"population": float64(500)}},
	}}
	b := New(entities)

	ctx := b.Build(context.Background(), domain.ScopeSettlement, &id, nil)
	settlement, ok := ctx["settlement"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 500, settlement["population"])
	require.EqualValues(t, 3, settlement["version"])
}

func TestBuild_ExtraMergesOverScopeFields(t *testing.T) {
	id := "settlement-1"
	entities := &fakeEntities{byID: map[string]*domain.Entity{
		id: {ID: id, Type: domain.EntitySettlement, Fields: map[string]any{"population": float64(500)}},
	}}
	b := New(entities)

	ctx := b.Build(context.Background(), domain.ScopeSettlement, &id, map[string]any{"settlement": "override"})
	require.Equal(t, "override", ctx["settlement"])
}

func TestBuild_LookupFailureYieldsEmptyContextNotError(t *testing.T) {
	entities := &fakeEntities{err: errors.New("db unavailable")}
	b := New(entities)

	ctx := b.Build(context.Background(), domain.ScopeSettlement, strPtr("settlement-1"), nil)
	require.Empty(t, ctx)
}

func TestBuild_MissingEntityYieldsEmptyContext(t *testing.T) {
	b := New(&fakeEntities{byID: map[string]*domain.Entity{}})
	ctx := b.Build(context.Background(), domain.ScopeSettlement, strPtr("nonexistent"), nil)
	require.Empty(t, ctx)
}

func strPtr(s string) *string { return &s }
