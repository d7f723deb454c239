package depgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/domain"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

type fakeVariables struct {
	vars []*domain.StateVariable
	err  error
	hits int
}

func (f *fakeVariables) ListForCampaign(ctx context.Context, campaignID string) ([]*domain.StateVariable, error) {
	f.hits++
	return f.vars, f.err
}

func strPtr(s string) *string { return &s }

func derivedVar(key string, formula map[string]any) *domain.StateVariable {
	scopeID := "settlement-1"
	return &domain.StateVariable{
		ID: "var-" + key, Scope: domain.ScopeSettlement, ScopeID: &scopeID, Key: key,
		Type: domain.VarDerived, Formula: formula, IsActive: true,
	}
}

func TestGetGraph_BuildsEdgesFromSiblingVarReferences(t *testing.T) {
	vars := &fakeVariables{vars: []*domain.StateVariable{
		derivedVar("totalIncome", map[string]any{"+": []any{
			map[string]any{"var": "tradeIncome"},
			map[string]any{"var": "taxIncome"},
		}}),
		{ID: "v2", Scope: domain.ScopeSettlement, ScopeID: strPtr("settlement-1"), Key: "tradeIncome", Type: domain.VarInteger, Value: float64(10)},
		{ID: "v3", Scope: domain.ScopeSettlement, ScopeID: strPtr("settlement-1"), Key: "taxIncome", Type: domain.VarInteger, Value: float64(20)},
	}}
	svc := New(vars)

	graph, err := svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)

	from := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "settlement-1", Key: "totalIncome"}
	deps := graph.DependsOn(from)
	require.Len(t, deps, 2)
}

func TestGetGraph_EntityFieldPathsAreNotEdges(t *testing.T) {
	vars := &fakeVariables{vars: []*domain.StateVariable{
		derivedVar("adjustedPopulation", map[string]any{"var": "settlement.population"}),
	}}
	svc := New(vars)

	graph, err := svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)

	from := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "settlement-1", Key: "adjustedPopulation"}
	require.Empty(t, graph.DependsOn(from))
}

func TestGetGraph_CachesAcrossCalls(t *testing.T) {
	vars := &fakeVariables{}
	svc := New(vars)

	_, err := svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)
	_, err = svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)

	require.Equal(t, 1, vars.hits)
}

func TestInvalidateGraph_ForcesRebuild(t *testing.T) {
	vars := &fakeVariables{}
	svc := New(vars)

	_, err := svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)
	svc.InvalidateGraph("campaign-1")
	_, err = svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)

	require.Equal(t, 2, vars.hits)
}

func TestValidateNoCycles_DetectsDirectCycle(t *testing.T) {
	a := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "a"}
	b := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "b"}
	graph := &Graph{edges: map[domain.DependencyNode][]domain.DependencyNode{
		a: {b},
		b: {a},
	}}

	err := ValidateNoCycles(graph)
	require.Error(t, err)
	appErr, ok := domainerrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, domainerrors.CodeDependencyCycle, appErr.Code)
}

func TestValidateNoCycles_DetectsSelfEdge(t *testing.T) {
	a := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "a"}
	graph := &Graph{edges: map[domain.DependencyNode][]domain.DependencyNode{
		a: {a},
	}}

	err := ValidateNoCycles(graph)
	require.Error(t, err)
}

func TestValidateNoCycles_AcceptsAcyclicGraph(t *testing.T) {
	a := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "a"}
	b := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "b"}
	c := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "c"}
	graph := &Graph{edges: map[domain.DependencyNode][]domain.DependencyNode{
		a: {b, c},
		b: {c},
	}}

	require.NoError(t, ValidateNoCycles(graph))
}

func TestDetectCycles_ReportsEveryIndependentSCC(t *testing.T) {
	a := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "a"}
	b := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "b"}
	x := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s2", Key: "x"}
	y := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s2", Key: "y"}
	graph := &Graph{edges: map[domain.DependencyNode][]domain.DependencyNode{
		a: {b},
		b: {a},
		x: {y},
		y: {x},
	}}

	cycles := DetectCycles(graph)
	require.Len(t, cycles, 2, "two independent cyclic components must both be reported")
}

type fakeAccess struct{ deny bool }

func (f *fakeAccess) CheckCampaignAccess(ctx context.Context, campaignID, userID string) error {
	if f.deny {
		return domainerrors.Forbidden(domainerrors.CodeForbiddenRole, "not a member")
	}
	return nil
}

func TestService_ValidateNoCycles_ReportsCycleMembers(t *testing.T) {
	scopeID := "settlement-1"
	vars := &fakeVariables{vars: []*domain.StateVariable{
		derivedVar("a", map[string]any{"var": "b"}),
		{ID: "v-b", Scope: domain.ScopeSettlement, ScopeID: &scopeID, Key: "b", Type: domain.VarDerived,
			Formula: map[string]any{"var": "a"}, IsActive: true},
	}}
	svc := New(vars)

	hasCycles, cycles, err := svc.ValidateNoCycles(context.Background(), "campaign-1", "main", "user-1", nil)
	require.NoError(t, err)
	require.True(t, hasCycles)
	require.NotEmpty(t, cycles)
}

func TestService_ValidateNoCycles_DeniesInaccessibleCampaign(t *testing.T) {
	svc := New(&fakeVariables{})
	_, _, err := svc.ValidateNoCycles(context.Background(), "campaign-1", "main", "user-1", &fakeAccess{deny: true})
	require.Error(t, err)
}

func TestService_ValidateNoCycles_AlwaysRebuildsIgnoringCache(t *testing.T) {
	vars := &fakeVariables{}
	svc := New(vars)
	_, err := svc.GetGraph(context.Background(), "campaign-1", "main")
	require.NoError(t, err)

	_, _, err = svc.ValidateNoCycles(context.Background(), "campaign-1", "main", "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, vars.hits)
}

func TestFindTransitiveDependents_WalksReverseEdges(t *testing.T) {
	a := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "a"}
	b := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "b"}
	c := domain.DependencyNode{Scope: domain.ScopeSettlement, ScopeID: "s1", Key: "c"}
	graph := &Graph{edges: map[domain.DependencyNode][]domain.DependencyNode{
		a: {b},
		b: {c},
	}}

	dependents := FindTransitiveDependents(graph, c)
	require.ElementsMatch(t, []domain.DependencyNode{b, a}, dependents)
}
