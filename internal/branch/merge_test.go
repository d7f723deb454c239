package branch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"campaignstate.io/core/internal/domain"
)

func TestThreeWayMerge_AutoResolvesDivergentChanges(t *testing.T) {
	base := map[string]any{"name": "Ford", "population": float64(1000)}
	source := map[string]any{"name": "Ford", "population": float64(1500)}
	target := map[string]any{"name": "Ford Reborn", "population": float64(1000)}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, nil)

	require.Empty(t, result.Conflicts)
	require.Equal(t, 2, result.AutoResolved)
	require.True(t, result.HasChanges)
	require.Equal(t, "Ford Reborn", result.Merged["name"])
	require.EqualValues(t, 1500, result.Merged["population"])
}

func TestThreeWayMerge_ReportsConflictOnDivergentOverlap(t *testing.T) {
	base := map[string]any{"population": float64(1000)}
	source := map[string]any{"population": float64(1500)}
	target := map[string]any{"population": float64(2000)}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, nil)

	require.Len(t, result.Conflicts, 1)
	c := result.Conflicts[0]
	require.Equal(t, "population", c.Path)
	require.Equal(t, domain.ConflictBothModified, c.Kind)
	require.EqualValues(t, 1000, c.BaseValue)
	require.EqualValues(t, 1500, c.SourceValue)
	require.EqualValues(t, 2000, c.TargetValue)
}

func TestThreeWayMerge_ResolutionOverridesConflict(t *testing.T) {
	base := map[string]any{"population": float64(1000)}
	source := map[string]any{"population": float64(1500)}
	target := map[string]any{"population": float64(2000)}
	resolutions := map[resolutionKey]domain.Resolution{
		{entityID: "settlement-1", entityType: domain.EntitySettlement, path: "population"}: {
			EntityID: "settlement-1", EntityType: domain.EntitySettlement, Path: "population", Value: float64(1750),
		},
	}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, resolutions)

	require.Empty(t, result.Conflicts)
	require.EqualValues(t, 1750, result.Merged["population"])
}

func TestThreeWayMerge_ConvergentChangeAutoResolves(t *testing.T) {
	base := map[string]any{"population": float64(1000)}
	source := map[string]any{"population": float64(1200)}
	target := map[string]any{"population": float64(1200)}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, nil)

	require.Empty(t, result.Conflicts)
	require.EqualValues(t, 1200, result.Merged["population"])
}

func TestThreeWayMerge_ZeroDiffsProducesNoChanges(t *testing.T) {
	base := map[string]any{"population": float64(1000)}
	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, base, base, nil)

	require.False(t, result.HasChanges)
	require.Empty(t, result.Conflicts)
}

func TestThreeWayMerge_BothDeletedConverges(t *testing.T) {
	// Both sides removing the same path is a convergent change (S(p)==T(p)
	// both nil), not a conflict, even though each side individually changed.
	base := map[string]any{"tag": "old"}
	source := map[string]any{}
	target := map[string]any{}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, nil)

	require.Empty(t, result.Conflicts)
	require.True(t, result.HasChanges)
}

func TestThreeWayMerge_ModifiedDeletedClassification(t *testing.T) {
	base := map[string]any{"tag": "old"}
	source := map[string]any{"tag": "new"}
	target := map[string]any{}

	result := threeWayMerge("settlement-1", domain.EntitySettlement, base, source, target, nil)

	require.Len(t, result.Conflicts, 1)
	require.Equal(t, domain.ConflictModifiedDeleted, result.Conflicts[0].Kind)
}

func TestCollectLeafPaths_DescendsNestedMapsOnly(t *testing.T) {
	obj := map[string]any{
		"name": "Ford",
		"stats": map[string]any{
			"population": float64(1000),
		},
		"tags": []any{"a", "b"},
	}
	paths := map[string]struct{}{}
	collectLeafPaths(obj, "", paths)

	require.Contains(t, paths, "name")
	require.Contains(t, paths, "stats.population")
	require.Contains(t, paths, "tags")
	require.NotContains(t, paths, "stats")
}
