package eval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractVarPaths_FindsNestedAndListPaths(t *testing.T) {
	formula := map[string]any{"and": []any{
		map[string]any{">=": []any{map[string]any{"var": "settlement.population"}, float64(100)}},
		map[string]any{"if": []any{
			map[string]any{"var": "kingdom.atWar"},
			map[string]any{"var": "kingdom.warBonus"},
			float64(0),
		}},
	}}

	paths := ExtractVarPaths(formula)
	require.ElementsMatch(t, []string{"settlement.population", "kingdom.atWar", "kingdom.warBonus"}, paths)
}

func TestExtractVarPaths_DeduplicatesRepeatedPaths(t *testing.T) {
	formula := map[string]any{"+": []any{
		map[string]any{"var": "x"},
		map[string]any{"var": "x"},
	}}
	paths := ExtractVarPaths(formula)
	require.Equal(t, []string{"x"}, paths)
}

func TestExtractVarPaths_NoVarsReturnsEmpty(t *testing.T) {
	formula := map[string]any{"+": []any{float64(1), float64(2)}}
	require.Empty(t, ExtractVarPaths(formula))
}
