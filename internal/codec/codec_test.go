package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	obj := map[string]any{
		"name":       "Ironhold",
		"population": float64(12000),
		"nested": map[string]any{
			"b": "two",
			"a": "one",
		},
	}

	encoded, err := Encode(obj)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, obj, decoded)
}

func TestEncode_DeterministicForEqualInputs(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": 3}
	b := map[string]any{"a": 2, "m": 3, "z": 1}

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)

	require.Equal(t, encA, encB, "encode must be stable regardless of map iteration order")
}

func TestDecode_CorruptPayload(t *testing.T) {
	_, err := Decode([]byte("not a gzip stream"))
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestDiff_TopLevelFields(t *testing.T) {
	prev := map[string]any{"population": float64(100), "name": "Ironhold", "gone": "bye"}
	next := map[string]any{"population": float64(150), "name": "Ironhold", "new": "hi"}

	d, err := Diff(prev, next)
	require.NoError(t, err)

	require.Equal(t, float64(100), d.Modified["population"].Old)
	require.Equal(t, float64(150), d.Modified["population"].New)
	require.Equal(t, "hi", d.Added["new"])
	require.Equal(t, "bye", d.Removed["gone"])
	require.NotContains(t, d.Modified, "name")
}

func TestDiff_NestedMapRecursion(t *testing.T) {
	prev := map[string]any{
		"stats": map[string]any{"gold": float64(10), "army": float64(5)},
	}
	next := map[string]any{
		"stats": map[string]any{"gold": float64(20), "army": float64(5)},
	}

	d, err := Diff(prev, next)
	require.NoError(t, err)
	require.Equal(t, float64(10), d.Modified["stats.gold"].Old)
	require.Equal(t, float64(20), d.Modified["stats.gold"].New)
	require.NotContains(t, d.Modified, "stats.army")
}

func TestDiff_ArrayReplacedWholesale(t *testing.T) {
	prev := map[string]any{"tags": []any{"a", "b"}}
	next := map[string]any{"tags": []any{"a", "b", "c"}}

	d, err := Diff(prev, next)
	require.NoError(t, err)
	mod, ok := d.Modified["tags"]
	require.True(t, ok)
	require.Equal(t, []any{"a", "b"}, mod.Old)
	require.Equal(t, []any{"a", "b", "c"}, mod.New)
}

func TestDiff_NoChanges(t *testing.T) {
	obj := map[string]any{"a": 1, "b": "x"}
	d, err := Diff(obj, obj)
	require.NoError(t, err)
	require.Empty(t, d.Added)
	require.Empty(t, d.Modified)
	require.Empty(t, d.Removed)
}
