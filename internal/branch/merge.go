package branch

import (
	"fmt"
	"reflect"
	"sort"

	"campaignstate.io/core/internal/domain"
)

// Conflict describes one unresolved leaf-path disagreement between a merge's
// source and target sides.
type Conflict struct {
	EntityID    string
	EntityType  domain.EntityType
	Path        string
	Kind        domain.ConflictKind
	Description string
	BaseValue   any
	SourceValue any
	TargetValue any
}

// EntityMergeResult is the three-way merge outcome for a single entity.
type EntityMergeResult struct {
	EntityID      string
	EntityType    domain.EntityType
	Base          map[string]any
	Source        map[string]any
	Target        map[string]any
	Merged        map[string]any
	Conflicts     []Conflict
	AutoResolved  int
	HasChanges    bool
}

// resolutionKey identifies one user-supplied override, keyed exactly as
// §4.5a step 4 describes: (entityId, entityType, path).
type resolutionKey struct {
	entityID   string
	entityType domain.EntityType
	path       string
}

func resolutionIndex(resolutions []domain.Resolution) map[resolutionKey]domain.Resolution {
	idx := make(map[resolutionKey]domain.Resolution, len(resolutions))
	for _, r := range resolutions {
		idx[resolutionKey{entityID: r.EntityID, entityType: r.EntityType, path: r.Path}] = r
	}
	return idx
}

// threeWayMerge implements §4.5a: walk the union of leaf paths in base,
// source, target; auto-resolve convergent/one-sided changes; classify the
// rest as conflicts unless a matching resolution overrides them.
func threeWayMerge(entityID string, entityType domain.EntityType, base, source, target map[string]any, resolutions map[resolutionKey]domain.Resolution) *EntityMergeResult {
	paths := map[string]struct{}{}
	collectLeafPaths(base, "", paths)
	collectLeafPaths(source, "", paths)
	collectLeafPaths(target, "", paths)

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	result := &EntityMergeResult{
		EntityID: entityID, EntityType: entityType,
		Base: base, Source: source, Target: target,
		Merged: map[string]any{},
	}

	for _, path := range sorted {
		bVal, bPresent := valueAt(base, path)
		sVal, sPresent := valueAt(source, path)
		tVal, tPresent := valueAt(target, path)

		sChanged := !deepEqual(sVal, bVal)
		tChanged := !deepEqual(tVal, bVal)

		switch {
		case !sChanged && !tChanged:
			setPath(result.Merged, path, bVal)
		case sChanged && !tChanged:
			setPath(result.Merged, path, sVal)
			result.AutoResolved++
			result.HasChanges = true
		case !sChanged && tChanged:
			setPath(result.Merged, path, tVal)
			result.AutoResolved++
			result.HasChanges = true
		case deepEqual(sVal, tVal):
			setPath(result.Merged, path, sVal)
			result.AutoResolved++
			result.HasChanges = true
		default:
			result.HasChanges = true
			kind := classifyConflict(bPresent, bVal, sPresent, sVal, tPresent, tVal)
			if res, ok := resolutions[resolutionKey{entityID: entityID, entityType: entityType, path: path}]; ok {
				setPath(result.Merged, path, res.Value)
				result.AutoResolved++
				continue
			}
			c := Conflict{
				EntityID: entityID, EntityType: entityType, Path: path, Kind: kind,
				BaseValue: bVal, SourceValue: sVal, TargetValue: tVal,
			}
			c.Description = describeConflict(c)
			result.Conflicts = append(result.Conflicts, c)
		}
	}
	return result
}

// classifyConflict applies §4.5a's nil-pattern: a path is "deleted" on a
// side when base held a value there and that side no longer does.
func classifyConflict(bPresent bool, bVal any, sPresent bool, sVal any, tPresent bool, tVal any) domain.ConflictKind {
	sDeleted := bPresent && bVal != nil && !valuePresent(sPresent, sVal)
	tDeleted := bPresent && bVal != nil && !valuePresent(tPresent, tVal)
	switch {
	case sDeleted && tDeleted:
		return domain.ConflictBothDeleted
	case sDeleted && !tDeleted:
		return domain.ConflictDeletedModified
	case !sDeleted && tDeleted:
		return domain.ConflictModifiedDeleted
	default:
		return domain.ConflictBothModified
	}
}

func valuePresent(present bool, val any) bool {
	return present && val != nil
}

// collectLeafPaths walks obj recursively, recording a dotted path for every
// leaf value. Arrays and scalars are leaves; only nested maps are descended.
func collectLeafPaths(obj map[string]any, prefix string, out map[string]struct{}) {
	if obj == nil {
		return
	}
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			collectLeafPaths(child, path, out)
			continue
		}
		out[path] = struct{}{}
	}
}

// valueAt resolves a dotted path against obj, reporting whether the path
// was present (as opposed to absent from every level of the walk).
func valueAt(obj map[string]any, path string) (any, bool) {
	cur := obj
	segs := splitPath(path)
	for i, seg := range segs {
		if cur == nil {
			return nil, false
		}
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		child, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return nil, false
}

// setPath writes value at a dotted path in obj, creating intermediate maps
// as needed.
func setPath(obj map[string]any, path string, value any) {
	segs := splitPath(path)
	cur := obj
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeNumber(a), normalizeNumber(b))
}

// normalizeNumber collapses int/int64/float64 to float64 so values decoded
// from JSON (always float64) compare equal to values constructed directly
// in tests or computed in Go as ints.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return n
	}
}

func describeConflict(c Conflict) string {
	return fmt.Sprintf("%s at %s.%s", c.Kind, c.EntityType, c.Path)
}
