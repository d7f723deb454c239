// Package codec implements the Payload Codec (C1): deterministic
// gzip-compressed snapshot encode/decode, and a structural diff used both
// as the codec's own contract and as the leaf-path walk that the three-way
// merge algorithm (internal/branch) builds on.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Kong/gojsondiff"

	"campaignstate.io/core/internal/domain"
)

// schemaVersion is written as the payload's first field so future decoders
// can detect and migrate older payload shapes.
const schemaVersion = 1

type envelope struct {
	SchemaVersion int            `json:"schemaVersion"`
	Fields        map[string]any `json:"fields"`
}

// Encode deterministically compresses a JSON-shaped snapshot. encoding/json
// sorts map[string]any keys lexicographically, which is what gives encode
// its determinism across equal inputs (§4.1).
func Encode(obj map[string]any) ([]byte, error) {
	env := envelope{SchemaVersion: schemaVersion, Fields: obj}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ErrCorruptPayload is returned by Decode on truncated or invalid input.
var ErrCorruptPayload = fmt.Errorf("corrupt payload")

// Decode inverts Encode. Readers tolerate any schemaVersion at or below the
// current one; there is only one shape so far.
func Decode(data []byte) (map[string]any, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if env.Fields == nil {
		env.Fields = map[string]any{}
	}
	return env.Fields, nil
}

// Diff computes a structural comparison between prev and next, keyed by
// dotted leaf path. It is field-level at the top layer and recurses into
// nested maps; arrays are compared by identity (replace-wholesale) per
// §4.1 and the three-way merge's leaf-path contract (§4.5a).
//
// The comparison itself is delegated to gojsondiff so added/removed/changed
// top-level keys are detected the same way a generic JSON reconciler would;
// the result is then flattened into dotted paths, which is the shape both
// the codec's own contract and the merge algorithm need.
func Diff(prev, next map[string]any) (*domain.Diff, error) {
	if prev == nil {
		prev = map[string]any{}
	}
	if next == nil {
		next = map[string]any{}
	}

	d := gojsondiff.New().CompareObjects(prev, next)

	out := &domain.Diff{
		Added:    map[string]any{},
		Modified: map[string]domain.ModifiedField{},
		Removed:  map[string]any{},
	}
	if !d.Modified() {
		return out, nil
	}

	walkDeltas(d.Deltas(), "", prev, next, out)
	return out, nil
}

func walkDeltas(deltas []gojsondiff.Delta, prefix string, prevParent, nextParent map[string]any, out *domain.Diff) {
	for _, delta := range deltas {
		switch td := delta.(type) {
		case *gojsondiff.Added:
			out.Added[joinPath(prefix, fieldName(td.Position))] = td.Value

		case *gojsondiff.Deleted:
			out.Removed[joinPath(prefix, fieldName(td.Position))] = td.Value

		case *gojsondiff.Modified:
			out.Modified[joinPath(prefix, fieldName(td.Position))] = domain.ModifiedField{
				Old: td.OldValue,
				New: td.NewValue,
			}

		case *gojsondiff.Object:
			name := fieldName(td.Position)
			path := joinPath(prefix, name)
			var prevChild, nextChild map[string]any
			if m, ok := prevParent[name].(map[string]any); ok {
				prevChild = m
			}
			if m, ok := nextParent[name].(map[string]any); ok {
				nextChild = m
			}
			walkDeltas(td.Deltas, path, prevChild, nextChild, out)

		case *gojsondiff.Array:
			// Arrays are replace-wholesale: the entire value at this path is
			// treated as modified rather than diffed element-by-element.
			name := fieldName(td.Position)
			path := joinPath(prefix, name)
			out.Modified[path] = domain.ModifiedField{
				Old: prevParent[name],
				New: nextParent[name],
			}

		case *gojsondiff.TextDiff:
			name := fieldName(td.Position)
			path := joinPath(prefix, name)
			out.Modified[path] = domain.ModifiedField{
				Old: prevParent[name],
				New: nextParent[name],
			}
		}
	}
}

func fieldName(pos gojsondiff.Position) string {
	if n, ok := pos.(gojsondiff.Name); ok {
		return string(n)
	}
	return pos.String()
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
