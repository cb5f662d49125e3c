package crdt

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/danmuck/sessync/internal/doc"
)

// FieldDelta describes one leaf that differs between two documents. Before or
// After is nil when the leaf is absent on that side.
type FieldDelta struct {
	Path   string
	Before json.RawMessage
	After  json.RawMessage
}

// Differ computes the deltas delivered to store listeners.
type Differ func(before, after doc.SessionDocument) ([]FieldDelta, error)

// Diff returns the leaf-level differences between two documents, sorted by path.
func Diff(before, after doc.SessionDocument) ([]FieldDelta, error) {
	a, err := flatten(before)
	if err != nil {
		return nil, err
	}
	b, err := flatten(after)
	if err != nil {
		return nil, err
	}
	var out []FieldDelta
	for p, av := range a {
		bv, ok := b[p]
		if !ok {
			out = append(out, FieldDelta{Path: p, Before: av})
			continue
		}
		if !bytes.Equal(av, bv) {
			out = append(out, FieldDelta{Path: p, Before: av, After: bv})
		}
	}
	for p, bv := range b {
		if _, ok := a[p]; !ok {
			out = append(out, FieldDelta{Path: p, After: bv})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
