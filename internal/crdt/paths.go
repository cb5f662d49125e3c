package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/sessync/internal/doc"
)

// leaves maps a leaf path to its canonical JSON value.
type leaves map[string][]byte

var pathEscaper = strings.NewReplacer("~", "~0", "/", "~1")
var pathUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

func flatten(d doc.SessionDocument) (leaves, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	out := make(leaves)
	if err := walk("", root, out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(prefix string, v any, out leaves) error {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		for k, child := range m {
			if err := walk(prefix+"/"+pathEscaper.Replace(k), child, out); err != nil {
				return err
			}
		}
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("leaf %q: %w", prefix, err)
	}
	out[prefix] = b
	return nil
}

func splitPath(p string) []string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = pathUnescaper.Replace(part)
	}
	return parts
}

// materialize rebuilds a document from live leaves. Paths are applied in sorted
// order so a parent leaf is always placed before its children; a child under a
// scalar parent replaces the parent with an object.
func materialize(live leaves) (doc.SessionDocument, error) {
	paths := make([]string, 0, len(live))
	for p := range live {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	root := map[string]any{}
	for _, p := range paths {
		parts := splitPath(p)
		cur := root
		for _, seg := range parts[:len(parts)-1] {
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[seg] = next
			}
			cur = next
		}
		last := parts[len(parts)-1]
		if _, isObj := cur[last].(map[string]any); isObj {
			continue
		}
		cur[last] = json.RawMessage(live[p])
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return doc.SessionDocument{}, fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}
	var d doc.SessionDocument
	if err := json.Unmarshal(raw, &d); err != nil {
		return doc.SessionDocument{}, fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}
	// Concurrent removals can tombstone every device leaf.
	if d.Devices == nil {
		d.Devices = map[string]doc.Device{}
	}
	return d, nil
}
