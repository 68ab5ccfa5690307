package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resolvePath rewrites a ConfigUpdate path whose first segment names a
// module id (e.g. "dedupe.window_seconds", per spec.md §8 scenario 4)
// into the tree's actual array-indexed JSON shape
// ("process.0.settings.window_seconds"). Paths that already address a
// singleton section (system.*, status.*, resilience.*) pass through
// unchanged.
func resolvePath(t *Tree, path string) string {
	segments := strings.SplitN(path, ".", 2)
	moduleID := segments[0]
	category, index, ok := t.FindFragmentIndex(moduleID)
	if !ok {
		return path
	}
	if len(segments) == 1 {
		return fmt.Sprintf("%s.%d", category, index)
	}
	return fmt.Sprintf("%s.%d.settings.%s", category, index, segments[1])
}

// applyDottedPath sets value at a dotted path inside a generic
// map[string]any tree produced by toMap, creating intermediate maps as
// needed and parsing purely-numeric segments as array indices.
func applyDottedPath(root map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	return applySegments(root, segments, value)
}

func applySegments(node map[string]any, segments []string, value any) error {
	if len(segments) == 0 {
		return fmt.Errorf("config: empty update path")
	}
	key := segments[0]

	if len(segments) == 1 {
		node[key] = value
		return nil
	}

	next, exists := node[key]
	if !exists || next == nil {
		next = map[string]any{}
		node[key] = next
	}

	// The next segment may be a numeric array index (e.g. "process.0...").
	if len(segments) >= 2 {
		if idx, err := strconv.Atoi(segments[1]); err == nil {
			arr, ok := next.([]any)
			if !ok {
				return fmt.Errorf("config: path %q expects an array at %q", strings.Join(segments, "."), key)
			}
			if idx < 0 || idx >= len(arr) {
				return fmt.Errorf("config: path %q index %d out of range", strings.Join(segments, "."), idx)
			}
			elem, ok := arr[idx].(map[string]any)
			if !ok {
				return fmt.Errorf("config: path %q element %d is not an object", strings.Join(segments, "."), idx)
			}
			return applySegments(elem, segments[2:], value)
		}
	}

	childMap, ok := next.(map[string]any)
	if !ok {
		return fmt.Errorf("config: path %q expects an object at %q", strings.Join(segments, "."), key)
	}
	return applySegments(childMap, segments[1:], value)
}

// ApplyUpdate returns a new tree with path set to value, without
// validating or committing it — the caller (ApplyChanges) validates the
// full batch before deciding to commit.
func ApplyUpdate(t *Tree, path string, value any) (*Tree, error) {
	m, err := toMap(t)
	if err != nil {
		return nil, err
	}
	resolved := resolvePath(t, path)
	if _, ok := m[strings.SplitN(resolved, ".", 2)[0]]; !ok {
		return nil, fmt.Errorf("config: path %q names neither a module id nor a top-level section", path)
	}
	if err := applyDottedPath(m, resolved, value); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("config: marshal working copy: %w", err)
	}
	var next Tree
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("config: unmarshal working copy: %w", err)
	}
	return &next, nil
}
