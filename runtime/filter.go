package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/warriorguo/privacyflow/types"
)

/**
 * postProcessInputData keeps the query inputs that must filter array
 * elements out of the results: inputs into array fields, or fields nested in
 * arrays, that do not set return_all_elements. Values are coerced to the
 * field data type so they compare against what the datastore returns.
 */
func (g *graphTask) postProcessInputData(input types.NodeInput) map[string][]any {
	out := make(map[string][]any)
	for key, values := range input {
		if key == types.GroupedInputsKey {
			continue
		}
		path := types.ParseFieldPath(key)
		field := g.node.Collection.FieldByPath(path)
		if field == nil || field.ReturnAllElements || !g.node.Collection.ArrayAlongPath(path) {
			continue
		}
		coerced := make([]any, 0, len(values))
		for _, v := range values {
			coerced = append(coerced, coerceValue(field.ScalarType(), v))
		}
		out[key] = coerced
	}
	return out
}

func coerceValue(dataType string, v any) any {
	var (
		out any
		err error
	)
	switch dataType {
	case "integer":
		out, err = cast.ToInt64E(v)
	case "float":
		out, err = cast.ToFloat64E(v)
	case "string":
		out, err = cast.ToStringE(v)
	case "boolean":
		out, err = cast.ToBoolE(v)
	default:
		return v
	}
	if err != nil {
		return v
	}
	return out
}

// valueMatches compares loosely so 1, int64(1) and 1.0 are the same value.
func valueMatches(v any, only []any) bool {
	if v == nil {
		return false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return false
	}
	for _, o := range only {
		if os, err := cast.ToStringE(o); err == nil && os == s {
			return true
		}
	}
	return false
}

// detailedPath is a path into a row whose levels are map keys (string)
// or array indices (int).
type detailedPath []any

func (p detailedPath) key() string {
	parts := make([]string, 0, len(p))
	for _, level := range p {
		parts = append(parts, fmt.Sprint(level))
	}
	return strings.Join(parts, "\x00")
}

/**
 * refineTargetPath expands path into the detailed paths of every value in
 * v that matches one of only, with the index of each array element entered
 * on the way.
 *
 * For row {"A": [{"B": 1}, {"B": 2}, {"B": 1}]}, path A.B and only [1]
 * gives [A 0 B] and [A 2 B].
 */
func refineTargetPath(v any, path types.FieldPath, only []any) []detailedPath {
	switch t := v.(type) {
	case types.Data:
		return refineTargetPath(map[string]any(t), path, only)
	case map[string]any:
		if len(path) == 0 {
			return nil
		}
		next, exists := t[path[0]]
		if !exists {
			return nil
		}
		return prefixPaths(path[0], refineTargetPath(next, path[1:], only))
	case []any:
		out := make([]detailedPath, 0)
		for i, el := range t {
			out = append(out, prefixPaths(i, refineTargetPath(el, path, only))...)
		}
		return out
	default:
		if len(path) == 0 && valueMatches(t, only) {
			return []detailedPath{{}}
		}
		return nil
	}
}

func prefixPaths(level any, paths []detailedPath) []detailedPath {
	out := make([]detailedPath, 0, len(paths))
	for _, p := range paths {
		out = append(out, append(detailedPath{level}, p...))
	}
	return out
}

type arrayKeep struct {
	path detailedPath
	keep map[int]bool
}

// expandArrayPathsToPreserve turns matched paths into, for every array on
// the way, the set of its indices to keep.
func expandArrayPathsToPreserve(paths []detailedPath) []*arrayKeep {
	byKey := make(map[string]*arrayKeep)
	for _, p := range paths {
		for i, level := range p {
			idx, isIndex := level.(int)
			if !isIndex {
				continue
			}
			arrayPath := append(detailedPath{}, p[:i]...)
			k := arrayPath.key()
			entry, exists := byKey[k]
			if !exists {
				entry = &arrayKeep{path: arrayPath, keep: make(map[int]bool)}
				byKey[k] = entry
			}
			entry.keep[idx] = true
		}
	}

	out := make([]*arrayKeep, 0, len(byKey))
	for _, entry := range byKey {
		out = append(out, entry)
	}
	// deepest arrays first, so removing elements never shifts a pending path
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].path) != len(out[j].path) {
			return len(out[i].path) > len(out[j].path)
		}
		return out[i].path.key() < out[j].path.key()
	})
	return out
}

/**
 * filterElementMatch filters the arrays of row reached by the query paths
 * down to the elements that matched. With deleteElements the other elements
 * are removed, otherwise they are replaced by DoNotMaskPlaceholder so the
 * matched ones keep their index. Arrays without any match are left as is.
 */
func filterElementMatch(row types.Row, queryPaths map[string][]any, deleteElements bool) types.Row {
	keys := make([]string, 0, len(queryPaths))
	for k := range queryPaths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matched := make([]detailedPath, 0)
	for _, k := range keys {
		matched = append(matched, refineTargetPath(row, types.ParseFieldPath(k), queryPaths[k])...)
	}

	for _, entry := range expandArrayPathsToPreserve(matched) {
		arr, ok := getAt(row, entry.path).([]any)
		if !ok {
			continue
		}
		if !deleteElements {
			for i := range arr {
				if !entry.keep[i] {
					arr[i] = types.DoNotMaskPlaceholder
				}
			}
			continue
		}
		kept := make([]any, 0, len(entry.keep))
		for i, el := range arr {
			if entry.keep[i] {
				kept = append(kept, el)
			}
		}
		setAt(row, entry.path, kept)
	}
	return row
}

func getAt(v any, path detailedPath) any {
	cur := v
	for _, level := range path {
		switch l := level.(type) {
		case string:
			m, ok := asMap(cur)
			if !ok {
				return nil
			}
			cur = m[l]
		case int:
			arr, ok := cur.([]any)
			if !ok || l >= len(arr) {
				return nil
			}
			cur = arr[l]
		}
	}
	return cur
}

func setAt(v any, path detailedPath, value any) {
	if len(path) == 0 {
		return
	}
	parent := getAt(v, path[:len(path)-1])
	switch l := path[len(path)-1].(type) {
	case string:
		if m, ok := asMap(parent); ok {
			m[l] = value
		}
	case int:
		if arr, ok := parent.([]any); ok && l < len(arr) {
			arr[l] = value
		}
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case types.Data:
		return t, true
	}
	return nil, false
}
