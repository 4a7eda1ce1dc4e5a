package runtime

import (
	"reflect"

	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/types"
)

// fieldMapping copies a foreign field of an upstream row into a local
// query field.
type fieldMapping struct {
	Foreign types.FieldPath
	Local   types.FieldPath
}

type fieldMappings map[types.CollectionAddress][]fieldMapping

/**
 * buildIncomingFieldPathMaps splits the incoming edges of the node per
 * upstream collection. With groupDependent set, mappings into grouped input
 * fields go to the second (dependent) map and the rest to the first;
 * otherwise everything is independent.
 */
func (g *graphTask) buildIncomingFieldPathMaps(groupDependent bool) (fieldMappings, fieldMappings) {
	fieldMap := func(keep func(types.FieldPath) bool) fieldMappings {
		out := make(fieldMappings, len(g.node.IncomingEdgesByCollection))
		for addr, edges := range g.node.IncomingEdgesByCollection {
			mappings := make([]fieldMapping, 0, len(edges))
			for _, e := range edges {
				if keep(e.To.Path) {
					mappings = append(mappings, fieldMapping{Foreign: e.From.Path, Local: e.To.Path})
				}
			}
			out[addr] = mappings
		}
		return out
	}

	if !groupDependent {
		return fieldMap(func(types.FieldPath) bool { return true }), fieldMappings{}
	}
	grouped := g.node.Collection.IsGroupedInput
	return fieldMap(func(p types.FieldPath) bool { return !grouped(p) }), fieldMap(grouped)
}

/**
 * preProcessInputData turns the upstream rowsets, one per input key and in
 * input key order, into the values this collection is queried with.
 *
 * Independent fields collect every matching value of every upstream row.
 * Grouped fields stay correlated: each upstream row contributes one record
 * under GroupedInputsKey. Grouped values sourced from ROOT are merged into
 * every such record, or make up the only record when no other collection
 * feeds the group.
 */
func (g *graphTask) preProcessInputData(groupDependent bool, rowsets ...[]types.Row) types.NodeInput {
	inputKeys := g.node.InputKeys
	if len(rowsets) != len(inputKeys) {
		log.WithField("collection", g.node.Address.String()).
			Warningf("expected %d input keys, received %d", len(inputKeys), len(rowsets))
	}

	output := types.NodeInput{}
	groupedRecords := make([]map[string][]any, 0)
	rootGrouped := make(map[string][]any)
	independent, dependent := g.buildIncomingFieldPathMaps(groupDependent)

	for i, rowset := range rowsets {
		if i >= len(inputKeys) {
			break
		}
		addr := inputKeys[i]
		for _, row := range rowset {
			for _, m := range independent[addr] {
				if values := consolidateQueryMatches(row, m.Foreign); len(values) > 0 {
					key := m.Local.String()
					output[key] = appendUnique(output[key], values...)
				}
			}

			if len(dependent[addr]) == 0 {
				continue
			}
			if addr.IsRoot() {
				for _, m := range dependent[addr] {
					key := m.Local.String()
					rootGrouped[key] = appendUnique(rootGrouped[key], consolidateQueryMatches(row, m.Foreign)...)
				}
				continue
			}
			record := make(map[string][]any, len(dependent[addr]))
			for _, m := range dependent[addr] {
				record[m.Local.String()] = consolidateQueryMatches(row, m.Foreign)
			}
			groupedRecords = append(groupedRecords, record)
		}
	}

	if len(rootGrouped) > 0 {
		if len(groupedRecords) == 0 {
			groupedRecords = append(groupedRecords, make(map[string][]any))
		}
		for _, record := range groupedRecords {
			for key, values := range rootGrouped {
				record[key] = append([]any{}, values...)
			}
		}
	}
	if len(groupedRecords) > 0 {
		grouped := make([]any, 0, len(groupedRecords))
		for _, record := range groupedRecords {
			grouped = append(grouped, record)
		}
		output[types.GroupedInputsKey] = grouped
	}
	return output
}

/**
 * consolidateQueryMatches returns the values found in row along path.
 * Arrays met on the way, including arrays of arrays, are entered and the
 * result is flattened with duplicates dropped.
 */
func consolidateQueryMatches(row any, path types.FieldPath) []any {
	return consolidateInto(row, path, make([]any, 0))
}

func consolidateInto(v any, path types.FieldPath, matches []any) []any {
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			matches = consolidateInto(el, path, matches)
		}
		return matches
	case types.Data:
		return consolidateInto(map[string]any(t), path, matches)
	case map[string]any:
		if len(path) == 0 {
			return matches
		}
		next, exists := t[path[0]]
		if !exists {
			return matches
		}
		return consolidateInto(next, path[1:], matches)
	case nil:
		return matches
	default:
		if len(path) != 0 {
			return matches
		}
		return appendUnique(matches, t)
	}
}

func appendUnique(values []any, more ...any) []any {
	for _, m := range more {
		if !containsValue(values, m) {
			values = append(values, m)
		}
	}
	return values
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}
