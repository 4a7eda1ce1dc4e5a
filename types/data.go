package types

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

// GroupedInputsKey holds the correlated input records of a collection that
// declares grouped_inputs.
const GroupedInputsKey = "__grouped_inputs__"

// DoNotMaskPlaceholder stands in for array elements that did not match the
// query input. Erasure keeps them so matched elements keep their index.
const DoNotMaskPlaceholder = "__DO_NOT_MASK__"

// Data is one record as returned by a connector.
type Data map[string]any

// Row is the unit connectors read and mask.
type Row = Data

func (d *Data) Get(key string) (any, bool) {
	v, exists := (*d)[key]
	return v, exists
}

func (d *Data) GetString(key string) (string, bool) {
	v, exists := d.Get(key)
	return cast.ToString(v), exists
}

func (d *Data) GetInt(key string) (int, bool) {
	v, exists := d.Get(key)
	return cast.ToInt(v), exists
}

func (d *Data) GetBool(key string) (bool, bool) {
	v, exists := d.Get(key)
	return cast.ToBool(v), exists
}

func (d *Data) GetStruct(key string, s any) error {
	v, exists := d.Get(key)
	if !exists {
		return errors.NotFoundf("key %s", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "marshal %s", key)
	}
	return json.Unmarshal(b, s)
}

// GetPath walks nested maps along path. Arrays are not descended.
func (d Data) GetPath(path FieldPath) (any, bool) {
	var cur any = map[string]any(d)
	for _, level := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[level]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d *Data) Set(key string, value any) {
	(*d)[key] = value
}

// Clone deep copies the row, including nested maps and slices.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	return deepCopy(map[string]any(d)).(map[string]any)
}

// CloneRows deep copies every row.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case Data:
		return deepCopy(map[string]any(t))
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Data:
		return t, true
	}
	return nil, false
}

// NodeInput maps a local field path to the values used to query a
// collection. GroupedInputsKey, when present, holds a list of
// map[string][]any records that must be queried together.
type NodeInput map[string][]any

// Grouped returns the grouped input records.
func (n NodeInput) Grouped() []map[string][]any {
	out := make([]map[string][]any, 0, len(n[GroupedInputsKey]))
	for _, g := range n[GroupedInputsKey] {
		if m, ok := g.(map[string][]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Fields returns the plain (non grouped) field keys.
func (n NodeInput) Fields() map[string][]any {
	out := make(map[string][]any, len(n))
	for k, v := range n {
		if k == GroupedInputsKey {
			continue
		}
		out[k] = v
	}
	return out
}
