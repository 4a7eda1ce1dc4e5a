package types

import (
	"strings"
)

type ReferenceDirection string

const (
	DirectionFrom ReferenceDirection = "from"
	DirectionTo   ReferenceDirection = "to"
)

// FieldReference points a field at a field of another collection.
// Field is `collection.path.to.field`.
type FieldReference struct {
	Dataset   string             `json:"dataset" yaml:"dataset"`
	Field     string             `json:"field" yaml:"field"`
	Direction ReferenceDirection `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Address resolves the reference into a FieldAddress.
func (r FieldReference) Address() (FieldAddress, bool) {
	parts := strings.SplitN(r.Field, pathSeparator, 2)
	if len(parts) != 2 || r.Dataset == "" {
		return FieldAddress{}, false
	}
	return FieldAddress{
		CollectionAddress: CollectionAddress{Dataset: r.Dataset, Collection: parts[0]},
		Path:              ParseFieldPath(parts[1]),
	}, true
}

type Field struct {
	Name string `json:"name" yaml:"name"`
	/**
	 * DataType is one of string, integer, float, boolean, object.
	 * A trailing `[]` marks an array, e.g. `string[]` or `object[]`.
	 */
	DataType          string           `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	PrimaryKey        bool             `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Identity          string           `json:"identity,omitempty" yaml:"identity,omitempty"`
	References        []FieldReference `json:"references,omitempty" yaml:"references,omitempty"`
	ReturnAllElements bool             `json:"return_all_elements,omitempty" yaml:"return_all_elements,omitempty"`
	DataCategories    []string         `json:"data_categories,omitempty" yaml:"data_categories,omitempty"`
	Fields            []*Field         `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func (f *Field) IsArray() bool {
	return strings.HasSuffix(f.DataType, "[]")
}

// ScalarType is the data type without the array marker.
func (f *Field) ScalarType() string {
	return strings.TrimSuffix(f.DataType, "[]")
}

func (f *Field) subField(name string) *Field {
	for _, sub := range f.Fields {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

type Collection struct {
	Name          string   `json:"name" yaml:"name"`
	Fields        []*Field `json:"fields" yaml:"fields"`
	GroupedInputs []string `json:"grouped_inputs,omitempty" yaml:"grouped_inputs,omitempty"`
	/**
	 * EraseAfter lists `dataset:collection` addresses whose erasure must
	 * complete before this collection is erased.
	 */
	EraseAfter     []string `json:"erase_after,omitempty" yaml:"erase_after,omitempty"`
	SkipProcessing bool     `json:"skip_processing,omitempty" yaml:"skip_processing,omitempty"`
}

// FieldByPath resolves a nested field definition.
func (c *Collection) FieldByPath(path FieldPath) *Field {
	fields := c.Fields
	var found *Field
	for _, level := range path {
		found = nil
		for _, f := range fields {
			if f.Name == level {
				found = f
				break
			}
		}
		if found == nil {
			return nil
		}
		fields = found.Fields
	}
	return found
}

// ArrayAlongPath reports whether the field, or any of its ancestors, is an array.
func (c *Collection) ArrayAlongPath(path FieldPath) bool {
	var cur *Field
	for i, level := range path {
		if i == 0 {
			cur = c.FieldByPath(FieldPath{level})
		} else {
			cur = cur.subField(level)
		}
		if cur == nil {
			return false
		}
		if cur.IsArray() {
			return true
		}
	}
	return false
}

// HasPrimaryKey reports whether any field, nested or not, is a primary key.
func (c *Collection) HasPrimaryKey() bool {
	return len(c.PrimaryKeyPaths()) > 0
}

func (c *Collection) PrimaryKeyPaths() []FieldPath {
	paths := make([]FieldPath, 0)
	walkFields(c.Fields, FieldPath{}, func(path FieldPath, f *Field) {
		if f.PrimaryKey {
			paths = append(paths, path)
		}
	})
	return paths
}

// FieldPaths lists every leaf and object field path with its definition.
func (c *Collection) FieldPaths() map[string]*Field {
	out := make(map[string]*Field)
	walkFields(c.Fields, FieldPath{}, func(path FieldPath, f *Field) {
		out[path.String()] = f
	})
	return out
}

func (c *Collection) IsGroupedInput(path FieldPath) bool {
	key := path.String()
	for _, g := range c.GroupedInputs {
		if g == key {
			return true
		}
	}
	return false
}

// EraseAfterAddresses parses EraseAfter into addresses.
func (c *Collection) EraseAfterAddresses() ([]CollectionAddress, error) {
	out := make([]CollectionAddress, 0, len(c.EraseAfter))
	for _, s := range c.EraseAfter {
		addr, err := ParseCollectionAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func walkFields(fields []*Field, prefix FieldPath, visit func(FieldPath, *Field)) {
	for _, f := range fields {
		path := append(NewFieldPath(prefix...), f.Name)
		visit(path, f)
		walkFields(f.Fields, path, visit)
	}
}

type Dataset struct {
	Name          string        `json:"name" yaml:"name"`
	ConnectionKey string        `json:"connection_key" yaml:"connection_key"`
	Collections   []*Collection `json:"collections" yaml:"collections"`
}

func (d *Dataset) Collection(name string) *Collection {
	for _, c := range d.Collections {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type ConnectionType string

type ConnectionConfig struct {
	Key      string         `json:"key" yaml:"key"`
	Type     ConnectionType `json:"connection_type" yaml:"connection_type"`
	Access   AccessLevel    `json:"access" yaml:"access"`
	Disabled bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Secrets  map[string]any `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

func (c *ConnectionConfig) CanWrite() bool {
	return c.Access == AccessWrite
}
