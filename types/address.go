package types

import (
	"sort"
	"strings"

	"github.com/juju/errors"
)

const (
	rootName       = "__ROOT__"
	terminatorName = "__TERMINATE__"

	addressSeparator = ":"
	pathSeparator    = "."
)

var (
	// RootCollectionAddress is the synthetic seed node carrying identity data.
	RootCollectionAddress = CollectionAddress{Dataset: rootName, Collection: rootName}
	// TerminatorAddress is the synthetic sink every branch drains into.
	TerminatorAddress = CollectionAddress{Dataset: terminatorName, Collection: terminatorName}
)

// CollectionAddress uniquely identifies a graph node.
type CollectionAddress struct {
	Dataset    string
	Collection string
}

func NewCollectionAddress(dataset, collection string) CollectionAddress {
	return CollectionAddress{Dataset: dataset, Collection: collection}
}

func ParseCollectionAddress(s string) (CollectionAddress, error) {
	parts := strings.Split(s, addressSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CollectionAddress{}, errors.NotValidf("collection address %q", s)
	}
	return CollectionAddress{Dataset: parts[0], Collection: parts[1]}, nil
}

func (a CollectionAddress) String() string {
	return a.Dataset + addressSeparator + a.Collection
}

func (a CollectionAddress) IsRoot() bool {
	return a == RootCollectionAddress
}

func (a CollectionAddress) IsTerminator() bool {
	return a == TerminatorAddress
}

func (a CollectionAddress) FieldAddress(path ...string) FieldAddress {
	return FieldAddress{CollectionAddress: a, Path: NewFieldPath(path...)}
}

func (a CollectionAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *CollectionAddress) UnmarshalText(b []byte) error {
	parsed, err := ParseCollectionAddress(string(b))
	if err != nil {
		return errors.Trace(err)
	}
	*a = parsed
	return nil
}

// AddressStrings returns the string forms of addresses, sorted.
func AddressStrings(addrs []CollectionAddress) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}

func SortAddresses(addrs []CollectionAddress) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
}

// AddressSet is a mutable set of collection addresses.
type AddressSet map[CollectionAddress]struct{}

func NewAddressSet(addrs ...CollectionAddress) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s AddressSet) Add(a CollectionAddress) {
	s[a] = struct{}{}
}

func (s AddressSet) Remove(a CollectionAddress) {
	delete(s, a)
}

func (s AddressSet) Contains(a CollectionAddress) bool {
	_, exists := s[a]
	return exists
}

// Sorted returns the members ordered by their string form.
func (s AddressSet) Sorted() []CollectionAddress {
	out := make([]CollectionAddress, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	SortAddresses(out)
	return out
}

// FieldPath addresses a possibly nested field inside a row.
type FieldPath []string

func NewFieldPath(levels ...string) FieldPath {
	p := FieldPath{}
	return append(p, levels...)
}

func ParseFieldPath(s string) FieldPath {
	if s == "" {
		return FieldPath{}
	}
	return NewFieldPath(strings.Split(s, pathSeparator)...)
}

func (p FieldPath) String() string {
	return strings.Join(p, pathSeparator)
}

func (p FieldPath) Equal(other FieldPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// FieldAddress is a field path qualified by its collection.
type FieldAddress struct {
	CollectionAddress
	Path FieldPath
}

func ParseFieldAddress(s string) (FieldAddress, error) {
	parts := strings.SplitN(s, addressSeparator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return FieldAddress{}, errors.NotValidf("field address %q", s)
	}
	return FieldAddress{
		CollectionAddress: CollectionAddress{Dataset: parts[0], Collection: parts[1]},
		Path:              ParseFieldPath(parts[2]),
	}, nil
}

func (f FieldAddress) String() string {
	return f.CollectionAddress.String() + addressSeparator + f.Path.String()
}

func (f FieldAddress) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FieldAddress) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldAddress(string(b))
	if err != nil {
		return errors.Trace(err)
	}
	*f = parsed
	return nil
}

// Edge carries data from a foreign field (From) into a local field (To).
type Edge struct {
	From FieldAddress `json:"from"`
	To   FieldAddress `json:"to"`
}

func (e Edge) String() string {
	return e.From.String() + " -> " + e.To.String()
}

func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].String() < edges[j].String()
	})
}
