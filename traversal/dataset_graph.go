// Package traversal resolves which collections a privacy request has to
// visit, and through which field edges their query inputs arrive.
package traversal

import (
	"sort"

	"github.com/juju/errors"
	"github.com/warriorguo/privacyflow/types"
)

// DatasetGraph indexes every collection of a set of datasets together with
// the directed field edges declared by their references.
type DatasetGraph struct {
	collections    map[types.CollectionAddress]*types.Collection
	connectionKeys map[types.CollectionAddress]string
	edges          map[types.CollectionAddress][]types.Edge
	identityFields map[string][]types.FieldAddress
}

func NewDatasetGraph(datasets ...*types.Dataset) (*DatasetGraph, error) {
	g := &DatasetGraph{
		collections:    make(map[types.CollectionAddress]*types.Collection),
		connectionKeys: make(map[types.CollectionAddress]string),
		edges:          make(map[types.CollectionAddress][]types.Edge),
		identityFields: make(map[string][]types.FieldAddress),
	}
	for _, ds := range datasets {
		for _, c := range ds.Collections {
			addr := types.NewCollectionAddress(ds.Name, c.Name)
			if _, exists := g.collections[addr]; exists {
				return nil, errors.AlreadyExistsf("collection %s", addr)
			}
			g.collections[addr] = c
			g.connectionKeys[addr] = ds.ConnectionKey
		}
	}

	for addr, c := range g.collections {
		for path, f := range c.FieldPaths() {
			local := types.FieldAddress{CollectionAddress: addr, Path: types.ParseFieldPath(path)}
			if f.Identity != "" {
				g.identityFields[f.Identity] = append(g.identityFields[f.Identity], local)
			}
			for _, ref := range f.References {
				if err := g.addReference(local, ref); err != nil {
					return nil, errors.Trace(err)
				}
			}
		}
	}
	for addr := range g.edges {
		types.SortEdges(g.edges[addr])
	}
	for key := range g.identityFields {
		sortFieldAddresses(g.identityFields[key])
	}
	return g, nil
}

func (g *DatasetGraph) addReference(local types.FieldAddress, ref types.FieldReference) error {
	foreign, ok := ref.Address()
	if !ok {
		return errors.NotValidf("reference %s.%s on %s", ref.Dataset, ref.Field, local)
	}
	c, exists := g.collections[foreign.CollectionAddress]
	if !exists {
		return errors.NotFoundf("referenced collection %s from %s", foreign.CollectionAddress, local)
	}
	if c.FieldByPath(foreign.Path) == nil {
		return errors.NotFoundf("referenced field %s from %s", foreign, local)
	}

	switch ref.Direction {
	case types.DirectionFrom:
		g.addEdge(types.Edge{From: foreign, To: local})
	case types.DirectionTo:
		g.addEdge(types.Edge{From: local, To: foreign})
	case "":
		g.addEdge(types.Edge{From: foreign, To: local})
		g.addEdge(types.Edge{From: local, To: foreign})
	default:
		return errors.NotValidf("reference direction %q on %s", ref.Direction, local)
	}
	return nil
}

func (g *DatasetGraph) addEdge(e types.Edge) {
	from := e.From.CollectionAddress
	for _, existing := range g.edges[from] {
		if existing.String() == e.String() {
			return
		}
	}
	g.edges[from] = append(g.edges[from], e)
}

func (g *DatasetGraph) Collection(addr types.CollectionAddress) (*types.Collection, bool) {
	c, exists := g.collections[addr]
	return c, exists
}

func (g *DatasetGraph) ConnectionKey(addr types.CollectionAddress) string {
	return g.connectionKeys[addr]
}

// Addresses returns every collection address, sorted.
func (g *DatasetGraph) Addresses() []types.CollectionAddress {
	out := make([]types.CollectionAddress, 0, len(g.collections))
	for addr := range g.collections {
		out = append(out, addr)
	}
	types.SortAddresses(out)
	return out
}

// EdgesFrom returns the edges whose foreign side is in addr.
func (g *DatasetGraph) EdgesFrom(addr types.CollectionAddress) []types.Edge {
	return g.edges[addr]
}

func sortFieldAddresses(addrs []types.FieldAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
}
