package traversal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/privacyflow/types"
)

// TraversalNode is one collection as resolved for a single request.
type TraversalNode struct {
	Address       types.CollectionAddress
	Collection    *types.Collection
	ConnectionKey string

	children map[types.CollectionAddress]struct{}
	parents  map[types.CollectionAddress]struct{}
	incoming []types.Edge
	outgoing []types.Edge
}

func newTraversalNode(addr types.CollectionAddress, c *types.Collection, connectionKey string) *TraversalNode {
	return &TraversalNode{
		Address:       addr,
		Collection:    c,
		ConnectionKey: connectionKey,
		children:      make(map[types.CollectionAddress]struct{}),
		parents:       make(map[types.CollectionAddress]struct{}),
	}
}

func (n *TraversalNode) IncomingEdges() []types.Edge {
	return n.incoming
}

func (n *TraversalNode) OutgoingEdges() []types.Edge {
	return n.outgoing
}

// InputKeys returns the sorted, unique collections feeding this node.
func (n *TraversalNode) InputKeys() []types.CollectionAddress {
	set := types.NewAddressSet()
	for _, e := range n.incoming {
		set.Add(e.From.CollectionAddress)
	}
	return set.Sorted()
}

func (n *TraversalNode) Children() []types.CollectionAddress {
	return types.AddressSet(n.children).Sorted()
}

func (n *TraversalNode) Parents() []types.CollectionAddress {
	return types.AddressSet(n.parents).Sorted()
}

func (n *TraversalNode) IsTerminal() bool {
	return len(n.children) == 0
}

func (n *TraversalNode) FormatTraversalDetails() types.TraversalDetails {
	return types.TraversalDetails{
		DatasetConnectionKey: n.ConnectionKey,
		IncomingEdges:        append([]types.Edge{}, n.incoming...),
		OutgoingEdges:        append([]types.Edge{}, n.outgoing...),
		InputKeys:            n.InputKeys(),
	}
}

func (n *TraversalNode) String() string {
	return n.Address.String()
}

// Traversal walks a DatasetGraph starting from the identity seeds.
type Traversal struct {
	graph    *DatasetGraph
	identity types.Data
	seeds    []types.Edge
}

func NewTraversal(graph *DatasetGraph, identity types.Data) (*Traversal, error) {
	t := &Traversal{graph: graph, identity: identity}

	keys := make([]string, 0, len(identity))
	for k, v := range identity {
		if v == nil || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, field := range graph.identityFields[key] {
			if c, _ := graph.Collection(field.CollectionAddress); c != nil && c.SkipProcessing {
				continue
			}
			t.seeds = append(t.seeds, types.Edge{
				From: types.RootCollectionAddress.FieldAddress(key),
				To:   field,
			})
		}
	}
	if len(t.seeds) == 0 {
		return nil, types.NewTraversalErrorf("no collection is reachable from identity keys %v", keys)
	}
	return t, nil
}

// ExtractSeedFieldAddresses maps every seeded field to the identity key
// that feeds it.
func (t *Traversal) ExtractSeedFieldAddresses() map[string]string {
	out := make(map[string]string, len(t.seeds))
	for _, e := range t.seeds {
		out[e.To.String()] = e.From.Path.String()
	}
	return out
}

// SeedCollections returns the collections fed directly by ROOT.
func (t *Traversal) SeedCollections() []types.CollectionAddress {
	set := types.NewAddressSet()
	for _, e := range t.seeds {
		set.Add(e.To.CollectionAddress)
	}
	return set.Sorted()
}

/**
 * Traverse walks the graph breadth first from ROOT. When a node is
 * processed, each of its outgoing edges into a collection that has not been
 * processed yet becomes an incoming edge of that collection, which becomes a
 * child. Edges into already processed collections are dropped, so the
 * result is always acyclic.
 *
 * It returns the traversal nodes and the end nodes (nodes without children).
 */
func (t *Traversal) Traverse() (map[types.CollectionAddress]*TraversalNode, []types.CollectionAddress, error) {
	nodes := make(map[types.CollectionAddress]*TraversalNode)
	getNode := func(addr types.CollectionAddress) *TraversalNode {
		if n, exists := nodes[addr]; exists {
			return n
		}
		c, _ := t.graph.Collection(addr)
		n := newTraversalNode(addr, c, t.graph.ConnectionKey(addr))
		nodes[addr] = n
		return n
	}

	processed := types.NewAddressSet(types.RootCollectionAddress)
	queued := types.NewAddressSet()
	queue := make([]types.CollectionAddress, 0)
	for _, e := range t.seeds {
		child := getNode(e.To.CollectionAddress)
		child.incoming = append(child.incoming, e)
		child.parents[types.RootCollectionAddress] = struct{}{}
		if !queued.Contains(child.Address) {
			queued.Add(child.Address)
			queue = append(queue, child.Address)
		}
	}

	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		processed.Add(addr)
		cur := nodes[addr]

		for _, e := range t.graph.EdgesFrom(addr) {
			target := e.To.CollectionAddress
			if processed.Contains(target) {
				continue
			}
			if c, _ := t.graph.Collection(target); c == nil || c.SkipProcessing {
				continue
			}
			child := getNode(target)
			child.incoming = append(child.incoming, e)
			child.parents[addr] = struct{}{}
			cur.outgoing = append(cur.outgoing, e)
			cur.children[target] = struct{}{}
			if !queued.Contains(target) {
				queued.Add(target)
				queue = append(queue, target)
			}
		}
	}

	unreachable := make([]string, 0)
	for _, addr := range t.graph.Addresses() {
		c, _ := t.graph.Collection(addr)
		if c.SkipProcessing {
			continue
		}
		if _, exists := nodes[addr]; !exists {
			unreachable = append(unreachable, addr.String())
		}
	}
	if len(unreachable) > 0 {
		return nil, nil, types.NewTraversalErrorf("some nodes were not reachable: %s", strings.Join(unreachable, ", "))
	}

	endNodes := make([]types.CollectionAddress, 0)
	for addr, n := range nodes {
		types.SortEdges(n.incoming)
		types.SortEdges(n.outgoing)
		if n.IsTerminal() {
			endNodes = append(endNodes, addr)
		}
	}
	types.SortAddresses(endNodes)

	log.WithField("end_nodes", fmt.Sprint(endNodes)).Debugf("traversed %d collections", len(nodes))
	return nodes, endNodes, nil
}

// Run builds the traversal and walks it in one call.
func Run(graph *DatasetGraph, identity types.Data) (*Traversal, map[types.CollectionAddress]*TraversalNode, []types.CollectionAddress, error) {
	t, err := NewTraversal(graph, identity)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	nodes, endNodes, err := t.Traverse()
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	return t, nodes, endNodes, nil
}

// FlatNodes returns one edgeless node per processed collection. Consent
// graphs are built from these.
func FlatNodes(graph *DatasetGraph) map[types.CollectionAddress]*TraversalNode {
	nodes := make(map[types.CollectionAddress]*TraversalNode)
	for _, addr := range graph.Addresses() {
		c, _ := graph.Collection(addr)
		if c.SkipProcessing {
			continue
		}
		nodes[addr] = newTraversalNode(addr, c, graph.ConnectionKey(addr))
	}
	return nodes
}
