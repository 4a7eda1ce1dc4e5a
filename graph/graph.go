// Package graph is a small adjacency-list directed graph used to lay out
// request task dependencies.
package graph

import (
	"sort"

	"github.com/juju/errors"
)

// DiGraph is a directed graph. Node and edge iteration order is made
// deterministic by the less function passed to New.
type DiGraph[T comparable] struct {
	less func(a, b T) bool

	nodes map[T]struct{}
	succ  map[T]map[T]struct{}
	pred  map[T]map[T]struct{}
}

func New[T comparable](less func(a, b T) bool) *DiGraph[T] {
	return &DiGraph[T]{
		less:  less,
		nodes: make(map[T]struct{}),
		succ:  make(map[T]map[T]struct{}),
		pred:  make(map[T]map[T]struct{}),
	}
}

func (g *DiGraph[T]) AddNode(n T) {
	if _, exists := g.nodes[n]; exists {
		return
	}
	g.nodes[n] = struct{}{}
	g.succ[n] = make(map[T]struct{})
	g.pred[n] = make(map[T]struct{})
}

// AddEdge adds both nodes if missing. Adding an edge twice is a no-op.
func (g *DiGraph[T]) AddEdge(from, to T) {
	g.AddNode(from)
	g.AddNode(to)
	g.succ[from][to] = struct{}{}
	g.pred[to][from] = struct{}{}
}

func (g *DiGraph[T]) HasNode(n T) bool {
	_, exists := g.nodes[n]
	return exists
}

func (g *DiGraph[T]) HasEdge(from, to T) bool {
	_, exists := g.succ[from][to]
	return exists
}

func (g *DiGraph[T]) Nodes() []T {
	return g.sorted(g.nodes)
}

func (g *DiGraph[T]) Predecessors(n T) []T {
	return g.sorted(g.pred[n])
}

func (g *DiGraph[T]) Successors(n T) []T {
	return g.sorted(g.succ[n])
}

// Descendants returns every node reachable from n, excluding n itself.
func (g *DiGraph[T]) Descendants(n T) []T {
	seen := make(map[T]struct{})
	stack := g.Successors(n)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, visited := seen[cur]; visited {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, g.Successors(cur)...)
	}
	delete(seen, n)
	return g.sorted(seen)
}

// TopologicalSort orders the nodes so every edge points forward. Among
// nodes that are ready at the same time the smaller one comes first.
func (g *DiGraph[T]) TopologicalSort() ([]T, error) {
	indeg := make(map[T]int, len(g.nodes))
	for n := range g.nodes {
		indeg[n] = len(g.pred[n])
	}

	ready := make([]T, 0)
	for n, d := range indeg {
		if d == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]T, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return g.less(ready[i], ready[j]) })
		cur := ready[0]
		ready = ready[1:]
		out = append(out, cur)
		for next := range g.succ[cur] {
			if indeg[next]--; indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(out) != len(g.nodes) {
		return nil, errors.NotValidf("graph contains a cycle, topological order")
	}
	return out, nil
}

// Edge is a directed pair returned by FindCycle.
type Edge[T comparable] struct {
	From T
	To   T
}

// FindCycle searches for a cycle reachable from source and returns its
// edges in order, or nil when there is none.
func (g *DiGraph[T]) FindCycle(source T) []Edge[T] {
	if !g.HasNode(source) {
		return nil
	}
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[T]int, len(g.nodes))
	parent := make(map[T]T)

	var cycle []Edge[T]
	var visit func(n T) bool
	visit = func(n T) bool {
		state[n] = onStack
		for _, next := range g.Successors(n) {
			switch state[next] {
			case onStack:
				cycle = []Edge[T]{{From: n, To: next}}
				for cur := n; cur != next; cur = parent[cur] {
					cycle = append(cycle, Edge[T]{From: parent[cur], To: cur})
				}
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return true
			case unvisited:
				parent[next] = n
				if visit(next) {
					return true
				}
			}
		}
		state[n] = done
		return false
	}
	if visit(source) {
		return cycle
	}
	return nil
}

func (g *DiGraph[T]) sorted(set map[T]struct{}) []T {
	out := make([]T, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return g.less(out[i], out[j]) })
	return out
}
