package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func stringLess(a, b string) bool { return a < b }

func diamond() *DiGraph[string] {
	g := New(stringLess)
	g.AddEdge("root", "b")
	g.AddEdge("root", "a")
	g.AddEdge("a", "c")
	g.AddEdge("b", "c")
	g.AddEdge("c", "end")
	return g
}

func TestDiGraphNeighbours(t *testing.T) {
	g := diamond()
	g.AddEdge("root", "a")

	assert.Equal(t, []string{"a", "b", "c", "end", "root"}, g.Nodes())
	assert.Equal(t, []string{"a", "b"}, g.Successors("root"))
	assert.Equal(t, []string{"a", "b"}, g.Predecessors("c"))
	assert.Empty(t, g.Predecessors("root"))
	assert.True(t, g.HasEdge("a", "c"))
	assert.False(t, g.HasEdge("c", "a"))
	assert.Equal(t, []string{"a", "b", "c", "end"}, g.Descendants("root"))
	assert.Equal(t, []string{"end"}, g.Descendants("c"))
	assert.Empty(t, g.Descendants("end"))
}

func TestDiGraphTopologicalSort(t *testing.T) {
	g := diamond()
	g.AddNode("lonely")

	order, err := g.TopologicalSort()
	assert.Nil(t, err)
	assert.Equal(t, []string{"lonely", "root", "a", "b", "c", "end"}, order)

	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range g.Nodes() {
		for _, s := range g.Successors(n) {
			assert.Less(t, pos[n], pos[s], "%s -> %s", n, s)
		}
	}

	g.AddEdge("end", "a")
	_, err = g.TopologicalSort()
	assert.NotNil(t, err)
}

func TestDiGraphFindCycle(t *testing.T) {
	g := diamond()
	assert.Nil(t, g.FindCycle("root"))
	assert.Nil(t, g.FindCycle("missing"))

	g.AddEdge("c", "b")
	g.AddEdge("b", "a")
	cycle := g.FindCycle("root")
	assert.Equal(t, []Edge[string]{{"a", "c"}, {"c", "b"}, {"b", "a"}}, cycle)

	self := New(stringLess)
	self.AddEdge("x", "x")
	assert.Equal(t, []Edge[string]{{"x", "x"}}, self.FindCycle("x"))
}

func TestDiGraphFindCycleUnreachable(t *testing.T) {
	g := New(stringLess)
	g.AddEdge("root", "a")
	g.AddEdge("x", "y")
	g.AddEdge("y", "x")

	assert.Nil(t, g.FindCycle("root"))
	assert.NotNil(t, g.FindCycle("x"))
}
