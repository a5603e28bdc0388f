package graph

import (
	"sort"

	"bunkcore/pkg/domain"
)

// Edge is one directed request between two arena nodes.
type Edge struct {
	From, To int
	// Request indexes the analyzed request slice.
	Request  int
	Positive bool
}

// Graph is an arena of integer-indexed nodes and edges with adjacency lists.
type Graph struct {
	nodes []domain.PersonID
	index map[domain.PersonID]int
	edges []Edge
	out   [][]int
}

func newGraph() *Graph {
	return &Graph{index: make(map[domain.PersonID]int)}
}

func (g *Graph) node(id domain.PersonID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.nodes)
	g.index[id] = i
	g.nodes = append(g.nodes, id)
	g.out = append(g.out, nil)
	return i
}

func (g *Graph) addEdge(from, to domain.PersonID, request int, positive bool) {
	f, t := g.node(from), g.node(to)
	g.out[f] = append(g.out[f], len(g.edges))
	g.edges = append(g.edges, Edge{From: f, To: t, Request: request, Positive: positive})
}

// find returns the first edge from -> to of the given polarity.
func (g *Graph) find(from, to int, positive bool) (Edge, bool) {
	for _, e := range g.out[from] {
		if g.edges[e].To == to && g.edges[e].Positive == positive {
			return g.edges[e], true
		}
	}
	return Edge{}, false
}

// Person returns the person id of node i.
func (g *Graph) Person(i int) domain.PersonID { return g.nodes[i] }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Edges returns the arena edges.
func (g *Graph) Edges() []Edge { return g.edges }

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// components groups nodes by root, each sorted by person id, ordered by
// their smallest member.
func (u *unionFind) components(g *Graph) [][]int {
	byRoot := make(map[int][]int)
	for i := range u.parent {
		r := u.find(i)
		byRoot[r] = append(byRoot[r], i)
	}
	out := make([][]int, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Slice(members, func(i, j int) bool { return g.nodes[members[i]] < g.nodes[members[j]] })
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return g.nodes[out[i][0]] < g.nodes[out[j][0]] })
	return out
}
