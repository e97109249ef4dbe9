// Package vmigraph implements the directed multigraph used to represent a
// VMI's or base image's package dependencies (spec.md §3, §4.2, §4.3).
//
// OS package graphs are not assumed acyclic, so every reachability operation
// here is breadth-first from a root set; topological order is never used
// (spec.md §9).
package vmigraph

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"strings"
)

// NodeAttrs is the per-package attribute bag attached to a graph node:
// {name, version, architecture, essential, size, path} per spec.md §4.2.
type NodeAttrs map[string]any

// EdgeAttrs carries a version constraint triple (constrained, operator,
// version) per spec.md §4.2; unconstrained deps carry (false, "", "").
type EdgeAttrs struct {
	Constrained bool
	Operator    string
	Version     string
}

// Edge is one dependency edge from From to To. Multiple edges between the
// same pair of nodes are permitted (multigraph).
type Edge struct {
	From, To string
	Attrs    EdgeAttrs
}

// Graph is a directed multigraph keyed by package name. Exported fields so
// encoding/gob can round-trip node and edge attributes exactly, satisfying
// spec.md §6.3.
type Graph struct {
	Nodes map[string]NodeAttrs
	Edges []Edge
	// adj is rebuilt from Edges on load; never serialized.
	adj map[string][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: map[string]NodeAttrs{}, adj: map[string][]int{}}
}

func (g *Graph) ensureAdj() {
	if g.adj != nil {
		return
	}
	g.adj = map[string][]int{}
	for i, e := range g.Edges {
		g.adj[e.From] = append(g.adj[e.From], i)
	}
}

// AddNode inserts or overwrites a node's attributes.
func (g *Graph) AddNode(name string, attrs NodeAttrs) {
	if g.Nodes == nil {
		g.Nodes = map[string]NodeAttrs{}
	}
	g.Nodes[name] = attrs
}

// AddEdge appends a dependency edge from -> to with the given constraint.
func (g *Graph) AddEdge(from, to string, attrs EdgeAttrs) {
	g.ensureAdj()
	idx := len(g.Edges)
	g.Edges = append(g.Edges, Edge{From: from, To: to, Attrs: attrs})
	g.adj[from] = append(g.adj[from], idx)
}

// HasNode reports whether name is a node in the graph.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.Nodes[name]
	return ok
}

// NodeData returns the full node->attrs map.
func (g *Graph) NodeData() map[string]NodeAttrs {
	return g.Nodes
}

// Len returns the number of nodes (BaseImageDescriptor.getNumberOfPackages).
func (g *Graph) Len() int { return len(g.Nodes) }

// TotalInstallSize sums size across all nodes.
func (g *Graph) TotalInstallSize(sizeKey string) int64 {
	var total int64
	for _, attrs := range g.Nodes {
		if v, ok := attrs[sizeKey]; ok {
			total += toInt64(v)
		}
	}
	return total
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// BFSReachable returns every node reachable from roots via outgoing edges,
// including the roots themselves, using breadth-first traversal (never
// topological order, since package graphs may be cyclic).
func (g *Graph) BFSReachable(roots []string) []string {
	g.ensureAdj()
	seen := map[string]bool{}
	var order []string
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, idx := range g.adj[n] {
			to := g.Edges[idx].To
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	return order
}

// SubgraphFromRoots returns a new graph containing exactly the BFS closure
// of roots, with their induced edges (VMIDescriptor.getSubGraphFromRoots).
func (g *Graph) SubgraphFromRoots(roots []string) *Graph {
	reachable := g.BFSReachable(roots)
	in := map[string]bool{}
	for _, n := range reachable {
		in[n] = true
	}
	return g.inducedSubgraph(in)
}

func (g *Graph) inducedSubgraph(keep map[string]bool) *Graph {
	sub := New()
	for n := range keep {
		if attrs, ok := g.Nodes[n]; ok {
			sub.AddNode(n, attrs)
		}
	}
	for _, e := range g.Edges {
		if keep[e.From] && keep[e.To] {
			sub.AddEdge(e.From, e.To, e.Attrs)
		}
	}
	return sub
}

// NodeDataFromSubtree returns the node attribute map for the BFS closure of
// a single root (VMIDescriptor.getNodeDataFromSubTree).
func (g *Graph) NodeDataFromSubtree(root string) map[string]NodeAttrs {
	result := map[string]NodeAttrs{}
	for _, n := range g.BFSReachable([]string{root}) {
		result[n] = g.Nodes[n]
	}
	return result
}

// NodeDataFromSubtrees unions NodeDataFromSubtree across multiple roots
// (VMIDescriptor.getNodeDataFromSubTrees).
func (g *Graph) NodeDataFromSubtrees(roots []string) map[string]NodeAttrs {
	result := map[string]NodeAttrs{}
	for _, root := range roots {
		for n, attrs := range g.NodeDataFromSubtree(root) {
			result[n] = attrs
		}
	}
	return result
}

// FuzzyContaining returns every node name containing substr
// (BaseImageDescriptor.getListOfNodesContaining), used to suggest
// corrections for a MainServiceAbsent error.
func (g *Graph) FuzzyContaining(substr string) []string {
	var out []string
	lower := strings.ToLower(substr)
	for n := range g.Nodes {
		if strings.Contains(strings.ToLower(n), lower) {
			out = append(out, n)
		}
	}
	return out
}

// Union returns a new graph that is the node+edge union of g and other,
// matching nx.compose semantics used by VMIMasterDescriptor.addSubGraph:
// node attributes from other take precedence on name collision.
func (g *Graph) Union(other *Graph) *Graph {
	out := New()
	for n, attrs := range g.Nodes {
		out.AddNode(n, attrs)
	}
	for n, attrs := range other.Nodes {
		out.AddNode(n, attrs)
	}
	seen := map[Edge]bool{}
	for _, e := range g.Edges {
		if !seen[e] {
			seen[e] = true
			out.AddEdge(e.From, e.To, e.Attrs)
		}
	}
	for _, e := range other.Edges {
		if !seen[e] {
			seen[e] = true
			out.AddEdge(e.From, e.To, e.Attrs)
		}
	}
	return out
}

// Save persists the graph via gob, satisfying spec.md §6.3's exact
// node/edge attribute round-trip requirement. gob is chosen over a
// third-party format because no example repo in this corpus vendors a graph
// or generic object-serialization library; see DESIGN.md.
func (g *Graph) Save(path string) error {
	if _, err := os.Stat(path); err == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("%w", rmErr)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return fmt.Errorf("%w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// Load reads a graph previously written by Save.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	g := New()
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(g); err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	g.adj = nil
	g.ensureAdj()
	return g, nil
}
