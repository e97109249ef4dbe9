package vmigraph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T) *Graph {
	t.Helper()
	g := New()
	g.AddNode("base-files", NodeAttrs{"size": int64(10)})
	g.AddNode("libc6", NodeAttrs{"size": int64(20)})
	g.AddNode("apache2", NodeAttrs{"size": int64(100)})
	g.AddNode("apache2-bin", NodeAttrs{"size": int64(50)})
	g.AddNode("nginx", NodeAttrs{"size": int64(80)})
	g.AddEdge("apache2", "apache2-bin", EdgeAttrs{})
	g.AddEdge("apache2-bin", "libc6", EdgeAttrs{})
	g.AddEdge("nginx", "libc6", EdgeAttrs{})
	return g
}

func TestBFSReachableFollowsEdgesOnly(t *testing.T) {
	g := buildChain(t)
	reachable := g.BFSReachable([]string{"apache2"})
	assert.ElementsMatch(t, []string{"apache2", "apache2-bin", "libc6"}, reachable)
}

func TestBFSReachableHandlesCycles(t *testing.T) {
	g := New()
	g.AddNode("a", NodeAttrs{})
	g.AddNode("b", NodeAttrs{})
	g.AddEdge("a", "b", EdgeAttrs{})
	g.AddEdge("b", "a", EdgeAttrs{})
	reachable := g.BFSReachable([]string{"a"})
	assert.ElementsMatch(t, []string{"a", "b"}, reachable)
}

func TestSubgraphFromRootsInducesEdges(t *testing.T) {
	g := buildChain(t)
	sub := g.SubgraphFromRoots([]string{"nginx"})
	assert.True(t, sub.HasNode("nginx"))
	assert.True(t, sub.HasNode("libc6"))
	assert.False(t, sub.HasNode("apache2"))
	assert.Equal(t, int64(100), sub.TotalInstallSize("size"))
}

func TestNodeDataFromSubtreesUnionsRoots(t *testing.T) {
	g := buildChain(t)
	data := g.NodeDataFromSubtrees([]string{"apache2", "nginx"})
	_, hasLibc := data["libc6"]
	_, hasApache := data["apache2"]
	_, hasNginx := data["nginx"]
	assert.True(t, hasLibc)
	assert.True(t, hasApache)
	assert.True(t, hasNginx)
}

func TestUnionPrefersOtherOnCollision(t *testing.T) {
	g1 := New()
	g1.AddNode("pkg", NodeAttrs{"size": int64(1)})
	g2 := New()
	g2.AddNode("pkg", NodeAttrs{"size": int64(2)})
	g2.AddNode("extra", NodeAttrs{"size": int64(3)})

	out := g1.Union(g2)
	assert.Equal(t, int64(2), out.Nodes["pkg"]["size"])
	assert.True(t, out.HasNode("extra"))
}

func TestUnionDeduplicatesIdenticalEdges(t *testing.T) {
	g1 := New()
	g1.AddNode("a", NodeAttrs{})
	g1.AddNode("b", NodeAttrs{})
	g1.AddEdge("a", "b", EdgeAttrs{})
	g2 := New()
	g2.AddNode("a", NodeAttrs{})
	g2.AddNode("b", NodeAttrs{})
	g2.AddEdge("a", "b", EdgeAttrs{})

	out := g1.Union(g2)
	assert.Len(t, out.Edges, 1)
}

func TestFuzzyContainingIsCaseInsensitive(t *testing.T) {
	g := buildChain(t)
	matches := g.FuzzyContaining("APACHE")
	assert.ElementsMatch(t, []string{"apache2", "apache2-bin"}, matches)
}

func TestSaveLoadRoundTripsAttributesAndAdjacency(t *testing.T) {
	g := buildChain(t)
	path := filepath.Join(t.TempDir(), "graph.gob")

	require.NoError(t, g.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, g.Nodes, loaded.Nodes)
	reachable := loaded.BFSReachable([]string{"apache2"})
	assert.ElementsMatch(t, []string{"apache2", "apache2-bin", "libc6"}, reachable)
}

func TestSaveOverwritesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.gob")
	first := New()
	first.AddNode("a", NodeAttrs{})
	require.NoError(t, first.Save(path))

	second := New()
	second.AddNode("b", NodeAttrs{})
	require.NoError(t, second.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.HasNode("a"))
	assert.True(t, loaded.HasNode("b"))
}
