package descriptor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

func distro() Distro {
	return Distro{Distribution: "ubuntu", Version: "22.04", Architecture: "amd64", PkgManager: "apt"}
}

func graphWith(nodes ...string) *vmigraph.Graph {
	g := vmigraph.New()
	for _, n := range nodes {
		g.AddNode(n, vmigraph.NodeAttrs{"version": "1.0", "architecture": "amd64"})
	}
	return g
}

func TestCheckCompatibilityRejectsVersionMismatch(t *testing.T) {
	g := graphWith("libc6")
	g.Nodes["libc6"]["version"] = "2.31"

	other := map[string]vmigraph.NodeAttrs{
		"libc6": {"version": "2.35", "architecture": "amd64"},
	}
	assert.False(t, CheckCompatibility(g, other))
}

func TestCheckCompatibilityAllowsArchAll(t *testing.T) {
	g := graphWith("noarch-pkg")
	g.Nodes["noarch-pkg"]["version"] = "1.0"
	g.Nodes["noarch-pkg"]["architecture"] = "all"

	other := map[string]vmigraph.NodeAttrs{
		"noarch-pkg": {"version": "1.0", "architecture": "amd64"},
	}
	assert.True(t, CheckCompatibility(g, other))
}

func TestCheckCompatibilityIgnoresAbsentPackages(t *testing.T) {
	g := graphWith("present")
	other := map[string]vmigraph.NodeAttrs{
		"absent": {"version": "9.9", "architecture": "arm64"},
	}
	assert.True(t, CheckCompatibility(g, other))
}

func TestMasterMainServicesPersistAcrossSaveAndLoad(t *testing.T) {
	g := graphWith("nginx", "libc6")
	g.AddEdge("nginx", "libc6", vmigraph.EdgeAttrs{})

	master := NewMaster(distro(), g, []string{"nginx"})
	path := filepath.Join(t.TempDir(), "master.gob")
	require.NoError(t, master.SaveGraph(path))

	reloaded, err := LoadMaster(distro(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"nginx"}, reloaded.MainServices())
}

func TestMasterAddSubGraphAccumulatesMainServicesAcrossReloads(t *testing.T) {
	first := graphWith("nginx", "libc6")
	master := NewMaster(distro(), first, []string{"nginx"})
	path := filepath.Join(t.TempDir(), "master.gob")
	require.NoError(t, master.SaveGraph(path))

	reloaded, err := LoadMaster(distro(), path, nil)
	require.NoError(t, err)

	second := graphWith("apache2")
	require.NoError(t, reloaded.AddSubGraph([]string{"apache2"}, second))
	require.NoError(t, reloaded.SaveGraph(path))

	final, err := LoadMaster(distro(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"apache2", "nginx"}, final.MainServices())
}

func TestMasterAddSubGraphRejectsIncompatiblePackages(t *testing.T) {
	g := graphWith("libc6")
	master := NewMaster(distro(), g, nil)

	incompatible := vmigraph.New()
	incompatible.AddNode("libc6", vmigraph.NodeAttrs{"version": "9.9", "architecture": "amd64"})

	err := master.AddSubGraph(nil, incompatible)
	assert.Error(t, err)
}

func TestVMISubgraphForMainServices(t *testing.T) {
	g := graphWith("nginx", "libc6", "unrelated")
	g.AddEdge("nginx", "libc6", vmigraph.EdgeAttrs{})

	vmi := NewVMI(distro(), g, "web.qcow2", []string{"nginx"})
	sub := vmi.SubgraphForMainServices()

	assert.True(t, sub.HasNode("nginx"))
	assert.True(t, sub.HasNode("libc6"))
	assert.False(t, sub.HasNode("unrelated"))
}
