package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

func nodeSet(pkgs ...struct {
	name, version, arch string
	size                int64
}) map[string]vmigraph.NodeAttrs {
	out := map[string]vmigraph.NodeAttrs{}
	for _, p := range pkgs {
		out[p.name] = vmigraph.NodeAttrs{
			"version":      p.version,
			"architecture": p.arch,
			"size":         p.size,
		}
	}
	return out
}

func TestWeightedIdenticalSetsScoresOne(t *testing.T) {
	pkgs := map[string]vmigraph.NodeAttrs{
		"libc6": {"version": "2.35", "architecture": "amd64", "size": int64(100)},
		"nginx": {"version": "1.18", "architecture": "amd64", "size": int64(200)},
	}
	a := NodeSource{All: pkgs}
	b := NodeSource{All: pkgs}

	score := Weighted(a, b, false)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestWeightedDisjointSetsScoresZero(t *testing.T) {
	a := NodeSource{All: map[string]vmigraph.NodeAttrs{
		"apache2": {"version": "2.4", "architecture": "amd64", "size": int64(100)},
	}}
	b := NodeSource{All: map[string]vmigraph.NodeAttrs{
		"nginx": {"version": "1.18", "architecture": "amd64", "size": int64(100)},
	}}

	score := Weighted(a, b, false)
	assert.Zero(t, score)
}

func TestWeightedVersionMismatchExcludesFromNumerator(t *testing.T) {
	a := NodeSource{All: map[string]vmigraph.NodeAttrs{
		"libc6": {"version": "2.31", "architecture": "amd64", "size": int64(100)},
	}}
	b := NodeSource{All: map[string]vmigraph.NodeAttrs{
		"libc6": {"version": "2.35", "architecture": "amd64", "size": int64(100)},
	}}

	score := Weighted(a, b, false)
	assert.Zero(t, score)
}

func TestWeightedBothEmptyScoresZeroNotNaN(t *testing.T) {
	score := Weighted(NodeSource{All: map[string]vmigraph.NodeAttrs{}}, NodeSource{All: map[string]vmigraph.NodeAttrs{}}, false)
	assert.Zero(t, score)
}

func TestWeightedRestrictsToMainServiceOnlyWhenRequested(t *testing.T) {
	a := NodeSource{
		All:             map[string]vmigraph.NodeAttrs{"libc6": {"version": "1", "architecture": "amd64", "size": int64(10)}},
		MainServiceOnly: map[string]vmigraph.NodeAttrs{"nginx": {"version": "1", "architecture": "amd64", "size": int64(10)}},
	}
	b := NodeSource{
		All:             map[string]vmigraph.NodeAttrs{"libc6": {"version": "1", "architecture": "amd64", "size": int64(10)}},
		MainServiceOnly: map[string]vmigraph.NodeAttrs{"nginx": {"version": "1", "architecture": "amd64", "size": int64(10)}},
	}

	assert.InDelta(t, 1.0, Weighted(a, b, false), 1e-9)
	assert.InDelta(t, 1.0, Weighted(a, b, true), 1e-9)
}

func TestManyToManyLeavesSelfPairNil(t *testing.T) {
	sources := map[string]NodeSource{
		"vmi-a": {All: map[string]vmigraph.NodeAttrs{"libc6": {"version": "1", "architecture": "amd64", "size": int64(1)}}},
		"vmi-b": {All: map[string]vmigraph.NodeAttrs{"libc6": {"version": "1", "architecture": "amd64", "size": int64(1)}}},
	}

	matrix := ManyToMany(sources, false)
	require.Nil(t, matrix["vmi-a"]["vmi-a"])
	require.NotNil(t, matrix["vmi-a"]["vmi-b"])
	assert.InDelta(t, 1.0, *matrix["vmi-a"]["vmi-b"], 1e-9)
}
