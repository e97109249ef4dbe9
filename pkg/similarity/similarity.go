// Package similarity implements the Similarity Engine (C4): weighted set
// similarity between two descriptors, optionally restricted to
// main-service subtrees (spec.md §4.4).
package similarity

import (
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

// NodeSource carries the two node-attribute views the Similarity Engine
// needs from a descriptor: its full node set and its main-service closure.
// Callers (VMI/Master) build this directly from their own NodeData() and
// NodeDataFromMainServicesSubtrees() rather than satisfying an interface.
type NodeSource struct {
	All             map[string]vmigraph.NodeAttrs
	MainServiceOnly map[string]vmigraph.NodeAttrs
}

// Weighted computes the weighted similarity between a and b per spec.md
// §4.4 steps 1-6. mainServicesOnly restricts the candidate node set to each
// side's main-service closure.
func Weighted(a, b NodeSource, mainServicesOnly bool) float64 {
	nodesA := a.All
	nodesB := b.All
	if mainServicesOnly {
		nodesA = a.MainServiceOnly
		nodesB = b.MainServiceOnly
	}

	candidates := map[string]bool{}
	for n := range nodesA {
		candidates[n] = true
	}
	for n := range nodesB {
		candidates[n] = true
	}

	var maxSize int64
	sizeOf := func(set map[string]vmigraph.NodeAttrs, name string) (int64, bool) {
		attrs, ok := set[name]
		if !ok {
			return 0, false
		}
		return toInt64(attrs[common.DictKeyInstallSize]), true
	}

	maxPairSize := map[string]int64{}
	for name := range candidates {
		sa, okA := sizeOf(nodesA, name)
		sb, okB := sizeOf(nodesB, name)
		var m int64
		if okA && sa > m {
			m = sa
		}
		if okB && sb > m {
			m = sb
		}
		maxPairSize[name] = m
		if m > maxSize {
			maxSize = m
		}
	}

	if maxSize == 0 {
		return 0
	}

	var denom float64
	for _, m := range maxPairSize {
		denom += float64(m) / float64(maxSize)
	}
	if denom == 0 {
		return 0
	}

	var numer float64
	for name := range candidates {
		attrsA, okA := nodesA[name]
		attrsB, okB := nodesB[name]
		if !okA || !okB {
			continue
		}
		if !sameVersionCompatibleArch(attrsA, attrsB) {
			continue
		}
		numer += float64(maxPairSize[name]) / float64(maxSize)
	}

	return numer / denom
}

func sameVersionCompatibleArch(a, b vmigraph.NodeAttrs) bool {
	av, _ := a[common.DictKeyVersion].(string)
	bv, _ := b[common.DictKeyVersion].(string)
	if av != bv {
		return false
	}
	aa, _ := a[common.DictKeyArchitecture].(string)
	ba, _ := b[common.DictKeyArchitecture].(string)
	return aa == ba || aa == common.ArchAll || ba == common.ArchAll
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

// ManyToMany builds the symmetric similarity matrix for a set of named
// node sources. A descriptor's similarity to itself is left undefined (its
// entry is a nil pointer) rather than forced to 1.0, so averages can
// exclude self-pairs, per spec.md §4.4.
func ManyToMany(sources map[string]NodeSource, mainServicesOnly bool) map[string]map[string]*float64 {
	out := make(map[string]map[string]*float64, len(sources))
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	for _, a := range names {
		out[a] = map[string]*float64{}
		for _, b := range names {
			if a == b {
				out[a][b] = nil
				continue
			}
			v := Weighted(sources[a], sources[b], mainServicesOnly)
			out[a][b] = &v
		}
	}
	return out
}
