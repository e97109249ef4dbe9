// Package descriptor implements the Descriptor Model (C3): an in-memory
// representation of a VMI/BaseImage/Master dependency graph with subgraph,
// compatibility, and size operations (spec.md §4.3).
//
// The three Python classes (BaseImageDescriptor, VMIDescriptor,
// VMIMasterDescriptor) become one interface with three concrete variants —
// a tagged union over shared operations, per spec.md §9's preference for
// that over inheritance.
package descriptor

import (
	"fmt"
	"sort"

	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

// Distro identifies the distro quadruple a base/vmi/master descriptor is
// built on.
type Distro struct {
	Distribution string
	Version      string
	Architecture string
	PkgManager   string
}

// Descriptor is the common surface shared by BaseImage, VMI and Master
// roles.
type Descriptor interface {
	Distro() Distro
	Graph() *vmigraph.Graph
	NodeData() map[string]vmigraph.NodeAttrs
	HasNode(name string) bool
	FuzzyContaining(substr string) []string
	TotalInstallSize() int64
	SubgraphFromRoots(roots []string) *vmigraph.Graph
	NodeDataFromSubtrees(roots []string) map[string]vmigraph.NodeAttrs
	SaveGraph(path string) error
}

// Base is a BaseImageDescriptor: graph + distro quadruple, no VMI identity.
type Base struct {
	distro Distro
	graph  *vmigraph.Graph
}

// NewBase wraps a freshly built graph with its distro quadruple.
func NewBase(d Distro, g *vmigraph.Graph) *Base {
	return &Base{distro: d, graph: g}
}

// LoadBase reconstructs a Base from a persisted graph file.
func LoadBase(d Distro, graphPath string) (*Base, error) {
	g, err := vmigraph.Load(graphPath)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	return &Base{distro: d, graph: g}, nil
}

func (b *Base) Distro() Distro                   { return b.distro }
func (b *Base) Graph() *vmigraph.Graph           { return b.graph }
func (b *Base) NodeData() map[string]vmigraph.NodeAttrs { return b.graph.NodeData() }
func (b *Base) HasNode(name string) bool         { return b.graph.HasNode(name) }
func (b *Base) FuzzyContaining(s string) []string { return b.graph.FuzzyContaining(s) }
func (b *Base) TotalInstallSize() int64 {
	return b.graph.TotalInstallSize(common.DictKeyInstallSize)
}
func (b *Base) SubgraphFromRoots(roots []string) *vmigraph.Graph {
	return b.graph.SubgraphFromRoots(roots)
}
func (b *Base) NodeDataFromSubtrees(roots []string) map[string]vmigraph.NodeAttrs {
	return b.graph.NodeDataFromSubtrees(roots)
}
func (b *Base) SaveGraph(path string) error { return b.graph.Save(path) }

// CheckCompatibilityForPackages implements the compatibility predicate of
// spec.md §4.3: for every pkg in pkgs present in this graph, version must be
// equal and architecture must match (or either side is "all"). Packages not
// present in the graph impose no constraint.
func (b *Base) CheckCompatibilityForPackages(pkgs map[string]vmigraph.NodeAttrs) bool {
	return CheckCompatibility(b.graph, pkgs)
}

// CheckCompatibility is the free-function form of the §4.3 compatibility
// predicate, reused by Base (and so Master) and the Decomposer.
func CheckCompatibility(graph *vmigraph.Graph, pkgs map[string]vmigraph.NodeAttrs) bool {
	nodeData := graph.NodeData()
	for name, other := range pkgs {
		mine, ok := nodeData[name]
		if !ok {
			continue
		}
		if !sameVersionCompatibleArch(mine, other) {
			return false
		}
	}
	return true
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

// VMI is a VMIDescriptor: a Base plus a declared main-service list.
type VMI struct {
	Base
	Name         string
	MainServices []string
}

// NewVMI wraps a fresh graph with a vmi name and declared main services.
func NewVMI(d Distro, g *vmigraph.Graph, name string, mainServices []string) *VMI {
	return &VMI{Base: Base{distro: d, graph: g}, Name: name, MainServices: mainServices}
}

// MainServiceDepList returns, for each declared main service, its BFS
// dependency closure's node data (VMIDescriptor.getMainServicesDepList).
func (v *VMI) MainServiceDepList() map[string]map[string]vmigraph.NodeAttrs {
	out := make(map[string]map[string]vmigraph.NodeAttrs, len(v.MainServices))
	for _, ms := range v.MainServices {
		out[ms] = v.graph.NodeDataFromSubtree(ms)
	}
	return out
}

// SubgraphForMainServices returns the BFS-closure subgraph rooted at every
// declared main service (VMIDescriptor.getSubGraphForMainServices).
func (v *VMI) SubgraphForMainServices() *vmigraph.Graph {
	return v.graph.SubgraphFromRoots(v.MainServices)
}

// NodeDataFromMainServicesSubtrees unions the closures of every declared
// main service.
func (v *VMI) NodeDataFromMainServicesSubtrees() map[string]vmigraph.NodeAttrs {
	return v.graph.NodeDataFromSubtrees(v.MainServices)
}

// Master is a VMIMasterDescriptor: a Base plus the set of main-service names
// aggregated across every VMI assigned to it. The aggregated set is marked
// directly on the graph's node attributes (DictKeyIsMainService) rather than
// kept in a separate in-memory field, so it round-trips through SaveGraph/
// Load along with everything else — a separate field would silently reset
// to empty on every LoadMaster.
type Master struct {
	Base
}

// NewMaster creates a master descriptor for a freshly selected base image,
// with the given main services marked on its graph
// (BaseImageDescriptor.getVMIMasterDescriptor).
func NewMaster(d Distro, g *vmigraph.Graph, mainServices []string) *Master {
	m := &Master{Base: Base{distro: d, graph: g}}
	m.markMainServices(mainServices)
	return m
}

// LoadMaster reconstructs a Master from a persisted master graph file. The
// mainServices argument marks any additional names not already flagged in
// the persisted graph; pass nil to rely solely on what was saved.
func LoadMaster(d Distro, graphPath string, mainServices []string) (*Master, error) {
	g, err := vmigraph.Load(graphPath)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	m := &Master{Base: Base{distro: d, graph: g}}
	m.markMainServices(mainServices)
	return m, nil
}

func (m *Master) markMainServices(names []string) {
	for _, n := range names {
		if attrs, ok := m.graph.Nodes[n]; ok {
			attrs[common.DictKeyIsMainService] = true
		}
	}
}

// MainServices returns the aggregated main-service name set, sorted for
// deterministic output, derived from the graph's own node markers.
func (m *Master) MainServices() []string {
	var out []string
	for name, attrs := range m.graph.NodeData() {
		if flagged, _ := attrs[common.DictKeyIsMainService].(bool); flagged {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SubgraphForMainServices mirrors VMI's operation over the aggregated set.
func (m *Master) SubgraphForMainServices() *vmigraph.Graph {
	return m.graph.SubgraphFromRoots(m.MainServices())
}

// NodeDataFromMainServicesSubtrees mirrors VMI's operation over the
// aggregated set.
func (m *Master) NodeDataFromMainServicesSubtrees() map[string]vmigraph.NodeAttrs {
	return m.graph.NodeDataFromSubtrees(m.MainServices())
}

// AddSubGraph implements VMIMasterDescriptor.addSubGraph: reject the merge
// if the incoming subgraph's packages are incompatible with this master;
// otherwise union nodes+edges and fold the new main-service names in.
func (m *Master) AddSubGraph(mainServices []string, newGraph *vmigraph.Graph) error {
	if !CheckCompatibility(m.graph, newGraph.NodeData()) {
		return fmt.Errorf("graph compat fail: incompatible packages in master merge")
	}
	m.graph = newGraph.Union(m.graph)
	m.markMainServices(mainServices)
	return nil
}

// SaveGraph persists the master graph; callers use the "<base>_MASTER"
// naming convention from spec.md §4.7/§4.9.
func (m *Master) SaveGraph(path string) error { return m.graph.Save(path) }
