// Package graphbuilder implements the Graph Builder (C2): construction of a
// per-VMI dependency graph from guest queries, parameterized by package
// manager family (spec.md §4.2).
package graphbuilder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	"github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

// depRegex matches a single dependency alternative: name, optional
// :architecture qualifier, optional "(op version)" constraint, per
// spec.md §4.2 APT path.
var depRegex = regexp.MustCompile(`^\s*([A-Za-z0-9.+_-]+)(?::([A-Za-z0-9]+))?(?:\s*\(([<>=]+)\s*([^)]+)\))?\s*$`)

// aptShowFormat is the dpkg-query show format emitting the seven fields the
// APT path consumes in one shell call, per spec.md §4.2.
const aptShowFormat = `${Package};${Version};${Architecture};${Essential};${Installed-Size};${Depends};${Pre-Depends}\n`

// Build constructs a dependency graph for the given package manager family,
// using handle to run the enumeration shell commands.
func Build(h *guest.Handle, pkgManager string, logg log.PluggableLoggerInterface) (*vmigraph.Graph, error) {
	switch pkgManager {
	case common.PkgManagerAPT:
		return buildAPT(h, logg)
	case common.PkgManagerDNF:
		return buildDNF(h, logg)
	default:
		return nil, fmt.Errorf("unsupported package manager family %q", pkgManager)
	}
}

func buildAPT(h *guest.Handle, logg log.PluggableLoggerInterface) (*vmigraph.Graph, error) {
	out, err := h.Shell(fmt.Sprintf("dpkg-query --show --showformat='%s'", aptShowFormat))
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	g := vmigraph.New()
	type rawPkg struct {
		name, arch, dependsRaw string
	}
	var raws []rawPkg

	for _, line := range splitLines(out) {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ";", 7)
		if len(fields) != 7 {
			continue
		}
		name, version, arch, essential, sizeKiB, depends, predepends := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]

		kib, convErr := strconv.ParseInt(strings.TrimSpace(sizeKiB), 10, 64)
		if convErr != nil {
			kib = 0
		}
		// Bytes are KiB * 1000 (not 1024), preserved for bit-compatibility
		// with the source behavior per spec.md §9 Open Questions.
		sizeBytes := kib * 1000

		g.AddNode(name, vmigraph.NodeAttrs{
			common.DictKeyName:         name,
			common.DictKeyVersion:      version,
			common.DictKeyArchitecture: arch,
			common.DictKeyEssential:    essential == "yes",
			common.DictKeyInstallSize:  sizeBytes,
			common.DictKeyPath:         nil,
		})

		depsRaw := strings.TrimSpace(depends)
		if strings.TrimSpace(predepends) != "" {
			if depsRaw != "" {
				depsRaw += ","
			}
			depsRaw += strings.TrimSpace(predepends)
		}
		raws = append(raws, rawPkg{name: name, arch: arch, dependsRaw: depsRaw})
	}

	nodeNames := g.NodeData()
	for _, p := range raws {
		if p.dependsRaw == "" {
			continue
		}
		for _, piece := range strings.Split(p.dependsRaw, ",") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			edge, err := resolveAlternative(piece, nodeNames, p.arch)
			if err != nil {
				return nil, vmierr.Wrap(vmierr.ParseFailure, err, "package %s: dependency %q", p.name, piece)
			}
			if edge == nil {
				continue
			}
			g.AddEdge(p.name, edge.name, vmigraph.EdgeAttrs{
				Constrained: edge.constrained,
				Operator:    edge.operator,
				Version:     edge.version,
			})
		}
	}

	return g, nil
}

type resolvedEdge struct {
	name        string
	constrained bool
	operator    string
	version     string
}

// resolveAlternative picks the first alternative (comma-piece split on "|")
// that matches the dependency regex, names a known package, and has a
// compatible architecture, per spec.md §4.2. A dependency string matching no
// alternative is a fatal parse error.
func resolveAlternative(commaPiece string, nodes map[string]vmigraph.NodeAttrs, targetArch string) (*resolvedEdge, error) {
	alts := strings.Split(commaPiece, "|")
	for _, alt := range alts {
		m := depRegex.FindStringSubmatch(alt)
		if m == nil {
			continue
		}
		name, arch, op, ver := m[1], m[2], m[3], m[4]
		attrs, ok := nodes[name]
		if !ok {
			continue
		}
		nodeArch, _ := attrs[common.DictKeyArchitecture].(string)
		if arch != "" && arch != "none" && arch != "any" && nodeArch != common.ArchAll && arch != nodeArch {
			continue
		}
		_ = targetArch
		return &resolvedEdge{
			name:        name,
			constrained: op != "",
			operator:    op,
			version:     ver,
		}, nil
	}
	return nil, fmt.Errorf("no alternative in %q matched a known package", commaPiece)
}

// depLineRegex matches "(level N) pkg -> dep" lines from `rpmdep -level --all`.
var depLineRegex = regexp.MustCompile(`^\(level\s+\d+\)\s+(\S+)\s+->\s+(\S+)\s*$`)

// dnfIgnoreSet names nodes that never participate in edges, per spec.md §4.2.
var dnfIgnoreSet = map[string]bool{"filesystem": true}

func buildDNF(h *guest.Handle, logg log.PluggableLoggerInterface) (*vmigraph.Graph, error) {
	out, err := h.Shell(`rpm -qa --qf "%{NAME};%{VERSION};%{ARCH};%{SIZE}\n"`)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	g := vmigraph.New()
	for _, line := range splitLines(out) {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ";", 4)
		if len(fields) != 4 {
			continue
		}
		name, version, arch, sizeStr := fields[0], fields[1], fields[2], fields[3]
		size, convErr := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
		if convErr != nil {
			size = 0
		}
		g.AddNode(name, vmigraph.NodeAttrs{
			common.DictKeyName:         name,
			common.DictKeyVersion:      version,
			common.DictKeyArchitecture: arch,
			common.DictKeyEssential:    false,
			common.DictKeyInstallSize:  size,
			common.DictKeyPath:         nil,
		})
	}

	depOut, err := h.Shell("rpmdep -level --all")
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	nodes := g.NodeData()
	for _, line := range splitLines(depOut) {
		m := depLineRegex.FindStringSubmatch(line)
		if m == nil {
			// Unparseable lines (including the benign "can not find who
			// provides" runtime warning) are skipped silently, per
			// spec.md §4.2/§7.
			continue
		}
		pkg, dep := m[1], m[2]
		if dnfIgnoreSet[pkg] || dnfIgnoreSet[dep] {
			continue
		}
		if strings.Contains(pkg, "rpmlib") || strings.Contains(dep, "rpmlib") {
			continue
		}
		if _, ok := nodes[pkg]; !ok {
			continue
		}
		if _, ok := nodes[dep]; !ok {
			continue
		}
		// Exactly one edge per dependency line: the original source
		// appends a bare tuple and an attributed tuple for the same
		// edge; spec.md §9 calls this accidental and directs a single
		// edge here.
		g.AddEdge(pkg, dep, vmigraph.EdgeAttrs{})
	}

	return g, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}
