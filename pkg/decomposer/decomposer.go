// Package decomposer implements the Decomposer (C7): the state machine that
// orchestrates graph build → export → base-image selection → catalog update
// for one VMI (spec.md §4.7).
package decomposer

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/lmzuccarelli/vmifold/pkg/catalog"
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/descriptor"
	"github.com/lmzuccarelli/vmifold/pkg/graphbuilder"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	"github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/manipulator"
	"github.com/lmzuccarelli/vmifold/pkg/repolayout"
	"github.com/lmzuccarelli/vmifold/pkg/similarity"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
	"github.com/lmzuccarelli/vmifold/pkg/vmigraph"
)

// Decomposer orchestrates the 14-step decomposition state machine.
type Decomposer struct {
	Opts    *common.Options
	Cat     *catalog.Catalog
	Backend guest.Backend
	Log     log.PluggableLoggerInterface
}

// New builds a Decomposer; a nil logger defaults to error-level, matching
// the teacher's history.NewHistory convention.
func New(opts *common.Options, cat *catalog.Catalog, backend guest.Backend, logg log.PluggableLoggerInterface) *Decomposer {
	if logg == nil {
		logg = log.New("error")
	}
	return &Decomposer{Opts: opts, Cat: cat, Backend: backend, Log: logg}
}

// Result summarizes a successful decomposition.
type Result struct {
	VMIName       string
	BaseImageID   int64
	BaseImagePath string
	ReplacedBases []int64
	SimilarityToMasters map[int64]float64
}

// Decompose runs steps 1-14 of spec.md §4.7 against the VMI file at path,
// using the declared main services. evaluationMode enables step 4's
// similarity-against-every-master comparison.
func (d *Decomposer) Decompose(path, vmiName string, mainServices []string, evaluationMode bool) (*Result, error) {
	// Step 1: validate.
	if err := common.ValidateVMIPath(path); err != nil {
		return nil, vmierr.Wrap(vmierr.PathInvalid, err, "decompose: invalid path %s", path)
	}
	exists, err := d.Cat.NameExists(vmiName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, vmierr.New(vmierr.DuplicateName, "vmi name %q already in catalog", vmiName)
	}

	// Step 2: build descriptor via C1+C2.
	handle, err := guest.Open(d.Backend, path, true, d.Log.Warn)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	distro := descriptor.Distro{
		Distribution: handle.Info.Distribution,
		Version:      fmt.Sprintf("%d_%d", handle.Info.MajorVersion, handle.Info.MinorVersion),
		Architecture: handle.Info.Architecture,
		PkgManager:   handle.Info.PkgManager,
	}
	graph, err := graphbuilder.Build(handle, distro.PkgManager, d.Log)
	if err != nil {
		return nil, err
	}
	vmi := descriptor.NewVMI(distro, graph, vmiName, mainServices)

	// Step 3: check main services exist; fuzzy-suggest and abort on miss.
	for _, ms := range mainServices {
		if !vmi.HasNode(ms) {
			var suggestions []string
			for _, frag := range []string{ms} {
				suggestions = append(suggestions, vmi.FuzzyContaining(frag)...)
			}
			return nil, vmierr.WithSuggestions(vmierr.MainServiceAbsent, suggestions, "main service %q is not a package node", ms)
		}
	}

	result := &Result{VMIName: vmiName}

	// Step 4: optionally compute similarity against every master graph
	// (evaluation mode only).
	if evaluationMode {
		sims, err := d.similarityAgainstMasters(vmi)
		if err != nil {
			d.Log.Warn("similarity-against-masters failed: %s", err.Error())
		} else {
			result.SimilarityToMasters = sims
		}
	}

	// Step 5: main-service dep list, subgraph, full closure package set.
	msDepLists := vmi.MainServiceDepList()
	msClosure := vmi.NodeDataFromMainServicesSubtrees()

	// Step 6: export packages not already present in store; record new rows.
	var exportNames []string
	for name := range msClosure {
		exportNames = append(exportNames, name)
	}
	sort.Strings(exportNames)

	var toExport []string
	for _, name := range exportNames {
		attrs := msClosure[name]
		version, _ := attrs[common.DictKeyVersion].(string)
		arch, _ := attrs[common.DictKeyArchitecture].(string)
		exists, err := d.Cat.PackageExists(name, version, arch, distro.Distribution)
		if err != nil {
			return nil, err
		}
		if !exists {
			toExport = append(toExport, name)
		}
	}

	manip := manipulator.New(handle, distro.PkgManager)
	exported, err := manip.Export(toExport, distro.Distribution, d.Opts.PackagesDir())
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	exportedByName := make(map[string]manipulator.ExportedPackage, len(exported))
	for _, e := range exported {
		exportedByName[e.Name] = e
	}

	// Step 7: remove main-service packages from the image; derive new base
	// descriptor from what remains.
	if err := manip.Remove(mainServices); err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	newBaseGraph, err := graphbuilder.Build(handle, distro.PkgManager, d.Log)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// Step 8: export and remove home directory.
	homeArchivePath := filepath.Join(d.Opts.UserFoldersDir(), vmiName+".tar.gz")
	if err := manip.ExportHome(homeArchivePath); err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	if err := manip.RemoveHome(); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// Step 9: close guest handle (deferred Close covers this; do it
	// explicitly here so steps 10+ never touch a stale handle).
	if err := handle.Close(); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// Step 10: select base image.
	newBaseUUID := uuid.NewString()
	newBaseStagingPath := filepath.Join(d.Opts.RepositoryRoot, ".staging-"+newBaseUUID+filepath.Ext(path))
	if err := os.Rename(path, newBaseStagingPath); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	existingBases, err := d.Cat.GetBaseImagesWith(distro.Distribution, distro.Version, distro.Architecture, distro.PkgManager)
	if err != nil {
		return nil, err
	}

	chosen, replacing, err := d.chooseBaseImage(existingBases, newBaseGraph, msClosure)
	if err != nil {
		return nil, err
	}

	// Step 11: move retained base image file into BaseImages/ with a
	// collision-safe name, unless an existing base was chosen over the new
	// one (in which case the new base file is discarded).
	var finalBasePath string
	creatingNewBase := chosen.id < 0
	if creatingNewBase {
		finalBasePath = repolayout.CollisionSafeBasePath(d.Opts, distro.Distribution, distro.Version, distro.PkgManager, distro.Architecture, filepath.Ext(path))
		if err := repolayout.MoveBaseImage(newBaseStagingPath, finalBasePath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
	} else {
		_ = os.Remove(newBaseStagingPath)
		finalBasePath = chosen.filePath
	}

	// Step 12: persist base graph + master graph, insert/lookup base row.
	var graphPath, masterGraphPath string
	if creatingNewBase {
		graphPath = finalBasePath + ".graph"
		if err := newBaseGraph.Save(graphPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		newMaster := descriptor.NewMaster(distro, vmi.SubgraphForMainServices(), mainServices)
		masterGraphPath = finalBasePath + "_MASTER.graph"
		if err := newMaster.SaveGraph(masterGraphPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
	} else {
		graphPath = chosen.graphPath
		masterGraphPath = chosen.masterGraphPath
		existingMaster, err := descriptor.LoadMaster(distro, masterGraphPath, nil)
		if err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		if err := existingMaster.AddSubGraph(mainServices, vmi.SubgraphForMainServices()); err != nil {
			return nil, vmierr.Wrap(vmierr.GraphCompatFail, err, "master merge for base %d", chosen.id)
		}
		if err := existingMaster.SaveGraph(masterGraphPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
	}

	// Steps 13-14 run inside one transaction: insert vmi row, insert
	// main-service dep edges, fold replaced bases into the chosen master,
	// reassign and delete replaced base rows. Filesystem moves already
	// happened above; only the physical deletion of replaced base/graph
	// files is deferred until after commit, per spec.md §5.
	var toDeleteFiles []string
	var baseID int64

	txErr := d.runCatalogTx(creatingNewBase, distro, finalBasePath, graphPath, masterGraphPath, chosen, replacing, vmiName, homeArchivePath, msDepLists, exportedByName, &baseID, &toDeleteFiles)
	if txErr != nil {
		// Reconciliation: the base file move already happened; if the
		// catalog never committed, remove what we staged so a retry
		// doesn't see an orphan file (spec.md §5).
		if creatingNewBase {
			_ = os.Remove(finalBasePath)
			_ = os.Remove(graphPath)
			_ = os.Remove(masterGraphPath)
		}
		return nil, txErr
	}

	for _, f := range toDeleteFiles {
		if err := os.Remove(f); err != nil {
			d.Log.Warn("reconciliation: could not delete replaced base file %s: %s", f, err.Error())
		}
	}

	result.BaseImageID = baseID
	result.BaseImagePath = finalBasePath
	for _, r := range replacing {
		result.ReplacedBases = append(result.ReplacedBases, r.id)
	}
	return result, nil
}

// candidateBase is the base-selection algorithm's working representation of
// one base image: either an existing catalog row or the freshly derived
// base from the VMI being decomposed (id < 0).
type candidateBase struct {
	id              int64
	totalInstallSize int64
	graph           *vmigraph.Graph
	msPkgs          map[string]vmigraph.NodeAttrs
	filePath        string
	graphPath       string
	masterGraphPath string
}

// chooseBaseImage implements spec.md §4.7's base-image selection algorithm.
func (d *Decomposer) chooseBaseImage(existing []catalog.BaseImage, newBaseGraph *vmigraph.Graph, newMSClosure map[string]vmigraph.NodeAttrs) (candidateBase, []candidateBase, error) {
	newCandidate := candidateBase{
		id:               -1,
		totalInstallSize: newBaseGraph.TotalInstallSize(common.DictKeyInstallSize),
		graph:            newBaseGraph,
		msPkgs:           newMSClosure,
	}

	candidates := []candidateBase{newCandidate}
	for _, b := range existing {
		g, err := vmigraph.Load(b.GraphPath)
		if err != nil {
			return candidateBase{}, nil, fmt.Errorf("%w", err)
		}
		msPkgIDs, err := d.msPackagesForBase(b.ID)
		if err != nil {
			return candidateBase{}, nil, err
		}
		candidates = append(candidates, candidateBase{
			id:               b.ID,
			totalInstallSize: g.TotalInstallSize(common.DictKeyInstallSize),
			graph:            g,
			msPkgs:           msPkgIDs,
			filePath:         b.FilePath,
			graphPath:        b.GraphPath,
			masterGraphPath:  b.MasterGraphPath,
		})
	}

	n := len(candidates)
	compat := make([][]bool, n)
	for i := range compat {
		compat[i] = make([]bool, n)
	}
	for i, b1 := range candidates {
		for j, b2 := range candidates {
			if i == j {
				compat[i][j] = true
				continue
			}
			compat[i][j] = descriptor.CheckCompatibility(b1.graph, b2.msPkgs)
		}
	}

	count := make([]int, n)
	for i := range candidates {
		for j := range candidates {
			if compat[i][j] {
				count[i]++
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	newIdx := 0 // newCandidate is always index 0
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if count[ia] != count[ib] {
			return count[ia] > count[ib]
		}
		if candidates[ia].totalInstallSize != candidates[ib].totalInstallSize {
			return candidates[ia].totalInstallSize < candidates[ib].totalInstallSize
		}
		iaIsNew := ia == newIdx
		ibIsNew := ib == newIdx
		return !iaIsNew && ibIsNew // existing (false) sorts before new (true)
	})

	for _, idx := range order {
		if compat[idx][newIdx] {
			var replacing []candidateBase
			for j := range candidates {
				if j != idx && j != newIdx && compat[idx][j] {
					replacing = append(replacing, candidates[j])
				}
			}
			return candidates[idx], replacing, nil
		}
	}
	// Last resort: the new base covers only itself.
	return newCandidate, nil, nil
}

func (d *Decomposer) msPackagesForBase(baseID int64) (map[string]vmigraph.NodeAttrs, error) {
	out := map[string]vmigraph.NodeAttrs{}
	// Resolved via a read-only helper on Catalog rather than a tx, since
	// base-selection happens before the VMI's own write transaction opens.
	pkgs, pkgErr := d.Cat.MainServicePackagesForBase(baseID)
	if pkgErr != nil {
		return nil, pkgErr
	}
	for _, p := range pkgs {
		out[p.Name] = vmigraph.NodeAttrs{
			common.DictKeyName:         p.Name,
			common.DictKeyVersion:      p.Version,
			common.DictKeyArchitecture: p.Arch,
			common.DictKeyInstallSize:  p.InstallSize,
		}
	}
	return out, nil
}

// runCatalogTx brackets steps 13-14 (insert vmi row, insert main-service dep
// edges, fold replaced bases into the chosen master's coverage) inside a
// single transaction, per spec.md §5. Replaced base/graph files are listed
// in toDeleteFiles for the caller to delete only after commit succeeds.
func (d *Decomposer) runCatalogTx(
	creatingNewBase bool,
	distro descriptor.Distro,
	finalBasePath, graphPath, masterGraphPath string,
	chosen candidateBase,
	replacing []candidateBase,
	vmiName, homeArchivePath string,
	msDepLists map[string]map[string]vmigraph.NodeAttrs,
	exportedByName map[string]manipulator.ExportedPackage,
	baseID *int64,
	toDeleteFiles *[]string,
) error {
	return d.Cat.Tx(func(tx *sql.Tx) error {
		var bID int64
		var err error
		if creatingNewBase {
			bID, err = d.Cat.AddBaseImage(tx, catalog.BaseImage{
				Distribution: distro.Distribution, Version: distro.Version, Arch: distro.Architecture,
				PkgManager: distro.PkgManager, FilePath: finalBasePath, GraphPath: graphPath, MasterGraphPath: masterGraphPath,
			})
			if err != nil {
				return err
			}
		} else {
			bID = chosen.id
		}

		vmiID, err := d.Cat.AddVMI(tx, catalog.VMI{Name: vmiName, UserDirPath: homeArchivePath, BaseID: bID})
		if err != nil {
			return err
		}

		pkgIDCache := map[string]int64{}
		resolvePkgID := func(name string, attrs vmigraph.NodeAttrs) (int64, error) {
			if id, ok := pkgIDCache[name]; ok {
				return id, nil
			}
			version, _ := attrs[common.DictKeyVersion].(string)
			arch, _ := attrs[common.DictKeyArchitecture].(string)
			var existingID int64
			err := tx.QueryRow(
				`SELECT id FROM packages WHERE name=? AND version=? AND arch=? AND distribution=?`,
				name, version, arch, distro.Distribution,
			).Scan(&existingID)
			if err == nil {
				pkgIDCache[name] = existingID
				return existingID, nil
			}
			if err != sql.ErrNoRows {
				return 0, fmt.Errorf("%w", err)
			}
			filePath := ""
			if e, ok := exportedByName[name]; ok {
				filePath = e.FilePath
			}
			id, err := d.Cat.AddPackage(tx, catalog.Package{
				Name: name, Version: version, Arch: arch, Distribution: distro.Distribution,
				InstallSize: toInt64Attr(attrs[common.DictKeyInstallSize]), FilePath: filePath,
			})
			if err != nil {
				return 0, err
			}
			pkgIDCache[name] = id
			return id, nil
		}

		for ms, depData := range msDepLists {
			msAttrs, ok := depData[ms]
			if !ok {
				continue
			}
			msID, err := resolvePkgID(ms, msAttrs)
			if err != nil {
				return err
			}
			var depIDs []int64
			for depName, depAttrs := range depData {
				if depName == ms {
					continue
				}
				depID, err := resolvePkgID(depName, depAttrs)
				if err != nil {
					return err
				}
				depIDs = append(depIDs, depID)
			}
			if err := d.Cat.AddMainServiceDepEdges(tx, vmiID, msID, depIDs); err != nil {
				return err
			}
		}

		if len(replacing) > 0 {
			var oldIDs []int64
			for _, r := range replacing {
				oldIDs = append(oldIDs, r.id)
				*toDeleteFiles = append(*toDeleteFiles, r.filePath, r.graphPath, r.masterGraphPath)
			}
			if err := d.Cat.ReplaceAndRemoveBaseImages(tx, oldIDs, bID); err != nil {
				return err
			}
		}

		*baseID = bID
		return nil
	})
}

func toInt64Attr(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (d *Decomposer) similarityAgainstMasters(vmi *descriptor.VMI) (map[int64]float64, error) {
	bases, err := d.Cat.GetAllBaseImages()
	if err != nil {
		return nil, err
	}
	out := map[int64]float64{}
	vmiSrc := similarity.NodeSource{All: vmi.NodeData(), MainServiceOnly: vmi.NodeDataFromMainServicesSubtrees()}
	for _, b := range bases {
		master, err := descriptor.LoadMaster(descriptor.Distro{Distribution: b.Distribution, Version: b.Version, Architecture: b.Arch, PkgManager: b.PkgManager}, b.MasterGraphPath, nil)
		if err != nil {
			continue
		}
		masterSrc := similarity.NodeSource{All: master.NodeData(), MainServiceOnly: master.NodeDataFromMainServicesSubtrees()}
		out[b.ID] = similarity.Weighted(vmiSrc, masterSrc, true)
	}
	return out, nil
}
