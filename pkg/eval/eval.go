package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/otiai10/copy"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/lmzuccarelli/vmifold/pkg/catalog"
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/decomposer"
	"github.com/lmzuccarelli/vmifold/pkg/descriptor"
	"github.com/lmzuccarelli/vmifold/pkg/graphbuilder"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	"github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/reassembler"
	"github.com/lmzuccarelli/vmifold/pkg/repolayout"
	"github.com/lmzuccarelli/vmifold/pkg/similarity"
	"github.com/lmzuccarelli/vmifold/pkg/spinners"
)

// Run dispatches the `evaluate` CLI subcommands, each grounded on a method
// of original_source's Expelliarmus: simtoall (evaluateSimBetweenAll),
// decomposition (evaluateDecomposition), reassembly (evaluateReassembly).
func Run(opts *common.Options, cat *catalog.Catalog, backend guest.Backend, logg log.PluggableLoggerInterface, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: evaluate {simtoall|decomposition|reassembly} ...")
	}
	switch args[0] {
	case "simtoall":
		if len(args) != 2 {
			return fmt.Errorf("usage: evaluate simtoall <dir-of-vmis-with-meta>")
		}
		return evaluateSimilarityToAll(opts, backend, logg, args[1])
	case "decomposition":
		if len(args) < 3 {
			return fmt.Errorf("usage: evaluate decomposition <source-dir> <repetitions> [noredundancy]")
		}
		repetitions, err := parseInt(args[2])
		if err != nil {
			return err
		}
		resetEach := len(args) > 3 && args[3] == "noredundancy"
		return evaluateDecomposition(opts, cat, backend, logg, args[1], repetitions, resetEach)
	case "reassembly":
		if len(args) != 2 {
			return fmt.Errorf("usage: evaluate reassembly <repetitions>")
		}
		repetitions, err := parseInt(args[1])
		if err != nil {
			return err
		}
		return evaluateReassembly(opts, cat, backend, logg, repetitions)
	default:
		return fmt.Errorf("unknown evaluate subcommand %q", args[0])
	}
}

func parseInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// vmiEntry is one (path, filename, declaredSize, mainServices) tuple, the
// Go shape of getSortedVmiData's per-VMI row.
type vmiEntry struct {
	path         string
	fileName     string
	declaredSize int64
	mainServices []string
}

func sortedVMIData(dir string) ([]vmiEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	var out []vmiEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !hasSupportedExtension(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		name, mainServices, err := ReadSidecarManifest(path)
		if err != nil {
			continue
		}
		out = append(out, vmiEntry{
			path:         path,
			fileName:     name,
			declaredSize: readSumInstallSize(path),
			mainServices: mainServices,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].declaredSize != out[j].declaredSize {
			return out[i].declaredSize < out[j].declaredSize
		}
		return strings.ToLower(out[i].fileName) < strings.ToLower(out[j].fileName)
	})
	return out, nil
}

// evaluateSimilarityToAll computes the main-service-only pairwise similarity
// matrix across every VMI under dir with a sidecar manifest
// (evaluateSimBetweenAll / computeSimilarityManyToMany).
func evaluateSimilarityToAll(opts *common.Options, backend guest.Backend, logg log.PluggableLoggerInterface, dir string) error {
	entries, err := sortedVMIData(dir)
	if err != nil {
		return err
	}

	sources := make(map[string]similarity.NodeSource, len(entries))
	for _, e := range entries {
		handle, err := guest.Open(backend, e.path, false, logg.Warn)
		if err != nil {
			return err
		}
		g, err := graphbuilder.Build(handle, handle.Info.PkgManager, logg)
		handle.Close()
		if err != nil {
			return err
		}
		vmi := descriptor.NewVMI(descriptor.Distro{
			Distribution: handle.Info.Distribution,
			Architecture: handle.Info.Architecture,
			PkgManager:   handle.Info.PkgManager,
		}, g, e.fileName, e.mainServices)
		sources[e.fileName] = similarity.NodeSource{
			All:             vmi.NodeData(),
			MainServiceOnly: vmi.NodeDataFromMainServicesSubtrees(),
		}
	}

	matrix := similarity.ManyToMany(sources, true)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.fileName)
	}

	var lines []string
	lines = append(lines, ";"+strings.Join(names, ";"))
	for _, a := range names {
		row := a
		for _, b := range names {
			v := matrix[a][b]
			if v == nil {
				row += ";"
			} else {
				row += fmt.Sprintf(";%f", *v)
			}
		}
		lines = append(lines, row)
	}

	return os.WriteFile(filepath.Join(opts.EvaluationsDir(), "evaluation_simToAll_MS.csv"), []byte(strings.Join(lines, "\n")), 0644)
}

// decompositionCSV accumulates DecompositionEvaluation rows.
type decompositionCSV struct{ lines []string }

func newDecompositionCSV() *decompositionCSV {
	return &decompositionCSV{lines: []string{
		"vmiFilename;vmi main services;sumOrigStorageSize[bytes];RepoStorageSize[bytes];dbSize[bytes];timeDecomp[s]",
	}}
}

func (d *decompositionCSV) add(fileName string, mainServices []string, origSize int64, repoSize int64, dbSize int64, decompTime time.Duration) {
	d.lines = append(d.lines, fmt.Sprintf("%s;%s;%d;%d;%d;%f",
		fileName, strings.Join(mainServices, ","), origSize, repoSize, dbSize, decompTime.Seconds()))
}

func (d *decompositionCSV) save(path string) error {
	return os.WriteFile(path, []byte(strings.Join(d.lines, "\n")), 0644)
}

// evaluateDecomposition runs the decomposition benchmark `repetitions`
// times, copying the source VMI set into the workspace with a progress bar
// each round (evaluateDecomposition / the shutil.copytree-with-progress
// loop), then decomposing every VMI once (or with a repo reset before each,
// when resetBeforeEach is set, to disable semantic-redundancy reuse).
func evaluateDecomposition(opts *common.Options, cat *catalog.Catalog, backend guest.Backend, logg log.PluggableLoggerInterface, sourceDir string, repetitions int, resetBeforeEach bool) error {
	for i := 1; i <= repetitions; i++ {
		logg.Info("decomposition evaluation iteration %d/%d (resetBeforeEach=%v)", i, repetitions, resetBeforeEach)

		if err := repolayout.Reset(opts, cat, logg); err != nil {
			return err
		}
		if err := os.RemoveAll(opts.VMIsDir()); err != nil {
			return fmt.Errorf("%w", err)
		}

		if err := copyWithProgress(sourceDir, opts.VMIsDir(), logg); err != nil {
			return err
		}

		entries, err := sortedVMIData(opts.VMIsDir())
		if err != nil {
			return err
		}

		csv := newDecompositionCSV()
		d := decomposer.New(opts, cat, backend, logg)
		for idx, e := range entries {
			logg.Info("decomposing VMI %d/%d: %s", idx+1, len(entries), e.fileName)
			if resetBeforeEach && idx > 0 {
				if err := repolayout.Reset(opts, cat, logg); err != nil {
					return err
				}
			}

			stat, statErr := os.Stat(e.path)
			var origSize int64
			if statErr == nil {
				origSize = stat.Size()
			}

			start := time.Now()
			result, err := d.Decompose(e.path, e.fileName, e.mainServices, true)
			decompTime := time.Since(start)
			if err != nil {
				logg.Error("decompose %s failed: %s", e.fileName, err.Error())
				continue
			}

			repoSize := dirSize(opts.RepositoryRoot)
			dbStat, _ := os.Stat(opts.CatalogPath())
			var dbSize int64
			if dbStat != nil {
				dbSize = dbStat.Size()
			}
			_ = result.BaseImageID
			csv.add(e.fileName, e.mainServices, origSize, repoSize, dbSize, decompTime)

			if err := os.Remove(sidecarPath(e.path)); err != nil && !os.IsNotExist(err) {
				logg.Warn("could not remove sidecar for %s: %s", e.fileName, err.Error())
			}
		}

		suffix := ""
		if resetBeforeEach {
			suffix = "_noRedundancy"
		}
		csvPath := filepath.Join(opts.EvaluationsDir(), fmt.Sprintf("decomposition%s_%d.csv", suffix, i))
		if err := csv.save(csvPath); err != nil {
			return err
		}
	}
	return nil
}

// reassemblyCSV accumulates ReassemblingEvaluation rows.
type reassemblyCSV struct{ lines []string }

func newReassemblyCSV() *reassemblyCSV {
	return &reassemblyCSV{lines: []string{
		"vmiFilename;used base image;vmi size [bytes];reassembling time [s]",
	}}
}

func (r *reassemblyCSV) add(name, basePath string, vmiSize int64, elapsed time.Duration) {
	r.lines = append(r.lines, fmt.Sprintf("%s;%s;%d;%f", name, basePath, vmiSize, elapsed.Seconds()))
}

func (r *reassemblyCSV) save(path string) error {
	return os.WriteFile(path, []byte(strings.Join(r.lines, "\n")), 0644)
}

// evaluateReassembly runs the reassembly benchmark `repetitions` times over
// every VMI currently in the catalog (evaluateReassembly).
func evaluateReassembly(opts *common.Options, cat *catalog.Catalog, backend guest.Backend, logg log.PluggableLoggerInterface, repetitions int) error {
	r := reassembler.New(opts, cat, backend, logg)
	for i := 1; i <= repetitions; i++ {
		logg.Info("reassembly evaluation iteration %d/%d", i, repetitions)
		if err := os.RemoveAll(opts.VMIsDir()); err != nil {
			return fmt.Errorf("%w", err)
		}
		if err := os.MkdirAll(opts.VMIsDir(), 0755); err != nil {
			return fmt.Errorf("%w", err)
		}

		names, err := cat.GetAllVMINames()
		if err != nil {
			return err
		}

		csv := newReassemblyCSV()
		for idx, name := range names {
			logg.Info("reassembling VMI %d/%d: %s", idx+1, len(names), name)
			start := time.Now()
			result, err := r.Reassemble(name)
			elapsed := time.Since(start)
			if err != nil {
				logg.Error("reassemble %s failed: %s", name, err.Error())
				continue
			}
			stat, _ := os.Stat(result.OutputPath)
			var size int64
			if stat != nil {
				size = stat.Size()
			}
			csv.add(name, result.OutputPath, size, elapsed)
		}

		if err := csv.save(filepath.Join(opts.EvaluationsDir(), fmt.Sprintf("reassembly_%d.csv", i))); err != nil {
			return err
		}
	}
	return nil
}

// copyWithProgress copies sourceDir into destDir in the background while a
// spinner/bar tracks bytes copied, the Go shape of the Python Thread +
// shutil.copytree polling loop in evaluateDecomposition (spec.md §5's
// background-bulk-copy-with-progress-poller pattern), using otiai10/copy
// for the transfer and vbauerster/mpb (via pkg/spinners) for display.
func copyWithProgress(sourceDir, destDir string, logg log.PluggableLoggerInterface) error {
	total := dirSize(sourceDir)
	if total == 0 {
		return copy.Copy(sourceDir, destDir)
	}

	progress := mpb.New(mpb.WithWidth(40))
	bar := progress.AddBar(total,
		spinners.BarFillerClearOnAbort(),
		mpb.PrependDecorators(decor.Name("copying VMIs")),
		mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f")),
	)

	done := make(chan error, 1)
	go func() {
		done <- copy.Copy(sourceDir, destDir)
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var lastCopied int64
	for {
		select {
		case err := <-done:
			bar.SetCurrent(total)
			progress.Wait()
			if err != nil {
				return fmt.Errorf("%w", err)
			}
			return nil
		case <-ticker.C:
			copied := dirSize(destDir)
			bar.IncrInt64(copied - lastCopied)
			lastCopied = copied
		}
	}
}

func hasSupportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range common.SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
