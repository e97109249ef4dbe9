package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/lmzuccarelli/vmifold/pkg/catalog"
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/decomposer"
	"github.com/lmzuccarelli/vmifold/pkg/eval"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	clog "github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/reassembler"
	"github.com/lmzuccarelli/vmifold/pkg/repolayout"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
)

// ReplController dispatches the spec.md §6.5 command set to the
// Decomposer/Reassembler/Catalog/Evaluation flow controllers, playing the
// role the teacher's NewExecuteFlowController/NewDeleteFlowController pair
// played for mirror/delete.
type ReplController struct {
	opts    *common.Options
	log     clog.PluggableLoggerInterface
	cat     *catalog.Catalog
	backend guest.Backend
}

// NewReplController bootstraps the repository layout and opens the catalog.
func NewReplController(opts *common.Options, logg clog.PluggableLoggerInterface) (*ReplController, error) {
	if err := repolayout.EnsureLayout(opts); err != nil {
		return nil, err
	}
	cat, err := catalog.Open(opts.CatalogPath(), logg)
	if err != nil {
		return nil, err
	}
	if err := repolayout.SeedBasicPackages(opts, logg); err != nil {
		return nil, err
	}
	return &ReplController{opts: opts, log: logg, cat: cat, backend: guest.NewLibguestfsBackend()}, nil
}

func (c *ReplController) Close() error { return c.cat.Close() }

// Dispatch routes one parsed command line to its handler.
func (c *ReplController) Dispatch(args []string) error {
	switch args[0] {
	case cmdList:
		return c.handleList(args[1:])
	case cmdInspect:
		return c.handleInspect(args[1:])
	case cmdDecompose:
		return c.handleDecompose(args[1:])
	case cmdReassemble:
		return c.handleReassemble(args[1:])
	case cmdEvaluate:
		return c.handleEvaluate(args[1:])
	case cmdReset:
		return c.handleReset(args)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *ReplController) handleList(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: list {vmis|packages|baseimages}")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	switch args[0] {
	case listVmis:
		names, err := c.cat.GetAllVMINames()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "NAME")
		for _, n := range names {
			fmt.Fprintln(w, n)
		}
	case listPackages:
		pkgs, err := c.cat.GetAllPackages()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "NAME\tVERSION\tARCH\tDISTRIBUTION\tSIZE")
		for _, p := range pkgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", p.Name, p.Version, p.Arch, p.Distribution, p.InstallSize)
		}
	case listBaseImages:
		bases, err := c.cat.GetAllBaseImages()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tDISTRIBUTION\tVERSION\tARCH\tPKGMGR\tFILE")
		for _, b := range bases {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Distribution, b.Version, b.Arch, b.PkgManager, b.FilePath)
		}
	default:
		return fmt.Errorf("usage: list {vmis|packages|baseimages}")
	}
	return nil
}

// handleInspect opens the guest, lists candidate top-level packages,
// prompts for the main-service subset, and writes the sidecar manifest —
// the producer side of spec.md §6.4, supplementing the distillation's
// consumer-only treatment (original_source's Expelliarmus.inspectVMI).
func (c *ReplController) handleInspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: inspect <path>")
	}
	path := args[0]
	if err := common.ValidateVMIPath(path); err != nil {
		return err
	}

	handle, err := guest.Open(c.backend, path, false, c.log.Warn)
	if err != nil {
		return err
	}
	defer handle.Close()

	out, err := handle.Shell(candidateTopLevelPackagesCommand(handle.Info.PkgManager))
	if err != nil {
		return err
	}
	candidates := strings.Fields(out)

	fmt.Println("candidate main-service packages:")
	for _, p := range candidates {
		fmt.Println("  " + p)
	}

	if c.opts.Quiet {
		return nil
	}
	fmt.Print("declare main services (comma-separated): ")
	reader := bufio.NewScanner(os.Stdin)
	if !reader.Scan() {
		return fmt.Errorf("no main services declared")
	}
	var mainServices []string
	for _, s := range strings.Split(reader.Text(), ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			mainServices = append(mainServices, s)
		}
	}
	if len(mainServices) == 0 {
		return fmt.Errorf("no main services declared")
	}

	return eval.WriteSidecarManifest(path, mainServices)
}

func candidateTopLevelPackagesCommand(pkgManager string) string {
	if pkgManager == common.PkgManagerDNF {
		return `dnf repoquery --userinstalled --qf "%{NAME}\n"`
	}
	return `apt-mark showmanual`
}

func (c *ReplController) handleDecompose(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: decompose <path>")
	}
	path := args[0]
	name, mainServices, err := eval.ReadSidecarManifest(path)
	if err != nil {
		return err
	}

	d := decomposer.New(c.opts, c.cat, c.backend, c.log)
	result, err := d.Decompose(path, name, mainServices, false)
	if err != nil {
		return err
	}
	fmt.Printf("decomposed %s into base image %d (%s)\n", name, result.BaseImageID, result.BaseImagePath)
	if len(result.ReplacedBases) > 0 {
		fmt.Printf("replaced bases: %v\n", result.ReplacedBases)
	}
	return nil
}

func (c *ReplController) handleReassemble(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: reassemble {<name>|all}")
	}
	r := reassembler.New(c.opts, c.cat, c.backend, c.log)

	names := args[:1]
	if args[0] == "all" {
		all, err := c.cat.GetAllVMINames()
		if err != nil {
			return err
		}
		names = all
	}

	for _, name := range names {
		result, err := r.Reassemble(name)
		if err != nil {
			var verr *vmierr.Error
			if errors.As(err, &verr) && verr.Kind.Fatal() {
				return err
			}
			c.log.Error("reassemble %s failed: %s", name, err.Error())
			continue
		}
		fmt.Printf("reassembled %s -> %s\n", name, result.OutputPath)
		if result.ErrorLogPath != "" {
			fmt.Printf("  import warnings logged to %s\n", result.ErrorLogPath)
		}
	}
	return nil
}

func (c *ReplController) handleEvaluate(args []string) error {
	return eval.Run(c.opts, c.cat, c.backend, c.log, args)
}

func (c *ReplController) handleReset(args []string) error {
	if !c.opts.Force {
		fmt.Print("this deletes the entire repository. confirm (yes/y): ")
		reader := bufio.NewScanner(os.Stdin)
		if !reader.Scan() {
			return fmt.Errorf("reset aborted")
		}
		answer := strings.TrimSpace(reader.Text())
		if answer != confirmYes && answer != confirmYesY {
			return fmt.Errorf("reset aborted")
		}
	}
	return repolayout.Reset(c.opts, c.cat, c.log)
}
