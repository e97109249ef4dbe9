// Package reassembler implements the Reassembler (C8): orchestrates
// base-copy → reset → home-restore → package-import for one VMI name
// (spec.md §4.8).
package reassembler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmzuccarelli/vmifold/pkg/catalog"
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	"github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/manipulator"
	"github.com/lmzuccarelli/vmifold/pkg/repolayout"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
)

// Reassembler drives the per-VMI reassembly state machine.
type Reassembler struct {
	Opts    *common.Options
	Cat     *catalog.Catalog
	Backend guest.Backend
	Log     log.PluggableLoggerInterface
}

func New(opts *common.Options, cat *catalog.Catalog, backend guest.Backend, logg log.PluggableLoggerInterface) *Reassembler {
	if logg == nil {
		logg = log.New("error")
	}
	return &Reassembler{Opts: opts, Cat: cat, Backend: backend, Log: logg}
}

// Result summarizes a successful reassembly.
type Result struct {
	OutputPath string
	// ErrorLogPath is set when package import emitted error output
	// (spec.md §4.8 step 9, §7 ImportErrors: non-fatal).
	ErrorLogPath string
}

// Reassemble rebuilds VMI name into opts.VMIsDir(), per spec.md §4.8's
// 9-step state machine.
func (r *Reassembler) Reassemble(vmiName string) (*Result, error) {
	// Step 1: look up catalog data; fail if incomplete or any path missing.
	data, err := r.Cat.GetVMIData(vmiName)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(data.VMI.UserDirPath); statErr != nil {
		return nil, vmierr.New(vmierr.MissingArchive, "home archive missing for %s: %s", vmiName, data.VMI.UserDirPath)
	}
	if _, statErr := os.Stat(data.Base.FilePath); statErr != nil {
		return nil, vmierr.New(vmierr.CatalogInconsistency, "base image file missing for %s: %s", vmiName, data.Base.FilePath)
	}

	// Step 2: copy base image file to output under the original extension.
	outputPath := filepath.Join(r.Opts.VMIsDir(), vmiName+filepath.Ext(data.Base.FilePath))
	if err := repolayout.CopyFile(data.Base.FilePath, outputPath); err != nil {
		return nil, err
	}

	// Step 3: reset image machine identity (clear logs, machine-id, ssh
	// host keys, DHCP client state) via the backend "customize" operation.
	// Step 4: open guest handle on the copy.
	handle, err := guest.Open(r.Backend, outputPath, true, r.Log.Warn)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	if err := handle.Customize(); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// Step 5: detect SELinux.
	selinux, err := handle.SELinuxEnabled()
	if err != nil {
		selinux = false
	}

	manip := manipulator.New(handle, data.Base.PkgManager)

	// Step 6: restore home archive.
	if err := manip.RestoreHome(data.VMI.UserDirPath); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	// Step 7: compute packages needed = recorded set minus packages already
	// present on the base (by name+version+arch equality, not
	// distribution, per spec.md §9), then import.
	baseInfo, err := handle.Shell("rpm -qa --qf '%{NAME};%{VERSION};%{ARCH}\\n' 2>/dev/null || dpkg-query -W -f='${Package};${Version};${Architecture}\\n'")
	if err != nil {
		baseInfo = ""
	}
	present := parseNVA(baseInfo)

	var toImport []string
	for _, p := range data.DepPkgs {
		key := p.Name + ";" + p.Version + ";" + p.Arch
		if present[key] {
			continue
		}
		toImport = append(toImport, p.FilePath)
	}

	var result Result
	result.OutputPath = outputPath

	if len(toImport) > 0 {
		out, err := manip.Import(toImport, "/tmp/vmifold-import")
		if err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		if hasImportErrors(out) {
			// Step 9: non-fatal ImportErrors — write an ERROR log
			// alongside the output VMI and annotate the return rather
			// than fail (commonly an interactive-prompt failure; the
			// service is usable regardless).
			errLogPath := filepath.Join(r.Opts.VMIsDir(), vmiName+"_ERROR.log")
			if writeErr := os.WriteFile(errLogPath, []byte(out), 0644); writeErr == nil {
				result.ErrorLogPath = errLogPath
			}
		}
	}

	// Step 8: close handle; if SELinux, trigger a relabel pass.
	if selinux {
		if err := handle.TriggerRelabel(); err != nil {
			r.Log.Warn("selinux relabel trigger failed for %s: %s", vmiName, err.Error())
		}
	}
	if err := handle.Close(); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	return &result, nil
}

func parseNVA(shellOutput string) map[string]bool {
	out := map[string]bool{}
	for _, line := range strings.Split(shellOutput, "\n") {
		if line == "" {
			continue
		}
		out[line] = true
	}
	return out
}

// hasImportErrors reports whether the import shell output contains
// known error markers (spec.md §7 ImportErrors).
func hasImportErrors(out string) bool {
	markers := []string{"E:", "error:", "failed", "Errors were encountered"}
	for _, m := range markers {
		if strings.Contains(out, m) {
			return true
		}
	}
	return false
}
