// Package common carries the process-wide configuration that the original
// Python implementation kept in a StaticInfo global. Every top-level service
// in this module takes an *Options value at construction instead of reaching
// into global state.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dict keys used on graph node attribute maps, mirroring StaticInfo's
// dictKey* constants so C2/C3/C4 agree on attribute names without retyping
// string literals everywhere.
const (
	DictKeyName         = "name"
	DictKeyVersion      = "version"
	DictKeyArchitecture = "architecture"
	DictKeyEssential    = "essential"
	DictKeyInstallSize  = "size"
	DictKeyPath         = "path"
	DictKeyIsMainService = "is_main_service"
)

// ArchAll is the wildcard architecture value that satisfies any comparison.
const ArchAll = "all"

// Package manager families the Graph Builder supports.
const (
	PkgManagerAPT = "apt"
	PkgManagerDNF = "dnf"
)

// SupportedExtensions lists the VMI file extensions accepted at ingest
// (spec.md §6.6: qcow2 only).
var SupportedExtensions = []string{".qcow2"}

// Options is the explicit configuration value passed to the Decomposer,
// the Reassembler, the repository-layout helpers and the CLI's
// ReplController at construction, replacing the Python source's StaticInfo
// global bag.
type Options struct {
	// RepositoryRoot is the root of the C9 fixed on-disk tree.
	RepositoryRoot string
	// LogLevel controls the PluggableLoggerInterface verbosity.
	LogLevel string
	// Quiet makes inspect skip its main-service prompt (and so write no
	// sidecar).
	Quiet bool
	// Force skips confirmation prompts that would otherwise require yes/y.
	Force bool
	// BasicPackages lists, keyed by distribution name, the packages whose
	// marker files are seeded under packages/basic/ on repository init.
	// Decomposition does not consult them.
	BasicPackages map[string][]string
}

// Repository subdirectory names (C9).
const (
	DirPackages     = "packages"
	DirPackagesBase = "basic"
	DirBaseImages   = "BaseImages"
	DirUserFolders  = "UserFolders"
	DirVMIs         = "VMIs"
	DirEvaluations  = "Evaluations"
	CatalogFileName = "db_repo_metadata.sqlite"
)

// DefaultOptions returns the configuration used when no vmifold.yaml is
// present, rooted at the given repository path.
func DefaultOptions(repositoryRoot string) *Options {
	return &Options{
		RepositoryRoot: repositoryRoot,
		LogLevel:       "info",
		BasicPackages: map[string][]string{
			"ubuntu": {"base-files", "libc6", "dpkg", "apt"},
			"fedora": {"filesystem", "glibc", "rpm", "dnf"},
		},
	}
}

// PackagesDir, BaseImagesDir, UserFoldersDir, VMIsDir, EvaluationsDir and
// CatalogPath resolve the C9 repository layout relative to RepositoryRoot.
func (o *Options) PackagesDir() string    { return filepath.Join(o.RepositoryRoot, DirPackages) }
func (o *Options) BaseImagesDir() string  { return filepath.Join(o.RepositoryRoot, DirBaseImages) }
func (o *Options) UserFoldersDir() string { return filepath.Join(o.RepositoryRoot, DirUserFolders) }
func (o *Options) VMIsDir() string        { return filepath.Join(o.RepositoryRoot, DirVMIs) }
func (o *Options) EvaluationsDir() string { return filepath.Join(o.RepositoryRoot, DirEvaluations) }
func (o *Options) CatalogPath() string    { return filepath.Join(o.RepositoryRoot, CatalogFileName) }

// ValidateVMIPath enforces spec.md §6.5/§6.6: paths must be relative and
// carry a supported extension.
func ValidateVMIPath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative to the working directory: %s", path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("vmi file not found: %s", path)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported vmi extension %q (supported: %v)", ext, SupportedExtensions)
}
