// Package manipulator implements the VMI Manipulator (C6): export, remove
// and import of packages and the home directory inside a mounted guest
// (spec.md §4.6). Exactly which shell commands are issued is a backend
// detail; this package only guarantees the contract spec.md states: after
// Export, each listed package has a resolvable store path; after Remove,
// none of the removed packages nor their now-unneeded deps remain.
package manipulator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
)

// ExportedPackage is the per-package result of Export: where the package
// file landed in the store.
type ExportedPackage struct {
	Name, Version, Arch string
	FilePath            string
}

// Manipulator drives package-manager-specific export/remove/import/home
// sequences against an open guest handle.
type Manipulator struct {
	handle     *guest.Handle
	pkgManager string
}

func New(h *guest.Handle, pkgManager string) *Manipulator {
	return &Manipulator{handle: h, pkgManager: pkgManager}
}

// Export downloads each named package inside the guest to /tmp/vmifold-export, then
// pulls the resulting files out to storeDir/<distribution>/ on the host so
// FilePath is resolvable by the catalog and the Reassembler (spec.md §4.6:
// "after export(pkgs) each listed package has an entry in the store with a
// resolvable file path"), the same way ExportHome pulls its tar archive out
// with Download rather than leaving it inside the guest.
func (m *Manipulator) Export(pkgs []string, distribution, storeDir string) ([]ExportedPackage, error) {
	const guestDir = "/tmp/vmifold-export"
	if err := m.ensureGuestDir(guestDir); err != nil {
		return nil, err
	}

	var cmd string
	switch m.pkgManager {
	case common.PkgManagerAPT:
		cmd = fmt.Sprintf("apt-get download %s", joinArgs(pkgs))
	case common.PkgManagerDNF:
		cmd = fmt.Sprintf("dnf download %s", joinArgs(pkgs))
	default:
		return nil, fmt.Errorf("unsupported package manager %q", m.pkgManager)
	}
	if _, err := m.handle.Shell(fmt.Sprintf("cd %s && %s", guestDir, cmd)); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	listing, err := m.handle.Shell(fmt.Sprintf("ls %s", guestDir))
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	files := strings.Fields(listing)

	destDir := filepath.Join(storeDir, distribution)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	out := make([]ExportedPackage, 0, len(pkgs))
	for _, name := range pkgs {
		guestFile := matchPackageFile(files, name, m.pkgManager)
		if guestFile == "" {
			return nil, fmt.Errorf("export: no downloaded file found in guest for package %q", name)
		}
		hostPath := filepath.Join(destDir, guestFile)
		if err := m.handle.Download(filepath.Join(guestDir, guestFile), hostPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, ExportedPackage{Name: name, FilePath: hostPath})
	}
	return out, nil
}

// matchPackageFile finds the downloaded file belonging to a package name,
// matching apt's "<name>_<version>_<arch>.deb" and dnf's
// "<name>-<version>.<arch>.rpm" naming.
func matchPackageFile(files []string, name, pkgManager string) string {
	sep := "-"
	if pkgManager == common.PkgManagerAPT {
		sep = "_"
	}
	prefix := name + sep
	for _, f := range files {
		if strings.HasPrefix(f, prefix) {
			return f
		}
	}
	return ""
}

// Remove deletes a main-service package set along with dependencies no
// longer required by any remaining package (Decomposer.removePackages).
func (m *Manipulator) Remove(mainServices []string) error {
	var cmd string
	switch m.pkgManager {
	case common.PkgManagerAPT:
		cmd = fmt.Sprintf("apt-get -y autoremove --purge %s", joinArgs(mainServices))
	case common.PkgManagerDNF:
		cmd = fmt.Sprintf("dnf -y remove %s", joinArgs(mainServices))
	default:
		return fmt.Errorf("unsupported package manager %q", m.pkgManager)
	}
	_, err := m.handle.Shell(cmd)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// ExportHome archives /home (and /root) to a single file on the host
// (Decomposer step 8).
func (m *Manipulator) ExportHome(hostArchivePath string) error {
	const guestArchive = "/tmp/home_export.tar.gz"
	if _, err := m.handle.Shell(fmt.Sprintf("tar -czf %s -C / home root", guestArchive)); err != nil {
		return fmt.Errorf("%w", err)
	}
	return m.handle.Download(guestArchive, hostArchivePath)
}

// RemoveHome deletes the guest home/root directories after export
// (Decomposer step 8).
func (m *Manipulator) RemoveHome() error {
	_, err := m.handle.Shell("rm -rf /home/* /root/*")
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// RestoreHome uploads and extracts a previously exported home archive
// (Reassembler step 6).
func (m *Manipulator) RestoreHome(hostArchivePath string) error {
	const guestArchive = "/tmp/home_import.tar.gz"
	if err := m.handle.Upload(hostArchivePath, guestArchive); err != nil {
		return fmt.Errorf("%w", err)
	}
	_, err := m.handle.Shell(fmt.Sprintf("tar -xzf %s -C /", guestArchive))
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// Import installs a package set (given as store file paths) into a reset
// image (Reassembler.importPackages). Output combining stdout/stderr is
// returned so the caller can detect non-fatal ImportErrors (spec.md §7).
func (m *Manipulator) Import(pkgFilePaths []string, guestStageDir string) (string, error) {
	if err := m.ensureGuestDir(guestStageDir); err != nil {
		return "", err
	}
	for _, p := range pkgFilePaths {
		dest := filepath.Join(guestStageDir, filepath.Base(p))
		if err := m.handle.Upload(p, dest); err != nil {
			return "", fmt.Errorf("%w", err)
		}
	}
	var cmd string
	switch m.pkgManager {
	case common.PkgManagerAPT:
		cmd = fmt.Sprintf("dpkg -i %s/*.deb; apt-get -y -f install", guestStageDir)
	case common.PkgManagerDNF:
		cmd = fmt.Sprintf("rpm -ivh --force %s/*.rpm", guestStageDir)
	default:
		return "", fmt.Errorf("unsupported package manager %q", m.pkgManager)
	}
	return m.handle.Shell(cmd)
}

func (m *Manipulator) ensureGuestDir(dir string) error {
	_, err := m.handle.Shell(fmt.Sprintf("mkdir -p %s", dir))
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

func joinArgs(pkgs []string) string {
	out := ""
	for i, p := range pkgs {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
