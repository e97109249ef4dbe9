package catalog

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	cat, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func addPackage(t *testing.T, c *Catalog, name, version string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		id, err = c.AddPackage(tx, Package{Name: name, Version: version, Arch: "amd64", Distribution: "ubuntu", InstallSize: 100, FilePath: "/packages/" + name})
		return err
	}))
	return id
}

func TestPackageExistsAndGetPackageID(t *testing.T) {
	c := openTestCatalog(t)

	exists, err := c.PackageExists("libc6", "2.35", "amd64", "ubuntu")
	require.NoError(t, err)
	assert.False(t, exists)

	id := addPackage(t, c, "libc6", "2.35")

	exists, err = c.PackageExists("libc6", "2.35", "amd64", "ubuntu")
	require.NoError(t, err)
	assert.True(t, exists)

	gotID, err := c.GetPackageID("libc6", "2.35", "amd64", "ubuntu")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
}

func TestGetPackageIDErrorsWhenMissing(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.GetPackageID("missing", "1.0", "amd64", "ubuntu")
	assert.Error(t, err)
}

func TestTxRollsBackOnError(t *testing.T) {
	c := openTestCatalog(t)

	err := c.Tx(func(tx *sql.Tx) error {
		if _, err := c.AddPackage(tx, Package{Name: "rolled-back", Version: "1", Arch: "amd64", Distribution: "ubuntu", InstallSize: 1, FilePath: "/x"}); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	exists, err := c.PackageExists("rolled-back", "1", "amd64", "ubuntu")
	require.NoError(t, err)
	assert.False(t, exists, "a failed Tx must not leave partial writes")
}

func TestAddAndGetBaseImages(t *testing.T) {
	c := openTestCatalog(t)

	var id int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		id, err = c.AddBaseImage(tx, BaseImage{
			Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt",
			FilePath: "/BaseImages/b1.qcow2", GraphPath: "/BaseImages/b1.gob", MasterGraphPath: "/BaseImages/b1_MASTER.gob",
		})
		return err
	}))
	assert.NotZero(t, id)

	matches, err := c.GetBaseImagesWith("ubuntu", "22.04", "amd64", "apt")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
}

func TestGetBaseImagesWithReturnsEmptySliceNotNil(t *testing.T) {
	c := openTestCatalog(t)
	matches, err := c.GetBaseImagesWith("fedora", "39", "x86_64", "dnf")
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestAddVMIRejectsDuplicateName(t *testing.T) {
	c := openTestCatalog(t)
	var baseID int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		baseID, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/b", GraphPath: "/g", MasterGraphPath: "/m"})
		return err
	}))

	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		_, err := c.AddVMI(tx, VMI{Name: "web.qcow2", UserDirPath: "/UserFolders/web", BaseID: baseID})
		return err
	}))

	err := c.Tx(func(tx *sql.Tx) error {
		_, err := c.AddVMI(tx, VMI{Name: "web.qcow2", UserDirPath: "/UserFolders/web2", BaseID: baseID})
		return err
	})
	assert.Error(t, err)
}

func TestNameExists(t *testing.T) {
	c := openTestCatalog(t)
	exists, err := c.NameExists("web.qcow2")
	require.NoError(t, err)
	assert.False(t, exists)

	var baseID int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		baseID, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/b", GraphPath: "/g", MasterGraphPath: "/m"})
		return err
	}))
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		_, err := c.AddVMI(tx, VMI{Name: "web.qcow2", UserDirPath: "/UserFolders/web", BaseID: baseID})
		return err
	}))

	exists, err = c.NameExists("web.qcow2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReplaceAndRemoveBaseImagesReassignsVMIs(t *testing.T) {
	c := openTestCatalog(t)
	var oldBase, newBase int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		oldBase, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/old", GraphPath: "/g1", MasterGraphPath: "/m1"})
		if err != nil {
			return err
		}
		newBase, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/new", GraphPath: "/g2", MasterGraphPath: "/m2"})
		return err
	}))
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		_, err := c.AddVMI(tx, VMI{Name: "web.qcow2", UserDirPath: "/u", BaseID: oldBase})
		return err
	}))

	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		return c.ReplaceAndRemoveBaseImages(tx, []int64{oldBase}, newBase)
	}))

	data, err := c.GetVMIData("web.qcow2")
	require.NoError(t, err)
	assert.Equal(t, newBase, data.VMI.BaseID)

	remaining, err := c.GetBaseImagesWith("ubuntu", "22.04", "amd64", "apt")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, newBase, remaining[0].ID)
}

func TestGetVMIDataFailsOnUnknownName(t *testing.T) {
	c := openTestCatalog(t)
	_, err := c.GetVMIData("ghost.qcow2")
	assert.Error(t, err)
}

func TestMainServicePackagesAndDepEdges(t *testing.T) {
	c := openTestCatalog(t)
	msID := addPackage(t, c, "nginx", "1.18")
	depID := addPackage(t, c, "libc6", "2.35")

	var baseID, vmiID int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		baseID, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/b", GraphPath: "/g", MasterGraphPath: "/m"})
		if err != nil {
			return err
		}
		vmiID, err = c.AddVMI(tx, VMI{Name: "web.qcow2", UserDirPath: "/u", BaseID: baseID})
		if err != nil {
			return err
		}
		return c.AddMainServiceDepEdges(tx, vmiID, msID, []int64{depID})
	}))

	pkgs, err := c.MainServicePackagesForBase(baseID)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "nginx", pkgs[0].Name)

	deps, err := c.GetDepPkgInfoForVMI("web.qcow2")
	require.NoError(t, err)
	names := []string{deps[0].Name}
	if len(deps) > 1 {
		names = append(names, deps[1].Name)
	}
	assert.Contains(t, names, "libc6")
}

func TestResetTruncatesAllTables(t *testing.T) {
	c := openTestCatalog(t)
	addPackage(t, c, "libc6", "2.35")

	require.NoError(t, c.Reset())

	pkgs, err := c.GetAllPackages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestGetAllVMINamesSortedAlphabetically(t *testing.T) {
	c := openTestCatalog(t)
	var baseID int64
	require.NoError(t, c.Tx(func(tx *sql.Tx) error {
		var err error
		baseID, err = c.AddBaseImage(tx, BaseImage{Distribution: "ubuntu", Version: "22.04", Arch: "amd64", PkgManager: "apt", FilePath: "/b", GraphPath: "/g", MasterGraphPath: "/m"})
		return err
	}))
	for _, name := range []string{"zeta.qcow2", "alpha.qcow2"} {
		name := name
		require.NoError(t, c.Tx(func(tx *sql.Tx) error {
			_, err := c.AddVMI(tx, VMI{Name: name, UserDirPath: "/u", BaseID: baseID})
			return err
		}))
	}

	names, err := c.GetAllVMINames()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha.qcow2", "zeta.qcow2"}, names)
}
