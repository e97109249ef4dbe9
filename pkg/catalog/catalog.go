// Package catalog implements the Catalog (C5): a persistent relational
// store of packages, VMIs, base images, and per-VMI main-service →
// dependency edges (spec.md §4.5).
//
// No example repo in this corpus vendors a SQL driver; modernc.org/sqlite
// (pure Go, cgo-free) is adopted as an out-of-pack dependency, grounded on
// other_examples/manifests/quay-claircore/go.mod which lists it for the
// same relational-catalog purpose. See DESIGN.md.
package catalog

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
)

// Package is one row of the packages table (spec.md §4.5), unique on
// (name, version, arch, distribution).
type Package struct {
	ID           int64
	Name         string
	Version      string
	Arch         string
	Distribution string
	InstallSize  int64
	FilePath     string
}

// BaseImage is one row of the base_images table.
type BaseImage struct {
	ID              int64
	Distribution    string
	Version         string
	Arch            string
	PkgManager      string
	FilePath        string
	GraphPath       string
	MasterGraphPath string
}

// VMI is one row of the vmis table.
type VMI struct {
	ID           int64
	Name         string
	UserDirPath  string
	BaseID       int64
}

// Catalog is the single-writer relational store (spec.md §5: "the catalog
// holds a single writer"). Construct one per repository.
type Catalog struct {
	db  *sql.DB
	log log.PluggableLoggerInterface
}

// Open opens (creating if absent) the SQLite-backed catalog at path and
// ensures its schema exists.
func Open(path string, logg log.PluggableLoggerInterface) (*Catalog, error) {
	if logg == nil {
		logg = log.New("error")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	// The catalog holds a single writer; one open connection keeps SQLite's
	// own locking from racing the process's own discipline (spec.md §5).
	db.SetMaxOpenConns(1)
	c := &Catalog{db: db, log: logg}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			arch TEXT NOT NULL,
			distribution TEXT NOT NULL,
			install_size INTEGER NOT NULL,
			file_path TEXT NOT NULL,
			UNIQUE(name, version, arch, distribution)
		)`,
		`CREATE TABLE IF NOT EXISTS base_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			distribution TEXT NOT NULL,
			version TEXT NOT NULL,
			arch TEXT NOT NULL,
			pkg_manager TEXT NOT NULL,
			file_path TEXT NOT NULL,
			graph_path TEXT NOT NULL,
			master_graph_path TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vmis (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			user_dir_path TEXT NOT NULL,
			base_id INTEGER NOT NULL REFERENCES base_images(id)
		)`,
		`CREATE TABLE IF NOT EXISTS pkg_dependencies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vmi_id INTEGER NOT NULL REFERENCES vmis(id),
			ms_pkg_id INTEGER NOT NULL REFERENCES packages(id),
			dep_pkg_id INTEGER NOT NULL REFERENCES packages(id)
		)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("%w", err)
		}
	}
	return nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Tx runs fn inside a single transaction, committing on success and
// rolling back on error or panic — bracketing all catalog mutations for one
// VMI, per spec.md §5's transactional-discipline requirement.
func (c *Catalog) Tx(fn func(*sql.Tx) error) (err error) {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

// PackageExists reports whether a package with this NVRA+distro already has
// a row (RepositoryDatabase.packageExists).
func (c *Catalog) PackageExists(name, version, arch, distribution string) (bool, error) {
	var id int64
	err := c.db.QueryRow(
		`SELECT id FROM packages WHERE name=? AND version=? AND arch=? AND distribution=?`,
		name, version, arch, distribution,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w", err)
	}
	return true, nil
}

// GetPackageID looks up a package's surrogate id by NVRA+distro
// (RepositoryDatabase.getPackageID).
func (c *Catalog) GetPackageID(name, version, arch, distribution string) (int64, error) {
	var id int64
	err := c.db.QueryRow(
		`SELECT id FROM packages WHERE name=? AND version=? AND arch=? AND distribution=?`,
		name, version, arch, distribution,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, vmierr.New(vmierr.CatalogInconsistency, "no package row for %s/%s/%s/%s", name, version, arch, distribution)
	}
	if err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	return id, nil
}

// AddPackage inserts a package row, returning its new id
// (RepositoryDatabase.addPackageDict).
func (c *Catalog) AddPackage(tx *sql.Tx, p Package) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO packages(name, version, arch, distribution, install_size, file_path) VALUES (?,?,?,?,?,?)`,
		p.Name, p.Version, p.Arch, p.Distribution, p.InstallSize, p.FilePath,
	)
	if err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	return res.LastInsertId()
}

// GetBaseImagesWith returns every base image matching the distro quadruple.
// Returns an empty slice (never a nil/sentinel pair) when none match — the
// source's `(None, None)` behavior is an inconsistency spec.md §9 directs
// fixing.
func (c *Catalog) GetBaseImagesWith(distribution, version, arch, pkgManager string) ([]BaseImage, error) {
	rows, err := c.db.Query(
		`SELECT id, distribution, version, arch, pkg_manager, file_path, graph_path, master_graph_path
		 FROM base_images WHERE distribution=? AND version=? AND arch=? AND pkg_manager=?`,
		distribution, version, arch, pkgManager,
	)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()

	out := []BaseImage{}
	for rows.Next() {
		var b BaseImage
		if err := rows.Scan(&b.ID, &b.Distribution, &b.Version, &b.Arch, &b.PkgManager, &b.FilePath, &b.GraphPath, &b.MasterGraphPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddBaseImage inserts a base_images row (RepositoryDatabase.addBaseImage).
func (c *Catalog) AddBaseImage(tx *sql.Tx, b BaseImage) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO base_images(distribution, version, arch, pkg_manager, file_path, graph_path, master_graph_path) VALUES (?,?,?,?,?,?,?)`,
		b.Distribution, b.Version, b.Arch, b.PkgManager, b.FilePath, b.GraphPath, b.MasterGraphPath,
	)
	if err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	return res.LastInsertId()
}

// RemoveBaseImage deletes a base_images row by id
// (RepositoryDatabase.removeBaseImage). The caller is responsible for
// deleting the underlying files.
func (c *Catalog) RemoveBaseImage(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`DELETE FROM base_images WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// MainServicePackagesForBase resolves the distinct main-service package
// rows for every VMI currently assigned to baseID, used by the Decomposer's
// base-selection algorithm to test compatibility against a candidate base
// (spec.md §4.7).
func (c *Catalog) MainServicePackagesForBase(baseID int64) ([]Package, error) {
	rows, err := c.db.Query(`
		SELECT DISTINCT p.id, p.name, p.version, p.arch, p.distribution, p.install_size, p.file_path
		FROM pkg_dependencies pd
		JOIN vmis v ON v.id = pd.vmi_id
		JOIN packages p ON p.id = pd.ms_pkg_id
		WHERE v.base_id = ?`, baseID)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()
	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Arch, &p.Distribution, &p.InstallSize, &p.FilePath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceAndRemoveBaseImages reassigns every VMI pointing at any of
// oldBaseIDs to newBaseID, then deletes the old base_images rows
// (RepositoryDatabase.replaceAndRemoveBaseImages). Callers delete the old
// base/graph files after this commits.
func (c *Catalog) ReplaceAndRemoveBaseImages(tx *sql.Tx, oldBaseIDs []int64, newBaseID int64) error {
	for _, old := range oldBaseIDs {
		if old == newBaseID {
			continue
		}
		if _, err := tx.Exec(`UPDATE vmis SET base_id=? WHERE base_id=?`, newBaseID, old); err != nil {
			return fmt.Errorf("%w", err)
		}
		if err := c.RemoveBaseImage(tx, old); err != nil {
			return err
		}
	}
	return nil
}

// AddVMI inserts a vmis row (RepositoryDatabase.addVMI).
func (c *Catalog) AddVMI(tx *sql.Tx, v VMI) (int64, error) {
	var existing int64
	err := tx.QueryRow(`SELECT id FROM vmis WHERE name=?`, v.Name).Scan(&existing)
	if err == nil {
		return 0, vmierr.New(vmierr.DuplicateName, "vmi name %q already in catalog", v.Name)
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w", err)
	}
	res, err := tx.Exec(`INSERT INTO vmis(name, user_dir_path, base_id) VALUES (?,?,?)`, v.Name, v.UserDirPath, v.BaseID)
	if err != nil {
		return 0, fmt.Errorf("%w", err)
	}
	return res.LastInsertId()
}

// NameExists reports whether a vmi name is already taken, for the
// DuplicateName check at decomposition validation time (spec.md §4.7 step 1).
func (c *Catalog) NameExists(name string) (bool, error) {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM vmis WHERE name=?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w", err)
	}
	return true, nil
}

// AddMainServiceDepEdges inserts (vmi, ms_pkg, dep_pkg) rows for one VMI
// (RepositoryDatabase.addMainServicesDepListForVMI).
func (c *Catalog) AddMainServiceDepEdges(tx *sql.Tx, vmiID, msPkgID int64, depPkgIDs []int64) error {
	for _, depID := range depPkgIDs {
		if _, err := tx.Exec(`INSERT INTO pkg_dependencies(vmi_id, ms_pkg_id, dep_pkg_id) VALUES (?,?,?)`, vmiID, msPkgID, depID); err != nil {
			return fmt.Errorf("%w", err)
		}
	}
	return nil
}

// DepPkgInfo is one row of the reassembly diff set: a dependency package's
// catalog-recorded NVRA (RepositoryDatabase.getDepPkgInfoDictForVMI).
type DepPkgInfo struct {
	Name, Version, Arch, Distribution string
	FilePath                         string
}

// GetDepPkgInfoForVMI returns every recorded package (main services + their
// dependency closures) for a VMI, used by the Reassembler to drive the
// import diff (spec.md §4.8 step 7).
func (c *Catalog) GetDepPkgInfoForVMI(vmiName string) ([]DepPkgInfo, error) {
	rows, err := c.db.Query(`
		SELECT DISTINCT p.name, p.version, p.arch, p.distribution, p.file_path
		FROM pkg_dependencies pd
		JOIN vmis v ON v.id = pd.vmi_id
		JOIN packages p ON p.id = pd.dep_pkg_id OR p.id = pd.ms_pkg_id
		WHERE v.name = ?`, vmiName)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()
	var out []DepPkgInfo
	for rows.Next() {
		var d DepPkgInfo
		if err := rows.Scan(&d.Name, &d.Version, &d.Arch, &d.Distribution, &d.FilePath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// VMIData bundles everything the Reassembler needs about one VMI record
// (RepositoryDatabase.getVMIData).
type VMIData struct {
	VMI       VMI
	Base      BaseImage
	DepPkgs   []DepPkgInfo
}

// GetVMIData looks up a VMI by name along with its base image row
// (RepositoryDatabase.getVMIData); fails as CatalogInconsistency if the
// base row is missing, since every vmi row must reference one.
func (c *Catalog) GetVMIData(name string) (*VMIData, error) {
	var v VMI
	err := c.db.QueryRow(`SELECT id, name, user_dir_path, base_id FROM vmis WHERE name=?`, name).
		Scan(&v.ID, &v.Name, &v.UserDirPath, &v.BaseID)
	if err == sql.ErrNoRows {
		return nil, vmierr.New(vmierr.CatalogInconsistency, "no vmi row named %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	var b BaseImage
	err = c.db.QueryRow(
		`SELECT id, distribution, version, arch, pkg_manager, file_path, graph_path, master_graph_path FROM base_images WHERE id=?`,
		v.BaseID,
	).Scan(&b.ID, &b.Distribution, &b.Version, &b.Arch, &b.PkgManager, &b.FilePath, &b.GraphPath, &b.MasterGraphPath)
	if err == sql.ErrNoRows {
		return nil, vmierr.New(vmierr.CatalogInconsistency, "vmi %q references missing base image %d", name, v.BaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	deps, err := c.GetDepPkgInfoForVMI(name)
	if err != nil {
		return nil, err
	}

	return &VMIData{VMI: v, Base: b, DepPkgs: deps}, nil
}

// GetAllPackages, GetAllBaseImages and GetAllVMINames back the `list`
// CLI command (spec.md §6.5).
func (c *Catalog) GetAllPackages() ([]Package, error) {
	rows, err := c.db.Query(`SELECT id, name, version, arch, distribution, install_size, file_path FROM packages ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()
	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Arch, &p.Distribution, &p.InstallSize, &p.FilePath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) GetAllBaseImages() ([]BaseImage, error) {
	rows, err := c.db.Query(`SELECT id, distribution, version, arch, pkg_manager, file_path, graph_path, master_graph_path FROM base_images ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()
	var out []BaseImage
	for rows.Next() {
		var b BaseImage
		if err := rows.Scan(&b.ID, &b.Distribution, &b.Version, &b.Arch, &b.PkgManager, &b.FilePath, &b.GraphPath, &b.MasterGraphPath); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (c *Catalog) GetAllVMINames() ([]string, error) {
	rows, err := c.db.Query(`SELECT name FROM vmis ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Reset deletes every row of every table (the tables themselves remain), used by the Repository Layout's reset operation
// (spec.md §4.9).
func (c *Catalog) Reset() error {
	for _, t := range []string{"pkg_dependencies", "vmis", "base_images", "packages"} {
		if _, err := c.db.Exec(`DELETE FROM ` + t); err != nil {
			return fmt.Errorf("%w", err)
		}
	}
	return nil
}
