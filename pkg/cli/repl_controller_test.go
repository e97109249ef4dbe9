package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmzuccarelli/vmifold/pkg/catalog"
	"github.com/lmzuccarelli/vmifold/pkg/common"
	"github.com/lmzuccarelli/vmifold/pkg/eval"
	"github.com/lmzuccarelli/vmifold/pkg/guest"
	clog "github.com/lmzuccarelli/vmifold/pkg/log"
	"github.com/lmzuccarelli/vmifold/pkg/repolayout"
)

const aptShowFmt = `dpkg-query --show --showformat='${Package};${Version};${Architecture};${Essential};${Installed-Size};${Depends};${Pre-Depends}\n'`

// fifoBackend answers Shell calls from a per-command FIFO queue, letting the
// same command return a different result across a decompose's two graph
// builds.
type fifoBackend struct {
	inspection guest.Inspection
	queues     map[string][]string
}

func (b *fifoBackend) Open(path string, rw bool) (int, error) { return 1, nil }
func (b *fifoBackend) Close(handle int) error                 { return nil }
func (b *fifoBackend) InspectOS(handle int) ([]string, error) { return []string{"/dev/sda1"}, nil }
func (b *fifoBackend) Inspect(handle int, root string) (guest.Inspection, error) {
	return b.inspection, nil
}
func (b *fifoBackend) Mount(handle int, mountpoint, device string) error { return nil }
func (b *fifoBackend) UnmountAll(handle int) error                      { return nil }
func (b *fifoBackend) Shell(handle int, cmd string) (string, error) {
	q := b.queues[cmd]
	if len(q) == 0 {
		return "", nil
	}
	b.queues[cmd] = q[1:]
	return q[0], nil
}
func (b *fifoBackend) Upload(handle int, hostPath, guestPath string) error { return nil }
func (b *fifoBackend) Download(handle int, guestPath, hostPath string) error {
	return os.WriteFile(hostPath, nil, 0644)
}
func (b *fifoBackend) Customize(handle int) error                           { return nil }
func (b *fifoBackend) SELinuxEnabled(handle int) (bool, error)              { return false, nil }
func (b *fifoBackend) TriggerRelabel(handle int) error                      { return nil }

func newAPTBackend() *fifoBackend {
	return &fifoBackend{
		inspection: guest.Inspection{
			Distribution: "ubuntu", MajorVersion: 22, MinorVersion: 4, Architecture: "amd64", PkgManager: common.PkgManagerAPT,
			Mountpoints: map[string]string{"/dev/sda1": "/"},
		},
		queues: map[string][]string{
			aptShowFmt: {
				"libc6;2.35;amd64;yes;5000;;\n" +
					"apache2-bin;2.4;amd64;no;10000;libc6 (>= 2.30);\n" +
					"apache2;2.4;amd64;no;100;;apache2-bin\n",
				"libc6;2.35;amd64;yes;5000;;\n",
			},
			"ls /tmp/vmifold-export": {
				"apache2_2.4_amd64.deb\napache2-bin_2.4_amd64.deb\nlibc6_2.35_amd64.deb\n",
			},
		},
	}
}

func newController(t *testing.T) *ReplController {
	t.Helper()
	opts := common.DefaultOptions(t.TempDir())
	require.NoError(t, repolayout.EnsureLayout(opts))
	cat, err := catalog.Open(opts.CatalogPath(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return &ReplController{opts: opts, log: clog.New("error"), cat: cat, backend: newAPTBackend()}
}

func writeVMIFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	name := "disk.qcow2"
	require.NoError(t, os.WriteFile(name, []byte("fake disk"), 0644))
	return name
}

func TestDispatchUnknownCommandErrors(t *testing.T) {
	c := newController(t)
	err := c.Dispatch([]string{"bogus"})
	assert.Error(t, err)
}

func TestHandleListRejectsWrongArgCount(t *testing.T) {
	c := newController(t)
	assert.Error(t, c.handleList(nil))
	assert.Error(t, c.handleList([]string{"vmis", "extra"}))
}

func TestHandleListRejectsUnknownSubject(t *testing.T) {
	c := newController(t)
	assert.Error(t, c.handleList([]string{"donuts"}))
}

func TestHandleListAcceptsEachKnownSubject(t *testing.T) {
	c := newController(t)
	for _, subject := range []string{listVmis, listPackages, listBaseImages} {
		assert.NoError(t, c.handleList([]string{subject}))
	}
}

func TestHandleResetForcedRecreatesLayout(t *testing.T) {
	c := newController(t)
	c.opts.Force = true
	require.NoError(t, c.handleReset([]string{cmdReset}))

	marker := filepath.Join(c.opts.PackagesDir(), common.DirPackagesBase)
	_, err := os.Stat(marker)
	assert.NoError(t, err, "reset must recreate the fixed layout")
}

func TestHandleDecomposeThenReassembleRoundTrip(t *testing.T) {
	c := newController(t)
	path := writeVMIFile(t)
	require.NoError(t, eval.WriteSidecarManifest(path, []string{"apache2"}))

	require.NoError(t, c.handleDecompose([]string{path}))

	names, err := c.cat.GetAllVMINames()
	require.NoError(t, err)
	require.Len(t, names, 1)

	require.NoError(t, c.handleReassemble([]string{names[0]}))
	outPath := filepath.Join(c.opts.VMIsDir(), names[0]+".qcow2")
	assert.FileExists(t, outPath)
}

func TestHandleReassembleAllIteratesEveryVMI(t *testing.T) {
	c := newController(t)
	path := writeVMIFile(t)
	require.NoError(t, eval.WriteSidecarManifest(path, []string{"apache2"}))
	require.NoError(t, c.handleDecompose([]string{path}))

	require.NoError(t, c.handleReassemble([]string{"all"}))
}

func TestHandleInspectQuietModeSkipsPromptAndSidecar(t *testing.T) {
	c := newController(t)
	c.opts.Quiet = true
	path := writeVMIFile(t)

	require.NoError(t, c.handleInspect([]string{path}))

	_, _, err := eval.ReadSidecarManifest(path)
	assert.Error(t, err, "quiet inspect must not write a sidecar without declared main services")
}

func TestHandleDecomposeRejectsWrongArgCount(t *testing.T) {
	c := newController(t)
	assert.Error(t, c.handleDecompose(nil))
	assert.Error(t, c.handleDecompose([]string{"a", "b"}))
}
