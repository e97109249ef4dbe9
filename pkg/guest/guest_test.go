package guest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory Backend used to exercise Handle's
// scoped-open/close and benign-warning classification without shelling out
// to guestfish, per spec.md §9's "fake it in tests" guidance.
type fakeBackend struct {
	roots        []string
	inspection   Inspection
	mountErr     error
	shellErr     error
	shellOut     string
	closed       bool
	unmountCalls int
}

func (f *fakeBackend) Open(path string, rw bool) (int, error) { return 1, nil }
func (f *fakeBackend) Close(handle int) error                 { f.closed = true; return nil }
func (f *fakeBackend) InspectOS(handle int) ([]string, error) { return f.roots, nil }
func (f *fakeBackend) Inspect(handle int, root string) (Inspection, error) {
	return f.inspection, nil
}
func (f *fakeBackend) Mount(handle int, mountpoint, device string) error { return f.mountErr }
func (f *fakeBackend) UnmountAll(handle int) error                      { f.unmountCalls++; return nil }
func (f *fakeBackend) Shell(handle int, cmd string) (string, error)     { return f.shellOut, f.shellErr }
func (f *fakeBackend) Upload(handle int, hostPath, guestPath string) error   { return nil }
func (f *fakeBackend) Download(handle int, guestPath, hostPath string) error { return nil }
func (f *fakeBackend) Customize(handle int) error                      { return nil }
func (f *fakeBackend) SELinuxEnabled(handle int) (bool, error)         { return false, nil }
func (f *fakeBackend) TriggerRelabel(handle int) error                 { return nil }

func TestOpenRejectsZeroRoots(t *testing.T) {
	b := &fakeBackend{roots: nil}
	_, err := Open(b, "disk.qcow2", false, nil)
	require.Error(t, err)
	assert.True(t, b.closed)
}

func TestOpenRejectsMultipleRoots(t *testing.T) {
	b := &fakeBackend{roots: []string{"/dev/sda1", "/dev/sdb1"}}
	_, err := Open(b, "disk.qcow2", false, nil)
	require.Error(t, err)
	assert.True(t, b.closed)
}

func TestOpenIgnoresMountErrors(t *testing.T) {
	b := &fakeBackend{
		roots: []string{"/dev/sda1"},
		inspection: Inspection{
			Distribution: "ubuntu",
			Mountpoints: map[string]string{
				"/dev/sda1": "/",
				"/dev/sda2": "/var",
			},
		},
		mountErr: errors.New("mount failed"),
	}
	var warnings []string
	h, err := Open(b, "disk.qcow2", true, func(format string, args ...any) {
		warnings = append(warnings, format)
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda1", h.Root)
	assert.Len(t, warnings, 2)
}

func TestShellClassifiesBenignWarningAsSuccess(t *testing.T) {
	b := &fakeBackend{roots: []string{"/dev/sda1"}, shellOut: "partial", shellErr: errors.New("WARNING (name2pac) can not find who provides foo")}
	h, err := Open(b, "disk.qcow2", false, nil)
	require.NoError(t, err)

	out, err := h.Shell("rpmdep -level --all")
	require.NoError(t, err)
	assert.Equal(t, "partial", out)
}

func TestShellSurfacesOtherErrors(t *testing.T) {
	b := &fakeBackend{roots: []string{"/dev/sda1"}, shellErr: errors.New("guestfish: command not found")}
	h, err := Open(b, "disk.qcow2", false, nil)
	require.NoError(t, err)

	_, err = h.Shell("dpkg-query --show")
	assert.Error(t, err)
}

func TestCloseUnmountsThenClosesBackend(t *testing.T) {
	b := &fakeBackend{roots: []string{"/dev/sda1"}}
	h, err := Open(b, "disk.qcow2", false, nil)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.Equal(t, 1, b.unmountCalls)
	assert.True(t, b.closed)
}

func TestCloseOnNilHandleIsSafe(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Close())
}
