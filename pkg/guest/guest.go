// Package guest defines the Guest Handle (C1): the interface to a mounted
// view of a VMI, and a scoped wrapper that guarantees release on every exit
// path (spec.md §4.1, §9 "Scoped guest handle").
//
// The actual filesystem-introspection backend is an external collaborator
// (spec.md §1); this package defines the capability trait it must satisfy
// (spec.md §6.1) and is faked in tests, per spec.md §9's "define a
// trait/interface ... and fake it in tests".
package guest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lmzuccarelli/vmifold/pkg/vmierr"
)

// Inspection is the distro/arch/package-manager/mountpoint information
// returned by opening a guest handle (spec.md §4.1 inspect()).
type Inspection struct {
	Distribution string
	MajorVersion int
	MinorVersion int
	Architecture string
	PkgManager   string
	// Mountpoints maps a guest device identifier to its mount path.
	Mountpoints map[string]string
}

// Backend is the capability set the core depends on (spec.md §6.1): open,
// inspect, mount, shell exec, upload/download, unmount+shutdown, customize,
// and SELinux relabel trigger. A real implementation wraps libguestfs; tests
// substitute a fake.
type Backend interface {
	Open(path string, rw bool) (int, error)
	Close(handle int) error
	InspectOS(handle int) ([]string, error)
	Inspect(handle int, root string) (Inspection, error)
	Mount(handle int, mountpoint, device string) error
	UnmountAll(handle int) error
	Shell(handle int, cmd string) (string, error)
	Upload(handle int, hostPath, guestPath string) error
	Download(handle int, guestPath, hostPath string) error
	Customize(handle int) error
	SELinuxEnabled(handle int) (bool, error)
	TriggerRelabel(handle int) error
}

// Handle is a scoped, opened guest view: it must be Close()d on every exit
// path, including errors (spec.md §9).
type Handle struct {
	backend Backend
	id      int
	Root    string
	Info    Inspection
}

// Open acquires a handle on a VMI file, detects exactly one OS root, mounts
// its filesystems longest-path-first (spec.md §4.1: "mounted
// longest-path-first to respect nested mounts"), and returns a scoped
// Handle. Individual mount failures are logged and ignored, not fatal.
func Open(backend Backend, path string, rw bool, logWarn func(string, ...any)) (*Handle, error) {
	id, err := backend.Open(path, rw)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	roots, err := backend.InspectOS(id)
	if err != nil {
		_ = backend.Close(id)
		return nil, vmierr.Wrap(vmierr.NoOS, err, "inspect_os failed for %s", path)
	}
	if len(roots) == 0 {
		_ = backend.Close(id)
		return nil, vmierr.New(vmierr.NoOS, "no operating systems found in %s", path)
	}
	if len(roots) > 1 {
		_ = backend.Close(id)
		return nil, vmierr.New(vmierr.MultiOS, "more than one operating system found in %s", path)
	}
	root := roots[0]

	info, err := backend.Inspect(id, root)
	if err != nil {
		_ = backend.Close(id)
		return nil, fmt.Errorf("%w", err)
	}

	devices := make([]string, 0, len(info.Mountpoints))
	for dev := range info.Mountpoints {
		devices = append(devices, dev)
	}
	// Longest-path-first so nested mounts (e.g. /var before /) land on top
	// of their parent, per spec.md §4.1.
	sort.Slice(devices, func(i, j int) bool {
		return len(info.Mountpoints[devices[i]]) > len(info.Mountpoints[devices[j]])
	})
	for _, dev := range devices {
		mountpoint := info.Mountpoints[dev]
		if err := backend.Mount(id, mountpoint, dev); err != nil {
			if logWarn != nil {
				logWarn("mount %s at %s ignored: %s", dev, mountpoint, err.Error())
			}
		}
	}

	return &Handle{backend: backend, id: id, Root: root, Info: info}, nil
}

// Shell runs a guest command, classifying known-benign warnings (spec.md §7
// GuestWarning) rather than surfacing them as fatal.
func (h *Handle) Shell(cmd string) (string, error) {
	out, err := h.backend.Shell(h.id, cmd)
	if err != nil && isBenignGuestWarning(err.Error()) {
		return out, nil
	}
	return out, err
}

// benignGuestWarnings lists stderr substrings the guest tool emits that must
// not abort the calling operation (spec.md §4.2 DNF path, §7 GuestWarning).
var benignGuestWarnings = []string{
	"WARNING (name2pac) can not find who provides",
}

func isBenignGuestWarning(msg string) bool {
	for _, w := range benignGuestWarnings {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

func (h *Handle) Upload(hostPath, guestPath string) error {
	return h.backend.Upload(h.id, hostPath, guestPath)
}

func (h *Handle) Download(guestPath, hostPath string) error {
	return h.backend.Download(h.id, guestPath, hostPath)
}

func (h *Handle) Customize() error { return h.backend.Customize(h.id) }

func (h *Handle) SELinuxEnabled() (bool, error) { return h.backend.SELinuxEnabled(h.id) }

func (h *Handle) TriggerRelabel() error { return h.backend.TriggerRelabel(h.id) }

// Close unmounts everything and shuts the backend down. Closing a nil
// handle is a no-op; with LibguestfsBackend, a second Close of the same
// handle returns an unknown-handle error.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	if err := h.backend.UnmountAll(h.id); err != nil {
		return fmt.Errorf("%w", err)
	}
	return h.backend.Close(h.id)
}
