package guest

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// LibguestfsBackend is the real Backend, driving the libguestfs command-line
// tools (guestfish, virt-inspector, virt-customize) the way original_source's
// GuestFSHelper drives the Python guestfs bindings — shelled out rather than
// cgo-bound, grounded on the teacher pack's os/exec usage for external tool
// invocation (sunxth-ocpack's AnsibleExecutor).
type LibguestfsBackend struct {
	mu      sync.Mutex
	handles map[int]*session
	next    int
}

type session struct {
	path string
	rw   bool
}

func NewLibguestfsBackend() *LibguestfsBackend {
	return &LibguestfsBackend{handles: map[int]*session{}}
}

func (b *LibguestfsBackend) Open(path string, rw bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.handles[b.next] = &session{path: path, rw: rw}
	return b.next, nil
}

func (b *LibguestfsBackend) get(handle int) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.handles[handle]
	if !ok {
		return nil, fmt.Errorf("unknown guest handle %d", handle)
	}
	return s, nil
}

func (b *LibguestfsBackend) Close(handle int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, handle)
	return nil
}

// guestfishArgs builds the -a/--rw/-i argument preamble shared by every
// one-shot guestfish invocation.
func (s *session) guestfishArgs() []string {
	args := []string{"-a", s.path}
	if s.rw {
		args = append(args, "--rw")
	} else {
		args = append(args, "--ro")
	}
	args = append(args, "-i")
	return args
}

func (b *LibguestfsBackend) run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return out.String(), fmt.Errorf("%s: %s", err.Error(), stderr.String())
		}
		return out.String(), fmt.Errorf("%w", err)
	}
	if stderr.Len() > 0 {
		return out.String(), fmt.Errorf("%s", stderr.String())
	}
	return out.String(), nil
}

func (b *LibguestfsBackend) InspectOS(handle int) ([]string, error) {
	s, err := b.get(handle)
	if err != nil {
		return nil, err
	}
	out, err := b.run("guestfish", append([]string{"-a", s.path, "--ro", "-i", "echo", "%roots"}, "inspect-os")...)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			roots = append(roots, line)
		}
	}
	return roots, nil
}

func (b *LibguestfsBackend) Inspect(handle int, root string) (Inspection, error) {
	s, err := b.get(handle)
	if err != nil {
		return Inspection{}, err
	}
	base := append([]string{"-a", s.path, "--ro"}, "inspect-get-type", root)
	distro, _ := b.run("guestfish", append([]string{"-a", s.path, "--ro"}, "inspect-get-distro", root)...)
	major, _ := b.run("guestfish", append([]string{"-a", s.path, "--ro"}, "inspect-get-major-version", root)...)
	minor, _ := b.run("guestfish", append([]string{"-a", s.path, "--ro"}, "inspect-get-minor-version", root)...)
	arch, _ := b.run("guestfish", append([]string{"-a", s.path, "--ro"}, "inspect-get-arch", root)...)
	_, _ = b.run("guestfish", base...)

	mpOut, err := b.run("guestfish", append([]string{"-a", s.path, "--ro"}, "inspect-get-mountpoints", root)...)
	if err != nil {
		return Inspection{}, err
	}
	mountpoints := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(mpOut), "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mountpoints[strings.TrimSpace(parts[1])] = strings.TrimSpace(parts[0])
	}

	distroName := strings.TrimSpace(distro)
	pkgManager := pkgManagerFor(distroName)

	majorN, _ := strconv.Atoi(strings.TrimSpace(major))
	minorN, _ := strconv.Atoi(strings.TrimSpace(minor))

	return Inspection{
		Distribution: distroName,
		MajorVersion: majorN,
		MinorVersion: minorN,
		Architecture: strings.TrimSpace(arch),
		PkgManager:   pkgManager,
		Mountpoints:  mountpoints,
	}, nil
}

func pkgManagerFor(distro string) string {
	switch strings.ToLower(distro) {
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		return "dnf"
	default:
		return "apt"
	}
}

func (b *LibguestfsBackend) Mount(handle int, mountpoint, device string) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("guestfish", append(s.guestfishArgs(), "mount", device, mountpoint)...)
	return err
}

func (b *LibguestfsBackend) UnmountAll(handle int) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("guestfish", append(s.guestfishArgs(), "umount-all")...)
	return err
}

func (b *LibguestfsBackend) Shell(handle int, cmd string) (string, error) {
	s, err := b.get(handle)
	if err != nil {
		return "", err
	}
	return b.run("guestfish", append(s.guestfishArgs(), "sh", cmd)...)
}

func (b *LibguestfsBackend) Upload(handle int, hostPath, guestPath string) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("guestfish", append(s.guestfishArgs(), "upload", hostPath, guestPath)...)
	return err
}

func (b *LibguestfsBackend) Download(handle int, guestPath, hostPath string) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("guestfish", append(s.guestfishArgs(), "download", guestPath, hostPath)...)
	return err
}

func (b *LibguestfsBackend) Customize(handle int) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("virt-customize", "-a", s.path,
		"--run-command", "rm -f /etc/machine-id && touch /etc/machine-id",
		"--run-command", "rm -f /etc/ssh/ssh_host_*",
		"--run-command", "rm -rf /var/lib/dhcp/* /var/lib/dhclient/*",
		"--truncate", "/var/log/wtmp",
		"--truncate", "/var/log/lastlog")
	return err
}

func (b *LibguestfsBackend) SELinuxEnabled(handle int) (bool, error) {
	s, err := b.get(handle)
	if err != nil {
		return false, err
	}
	out, err := b.run("guestfish", append(s.guestfishArgs(), "is-file", "/etc/selinux/config")...)
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(out) == "true", nil
}

func (b *LibguestfsBackend) TriggerRelabel(handle int) error {
	s, err := b.get(handle)
	if err != nil {
		return err
	}
	_, err = b.run("guestfish", append(s.guestfishArgs(), "touch", "/.autorelabel")...)
	return err
}
