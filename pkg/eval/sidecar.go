// Package eval implements the sidecar manifest format (spec.md §6.4) and the
// benchmarking harness supplementing the distillation from original_source's
// Expelliarmus (inspect/decompose-folder driving loop) and Evaluation.py
// (CSV-logged decomposition/reassembly/similarity runs).
package eval

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Manifest mirrors one line of a VMI's sidecar .meta file:
// "<filename>;<sum-install-size>;<ms1,ms2,...>" (spec.md §6.4).
type Manifest struct {
	FileName        string
	SumInstallSize  int64
	MainServices    []string
}

func sidecarPath(vmiPath string) string {
	ext := filepath.Ext(vmiPath)
	return strings.TrimSuffix(vmiPath, ext) + ".meta"
}

// WriteSidecarManifest writes the .meta file alongside vmiPath, the
// producer side of createMetaFileForVMI. The install-size field is written
// as 0; a plain inspect pass only needs to commit to the main service set
// declared interactively.
func WriteSidecarManifest(vmiPath string, mainServices []string) error {
	m := Manifest{
		FileName:     filepath.Base(vmiPath),
		MainServices: mainServices,
	}
	return writeManifest(sidecarPath(vmiPath), m)
}

// WriteSidecarManifestWithSize is WriteSidecarManifest with the install-size
// field set to sumInstallSize.
func WriteSidecarManifestWithSize(vmiPath string, sumInstallSize int64, mainServices []string) error {
	m := Manifest{
		FileName:       filepath.Base(vmiPath),
		SumInstallSize: sumInstallSize,
		MainServices:   mainServices,
	}
	return writeManifest(sidecarPath(vmiPath), m)
}

func writeManifest(path string, m Manifest) error {
	line := fmt.Sprintf("%s;%d;%s", m.FileName, m.SumInstallSize, strings.Join(m.MainServices, ","))
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// ReadSidecarManifest reads the .meta file for vmiPath and returns the VMI
// name (its filename) and declared main services, per decomposeVMI's
// meta-data parse.
func ReadSidecarManifest(vmiPath string) (name string, mainServices []string, err error) {
	data, err := os.ReadFile(sidecarPath(vmiPath))
	if err != nil {
		return "", nil, fmt.Errorf("missing sidecar manifest for %s: %w", vmiPath, err)
	}
	fields := strings.Split(strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]), ";")
	if len(fields) < 3 {
		return "", nil, fmt.Errorf("malformed sidecar manifest for %s", vmiPath)
	}
	name = fields[0]
	for _, s := range strings.Split(fields[2], ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			mainServices = append(mainServices, s)
		}
	}
	return name, mainServices, nil
}

// readSumInstallSize extracts just the size field, used by evaluation
// sorting (getSortedVmiData sorts by declared package size then filename).
func readSumInstallSize(vmiPath string) int64 {
	data, err := os.ReadFile(sidecarPath(vmiPath))
	if err != nil {
		return 0
	}
	fields := strings.Split(strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0]), ";")
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.ParseInt(fields[1], 10, 64)
	return n
}
