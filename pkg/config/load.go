// Package config loads the optional vmifold.yaml repository configuration,
// keeping the teacher's generic YAMLToJSON + strict-decode LoadConfig shape
// (pkg/config/load.go) but dropping its OCI ImageSetConfiguration/
// DeleteImageSetConfiguration kinds in favor of a single VMIFoldConfig kind.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Kind identifies the one config document this repository understands.
const Kind = "VMIFoldConfig"

// VMIFoldConfig is the optional repository-root override and seed data the
// Python StaticInfo global used to hardcode (spec.md §9, AMBIENT STACK
// "Configuration").
type VMIFoldConfig struct {
	RepoRoot               string              `json:"repoRoot,omitempty"`
	BasicPackages          map[string][]string `json:"basicPackages,omitempty"`
	SupportedDistributions []string            `json:"supportedDistributions,omitempty"`
}

// Load reads and strictly decodes a vmifold.yaml at path. A missing file is
// not an error — callers fall back to common.DefaultOptions' built-in defaults.
func Load(path string) (VMIFoldConfig, bool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return VMIFoldConfig{}, false, nil
	}
	if err != nil {
		return VMIFoldConfig{}, false, fmt.Errorf("%w", err)
	}
	cfg, err := LoadConfig[VMIFoldConfig](data, Kind)
	if err != nil {
		return VMIFoldConfig{}, false, err
	}
	return cfg, true, nil
}

// LoadConfig loads data into any config kind, strict on unknown fields —
// mirrors the teacher's generic form verbatim.
// nolint: ireturn
func LoadConfig[T any](data []byte, kind string) (c T, err error) {
	if data, err = yaml.YAMLToJSON(data); err != nil {
		return c, fmt.Errorf("yaml to json %s: %w", kind, err)
	}
	var res T
	dec := json.NewDecoder(bytes.NewBuffer(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		return c, fmt.Errorf("decode %s: %w", kind, err)
	}
	return res, nil
}
