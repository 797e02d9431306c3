// Package extensions enumerates optional extension bundles. Bundles are
// untrusted: the core reads each bundle's manifest.yaml for display and
// never loads or executes bundle content.
package extensions

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable pointing at the bundle directory.
const EnvPath = "PCLINK_EXTENSIONS_PATH"

// Manifest is the subset of manifest.yaml the server surfaces.
type Manifest struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Entry       string `yaml:"entry,omitempty" json:"entry,omitempty"`
}

// Scan lists manifests of bundles under dir (one subdirectory per bundle).
// Bundles with a missing or malformed manifest are skipped; a missing dir
// yields an empty list.
func Scan(dir string) ([]Manifest, error) {
	if dir == "" {
		dir = os.Getenv(EnvPath)
	}
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Manifest
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, ent.Name(), "manifest.yaml"))
		if err != nil {
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil || m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
