package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// BootManifest describes the filesystem layout assembled at boot: which
// backends to mount where, what to seed into them, and which programs to
// start.
type BootManifest struct {
	Mounts []MountSpec `yaml:"mounts" toml:"mounts"`
	Seed   []SeedSpec  `yaml:"seed" toml:"seed"`
	Init   []InitSpec  `yaml:"init" toml:"init"`
}

// MountSpec is one mount-table row. Backend is "memfs", "procfs" or
// "remote"; URL applies to remote backends only.
type MountSpec struct {
	Prefix   string `yaml:"prefix" toml:"prefix"`
	Backend  string `yaml:"backend" toml:"backend"`
	URL      string `yaml:"url" toml:"url"`
	ReadOnly bool   `yaml:"readonly" toml:"readonly"`
}

// SeedSpec copies files from a host directory into the mounted tree.
type SeedSpec struct {
	From    string   `yaml:"from" toml:"from"`
	To      string   `yaml:"to" toml:"to"`
	Include []string `yaml:"include" toml:"include"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

// InitSpec names a program spawned once boot completes.
type InitSpec struct {
	Path string   `yaml:"path" toml:"path"`
	Args []string `yaml:"args" toml:"args"`
}

// DefaultManifest is the mount table used when no boot file is configured:
// writable memfs at the root, read-only procfs at /proc.
func DefaultManifest() *BootManifest {
	return &BootManifest{
		Mounts: []MountSpec{
			{Prefix: "/", Backend: "memfs"},
			{Prefix: "/proc", Backend: "procfs", ReadOnly: true},
		},
	}
}

// LoadBootManifest parses a boot file by extension: .yaml/.yml or .toml.
func LoadBootManifest(path string) (*BootManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot file: %w", err)
	}

	var m BootManifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse boot file %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse boot file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported boot file format: %s", path)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *BootManifest) validate() error {
	for i, mt := range m.Mounts {
		if !strings.HasPrefix(mt.Prefix, "/") {
			return fmt.Errorf("mount %d: prefix must be absolute, got %q", i, mt.Prefix)
		}
		switch mt.Backend {
		case "memfs", "procfs":
		case "remote":
			if mt.URL == "" {
				return fmt.Errorf("mount %d: remote backend requires a url", i)
			}
		default:
			return fmt.Errorf("mount %d: unknown backend %q", i, mt.Backend)
		}
	}
	for i, s := range m.Seed {
		if s.From == "" || !strings.HasPrefix(s.To, "/") {
			return fmt.Errorf("seed %d: needs a source dir and an absolute target", i)
		}
	}
	for i, p := range m.Init {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("init %d: program path must be absolute, got %q", i, p.Path)
		}
	}
	return nil
}
