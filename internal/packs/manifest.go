package packs

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Manifest describes the contents of an instruction pack. It lives at
// pack.yaml in the bundle root and is also embedded as the OCI config blob.
type Manifest struct {
	Name        string       `yaml:"name" json:"name"`
	Version     string       `yaml:"version" json:"version"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Roles       []RoleEntry  `yaml:"roles,omitempty" json:"roles,omitempty"`
	Agents      []AgentEntry `yaml:"agents,omitempty" json:"agents,omitempty"`
	Priorities  string       `yaml:"priorities,omitempty" json:"priorities,omitempty"`
	Files       []string     `yaml:"-" json:"files,omitempty"`
}

// RoleEntry points at a role instruction document inside the bundle.
type RoleEntry struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	File    string `yaml:"file" json:"file"`
}

// AgentEntry points at an agent instruction document inside the bundle.
type AgentEntry struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	File    string `yaml:"file" json:"file"`
}

var packNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

// ParseManifest decodes and validates a pack.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pack manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural requirements on the manifest.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("pack manifest: name is required")
	}
	if !packNameRe.MatchString(m.Name) {
		return fmt.Errorf("pack manifest: invalid name %q", m.Name)
	}
	if m.Version == "" {
		return fmt.Errorf("pack manifest: version is required")
	}
	if len(m.Roles) == 0 && len(m.Agents) == 0 {
		return fmt.Errorf("pack manifest: at least one role or agent entry is required")
	}
	seen := map[string]bool{}
	for _, r := range m.Roles {
		if r.ID == "" || r.File == "" {
			return fmt.Errorf("pack manifest: role entries need id and file")
		}
		key := "role/" + r.ID
		if seen[key] {
			return fmt.Errorf("pack manifest: duplicate role %q", r.ID)
		}
		seen[key] = true
	}
	for _, a := range m.Agents {
		if a.ID == "" || a.File == "" {
			return fmt.Errorf("pack manifest: agent entries need id and file")
		}
		key := "agent/" + a.ID
		if seen[key] {
			return fmt.Errorf("pack manifest: duplicate agent %q", a.ID)
		}
		seen[key] = true
	}
	return nil
}
