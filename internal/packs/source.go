package packs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/llmctl/internal/instructions"
)

// DirSource serves role and agent bodies out of an unpacked pack
// directory. It satisfies the orchestrator's instruction source; the
// whole pack is read into memory once at load time so runs never touch
// the filesystem mid-flight.
type DirSource struct {
	manifest   *Manifest
	roles      map[string]entry
	agents     map[string]entry
	priorities []instructions.Priority
}

type entry struct {
	body    string
	version string
}

// LoadDir reads a pack directory (pack.yaml plus the files it
// references) into a DirSource.
func LoadDir(dir string) (*DirSource, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	m, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}

	src := &DirSource{
		manifest: m,
		roles:    make(map[string]entry, len(m.Roles)),
		agents:   make(map[string]entry, len(m.Agents)),
	}
	for _, r := range m.Roles {
		body, err := readPackFile(dir, r.File)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", r.ID, err)
		}
		src.roles[r.ID] = entry{body: body, version: r.Version}
	}
	for _, a := range m.Agents {
		body, err := readPackFile(dir, a.File)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		src.agents[a.ID] = entry{body: body, version: a.Version}
	}
	if m.Priorities != "" {
		data, err := readPackFile(dir, m.Priorities)
		if err != nil {
			return nil, fmt.Errorf("priorities: %w", err)
		}
		if err := yaml.Unmarshal([]byte(data), &src.priorities); err != nil {
			return nil, fmt.Errorf("parse priorities %s: %w", m.Priorities, err)
		}
	}
	return src, nil
}

// Pack returns the manifest the source was loaded from.
func (s *DirSource) Pack() *Manifest { return s.manifest }

func (s *DirSource) Role(id string) (string, string, error) {
	e, ok := s.roles[id]
	if !ok {
		return "", "", fmt.Errorf("pack %s: unknown role %q", s.manifest.Name, id)
	}
	return e.body, e.version, nil
}

func (s *DirSource) Agent(id string) (string, string, error) {
	e, ok := s.agents[id]
	if !ok {
		return "", "", fmt.Errorf("pack %s: unknown agent %q", s.manifest.Name, id)
	}
	return e.body, e.version, nil
}

func (s *DirSource) Priorities() ([]instructions.Priority, error) {
	return s.priorities, nil
}

func readPackFile(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("file %q escapes pack directory", rel)
	}
	data, err := os.ReadFile(filepath.Join(dir, clean))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
