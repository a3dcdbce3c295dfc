// Package instructions compiles the deterministic per-run instruction
// package: role, agent, merged instructions, optional priorities, and a
// hashed manifest. Identical inputs produce byte-identical artifacts and
// an identical package hash; the manifest hash is recorded on the node
// record so drift between compilations is detectable.
package instructions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// Artifact names inside a compiled package.
const (
	ArtifactRole         = "ROLE"
	ArtifactAgent        = "AGENT"
	ArtifactInstructions = "INSTRUCTIONS"
	ArtifactPriorities   = "PRIORITIES"
)

// InstructionsDirName is the sandbox subdirectory packages materialize to.
const InstructionsDirName = ".instructions"

// RunMode distinguishes scheduled autoruns from interactive triggers.
// Priorities are included only for autoruns.
type RunMode string

const (
	RunModeAutorun     RunMode = "autorun"
	RunModeInteractive RunMode = "interactive"
)

// Priority is one ordered priority entry.
type Priority struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// Input is everything the compiler consumes for one run.
type Input struct {
	RoleID       string
	RoleVersion  string
	RoleBody     string
	AgentID      string
	AgentVersion string
	AgentBody    string
	Priorities   []Priority
	// Overrides are appended to the merged instructions in key order.
	Overrides  map[string]string
	RunMode    RunMode
	ProviderID string
}

// Manifest records the hashes and provenance of one compiled package.
type Manifest struct {
	Artifacts    map[string]ArtifactInfo `json:"artifacts"`
	RoleID       string                  `json:"role_id"`
	RoleVersion  string                  `json:"role_version,omitempty"`
	AgentID      string                  `json:"agent_id"`
	AgentVersion string                  `json:"agent_version,omitempty"`
	RunMode      RunMode                 `json:"run_mode"`
	ProviderID   string                  `json:"provider_id"`
	PackageHash  string                  `json:"-"`
}

// ArtifactInfo is one artifact's hash and size inside the manifest.
type ArtifactInfo struct {
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"size_bytes"`
}

// Package is a compiled instruction package.
type Package struct {
	// Artifacts maps artifact name → normalized content.
	Artifacts map[string]string
	Manifest  Manifest
	Warnings  []string
}

// oversizeWarnBytes triggers a warning, never truncation.
const oversizeWarnBytes = 256 * 1024

// Compile builds a package. Role and agent bodies are required; an empty
// or non-UTF-8 body is a validation failure.
func Compile(in Input) (*Package, error) {
	if strings.TrimSpace(in.RoleBody) == "" {
		return nil, fmt.Errorf("role body is empty")
	}
	if strings.TrimSpace(in.AgentBody) == "" {
		return nil, fmt.Errorf("agent body is empty")
	}
	if !utf8.ValidString(in.RoleBody) {
		return nil, fmt.Errorf("role body is not valid UTF-8")
	}
	if !utf8.ValidString(in.AgentBody) {
		return nil, fmt.Errorf("agent body is not valid UTF-8")
	}
	if in.RunMode == "" {
		in.RunMode = RunModeInteractive
	}

	pkg := &Package{Artifacts: make(map[string]string)}
	pkg.Artifacts[ArtifactRole] = Normalize(in.RoleBody)
	pkg.Artifacts[ArtifactAgent] = Normalize(in.AgentBody)

	if in.RunMode == RunModeAutorun && len(in.Priorities) > 0 {
		var b strings.Builder
		for i, p := range in.Priorities {
			fmt.Fprintf(&b, "## Priority %d\n\n%s\n", i+1, Normalize(p.Body))
			if i < len(in.Priorities)-1 {
				b.WriteString("\n")
			}
		}
		pkg.Artifacts[ArtifactPriorities] = Normalize(b.String())
	}

	pkg.Artifacts[ArtifactInstructions] = mergeInstructions(pkg, in)

	manifest := Manifest{
		Artifacts:    make(map[string]ArtifactInfo, len(pkg.Artifacts)),
		RoleID:       in.RoleID,
		RoleVersion:  in.RoleVersion,
		AgentID:      in.AgentID,
		AgentVersion: in.AgentVersion,
		RunMode:      in.RunMode,
		ProviderID:   in.ProviderID,
	}
	for name, content := range pkg.Artifacts {
		sum := sha256.Sum256([]byte(content))
		manifest.Artifacts[name] = ArtifactInfo{
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: len(content),
		}
		if len(content) > oversizeWarnBytes {
			pkg.Warnings = append(pkg.Warnings,
				fmt.Sprintf("artifact %s is %d bytes (over %d); kept untruncated", name, len(content), oversizeWarnBytes))
		}
	}

	hash, err := manifestHash(manifest)
	if err != nil {
		return nil, err
	}
	manifest.PackageHash = hash
	pkg.Manifest = manifest
	sort.Strings(pkg.Warnings)
	return pkg, nil
}

// mergeInstructions concatenates role, agent, priorities, and overrides
// under stable headings.
func mergeInstructions(pkg *Package, in Input) string {
	var b strings.Builder
	b.WriteString("# Role\n\n")
	b.WriteString(pkg.Artifacts[ArtifactRole])
	b.WriteString("\n# Agent\n\n")
	b.WriteString(pkg.Artifacts[ArtifactAgent])
	if priorities, ok := pkg.Artifacts[ArtifactPriorities]; ok {
		b.WriteString("\n# Priorities\n\n")
		b.WriteString(priorities)
	}
	if len(in.Overrides) > 0 {
		b.WriteString("\n# Overrides\n\n")
		keys := make([]string, 0, len(in.Overrides))
		for k := range in.Overrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, strings.TrimSpace(in.Overrides[k]))
		}
	}
	return Normalize(b.String())
}

// Normalize canonicalizes artifact text: LF newlines, trailing whitespace
// stripped per line, exactly one terminating newline.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	return out + "\n"
}

// manifestHash is SHA-256 of the canonicalized manifest JSON: sorted keys,
// compact separators. encoding/json sorts map keys and emits compact
// output by default, which is exactly the canonical form.
func manifestHash(m Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Materialize writes the package artifacts plus manifest.json into
// <workspaceRoot>/.instructions/ and returns the directory path.
func (p *Package) Materialize(workspaceRoot string) (string, error) {
	dir := filepath.Join(workspaceRoot, InstructionsDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create instructions dir: %w", err)
	}
	names := make([]string, 0, len(p.Artifacts))
	for name := range p.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name+".md")
		if err := os.WriteFile(path, []byte(p.Artifacts[name]), 0640); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}

	manifest := struct {
		Manifest
		PackageHash string `json:"package_hash"`
	}{p.Manifest, p.Manifest.PackageHash}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0640); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return dir, nil
}
