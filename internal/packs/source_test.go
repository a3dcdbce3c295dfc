package packs

import (
	"strings"
	"testing"
)

const sourceManifest = `name: reviewer-pack
version: 1.2.0
roles:
  - id: reviewer
    version: "3"
    file: roles/reviewer.md
agents:
  - id: strict-reviewer
    version: "1"
    file: agents/strict.md
priorities: priorities.yaml
`

func sourceFiles() map[string]string {
	return map[string]string{
		"roles/reviewer.md": "# Reviewer\nReview carefully.\n",
		"agents/strict.md":  "# Strict\nNo mercy.\n",
		"priorities.yaml":   "- id: p1\n  body: correctness first\n- id: p2\n  body: keep diffs small\n",
	}
}

func TestLoadDirResolvesBodies(t *testing.T) {
	dir := writePackDir(t, sourceManifest, sourceFiles())
	src, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	body, version, err := src.Role("reviewer")
	if err != nil {
		t.Fatalf("Role: %v", err)
	}
	if version != "3" || !strings.Contains(body, "Review carefully") {
		t.Fatalf("unexpected role: version=%q body=%q", version, body)
	}

	body, version, err = src.Agent("strict-reviewer")
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if version != "1" || !strings.Contains(body, "No mercy") {
		t.Fatalf("unexpected agent: version=%q body=%q", version, body)
	}

	if _, _, err := src.Role("nope"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if src.Pack().Name != "reviewer-pack" {
		t.Fatalf("unexpected pack name %q", src.Pack().Name)
	}
}

func TestLoadDirParsesPriorities(t *testing.T) {
	dir := writePackDir(t, sourceManifest, sourceFiles())
	src, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	prios, err := src.Priorities()
	if err != nil {
		t.Fatalf("Priorities: %v", err)
	}
	if len(prios) != 2 || prios[0].ID != "p1" || prios[1].Body != "keep diffs small" {
		t.Fatalf("unexpected priorities: %+v", prios)
	}
}

func TestLoadDirRejectsEscapingFile(t *testing.T) {
	manifest := `name: bad-pack
version: 0.1.0
roles:
  - id: r
    version: "1"
    file: ../outside.md
`
	dir := writePackDir(t, manifest, nil)
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("expected escape error")
	}
}
