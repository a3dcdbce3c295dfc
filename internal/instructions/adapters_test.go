package instructions

import (
	"os"
	"path/filepath"
	"testing"
)

func compileTest(t *testing.T, providerID string) *Package {
	t.Helper()
	in := testInput()
	in.ProviderID = providerID
	p, err := Compile(in)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestNativeAdapterWritesProviderFile(t *testing.T) {
	cases := []struct {
		provider string
		filename string
	}{
		{"anthropic", "CLAUDE.md"},
		{"openai", "AGENTS.md"},
		{"gemini", "GEMINI.md"},
	}
	reg := NewRegistry()
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			root := t.TempDir()
			pkg := compileTest(t, tc.provider)
			res, err := reg.Resolve(tc.provider).Materialize(pkg, root)
			if err != nil {
				t.Fatalf("materialize: %v", err)
			}
			if res.Mode != ModeNative || res.Adapter != tc.provider {
				t.Errorf("result = %+v", res)
			}
			want := filepath.Join(root, tc.filename)
			if len(res.MaterializedPaths) != 1 || res.MaterializedPaths[0] != want {
				t.Errorf("paths = %v, want [%s]", res.MaterializedPaths, want)
			}
			data, err := os.ReadFile(want)
			if err != nil {
				t.Fatalf("read materialized: %v", err)
			}
			if string(data) != pkg.Artifacts[ArtifactInstructions] {
				t.Error("materialized content differs from merged instructions")
			}
		})
	}
}

func TestUnknownProviderFallsBack(t *testing.T) {
	reg := NewRegistry()
	root := t.TempDir()
	pkg := compileTest(t, "mystery-llm")

	res, err := reg.Resolve("mystery-llm").Materialize(pkg, root)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Mode != ModeFallback {
		t.Errorf("mode = %s, want fallback", res.Mode)
	}
	if res.PromptEnvelope == nil || res.PromptEnvelope.System == "" {
		t.Fatal("fallback missing prompt envelope")
	}
	if res.PromptEnvelope.PackageHash != pkg.Manifest.PackageHash {
		t.Error("envelope hash does not match package")
	}

	// Fallback writes nothing.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("fallback wrote files: %v", entries)
	}
}

func TestRegistryProviders(t *testing.T) {
	reg := NewRegistry()
	providers := reg.Providers()
	if len(providers) != 3 {
		t.Fatalf("providers = %v", providers)
	}
	for i := 1; i < len(providers); i++ {
		if providers[i-1] >= providers[i] {
			t.Errorf("providers not sorted: %v", providers)
		}
	}
}
