package instructions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// AdapterMode records how a package reached the provider.
type AdapterMode string

const (
	ModeNative   AdapterMode = "native"
	ModeFallback AdapterMode = "fallback"
)

// AdapterResult reports what an adapter did with a package.
type AdapterResult struct {
	Mode              AdapterMode
	Adapter           string
	MaterializedPaths []string
	// PromptEnvelope is set in fallback mode: the provider receives the
	// instructions inline instead of from disk.
	PromptEnvelope *PromptEnvelope
	Warnings       []string
}

// PromptEnvelope is the structured fallback payload.
type PromptEnvelope struct {
	System      string `json:"system"`
	PackageHash string `json:"package_hash"`
	ProviderID  string `json:"provider_id"`
}

// Adapter translates a compiled package into provider-native form.
type Adapter interface {
	// Materialize writes the provider's on-disk instruction file(s) at the
	// sandbox root.
	Materialize(pkg *Package, sandboxRoot string) (*AdapterResult, error)
	// FallbackPayload builds the prompt-envelope variant without touching
	// the filesystem.
	FallbackPayload(pkg *Package) *PromptEnvelope
	// Describe returns the adapter's provider id.
	Describe() string
}

// nativeFileAdapter writes the merged instructions to one well-known
// filename per provider family.
type nativeFileAdapter struct {
	providerID string
	filename   string
}

func (a *nativeFileAdapter) Describe() string { return a.providerID }

func (a *nativeFileAdapter) Materialize(pkg *Package, sandboxRoot string) (*AdapterResult, error) {
	path := filepath.Join(sandboxRoot, a.filename)
	if err := os.WriteFile(path, []byte(pkg.Artifacts[ArtifactInstructions]), 0640); err != nil {
		return nil, fmt.Errorf("write %s: %w", a.filename, err)
	}
	return &AdapterResult{
		Mode:              ModeNative,
		Adapter:           a.providerID,
		MaterializedPaths: []string{path},
		Warnings:          append([]string(nil), pkg.Warnings...),
	}, nil
}

func (a *nativeFileAdapter) FallbackPayload(pkg *Package) *PromptEnvelope {
	return &PromptEnvelope{
		System:      pkg.Artifacts[ArtifactInstructions],
		PackageHash: pkg.Manifest.PackageHash,
		ProviderID:  a.providerID,
	}
}

// fallbackAdapter writes nothing and always returns the prompt envelope.
type fallbackAdapter struct{}

func (fallbackAdapter) Describe() string { return "fallback" }

func (f fallbackAdapter) Materialize(pkg *Package, _ string) (*AdapterResult, error) {
	return &AdapterResult{
		Mode:           ModeFallback,
		Adapter:        f.Describe(),
		PromptEnvelope: f.FallbackPayload(pkg),
		Warnings:       append([]string(nil), pkg.Warnings...),
	}, nil
}

func (f fallbackAdapter) FallbackPayload(pkg *Package) *PromptEnvelope {
	return &PromptEnvelope{
		System:      pkg.Artifacts[ArtifactInstructions],
		PackageHash: pkg.Manifest.PackageHash,
		ProviderID:  f.Describe(),
	}
}

// Registry resolves provider ids to adapters. Unknown providers get the
// fallback adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds a registry with the built-in provider families.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for providerID, filename := range map[string]string{
		"anthropic": "CLAUDE.md",
		"openai":    "AGENTS.md",
		"gemini":    "GEMINI.md",
	} {
		r.Register(&nativeFileAdapter{providerID: providerID, filename: filename})
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Describe()] = a
}

// Resolve returns the adapter for a provider id, falling back to the
// prompt-envelope adapter for unknown providers.
func (r *Registry) Resolve(providerID string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[providerID]; ok {
		return a
	}
	return fallbackAdapter{}
}

// Providers lists registered native provider ids, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
