// Package settings owns the node executor runtime configuration: one
// persisted row, loaded into a process-wide provider with explicit
// lifecycle. Runs capture a snapshot at activation and never observe
// later writes.
package settings

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/store"
)

// Provider serves the current NodeExecutorSettings. Reads are lock-cheap
// value copies; writes go through Update and are visible to subsequent
// runs only.
type Provider struct {
	store  *store.Store
	logger *zap.Logger

	mu      sync.RWMutex
	current store.NodeExecutorSettings
}

// NewProvider loads the persisted settings row (or defaults) once.
func NewProvider(st *store.Store, logger *zap.Logger) (*Provider, error) {
	p := &Provider{store: st, logger: logger}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns a copy of the live settings.
func (p *Provider) Current() store.NodeExecutorSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Snapshot is Current under its run-pinning name: the returned value is
// what the activating run keeps for its whole lifetime.
func (p *Provider) Snapshot() store.NodeExecutorSettings {
	return p.Current()
}

// Refresh reloads from the store. Called at startup and after any write
// that may have happened on another replica.
func (p *Provider) Refresh() error {
	loaded, err := p.store.GetNodeExecutorSettings()
	if err != nil {
		return fmt.Errorf("load node executor settings: %w", err)
	}
	p.mu.Lock()
	p.current = loaded
	p.mu.Unlock()
	return nil
}

// Update applies a mutation to a copy of the current settings, validates,
// persists with a settings:executor:updated event, and installs the result.
func (p *Provider) Update(mut func(*store.NodeExecutorSettings)) (store.NodeExecutorSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current
	mut(&next)
	if err := Validate(next); err != nil {
		return store.NodeExecutorSettings{}, err
	}

	draft := store.EventDraft{
		EventType:      realtime.EventSettingsUpdated,
		EntityKind:     "node_executor_settings",
		EntityID:       "node_executor_settings",
		SequenceStream: "settings",
		RoomKeys:       []string{"settings"},
		Payload:        []byte(`{}`),
	}
	if err := p.store.SaveNodeExecutorSettings(next, []store.EventDraft{draft}); err != nil {
		return store.NodeExecutorSettings{}, fmt.Errorf("save node executor settings: %w", err)
	}
	p.current = next
	p.logger.Info("node executor settings updated",
		zap.String("namespace", next.K8sNamespace),
		zap.Int("dispatch_timeout_seconds", next.DispatchTimeoutSeconds))
	return next, nil
}

// Validate rejects settings that would break dispatch.
func Validate(s store.NodeExecutorSettings) error {
	if s.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch_timeout_seconds must be positive")
	}
	if s.ExecutionTimeoutSeconds <= 0 {
		return fmt.Errorf("execution_timeout_seconds must be positive")
	}
	if s.LogCollectionTimeoutSeconds <= 0 {
		return fmt.Errorf("log_collection_timeout_seconds must be positive")
	}
	if s.CancelGraceTimeoutSeconds < 0 {
		return fmt.Errorf("cancel_grace_timeout_seconds must not be negative")
	}
	if s.K8sNamespace == "" {
		return fmt.Errorf("k8s_namespace is required")
	}
	if s.K8sFrontierImage == "" {
		return fmt.Errorf("k8s_frontier_image is required")
	}
	if s.K8sGPULimit < 0 {
		return fmt.Errorf("k8s_gpu_limit must not be negative")
	}
	if s.K8sJobTTLSeconds < 0 {
		return fmt.Errorf("k8s_job_ttl_seconds must not be negative")
	}
	return nil
}
