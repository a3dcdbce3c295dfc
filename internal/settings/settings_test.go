package settings

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProviderDefaultsWhenUnset(t *testing.T) {
	p, err := NewProvider(openTestStore(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got := p.Current()
	want := store.DefaultNodeExecutorSettings()
	if got.DispatchTimeoutSeconds != want.DispatchTimeoutSeconds || got.K8sNamespace != want.K8sNamespace {
		t.Errorf("defaults not served: %+v", got)
	}
}

func TestUpdatePersistsAndInstalls(t *testing.T) {
	s := openTestStore(t)
	p, err := NewProvider(s, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	updated, err := p.Update(func(ns *store.NodeExecutorSettings) {
		ns.K8sNamespace = "agents"
		ns.DispatchTimeoutSeconds = 45
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.K8sNamespace != "agents" {
		t.Errorf("updated namespace = %q", updated.K8sNamespace)
	}
	if p.Current().DispatchTimeoutSeconds != 45 {
		t.Errorf("live copy not installed: %+v", p.Current())
	}

	// A fresh provider over the same store sees the write.
	p2, err := NewProvider(s, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if p2.Current().K8sNamespace != "agents" {
		t.Errorf("persisted namespace = %q", p2.Current().K8sNamespace)
	}

	events, err := s.UnpublishedEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == "settings:executor:updated" {
			found = true
		}
	}
	if !found {
		t.Error("settings update did not stage an outbox event")
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	p, err := NewProvider(openTestStore(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	before := p.Current()

	_, err = p.Update(func(ns *store.NodeExecutorSettings) {
		ns.DispatchTimeoutSeconds = 0
	})
	if err == nil || !strings.Contains(err.Error(), "dispatch_timeout_seconds") {
		t.Fatalf("err = %v", err)
	}
	if p.Current() != before {
		t.Error("rejected update mutated the live copy")
	}
}

func TestSnapshotIsPinnedCopy(t *testing.T) {
	p, err := NewProvider(openTestStore(t), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	snap := p.Snapshot()
	if _, err := p.Update(func(ns *store.NodeExecutorSettings) {
		ns.ExecutionTimeoutSeconds = 7200
	}); err != nil {
		t.Fatal(err)
	}
	if snap.ExecutionTimeoutSeconds == 7200 {
		t.Error("snapshot observed a later write")
	}
}

func TestValidate(t *testing.T) {
	base := store.DefaultNodeExecutorSettings()
	cases := []struct {
		name string
		mut  func(*store.NodeExecutorSettings)
	}{
		{"zero execution timeout", func(s *store.NodeExecutorSettings) { s.ExecutionTimeoutSeconds = 0 }},
		{"negative grace", func(s *store.NodeExecutorSettings) { s.CancelGraceTimeoutSeconds = -1 }},
		{"empty namespace", func(s *store.NodeExecutorSettings) { s.K8sNamespace = "" }},
		{"empty frontier image", func(s *store.NodeExecutorSettings) { s.K8sFrontierImage = "" }},
		{"negative gpu limit", func(s *store.NodeExecutorSettings) { s.K8sGPULimit = -1 }},
	}
	for _, tc := range cases {
		s := base
		tc.mut(&s)
		if err := Validate(s); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if err := Validate(base); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
