package retention

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/audit"
	"github.com/marcus-qen/llmctl/internal/store"
)

func openSweeperStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedArtifact(t *testing.T, st *store.Store, id, mode string, ttl any, maxCount any, createdAt time.Time) {
	t.Helper()
	_, err := st.DB().Exec(`INSERT INTO flowchart_run_node_artifacts
		(id, run_node_id, kind, payload, content_hash, retention_mode, retention_ttl_seconds, retention_max_count, created_at)
		VALUES (?, 'rn-1', 'generic', '{}', 'h', ?, ?, ?, ?)`,
		id, mode, ttl, maxCount, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
}

func artifactCount(t *testing.T, st *store.Store) int {
	t.Helper()
	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM flowchart_run_node_artifacts`).Scan(&n); err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	return n
}

func TestSweepArtifacts(t *testing.T) {
	st := openSweeperStore(t)
	now := time.Now().UTC()

	seedArtifact(t, st, "expired", "ttl", 60, nil, now.Add(-time.Hour))
	seedArtifact(t, st, "fresh", "ttl", 7200, nil, now.Add(-time.Hour))
	seedArtifact(t, st, "keep-forever", "forever", nil, nil, now.Add(-240*time.Hour))
	// max_count 1: newest survives, older overflows.
	seedArtifact(t, st, "overflow-old", "max_count", nil, 1, now.Add(-2*time.Minute))
	seedArtifact(t, st, "overflow-new", "max_count", nil, 1, now.Add(-time.Minute))

	sw := New(st, nil, zap.NewNop(), Config{})
	sw.sweepArtifacts(context.Background())

	if n := artifactCount(t, st); n != 3 {
		t.Fatalf("artifacts after sweep = %d, want 3", n)
	}
	var id string
	err := st.DB().QueryRow(`SELECT id FROM flowchart_run_node_artifacts WHERE retention_mode = 'max_count'`).Scan(&id)
	if err != nil || id != "overflow-new" {
		t.Fatalf("surviving max_count artifact = %q (err %v), want overflow-new", id, err)
	}
}

func TestSweepOutbox(t *testing.T) {
	st := openSweeperStore(t)
	now := time.Now().UTC()

	seq := 0
	insert := func(id string, publishedAt any) {
		seq++
		_, err := st.DB().Exec(`INSERT INTO event_outbox
			(id, idempotency_key, sequence_stream, sequence, event_type, entity_kind, entity_id, room_keys, payload, contract_version, emitted_at, published_at)
			VALUES (?, ?, 's', ?, 'e', 'run', 'r', '[]', '{}', 'v1', ?, ?)`,
			id, "k-"+id, seq, now.Format(time.RFC3339Nano), publishedAt)
		if err != nil {
			t.Fatalf("seed outbox: %v", err)
		}
	}
	insert("old-published", now.Add(-48*time.Hour).Format(time.RFC3339Nano))
	insert("new-published", now.Format(time.RFC3339Nano))
	insert("unpublished-x", nil)

	sw := New(st, nil, zap.NewNop(), Config{OutboxRetention: 24 * time.Hour})
	sw.sweepOutbox(context.Background())

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM event_outbox`).Scan(&n); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if n != 2 {
		t.Fatalf("outbox rows after sweep = %d, want 2", n)
	}
}

func TestSweepAudit(t *testing.T) {
	st := openSweeperStore(t)
	auditStore := audit.New(st.DB(), st.Rebind)

	old := audit.Entry{
		Timestamp: time.Now().UTC().Add(-40 * 24 * time.Hour),
		Action:    audit.ActionRunStarted,
		Summary:   "ancient",
	}
	if err := auditStore.Record(context.Background(), old); err != nil {
		t.Fatalf("record: %v", err)
	}
	auditStore.Emit(context.Background(), audit.ActionRunStarted, "run-1", "op", "recent")

	sw := New(st, auditStore, zap.NewNop(), Config{})
	sw.sweepAudit(context.Background())

	n, err := auditStore.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("audit entries after sweep = %d, want 1", n)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	st := openSweeperStore(t)
	sw := New(st, nil, zap.NewNop(), Config{ArtifactSchedule: "not a cron spec"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sw.Start(ctx); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	st := openSweeperStore(t)
	sw := New(st, nil, zap.NewNop(), Config{})
	if !sw.NeedLeaderElection() {
		t.Fatal("sweeper must be leader-only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
