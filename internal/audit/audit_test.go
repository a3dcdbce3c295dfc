package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/marcus-qen/llmctl/internal/store"
)

func openAuditStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.DB(), st.Rebind)
}

func seedEntries(t *testing.T, s *Store, n int, action Action, runID string) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		err := s.Record(context.Background(), Entry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Action:    action,
			RunID:     runID,
			Actor:     "operator",
			Summary:   "entry",
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func TestRecordAndQuery(t *testing.T) {
	s := openAuditStore(t)
	err := s.Record(context.Background(), Entry{
		Action:  ActionRunStarted,
		RunID:   "run-1",
		Actor:   "scheduler",
		Summary: "run started",
		Detail:  map[string]any{"flowchart_id": "fc-1"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	page, err := s.Query(context.Background(), Filter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(page.Entries))
	}
	e := page.Entries[0]
	if e.Action != ActionRunStarted || e.Actor != "scheduler" {
		t.Fatalf("entry = %+v", e)
	}
	detail, ok := e.Detail.(map[string]any)
	if !ok || detail["flowchart_id"] != "fc-1" {
		t.Fatalf("detail = %v", e.Detail)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatal("id/timestamp not filled in")
	}
}

func TestRecordRequiresAction(t *testing.T) {
	s := openAuditStore(t)
	if err := s.Record(context.Background(), Entry{Summary: "no action"}); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestQueryFilters(t *testing.T) {
	s := openAuditStore(t)
	seedEntries(t, s, 3, ActionRunStarted, "run-a")
	seedEntries(t, s, 2, ActionSettingsChanged, "")

	page, err := s.Query(context.Background(), Filter{Action: ActionSettingsChanged})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}

	page, err = s.Query(context.Background(), Filter{RunID: "run-a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(page.Entries))
	}
}

func TestCursorPagination(t *testing.T) {
	s := openAuditStore(t)
	seedEntries(t, s, 5, ActionRunStarted, "run-a")

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := s.Query(context.Background(), Filter{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		for _, e := range page.Entries {
			if seen[e.ID] {
				t.Fatalf("entry %s returned twice", e.ID)
			}
			seen[e.ID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d entries, want 5", len(seen))
	}
}

func TestUnknownCursorReturnsEmpty(t *testing.T) {
	s := openAuditStore(t)
	seedEntries(t, s, 2, ActionRunStarted, "run-a")
	page, err := s.Query(context.Background(), Filter{Cursor: "no-such-id"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(page.Entries))
	}
}

func TestStreamJSONL(t *testing.T) {
	s := openAuditStore(t)
	seedEntries(t, s, 3, ActionRunStarted, "run-a")

	var buf bytes.Buffer
	if err := s.StreamJSONL(context.Background(), &buf, Filter{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"run_started"`) {
			t.Fatalf("line missing action: %s", line)
		}
	}
}

func TestStreamCSV(t *testing.T) {
	s := openAuditStore(t)
	seedEntries(t, s, 2, ActionPackPulled, "")

	var buf bytes.Buffer
	if err := s.StreamCSV(context.Background(), &buf, Filter{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 { // header + 2 rows
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0][2] != "action" || records[1][2] != "pack_pulled" {
		t.Fatalf("unexpected csv: %v", records[:2])
	}
}

func TestPurge(t *testing.T) {
	s := openAuditStore(t)
	old := Entry{
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Action:    ActionRunStarted,
		Summary:   "old",
	}
	if err := s.Record(context.Background(), old); err != nil {
		t.Fatalf("record: %v", err)
	}
	seedEntries(t, s, 2, ActionRunStarted, "run-a")

	deleted, err := s.Purge(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
