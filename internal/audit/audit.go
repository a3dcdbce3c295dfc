// Package audit keeps an append-only trail of operator-visible actions:
// run lifecycle, dispatch transitions, settings changes, pack pulls.
// Entries live in the orchestrator's database and are queried with
// cursor pagination, exported as JSONL or CSV, and purged on a schedule.
package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Action classifies audit entries.
type Action string

const (
	ActionRunTriggered       Action = "run_triggered"
	ActionRunStarted         Action = "run_started"
	ActionRunStopped         Action = "run_stopped"
	ActionRunCompleted       Action = "run_completed"
	ActionRunFailed          Action = "run_failed"
	ActionNodeDispatched     Action = "node_dispatched"
	ActionNodeConfirmed      Action = "node_dispatch_confirmed"
	ActionNodeDispatchFailed Action = "node_dispatch_failed"
	ActionSettingsChanged    Action = "settings_changed"
	ActionFlowchartApplied   Action = "flowchart_applied"
	ActionPackPulled         Action = "pack_pulled"
	ActionPackPushed         Action = "pack_pushed"
)

// Entry is one audit record.
type Entry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Action        Action    `json:"action"`
	Actor         string    `json:"actor,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Summary       string    `json:"summary"`
	Detail        any       `json:"detail,omitempty"`
}

// Filter narrows a query. Cursor is the id of the last entry from the
// previous page; results are newest first.
type Filter struct {
	RunID  string
	Action Action
	Since  time.Time
	Until  time.Time
	Cursor string
	Limit  int
}

// Page is one cursor-paginated query result.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Store persists audit entries. It shares the orchestrator's database;
// rebind adapts ? placeholders to the active driver.
type Store struct {
	db     *sql.DB
	rebind func(string) string
}

// New wraps an existing database handle.
func New(db *sql.DB, rebind func(string) string) *Store {
	if rebind == nil {
		rebind = func(q string) string { return q }
	}
	return &Store{db: db, rebind: rebind}
}

// Record appends one entry. Missing id and timestamp are filled in.
// Audit writes are best-effort at call sites; the error is for callers
// that must know.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Action == "" {
		return errors.New("audit entry requires an action")
	}

	detail := []byte("null")
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_entries (id, ts, action, actor, run_id, correlation_id, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Action),
		e.Actor, e.RunID, e.CorrelationID, e.Summary, string(detail),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Emit records an entry with minimal arguments, swallowing the error.
func (s *Store) Emit(ctx context.Context, action Action, runID, actor, summary string) {
	_ = s.Record(ctx, Entry{Action: action, RunID: runID, Actor: actor, Summary: summary})
}

// Query returns one page of entries, newest first.
func (s *Store) Query(ctx context.Context, f Filter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query, args, err := s.buildQuery(f, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Entries) == limit {
		page.NextCursor = page.Entries[len(page.Entries)-1].ID
	}
	return page, nil
}

// StreamJSONL writes matching entries as newline-delimited JSON, with
// the same filter semantics as Query but no pagination.
func (s *Store) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, 0)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamCSV writes matching entries as CSV with a header row.
func (s *Store) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, 0)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "action", "actor", "run_id", "correlation_id", "summary"}); err != nil {
		return err
	}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		rec := []string{e.ID, e.Timestamp.Format(time.RFC3339Nano), string(e.Action), e.Actor, e.RunID, e.CorrelationID, e.Summary}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Purge deletes entries older than the cutoff and reports how many.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM audit_entries WHERE ts < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total number of persisted entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

func (s *Store) buildQuery(f Filter, limit int) (string, []any, error) {
	query := `SELECT id, ts, action, actor, run_id, correlation_id, summary, detail
		FROM audit_entries WHERE 1=1`
	var args []any

	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Cursor != "" {
		var cursorTS string
		err := s.db.QueryRow(s.rebind(`SELECT ts FROM audit_entries WHERE id = ?`), f.Cursor).Scan(&cursorTS)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			query += " AND 1=0"
		case err != nil:
			return "", nil, fmt.Errorf("resolve cursor: %w", err)
		default:
			query += " AND (ts < ? OR (ts = ? AND id < ?))"
			args = append(args, cursorTS, cursorTS, f.Cursor)
		}
	}

	query += " ORDER BY ts DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.rebind(query), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var ts, detail string
	if err := sc.Scan(&e.ID, &ts, &e.Action, &e.Actor, &e.RunID, &e.CorrelationID, &e.Summary, &detail); err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if detail != "" && detail != "null" {
		_ = json.Unmarshal([]byte(detail), &e.Detail)
	}
	return e, nil
}
