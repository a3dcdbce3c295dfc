package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FlowchartRun is one execution instance of a flowchart snapshot. Runs are
// retained forever for audit; only status and timestamps ever change, and
// only through guarded transitions.
type FlowchartRun struct {
	ID                    string
	FlowchartID           string
	SnapshotID            string
	Status                RunStatus
	TriggerKind           string
	RequestID             string
	CorrelationID         string
	RuntimeCutoverEnabled bool
	StartedAt             *time.Time
	FinishedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RunQuery filters ListRuns.
type RunQuery struct {
	FlowchartID string
	Status      RunStatus
	Limit       int
}

const runColumns = `id, flowchart_id, snapshot_id, status, trigger_kind, request_id, correlation_id, runtime_cutover, started_at, finished_at, created_at, updated_at`

// CreateRun inserts a queued run together with its flowchart snapshot and
// staged events, all in one transaction. When a run with the same
// request_id already exists it is returned instead (idempotent trigger).
func (s *Store) CreateRun(run FlowchartRun, snapshotDefinition []byte, events []EventDraft) (*FlowchartRun, error) {
	if run.FlowchartID == "" {
		return nil, fmt.Errorf("flowchart_id required")
	}
	if len(snapshotDefinition) == 0 {
		return nil, fmt.Errorf("snapshot definition required")
	}

	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.SnapshotID == "" {
		run.SnapshotID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunQueued
	}
	run.CreatedAt = now
	run.UpdatedAt = now

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(s.d.rebind(`INSERT INTO flowchart_snapshots (id, flowchart_id, definition, created_at)
			VALUES (?, ?, ?, ?)`),
			run.SnapshotID, run.FlowchartID, string(snapshotDefinition), now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		if _, err := tx.Exec(s.d.rebind(`INSERT INTO flowchart_runs
			(`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			run.ID,
			run.FlowchartID,
			run.SnapshotID,
			string(run.Status),
			run.TriggerKind,
			nullableStr(run.RequestID),
			run.CorrelationID,
			boolToInt(run.RuntimeCutoverEnabled),
			nullableTime(run.StartedAt),
			nullableTime(run.FinishedAt),
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		if isUniqueViolation(err) && run.RequestID != "" {
			if existing, lookupErr := s.GetRunByRequestID(run.RequestID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	out := run
	return &out, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(id string) (*FlowchartRun, error) {
	row := s.db.QueryRow(s.d.rebind(`SELECT `+runColumns+` FROM flowchart_runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

// GetRunByRequestID returns the run created for a trigger request id.
func (s *Store) GetRunByRequestID(requestID string) (*FlowchartRun, error) {
	row := s.db.QueryRow(s.d.rebind(`SELECT `+runColumns+` FROM flowchart_runs WHERE request_id = ?`), requestID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs matching the query, newest first.
func (s *Store) ListRuns(q RunQuery) ([]FlowchartRun, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.FlowchartID != "" {
		clauses = append(clauses, "flowchart_id = ?")
		args = append(args, q.FlowchartID)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.d.rebind(`SELECT `+runColumns+` FROM flowchart_runs`+where+` ORDER BY created_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]FlowchartRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ListRunsByStatus returns run ids in a given status, oldest first. The
// scheduler uses this to claim queued work fairly.
func (s *Store) ListRunsByStatus(status RunStatus, limit int) ([]FlowchartRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(s.d.rebind(`SELECT `+runColumns+` FROM flowchart_runs WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]FlowchartRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// TransitionRun moves a run from one of the allowed prior statuses to the
// target status, staging events in the same transaction. ErrConflict is
// returned when the run was not in an allowed prior status.
func (s *Store) TransitionRun(runID string, from []RunStatus, to RunStatus, events []EventDraft) (*FlowchartRun, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition requires allowed prior statuses")
	}
	now := time.Now().UTC()

	set := "status = ?, updated_at = ?"
	args := []any{string(to), now.Format(time.RFC3339Nano)}
	if to == RunRunning {
		set += ", started_at = ?"
		args = append(args, now.Format(time.RFC3339Nano))
	}
	if to.Terminal() {
		set += ", finished_at = ?"
		args = append(args, now.Format(time.RFC3339Nano))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args = append(args, runID)
	for _, f := range from {
		args = append(args, string(f))
	}

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE flowchart_runs SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`), args...)
		if err != nil {
			return fmt.Errorf("transition run: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("run %s not in %v: %w", runID, from, ErrConflict)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRun(runID)
}

func scanRun(sc scanner) (*FlowchartRun, error) {
	var (
		run        FlowchartRun
		status     string
		requestID  sql.NullString
		cutover    int
		startedAt  sql.NullString
		finishedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := sc.Scan(&run.ID, &run.FlowchartID, &run.SnapshotID, &status,
		&run.TriggerKind, &requestID, &run.CorrelationID, &cutover,
		&startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.RequestID = requestID.String
	run.RuntimeCutoverEnabled = cutover != 0
	run.StartedAt = parseTimePtr(startedAt)
	run.FinishedAt = parseTimePtr(finishedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
