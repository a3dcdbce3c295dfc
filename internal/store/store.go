// Package store persists the orchestrator's canonical state: flowchart
// definitions and per-run snapshots, runs and their node records, node
// artifacts, the realtime event outbox, and settings. Every state
// transition that emits events writes the events to the outbox inside
// the same transaction.
//
// Three drivers are supported behind database/sql: sqlite (default,
// CGO-free), postgres, and mysql. A small dialect shim owns the
// differences (placeholders, row locking, DDL types).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Database drivers — register with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded transition matched no rows,
	// meaning the entity was not in an allowed prior state.
	ErrConflict = errors.New("state conflict")
)

// RunStatus is the lifecycle state of one FlowchartRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStopped, RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one FlowchartRunNode.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeCanceled  NodeStatus = "canceled"
)

// Terminal reports whether the status ends the node.
func (s NodeStatus) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeCanceled
}

// DispatchStatus tracks the dispatch state machine of one node record.
// Transitions are monotonic in declared order and never reversed.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "dispatch_pending"
	DispatchSubmitted DispatchStatus = "dispatch_submitted"
	DispatchConfirmed DispatchStatus = "dispatch_confirmed"
	DispatchFailed    DispatchStatus = "dispatch_failed"
)

// AdapterMode records how instructions were materialized for a node.
type AdapterMode string

const (
	AdapterNative   AdapterMode = "native"
	AdapterFallback AdapterMode = "fallback"
)

// Store wraps the relational database.
type Store struct {
	db *sql.DB
	d  dialect
}

// Open connects, applies driver pragmas, and creates missing tables.
// Supported drivers: "sqlite", "postgres", "mysql".
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if d.name == driverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
		// modernc sqlite serializes writers; a single pooled conn avoids
		// spurious SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, d: d}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for collaborating stores that share
// the database (the audit trail lives in the same schema).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Rebind converts ? placeholders to the active driver's form.
func (s *Store) Rebind(query string) string {
	return s.d.rebind(query)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConflict reports whether err means a guarded transition was refused.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func (s *Store) createSchema() error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil || ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullableStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation matches unique-constraint errors across the three
// supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value violates unique") || // postgres
		strings.Contains(msg, "Duplicate entry") // mysql
}
