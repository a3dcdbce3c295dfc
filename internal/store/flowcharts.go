package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// FlowchartRecord is a stored flowchart definition. The definition column
// holds the canonical JSON form; runs snapshot it at trigger time so later
// edits never change a running graph.
type FlowchartRecord struct {
	ID         string
	Name       string
	Definition []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveFlowchart inserts or replaces a flowchart definition.
func (s *Store) SaveFlowchart(id, name string, definition []byte) (*FlowchartRecord, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := FlowchartRecord{ID: id, Name: name, Definition: definition, CreatedAt: now, UpdatedAt: now}

	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE flowcharts SET name = ?, definition = ?, updated_at = ? WHERE id = ?`),
			name, string(definition), now.Format(time.RFC3339Nano), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(s.d.rebind(`INSERT INTO flowcharts (id, name, definition, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`),
			id, name, string(definition), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetFlowchart returns one stored definition by id.
func (s *Store) GetFlowchart(id string) (*FlowchartRecord, error) {
	row := s.db.QueryRow(s.d.rebind(`SELECT id, name, definition, created_at, updated_at FROM flowcharts WHERE id = ?`), id)
	rec, err := scanFlowchart(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListFlowcharts returns all stored definitions, newest first.
func (s *Store) ListFlowcharts() ([]FlowchartRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, definition, created_at, updated_at FROM flowcharts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]FlowchartRecord, 0)
	for rows.Next() {
		rec, err := scanFlowchart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteFlowchart removes a stored definition. Snapshots of past runs are
// untouched.
func (s *Store) DeleteFlowchart(id string) error {
	res, err := s.db.Exec(s.d.rebind(`DELETE FROM flowcharts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSnapshot returns the frozen definition a run executes against.
func (s *Store) GetSnapshot(snapshotID string) ([]byte, error) {
	var definition string
	err := s.db.QueryRow(s.d.rebind(`SELECT definition FROM flowchart_snapshots WHERE id = ?`), snapshotID).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(definition), nil
}

func scanFlowchart(sc scanner) (*FlowchartRecord, error) {
	var (
		rec        FlowchartRecord
		name       sql.NullString
		definition string
		createdAt  string
		updatedAt  string
	)
	if err := sc.Scan(&rec.ID, &name, &definition, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Definition = []byte(definition)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}
