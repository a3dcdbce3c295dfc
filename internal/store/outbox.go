package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventContractVersion is stamped on every staged envelope.
const EventContractVersion = "v1"

// EventDraft is what callers hand to a transition; the store stamps
// sequence, idempotency key, and emitted_at when it stages the row.
type EventDraft struct {
	EventType      string
	EntityKind     string
	EntityID       string
	SequenceStream string
	RoomKeys       []string
	Payload        json.RawMessage
}

// OutboxEvent is one staged (and possibly published) envelope.
type OutboxEvent struct {
	EventID         string
	IdempotencyKey  string
	SequenceStream  string
	Sequence        int64
	EventType       string
	EntityKind      string
	EntityID        string
	RoomKeys        []string
	Payload         json.RawMessage
	ContractVersion string
	EmittedAt       time.Time
	PublishedAt     *time.Time
}

// IdempotencyKey derives the deterministic dedup key for an envelope.
// Redelivery with the same key must be a no-op at subscribers.
func IdempotencyKey(eventType, entityID string, sequence int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", eventType, entityID, sequence)))
	return hex.EncodeToString(sum[:16])
}

// nextSequenceTx allocates the next sequence for a stream inside tx.
func (s *Store) nextSequenceTx(tx *sql.Tx, stream string) (int64, error) {
	var seq int64
	err := tx.QueryRow(s.d.rebind(`SELECT seq FROM outbox_sequences WHERE stream = ?`)+s.d.forUpdate(), stream).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(s.d.rebind(`INSERT INTO outbox_sequences (stream, seq) VALUES (?, 1)`), stream); err != nil {
			return 0, fmt.Errorf("init sequence %s: %w", stream, err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("read sequence %s: %w", stream, err)
	}
	seq++
	if _, err := tx.Exec(s.d.rebind(`UPDATE outbox_sequences SET seq = ? WHERE stream = ?`), seq, stream); err != nil {
		return 0, fmt.Errorf("advance sequence %s: %w", stream, err)
	}
	return seq, nil
}

// stageEventsTx stamps and inserts drafts into the outbox inside tx.
func (s *Store) stageEventsTx(tx *sql.Tx, now time.Time, drafts []EventDraft) error {
	for _, d := range drafts {
		if d.EventType == "" || d.SequenceStream == "" {
			return fmt.Errorf("event draft requires event_type and sequence_stream")
		}
		seq, err := s.nextSequenceTx(tx, d.SequenceStream)
		if err != nil {
			return err
		}
		rooms, err := json.Marshal(d.RoomKeys)
		if err != nil {
			return fmt.Errorf("encode room keys: %w", err)
		}
		payload := d.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		_, err = tx.Exec(s.d.rebind(`INSERT INTO event_outbox
			(id, idempotency_key, sequence_stream, sequence, event_type, entity_kind, entity_id, room_keys, payload, contract_version, emitted_at, published_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`),
			uuid.NewString(),
			IdempotencyKey(d.EventType, d.EntityID, seq),
			d.SequenceStream,
			seq,
			d.EventType,
			d.EntityKind,
			d.EntityID,
			string(rooms),
			string(payload),
			EventContractVersion,
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("stage event %s: %w", d.EventType, err)
		}
	}
	return nil
}

// UnpublishedEvents returns staged envelopes not yet handed to the broker,
// ordered per stream so the publisher preserves sequence order.
func (s *Store) UnpublishedEvents(limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(s.d.rebind(`SELECT id, idempotency_key, sequence_stream, sequence, event_type, entity_kind, entity_id, room_keys, payload, contract_version, emitted_at, published_at
		FROM event_outbox WHERE published_at IS NULL
		ORDER BY sequence_stream, sequence LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsOnStream returns published and unpublished envelopes on one stream
// with sequence strictly greater than afterSeq, in sequence order. Used for
// subscriber catch-up after reconnect.
func (s *Store) EventsOnStream(stream string, afterSeq int64, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(s.d.rebind(`SELECT id, idempotency_key, sequence_stream, sequence, event_type, entity_kind, entity_id, room_keys, payload, contract_version, emitted_at, published_at
		FROM event_outbox WHERE sequence_stream = ? AND sequence > ?
		ORDER BY sequence LIMIT ?`), stream, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkEventsPublished stamps published_at on the given event ids.
func (s *Store) MarkEventsPublished(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventIDs)), ", ")
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, now)
	for _, id := range eventIDs {
		args = append(args, id)
	}
	_, err := s.db.Exec(s.d.rebind(`UPDATE event_outbox SET published_at = ? WHERE id IN (`+placeholders+`)`), args...)
	return err
}

// PrunePublishedBefore removes published envelopes older than the cutoff.
func (s *Store) PrunePublishedBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(s.d.rebind(`DELETE FROM event_outbox WHERE published_at IS NOT NULL AND emitted_at < ?`),
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]OutboxEvent, error) {
	out := make([]OutboxEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanEvent(sc scanner) (*OutboxEvent, error) {
	var (
		ev          OutboxEvent
		rooms       string
		payload     string
		emittedAt   string
		publishedAt sql.NullString
	)
	if err := sc.Scan(&ev.EventID, &ev.IdempotencyKey, &ev.SequenceStream, &ev.Sequence,
		&ev.EventType, &ev.EntityKind, &ev.EntityID, &rooms, &payload,
		&ev.ContractVersion, &emittedAt, &publishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rooms), &ev.RoomKeys); err != nil {
		return nil, fmt.Errorf("decode room keys: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	ev.EmittedAt = parseTime(emittedAt)
	ev.PublishedAt = parseTimePtr(publishedAt)
	return &ev, nil
}
