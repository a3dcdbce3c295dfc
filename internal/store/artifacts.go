package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactKind classifies a persisted node output.
type ArtifactKind string

const (
	ArtifactPlan           ArtifactKind = "plan"
	ArtifactMemory         ArtifactKind = "memory"
	ArtifactMilestone      ArtifactKind = "milestone"
	ArtifactDecision       ArtifactKind = "decision"
	ArtifactRagIndex       ArtifactKind = "rag_index"
	ArtifactRagQuery       ArtifactKind = "rag_query"
	ArtifactWorkspacePatch ArtifactKind = "workspace_patch"
	ArtifactGeneric        ArtifactKind = "generic"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactPlan, ArtifactMemory, ArtifactMilestone, ArtifactDecision,
		ArtifactRagIndex, ArtifactRagQuery, ArtifactWorkspacePatch, ArtifactGeneric:
		return true
	}
	return false
}

// RetentionMode selects how the sweeper prunes artifacts of one kind.
type RetentionMode string

const (
	// RetainForever keeps the artifact until explicit deletion.
	RetainForever RetentionMode = "forever"
	// RetainTTL expires the artifact retention_ttl_seconds after creation.
	RetainTTL RetentionMode = "ttl"
	// RetainMaxCount keeps the newest retention_max_count per node.
	RetainMaxCount RetentionMode = "max_count"
)

// Artifact is one typed persisted output of a node record.
type Artifact struct {
	ID                  string
	RunNodeID           string
	Kind                ArtifactKind
	Payload             json.RawMessage
	ContentHash         string
	RetentionMode       RetentionMode
	RetentionTTLSeconds *int
	RetentionMaxCount   *int
	CreatedAt           time.Time
}

// ContentHash computes the canonical hash of an artifact payload.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

const artifactColumns = `id, run_node_id, kind, payload, content_hash, retention_mode, retention_ttl_seconds, retention_max_count, created_at`

// insertArtifactTx writes one artifact inside an open transaction. Called
// by FinalizeNode so artifacts land with the node's terminal state.
func (s *Store) insertArtifactTx(tx *sql.Tx, now time.Time, a Artifact) error {
	if a.RunNodeID == "" {
		return fmt.Errorf("artifact requires run_node_id")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if a.ContentHash == "" {
		a.ContentHash = ContentHash(payload)
	}
	_, err := tx.Exec(s.d.rebind(`INSERT INTO flowchart_run_node_artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RunNodeID, string(a.Kind), string(payload), a.ContentHash,
		string(a.RetentionMode), nullableInt(a.RetentionTTLSeconds), nullableInt(a.RetentionMaxCount),
		now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.Kind, err)
	}
	return nil
}

// ListArtifacts returns a node record's artifacts, newest first.
func (s *Store) ListArtifacts(runNodeID string) ([]Artifact, error) {
	rows, err := s.db.Query(s.d.rebind(`SELECT `+artifactColumns+` FROM flowchart_run_node_artifacts
		WHERE run_node_id = ? ORDER BY created_at DESC, id ASC`), runNodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PruneExpiredArtifacts removes TTL-mode artifacts whose lifetime elapsed
// before now. The sweeper calls this on its schedule.
func (s *Store) PruneExpiredArtifacts(now time.Time) (int64, error) {
	// created_at + ttl < now, expressed on the text timestamp by comparing
	// against per-row cutoffs computed client-side in one pass.
	rows, err := s.db.Query(s.d.rebind(`SELECT id, retention_ttl_seconds, created_at
		FROM flowchart_run_node_artifacts
		WHERE retention_mode = ? AND retention_ttl_seconds IS NOT NULL`), string(RetainTTL))
	if err != nil {
		return 0, err
	}
	expired := make([]string, 0)
	for rows.Next() {
		var (
			id        string
			ttl       int64
			createdAt string
		)
		if err := rows.Scan(&id, &ttl, &createdAt); err != nil {
			rows.Close()
			return 0, err
		}
		if parseTime(createdAt).Add(time.Duration(ttl) * time.Second).Before(now) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var pruned int64
	for _, id := range expired {
		res, err := s.db.Exec(s.d.rebind(`DELETE FROM flowchart_run_node_artifacts WHERE id = ?`), id)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

// PruneArtifactOverflow enforces max_count retention: for each node with
// max_count-mode artifacts, only the newest N of each kind survive.
func (s *Store) PruneArtifactOverflow() (int64, error) {
	rows, err := s.db.Query(s.d.rebind(`SELECT id, run_node_id, kind, retention_max_count, created_at
		FROM flowchart_run_node_artifacts
		WHERE retention_mode = ? AND retention_max_count IS NOT NULL
		ORDER BY run_node_id, kind, created_at DESC`), string(RetainMaxCount))
	if err != nil {
		return 0, err
	}
	type group struct{ node, kind string }
	kept := make(map[group]int)
	overflow := make([]string, 0)
	for rows.Next() {
		var (
			id, node, kind string
			maxCount       int
			createdAt      string
		)
		if err := rows.Scan(&id, &node, &kind, &maxCount, &createdAt); err != nil {
			rows.Close()
			return 0, err
		}
		g := group{node, kind}
		kept[g]++
		if kept[g] > maxCount {
			overflow = append(overflow, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var pruned int64
	for _, id := range overflow {
		res, err := s.db.Exec(s.d.rebind(`DELETE FROM flowchart_run_node_artifacts WHERE id = ?`), id)
		if err != nil {
			return pruned, err
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

func scanArtifact(sc scanner) (*Artifact, error) {
	var (
		a         Artifact
		kind      string
		payload   string
		retMode   string
		ttl       sql.NullInt64
		maxCount  sql.NullInt64
		createdAt string
	)
	if err := sc.Scan(&a.ID, &a.RunNodeID, &kind, &payload, &a.ContentHash,
		&retMode, &ttl, &maxCount, &createdAt); err != nil {
		return nil, err
	}
	a.Kind = ArtifactKind(kind)
	a.Payload = json.RawMessage(payload)
	a.RetentionMode = RetentionMode(retMode)
	if ttl.Valid {
		v := int(ttl.Int64)
		a.RetentionTTLSeconds = &v
	}
	if maxCount.Valid {
		v := int(maxCount.Int64)
		a.RetentionMaxCount = &v
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
