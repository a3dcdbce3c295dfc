package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FlowchartRunNode is one node's execution record within a run. Dispatch
// columns advance monotonically: pending → submitted → confirmed, or into
// dispatch_failed from pending/submitted. provider_dispatch_id is set
// exactly once, at submission, and is globally unique.
type FlowchartRunNode struct {
	ID                      string
	RunID                   string
	NodeID                  string
	NodeType                string
	AttemptIndex            int
	Status                  NodeStatus
	DispatchStatus          DispatchStatus
	DispatchUncertain       bool
	ProviderDispatchID      string
	K8sJobName              string
	K8sPodName              string
	K8sTerminalReason       string
	WorkspaceIdentity       string
	SelectedProvider        string
	FinalProvider           string
	OutputState             json.RawMessage
	RoutingState            json.RawMessage
	Error                   json.RawMessage
	IntegrationWarnings     json.RawMessage
	InstructionManifestHash string
	InstructionAdapterMode  AdapterMode
	ResolvedAgentID         string
	ResolvedRoleID          string
	StartedAt               *time.Time
	FinishedAt              *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

const nodeColumns = `id, run_id, node_id, node_type, attempt_index, status, dispatch_status, dispatch_uncertain, provider_dispatch_id, k8s_job_name, k8s_pod_name, k8s_terminal_reason, workspace_identity, selected_provider, final_provider, output_state, routing_state, error, integration_warnings, instruction_manifest_hash, instruction_adapter_mode, resolved_agent_id, resolved_role_id, started_at, finished_at, created_at, updated_at`

// CreateRunNodes inserts activation records for a batch of nodes together
// with their staged events.
func (s *Store) CreateRunNodes(nodes []FlowchartRunNode, events []EventDraft) ([]FlowchartRunNode, error) {
	now := time.Now().UTC()
	out := make([]FlowchartRunNode, 0, len(nodes))

	err := s.withTx(func(tx *sql.Tx) error {
		for _, n := range nodes {
			if n.RunID == "" || n.NodeID == "" || n.NodeType == "" {
				return fmt.Errorf("run node requires run_id, node_id, node_type")
			}
			if n.ID == "" {
				n.ID = uuid.NewString()
			}
			if n.Status == "" {
				n.Status = NodeQueued
			}
			if n.DispatchStatus == "" {
				n.DispatchStatus = DispatchPending
			}
			if n.SelectedProvider == "" {
				n.SelectedProvider = "kubernetes"
			}
			if n.FinalProvider == "" {
				n.FinalProvider = n.SelectedProvider
			}
			n.CreatedAt = now
			n.UpdatedAt = now

			if _, err := tx.Exec(s.d.rebind(`INSERT INTO flowchart_run_nodes (`+nodeColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				n.ID, n.RunID, n.NodeID, n.NodeType, n.AttemptIndex,
				string(n.Status), string(n.DispatchStatus), boolToInt(n.DispatchUncertain),
				nullableStr(n.ProviderDispatchID), nullableStr(n.K8sJobName), nullableStr(n.K8sPodName), nullableStr(n.K8sTerminalReason),
				n.WorkspaceIdentity, n.SelectedProvider, n.FinalProvider,
				nullableRaw(n.OutputState), nullableRaw(n.RoutingState), nullableRaw(n.Error),
				nullableRaw(n.IntegrationWarnings),
				n.InstructionManifestHash, string(n.InstructionAdapterMode),
				n.ResolvedAgentID, n.ResolvedRoleID,
				nullableTime(n.StartedAt), nullableTime(n.FinishedAt),
				now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("node %s attempt %d already activated: %w", n.NodeID, n.AttemptIndex, ErrConflict)
				}
				return fmt.Errorf("insert run node %s: %w", n.NodeID, err)
			}
			out = append(out, n)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRunNode returns one node record by id.
func (s *Store) GetRunNode(id string) (*FlowchartRunNode, error) {
	row := s.db.QueryRow(s.d.rebind(`SELECT `+nodeColumns+` FROM flowchart_run_nodes WHERE id = ?`), id)
	n, err := scanRunNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

// GetNodeByDispatchKey returns the node record for (run, node, attempt).
// Idempotent submission resolves duplicates through this lookup.
func (s *Store) GetNodeByDispatchKey(runID, nodeID string, attemptIndex int) (*FlowchartRunNode, error) {
	row := s.db.QueryRow(s.d.rebind(`SELECT `+nodeColumns+` FROM flowchart_run_nodes
		WHERE run_id = ? AND node_id = ? AND attempt_index = ?`), runID, nodeID, attemptIndex)
	n, err := scanRunNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

// ListRunNodes returns all node records of a run in creation order.
func (s *Store) ListRunNodes(runID string) ([]FlowchartRunNode, error) {
	rows, err := s.db.Query(s.d.rebind(`SELECT `+nodeColumns+` FROM flowchart_run_nodes
		WHERE run_id = ? ORDER BY created_at ASC, node_id ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]FlowchartRunNode, 0)
	for rows.Next() {
		n, err := scanRunNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkDispatchSubmitted advances pending → submitted, records the dispatch
// id and job name, and moves the node to running. The guard refuses any
// other prior dispatch state with ErrConflict; a duplicate dispatch id
// surfaces as ErrConflict too, and callers reuse the existing record.
func (s *Store) MarkDispatchSubmitted(nodeRecordID, providerDispatchID, jobName string, events []EventDraft) (*FlowchartRunNode, error) {
	if providerDispatchID == "" {
		return nil, fmt.Errorf("provider_dispatch_id required for submission")
	}
	now := time.Now().UTC()
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE flowchart_run_nodes
			SET dispatch_status = ?, provider_dispatch_id = ?, k8s_job_name = ?, status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND dispatch_status = ?`),
			string(DispatchSubmitted), providerDispatchID, nullableStr(jobName), string(NodeRunning),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			nodeRecordID, string(DispatchPending))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("dispatch id %s already recorded: %w", providerDispatchID, ErrConflict)
			}
			return fmt.Errorf("mark submitted: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("node %s not dispatch_pending: %w", nodeRecordID, ErrConflict)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRunNode(nodeRecordID)
}

// MarkDispatchConfirmed advances submitted → confirmed after a valid
// startup marker, recording the pod that produced it.
func (s *Store) MarkDispatchConfirmed(nodeRecordID, podName string, events []EventDraft) (*FlowchartRunNode, error) {
	now := time.Now().UTC()
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE flowchart_run_nodes
			SET dispatch_status = ?, k8s_pod_name = ?, updated_at = ?
			WHERE id = ? AND dispatch_status = ?`),
			string(DispatchConfirmed), nullableStr(podName), now.Format(time.RFC3339Nano),
			nodeRecordID, string(DispatchSubmitted))
		if err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("node %s not dispatch_submitted: %w", nodeRecordID, ErrConflict)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRunNode(nodeRecordID)
}

// MarkDispatchFailed terminates the dispatch machine from pending or
// submitted. uncertain=true is the fail-closed path: the node is failed
// and never retried automatically.
func (s *Store) MarkDispatchFailed(nodeRecordID string, uncertain bool, terminalReason string, errEnvelope json.RawMessage, events []EventDraft) (*FlowchartRunNode, error) {
	now := time.Now().UTC()
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(s.d.rebind(`UPDATE flowchart_run_nodes
			SET dispatch_status = ?, dispatch_uncertain = ?, k8s_terminal_reason = ?, status = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND dispatch_status IN (?, ?)`),
			string(DispatchFailed), boolToInt(uncertain), nullableStr(terminalReason),
			string(NodeFailed), nullableRaw(errEnvelope),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
			nodeRecordID, string(DispatchPending), string(DispatchSubmitted))
		if err != nil {
			return fmt.Errorf("mark dispatch failed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("node %s not pending/submitted: %w", nodeRecordID, ErrConflict)
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRunNode(nodeRecordID)
}

// SetNodeIntegrationWarnings records the integration gaps detected while
// assembling the node's request. Warnings are advisory; the write does not
// touch the node's status columns.
func (s *Store) SetNodeIntegrationWarnings(nodeRecordID string, warnings []string) (*FlowchartRunNode, error) {
	if len(warnings) == 0 {
		return s.GetRunNode(nodeRecordID)
	}
	payload, err := json.Marshal(warnings)
	if err != nil {
		return nil, fmt.Errorf("encode integration warnings: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(s.d.rebind(`UPDATE flowchart_run_nodes
		SET integration_warnings = ?, updated_at = ?
		WHERE id = ?`),
		string(payload), now.Format(time.RFC3339Nano), nodeRecordID)
	if err != nil {
		return nil, fmt.Errorf("set integration warnings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRunNode(nodeRecordID)
}

// NodeFinalization is the terminal write for one node record.
type NodeFinalization struct {
	NodeRecordID      string
	Status            NodeStatus
	OutputState       json.RawMessage
	RoutingState      json.RawMessage
	Error             json.RawMessage
	K8sPodName        string
	K8sTerminalReason string
	FinalProvider     string
	Artifacts         []Artifact
}

// FinalizeNode writes a node's terminal state, its artifacts, and the
// staged events in one transaction. Only queued/running nodes finalize;
// a second finalization returns ErrConflict.
func (s *Store) FinalizeNode(fin NodeFinalization, events []EventDraft) (*FlowchartRunNode, error) {
	if !fin.Status.Terminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %q", fin.Status)
	}
	now := time.Now().UTC()
	err := s.withTx(func(tx *sql.Tx) error {
		set := `status = ?, output_state = ?, routing_state = ?, error = ?, finished_at = ?, updated_at = ?`
		args := []any{
			string(fin.Status),
			nullableRaw(fin.OutputState),
			nullableRaw(fin.RoutingState),
			nullableRaw(fin.Error),
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		}
		if fin.K8sPodName != "" {
			set += ", k8s_pod_name = ?"
			args = append(args, fin.K8sPodName)
		}
		if fin.K8sTerminalReason != "" {
			set += ", k8s_terminal_reason = ?"
			args = append(args, fin.K8sTerminalReason)
		}
		if fin.FinalProvider != "" {
			set += ", final_provider = ?"
			args = append(args, fin.FinalProvider)
		}
		args = append(args, fin.NodeRecordID, string(NodeQueued), string(NodeRunning))

		res, err := tx.Exec(s.d.rebind(`UPDATE flowchart_run_nodes SET `+set+` WHERE id = ? AND status IN (?, ?)`), args...)
		if err != nil {
			return fmt.Errorf("finalize node: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("node %s already terminal: %w", fin.NodeRecordID, ErrConflict)
		}

		for _, a := range fin.Artifacts {
			a.RunNodeID = fin.NodeRecordID
			if err := s.insertArtifactTx(tx, now, a); err != nil {
				return err
			}
		}
		return s.stageEventsTx(tx, now, events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetRunNode(fin.NodeRecordID)
}

func nullableRaw(v json.RawMessage) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

func scanRunNode(sc scanner) (*FlowchartRunNode, error) {
	var (
		n                 FlowchartRunNode
		status            string
		dispatchStatus    string
		uncertain         int
		dispatchID        sql.NullString
		jobName           sql.NullString
		podName           sql.NullString
		terminalReason    sql.NullString
		outputState       sql.NullString
		routingState      sql.NullString
		errEnvelope       sql.NullString
		integrationWarns  sql.NullString
		adapterMode       string
		startedAt         sql.NullString
		finishedAt        sql.NullString
		createdAt         string
		updatedAt         string
	)
	if err := sc.Scan(&n.ID, &n.RunID, &n.NodeID, &n.NodeType, &n.AttemptIndex,
		&status, &dispatchStatus, &uncertain, &dispatchID, &jobName, &podName, &terminalReason,
		&n.WorkspaceIdentity, &n.SelectedProvider, &n.FinalProvider,
		&outputState, &routingState, &errEnvelope, &integrationWarns,
		&n.InstructionManifestHash, &adapterMode, &n.ResolvedAgentID, &n.ResolvedRoleID,
		&startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	n.DispatchStatus = DispatchStatus(dispatchStatus)
	n.DispatchUncertain = uncertain != 0
	n.ProviderDispatchID = dispatchID.String
	n.K8sJobName = jobName.String
	n.K8sPodName = podName.String
	n.K8sTerminalReason = terminalReason.String
	if outputState.Valid {
		n.OutputState = json.RawMessage(outputState.String)
	}
	if routingState.Valid {
		n.RoutingState = json.RawMessage(routingState.String)
	}
	if errEnvelope.Valid {
		n.Error = json.RawMessage(errEnvelope.String)
	}
	if integrationWarns.Valid {
		n.IntegrationWarnings = json.RawMessage(integrationWarns.String)
	}
	n.InstructionAdapterMode = AdapterMode(adapterMode)
	n.StartedAt = parseTimePtr(startedAt)
	n.FinishedAt = parseTimePtr(finishedAt)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}
