package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/audit"
	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/store"
)

const maxBodyBytes = 4 << 20

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowchartID    string `json:"flowchart_id"`
		RequestID      string `json:"request_id"`
		CorrelationID  string `json:"correlation_id"`
		RuntimeCutover *bool  `json:"runtime_cutover_enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FlowchartID == "" {
		writeError(w, http.StatusBadRequest, "flowchart_id required")
		return
	}

	rec, err := s.store.GetFlowchart(req.FlowchartID)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "flowchart not found: "+req.FlowchartID)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	def, err := flowchart.ParseJSON(rec.Definition)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "stored definition invalid: "+err.Error())
		return
	}
	if _, err := flowchart.Compile(def); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "stored definition invalid: "+err.Error())
		return
	}
	snapshot, err := flowchart.EncodeJSON(def)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	draft := store.FlowchartRun{
		ID:            uuid.NewString(),
		FlowchartID:   rec.ID,
		TriggerKind:   "api",
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
	}
	if req.RuntimeCutover != nil {
		draft.RuntimeCutoverEnabled = *req.RuntimeCutover
	} else {
		draft.RuntimeCutoverEnabled = s.settings.Current().AgentRuntimeCutoverEnabled
	}

	run, err := s.store.CreateRun(draft, snapshot, []store.EventDraft{
		realtime.RunDraft(realtime.EventRunQueued, draft.ID, map[string]any{"flowchart_id": rec.ID}),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create run: "+err.Error())
		return
	}
	if run.ID != draft.ID {
		// Duplicate request id: the original run wins.
		writeJSON(w, http.StatusOK, runJSON(run))
		return
	}

	s.auditEmit(r, audit.ActionRunTriggered, run.ID, run.CorrelationID,
		"run triggered for flowchart "+rec.ID)
	writeJSON(w, http.StatusAccepted, runJSON(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := store.RunQuery{
		FlowchartID: r.URL.Query().Get("flowchart_id"),
		Status:      store.RunStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	runs, err := s.store.ListRuns(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for i := range runs {
		out = append(out, runJSON(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out, "total": len(out)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runJSON(run))
}

func (s *Server) handleListRunNodes(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(runID); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodes, err := s.store.ListRunNodes(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(nodes))
	for i := range nodes {
		out = append(out, nodeJSON(&nodes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out, "total": len(out)})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.stopper.Stop(runID, req.Force); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.auditEmit(r, audit.ActionRunStopped, runID, "",
		"stop requested (force="+strconv.FormatBool(req.Force)+")")
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "force": req.Force})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if _, err := s.store.GetRunNode(nodeID); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "run node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	artifacts, err := s.store.ListArtifacts(nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(artifacts))
	for i := range artifacts {
		out = append(out, artifactJSON(&artifacts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": out, "total": len(out)})
}

// handleApplyFlowchart upserts a flowchart definition. The body is YAML
// or JSON depending on Content-Type; either way it must compile before
// it is stored.
func (s *Server) handleApplyFlowchart(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var def flowchart.Definition
	if isYAMLContentType(r.Header.Get("Content-Type")) {
		def, err = flowchart.ParseYAML(body)
	} else {
		def, err = flowchart.ParseJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse definition: "+err.Error())
		return
	}
	if _, err := flowchart.Compile(def); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid definition: "+err.Error())
		return
	}

	canonical, err := flowchart.EncodeJSON(def)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rec, err := s.store.SaveFlowchart(def.ID, def.Name, canonical)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "save flowchart: "+err.Error())
		return
	}

	s.auditEmit(r, audit.ActionFlowchartApplied, "", "", "flowchart applied: "+rec.ID)
	writeJSON(w, http.StatusOK, flowchartJSON(rec, false))
}

func (s *Server) handleListFlowcharts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListFlowcharts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for i := range recs {
		out = append(out, flowchartJSON(&recs[i], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"flowcharts": out, "total": len(out)})
}

func (s *Server) handleGetFlowchart(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetFlowchart(r.PathValue("id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "flowchart not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flowchartJSON(rec, true))
}

func (s *Server) handleDeleteFlowchart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteFlowchart(id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "flowchart not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Current())
}

// handleUpdateSettings applies a partial update: absent fields keep
// their current values.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	probe := s.settings.Current()
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}

	next, err := s.settings.Update(func(cur *store.NodeExecutorSettings) {
		_ = json.Unmarshal(body, cur)
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.auditEmit(r, audit.ActionSettingsChanged, "", "", "node executor settings updated")
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		RunID:  q.Get("run_id"),
		Action: audit.Action(q.Get("action")),
		Cursor: q.Get("cursor"),
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC3339")
				return
			}
			*dst = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	switch q.Get("format") {
	case "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := s.audit.StreamJSONL(r.Context(), w, f); err != nil {
			s.logger.Warn("audit export failed", zap.Error(err))
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		if err := s.audit.StreamCSV(r.Context(), w, f); err != nil {
			s.logger.Warn("audit export failed", zap.Error(err))
		}
	case "":
		page, err := s.audit.Query(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, page)
	default:
		writeError(w, http.StatusBadRequest, "format must be jsonl or csv")
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime hub not configured")
		return
	}
	s.hub.HandleWS(w, r)
}

// auditEmit records an API action when the audit trail is configured.
func (s *Server) auditEmit(r *http.Request, action audit.Action, runID, correlationID, summary string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(r.Context(), audit.Entry{
		Action:        action,
		Actor:         "api",
		RunID:         runID,
		CorrelationID: correlationID,
		Summary:       summary,
	})
	if err != nil {
		s.logger.Warn("audit record failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func isYAMLContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.HasSuffix(mt, "yaml") || strings.HasSuffix(mt, "yml")
}

func runJSON(run *store.FlowchartRun) map[string]any {
	out := map[string]any{
		"id":                      run.ID,
		"flowchart_id":            run.FlowchartID,
		"snapshot_id":             run.SnapshotID,
		"status":                  string(run.Status),
		"trigger_kind":            run.TriggerKind,
		"runtime_cutover_enabled": run.RuntimeCutoverEnabled,
		"created_at":              run.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":              run.UpdatedAt.Format(time.RFC3339Nano),
	}
	if run.RequestID != "" {
		out["request_id"] = run.RequestID
	}
	if run.CorrelationID != "" {
		out["correlation_id"] = run.CorrelationID
	}
	if run.StartedAt != nil {
		out["started_at"] = run.StartedAt.Format(time.RFC3339Nano)
	}
	if run.FinishedAt != nil {
		out["finished_at"] = run.FinishedAt.Format(time.RFC3339Nano)
	}
	return out
}

func nodeJSON(n *store.FlowchartRunNode) map[string]any {
	out := map[string]any{
		"id":              n.ID,
		"run_id":          n.RunID,
		"node_id":         n.NodeID,
		"node_type":       n.NodeType,
		"attempt_index":   n.AttemptIndex,
		"status":          string(n.Status),
		"dispatch_status": string(n.DispatchStatus),
	}
	if n.DispatchUncertain {
		out["dispatch_uncertain"] = true
	}
	if n.K8sJobName != "" {
		out["k8s_job_name"] = n.K8sJobName
	}
	if n.K8sPodName != "" {
		out["k8s_pod_name"] = n.K8sPodName
	}
	if n.FinalProvider != "" {
		out["provider"] = n.FinalProvider
	}
	if len(n.OutputState) > 0 {
		out["output_state"] = json.RawMessage(n.OutputState)
	}
	if len(n.RoutingState) > 0 {
		out["routing_state"] = json.RawMessage(n.RoutingState)
	}
	if len(n.Error) > 0 {
		out["error"] = json.RawMessage(n.Error)
	}
	if len(n.IntegrationWarnings) > 0 {
		out["integration_warnings"] = json.RawMessage(n.IntegrationWarnings)
	}
	if n.InstructionManifestHash != "" {
		out["instruction_manifest_hash"] = n.InstructionManifestHash
	}
	if n.StartedAt != nil {
		out["started_at"] = n.StartedAt.Format(time.RFC3339Nano)
	}
	if n.FinishedAt != nil {
		out["finished_at"] = n.FinishedAt.Format(time.RFC3339Nano)
	}
	return out
}

func artifactJSON(a *store.Artifact) map[string]any {
	out := map[string]any{
		"id":             a.ID,
		"run_node_id":    a.RunNodeID,
		"kind":           string(a.Kind),
		"payload":        json.RawMessage(a.Payload),
		"content_hash":   a.ContentHash,
		"retention_mode": string(a.RetentionMode),
		"created_at":     a.CreatedAt.Format(time.RFC3339Nano),
	}
	if a.RetentionTTLSeconds != nil {
		out["retention_ttl_seconds"] = *a.RetentionTTLSeconds
	}
	if a.RetentionMaxCount != nil {
		out["retention_max_count"] = *a.RetentionMaxCount
	}
	return out
}

func flowchartJSON(rec *store.FlowchartRecord, includeDefinition bool) map[string]any {
	out := map[string]any{
		"id":         rec.ID,
		"name":       rec.Name,
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if includeDefinition {
		out["definition"] = json.RawMessage(rec.Definition)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
