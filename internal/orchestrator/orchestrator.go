// Package orchestrator coordinates flowchart run execution: it walks the
// activation frontier, dispatches activated nodes in parallel, applies
// edge routing, and owns every run/node state transition. One goroutine
// per run, single-writer, enforced by the tracker.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/dispatch"
	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/instructions"
	"github.com/marcus-qen/llmctl/internal/integrations"
	"github.com/marcus-qen/llmctl/internal/metrics"
	"github.com/marcus-qen/llmctl/internal/realtime"
	"github.com/marcus-qen/llmctl/internal/settings"
	"github.com/marcus-qen/llmctl/internal/store"
	"github.com/marcus-qen/llmctl/internal/telemetry"
)

// ErrRunClaimed reports that another goroutine (or replica restart) owns
// the run.
var ErrRunClaimed = errors.New("run already claimed")

// Sandbox layout inside executor pods.
const (
	workspaceRoot = "/workspace"
)

// NodeDispatcher is the dispatch slice the orchestrator drives. The
// Kubernetes dispatcher satisfies it; tests substitute fakes.
type NodeDispatcher interface {
	Dispatch(ctx context.Context, node *store.FlowchartRunNode, req *contract.ExecutionRequest, settings store.NodeExecutorSettings) (*dispatch.Outcome, error)
	Cancel(ctx context.Context, namespace, jobName string, force bool) error
}

// InstructionSource resolves role and agent bodies for compilation.
// Sources are read-only during a run.
type InstructionSource interface {
	Role(id string) (body, version string, err error)
	Agent(id string) (body, version string, err error)
	Priorities() ([]instructions.Priority, error)
}

// StaticSource is a map-backed InstructionSource: what the CLI builds
// from a pulled instruction pack, and what tests use directly.
type StaticSource struct {
	Roles      map[string]string
	Agents     map[string]string
	Ordered    []instructions.Priority
	VersionTag string
}

func (s *StaticSource) Role(id string) (string, string, error) {
	body, ok := s.Roles[id]
	if !ok {
		return "", "", fmt.Errorf("unknown role %q", id)
	}
	return body, s.VersionTag, nil
}

func (s *StaticSource) Agent(id string) (string, string, error) {
	body, ok := s.Agents[id]
	if !ok {
		return "", "", fmt.Errorf("unknown agent %q", id)
	}
	return body, s.VersionTag, nil
}

func (s *StaticSource) Priorities() ([]instructions.Priority, error) {
	return s.Ordered, nil
}

// Config bounds one orchestrator instance.
type Config struct {
	// MaxParallelDispatch caps concurrent dispatches within one run.
	MaxParallelDispatch int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxParallelDispatch: 4}
}

// Orchestrator advances flowchart runs to their terminal state.
type Orchestrator struct {
	store        *store.Store
	dispatcher   NodeDispatcher
	settings     *settings.Provider
	integrations *integrations.Resolver
	source       InstructionSource
	adapters     *instructions.Registry
	logger       *zap.Logger
	cfg          Config
	tracker      *tracker
}

// New builds an orchestrator. source may be nil when no instruction pack
// is configured; nodes naming a role then fail validation.
func New(st *store.Store, d NodeDispatcher, sp *settings.Provider, ir *integrations.Resolver, source InstructionSource, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.MaxParallelDispatch <= 0 {
		cfg.MaxParallelDispatch = DefaultConfig().MaxParallelDispatch
	}
	return &Orchestrator{
		store:        st,
		dispatcher:   d,
		settings:     sp,
		integrations: ir,
		source:       source,
		adapters:     instructions.NewRegistry(),
		logger:       logger,
		cfg:          cfg,
		tracker:      newTracker(),
	}
}

// Stop requests run termination. Graceful blocks new activations and lets
// in-flight dispatches finish; force additionally cancels them.
func (o *Orchestrator) Stop(runID string, force bool) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunQueued:
		// Never started: cancel directly.
		_, err = o.store.TransitionRun(runID,
			[]store.RunStatus{store.RunQueued}, store.RunCanceled,
			[]store.EventDraft{realtime.RunDraft(realtime.EventRunCanceled, runID, nil)})
		return err
	case store.RunRunning:
		if _, err := o.store.TransitionRun(runID,
			[]store.RunStatus{store.RunRunning}, store.RunStopping,
			[]store.EventDraft{realtime.RunDraft(realtime.EventRunStopping, runID, map[string]any{"force": force})}); err != nil {
			return err
		}
	case store.RunStopping:
		// Escalation to force is allowed while stopping.
	default:
		return fmt.Errorf("run %s is %s", runID, run.Status)
	}
	if h := o.tracker.get(runID); h != nil {
		h.signalStop(force)
	}
	return nil
}

// Execute drives one run to a terminal status. It claims the run, resumes
// from whatever node records already exist, and releases the claim when
// done. Blocking; callers run it on its own goroutine.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (err error) {
	handle, ok := o.tracker.claim(runID)
	if !ok {
		return ErrRunClaimed
	}
	defer o.tracker.release(runID)

	log := o.logger.With(zap.String("run_id", runID))

	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	ctx, span := telemetry.StartRunSpan(ctx, runID, run.FlowchartID, run.TriggerKind)
	defer func() { telemetry.EndSpanError(span, err) }()

	metrics.RecordRunStart(run.TriggerKind)
	started := time.Now()
	defer func() {
		if final, gerr := o.store.GetRun(runID); gerr == nil && final.Status.Terminal() {
			metrics.RecordRunComplete(string(final.Status), time.Since(started))
		} else {
			// Interrupted mid-run (shutdown, claim loss): balance the
			// active gauge without counting a completion.
			metrics.ActiveRuns.Dec()
		}
	}()
	if run.Status == store.RunQueued {
		run, err = o.store.TransitionRun(runID,
			[]store.RunStatus{store.RunQueued}, store.RunRunning,
			[]store.EventDraft{realtime.RunDraft(realtime.EventRunStarted, runID, nil)})
		if err != nil {
			return err
		}
		log.Info("run started", zap.String("flowchart_id", run.FlowchartID))
	}

	snapshot, err := o.store.GetSnapshot(run.SnapshotID)
	if err != nil {
		return o.failRun(log, run, nil, fmt.Errorf("load snapshot: %w", err))
	}
	def, err := flowchart.ParseJSON(snapshot)
	if err != nil {
		return o.failRun(log, run, nil, fmt.Errorf("parse snapshot: %w", err))
	}
	fc, err := flowchart.Compile(def)
	if err != nil {
		return o.failRun(log, run, nil, fmt.Errorf("compile snapshot: %w", err))
	}

	snap := o.settings.Snapshot()

	state, err := o.loadState(runID)
	if err != nil {
		return err
	}

	// Force-stop context: cancelling it aborts in-flight dispatches.
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go func() {
		select {
		case <-handle.stopCh:
			handle.mu.Lock()
			force := handle.force
			handle.mu.Unlock()
			if force {
				cancelDispatch()
			}
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		current, err := o.store.GetRun(runID)
		if err != nil {
			return err
		}
		stopped, force := handle.stopRequested()
		if current.Status == store.RunStopping || stopped {
			return o.finishStopped(ctx, log, current, state, snap, force)
		}

		pending := pendingNodes(state)
		if len(pending) == 0 {
			created, err := o.activate(log, fc, run, state, snap)
			if err != nil {
				return o.failRun(log, run, state, err)
			}
			if created > 0 {
				continue
			}
			return o.finishTerminal(log, run, state)
		}

		if err := o.dispatchBatch(dispatchCtx, log, fc, run, state, snap, pending); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				// Force stop cancelled the batch; the loop head handles it.
				continue
			}
			return err
		}
		if rec := hardFailure(fc, state); rec != nil {
			return o.failRun(log, run, state, fmt.Errorf("node %s failed", rec.NodeID))
		}
	}
}

// loadState maps node id → its latest attempt record.
func (o *Orchestrator) loadState(runID string) (map[string]*store.FlowchartRunNode, error) {
	records, err := o.store.ListRunNodes(runID)
	if err != nil {
		return nil, err
	}
	state := make(map[string]*store.FlowchartRunNode, len(records))
	for i := range records {
		rec := &records[i]
		if prev, ok := state[rec.NodeID]; !ok || rec.AttemptIndex > prev.AttemptIndex {
			state[rec.NodeID] = rec
		}
	}
	return state, nil
}

func pendingNodes(state map[string]*store.FlowchartRunNode) []*store.FlowchartRunNode {
	var pending []*store.FlowchartRunNode
	for _, rec := range state {
		if rec.Status == store.NodeQueued && rec.DispatchStatus == store.DispatchPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].NodeID < pending[j].NodeID })
	return pending
}

// hardFailure returns a failed node that does not declare
// on_failure_continue, or nil.
func hardFailure(fc *flowchart.Flowchart, state map[string]*store.FlowchartRunNode) *store.FlowchartRunNode {
	for _, rec := range state {
		if rec.Status != store.NodeFailed {
			continue
		}
		node, ok := fc.Node(rec.NodeID)
		if !ok || !node.OnFailureContinue {
			return rec
		}
	}
	return nil
}

// activate creates records for every node whose trigger fan-in is
// satisfied. Returns the number of records created.
func (o *Orchestrator) activate(log *zap.Logger, fc *flowchart.Flowchart, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, snap store.NodeExecutorSettings) (int, error) {
	var batch []store.FlowchartRunNode
	var drafts []store.EventDraft

	for _, node := range fc.Nodes() {
		if node.Type == flowchart.NodeStart || node.Type == flowchart.NodeEnd {
			continue
		}
		if _, exists := state[node.ID]; exists {
			continue
		}
		if !o.gateSatisfied(fc, state, node.ID) {
			continue
		}

		rec := store.FlowchartRunNode{
			ID:                uuid.NewString(),
			RunID:             run.ID,
			NodeID:            node.ID,
			NodeType:          string(node.Type),
			WorkspaceIdentity: snap.WorkspaceIdentityKey,
			SelectedProvider:  contract.ProviderKubernetes,
		}
		if node.RoleID != "" {
			pkg, mode, err := o.compileInstructions(run, &node)
			if err != nil {
				return 0, fmt.Errorf("node %s: compile instructions: %w", node.ID, err)
			}
			rec.InstructionManifestHash = pkg.Manifest.PackageHash
			rec.InstructionAdapterMode = mode
			rec.ResolvedRoleID = node.RoleID
			rec.ResolvedAgentID = node.AgentID
		}
		batch = append(batch, rec)
		drafts = append(drafts, realtime.NodeDraft(realtime.EventNodeActivated, run.ID, rec.ID, map[string]any{
			"node_id":   node.ID,
			"node_type": node.Type,
		}))
	}
	if len(batch) == 0 {
		return 0, nil
	}

	created, err := o.store.CreateRunNodes(batch, drafts)
	if err != nil {
		return 0, fmt.Errorf("create run nodes: %w", err)
	}
	for i := range created {
		rec := &created[i]
		state[rec.NodeID] = rec
		log.Info("node activated", zap.String("node_id", rec.NodeID), zap.String("run_node_id", rec.ID))
	}
	return len(created), nil
}

// gateSatisfied applies the fan-in rule: every inbound trigger edge's
// source has succeeded, and where the source emitted routing state, the
// edge's route key is among the matched connectors.
func (o *Orchestrator) gateSatisfied(fc *flowchart.Flowchart, state map[string]*store.FlowchartRunNode, nodeID string) bool {
	gated := false
	for _, edge := range fc.InEdges(nodeID) {
		if !edge.RoutingMode.Triggers() {
			continue
		}
		gated = true
		pred, ok := fc.Node(edge.From)
		if !ok {
			return false
		}
		if pred.Type == flowchart.NodeStart {
			continue // the start node is implicitly satisfied
		}
		rec, exists := state[edge.From]
		if !exists || rec.Status != store.NodeSucceeded {
			return false
		}
		if !routeOpen(rec, edge) {
			return false
		}
	}
	// Nodes with no trigger edges at all join the initial frontier.
	return gated || len(fc.TriggerPredecessors(nodeID)) == 0
}

// routeOpen checks a predecessor's routing verdict against one edge.
// Predecessors without routing state open every edge.
func routeOpen(rec *store.FlowchartRunNode, edge flowchart.Edge) bool {
	if len(rec.RoutingState) == 0 || edge.RouteKey == "" {
		return true
	}
	var rs struct {
		Matched []string `json:"matched_connector_ids"`
	}
	if err := json.Unmarshal(rec.RoutingState, &rs); err != nil {
		return false
	}
	for _, id := range rs.Matched {
		if id == edge.RouteKey {
			return true
		}
	}
	return false
}

// hasRoutingVerdict reports whether routing state names the matched
// connectors. `{"matched_connector_ids": []}` counts; a missing key or
// unparseable state does not.
func hasRoutingVerdict(routing json.RawMessage) bool {
	if len(routing) == 0 {
		return false
	}
	var rs map[string]json.RawMessage
	if err := json.Unmarshal(routing, &rs); err != nil {
		return false
	}
	_, ok := rs["matched_connector_ids"]
	return ok
}

// dispatchBatch dispatches all pending nodes in parallel (bounded) and
// finalizes each outcome before returning.
func (o *Orchestrator) dispatchBatch(ctx context.Context, log *zap.Logger, fc *flowchart.Flowchart, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, snap store.NodeExecutorSettings, pending []*store.FlowchartRunNode) error {
	type nodeResult struct {
		rec *store.FlowchartRunNode
		out *dispatch.Outcome
		err error
	}

	results := make(chan nodeResult, len(pending))
	sem := make(chan struct{}, o.cfg.MaxParallelDispatch)
	var wg sync.WaitGroup

	for _, rec := range pending {
		req, err := o.buildRequest(fc, run, state, rec, snap)
		if err != nil {
			// Request assembly failures are validation failures of the node.
			if ferr := o.finalizeLocal(run, state, rec, store.NodeFailed,
				contract.NewError(contract.CodeValidation, "%v", err)); ferr != nil {
				return ferr
			}
			continue
		}
		wg.Add(1)
		go func(rec *store.FlowchartRunNode, req *contract.ExecutionRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out, err := o.dispatcher.Dispatch(ctx, rec, req, snap)
			results <- nodeResult{rec: rec, out: out, err: err}
		}(rec, req)
	}
	wg.Wait()
	close(results)

	for res := range results {
		switch {
		case errors.Is(res.err, dispatch.ErrAlreadySubmitted):
			// Another attempt holds the dispatch; adopt its record.
			if res.out != nil && res.out.Node != nil {
				state[res.rec.NodeID] = res.out.Node
			}
		case res.err != nil:
			return res.err
		default:
			if err := o.finalizeOutcome(log, fc, run, state, res.rec, res.out); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalizeOutcome persists one dispatch outcome: terminal node status,
// artifacts extracted from the output state, routing state, and events.
func (o *Orchestrator) finalizeOutcome(log *zap.Logger, fc *flowchart.Flowchart, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, rec *store.FlowchartRunNode, out *dispatch.Outcome) error {
	if out.NodeTerminal {
		// The dispatcher already wrote the terminal record (dispatch
		// failure paths).
		state[rec.NodeID] = out.Node
		metrics.RecordNodeComplete(rec.NodeType, string(out.Node.Status))
		return nil
	}
	result := out.Result

	status := store.NodeFailed
	eventType := realtime.EventNodeFailed
	switch result.Status {
	case contract.StatusSuccess:
		status, eventType = store.NodeSucceeded, realtime.EventNodeSucceeded
	case contract.StatusCancelled:
		status, eventType = store.NodeCanceled, realtime.EventNodeCanceled
	}

	var errEnvelope json.RawMessage
	if result.Error != nil {
		errEnvelope, _ = json.Marshal(result.Error)
	}

	// A decision node that succeeds must carry a routing verdict; without
	// one every outbound edge would open. An empty matched list is a
	// verdict, a missing one is a contract violation.
	if status == store.NodeSucceeded && rec.NodeType == string(flowchart.NodeDecision) && !hasRoutingVerdict(result.RoutingState) {
		status, eventType = store.NodeFailed, realtime.EventNodeFailed
		errEnvelope, _ = json.Marshal(contract.NewError(contract.CodeValidation,
			"decision node %s succeeded without a routing verdict", rec.NodeID))
	}

	recordID := out.Node.ID
	artifacts := extractArtifacts(result.OutputState)
	drafts := []store.EventDraft{
		realtime.NodeDraft(eventType, run.ID, recordID, map[string]any{
			"node_id": rec.NodeID,
			"status":  status,
		}),
	}
	for _, a := range artifacts {
		drafts = append(drafts, realtime.NodeDraft(realtime.EventArtifactPersisted, run.ID, recordID, map[string]any{
			"node_id":      rec.NodeID,
			"kind":         a.Kind,
			"content_hash": a.ContentHash,
		}))
	}

	updated, err := o.store.FinalizeNode(store.NodeFinalization{
		NodeRecordID:  recordID,
		Status:        status,
		OutputState:   result.OutputState,
		RoutingState:  result.RoutingState,
		Error:         errEnvelope,
		FinalProvider: contract.ProviderKubernetes,
		Artifacts:     artifacts,
	}, drafts)
	if err != nil {
		return fmt.Errorf("finalize node %s: %w", rec.NodeID, err)
	}
	state[rec.NodeID] = updated
	metrics.RecordNodeComplete(rec.NodeType, string(status))
	log.Info("node terminal",
		zap.String("node_id", rec.NodeID),
		zap.String("status", string(status)))
	return nil
}

// finalizeLocal terminates a node without any dispatch, e.g. request
// assembly failures and cancellations.
func (o *Orchestrator) finalizeLocal(run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, rec *store.FlowchartRunNode, status store.NodeStatus, env *contract.ErrorEnvelope) error {
	eventType := realtime.EventNodeFailed
	if status == store.NodeCanceled {
		eventType = realtime.EventNodeCanceled
	}
	envJSON, _ := json.Marshal(env)
	updated, err := o.store.FinalizeNode(store.NodeFinalization{
		NodeRecordID: rec.ID,
		Status:       status,
		Error:        envJSON,
	}, []store.EventDraft{
		realtime.NodeDraft(eventType, run.ID, rec.ID, map[string]any{
			"node_id": rec.NodeID,
			"status":  status,
		}),
	})
	if err != nil {
		if store.IsConflict(err) {
			return nil
		}
		return err
	}
	state[rec.NodeID] = updated
	metrics.RecordNodeComplete(rec.NodeType, string(status))
	return nil
}

// artifactPayload is the artifact list an executor may embed in its
// output state.
type artifactPayload struct {
	Artifacts []struct {
		Kind    store.ArtifactKind `json:"kind"`
		Payload json.RawMessage    `json:"payload"`
	} `json:"artifacts"`
}

func extractArtifacts(outputState json.RawMessage) []store.Artifact {
	if len(outputState) == 0 {
		return nil
	}
	var ap artifactPayload
	if err := json.Unmarshal(outputState, &ap); err != nil {
		return nil
	}
	var out []store.Artifact
	for _, a := range ap.Artifacts {
		if !a.Kind.Valid() || len(a.Payload) == 0 {
			continue
		}
		out = append(out, store.Artifact{
			Kind:          a.Kind,
			Payload:       a.Payload,
			ContentHash:   store.ContentHash(a.Payload),
			RetentionMode: store.RetainForever,
		})
	}
	return out
}

// finishTerminal closes a run whose frontier is exhausted: completed when
// every record succeeded, failed otherwise.
func (o *Orchestrator) finishTerminal(log *zap.Logger, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode) error {
	allSucceeded := true
	for _, rec := range state {
		if rec.Status != store.NodeSucceeded {
			allSucceeded = false
			break
		}
	}
	if allSucceeded {
		_, err := o.store.TransitionRun(run.ID,
			[]store.RunStatus{store.RunRunning}, store.RunCompleted,
			[]store.EventDraft{realtime.RunDraft(realtime.EventRunSucceeded, run.ID, nil)})
		if err != nil {
			return err
		}
		log.Info("run completed")
		return nil
	}
	return o.failRun(log, run, state, fmt.Errorf("one or more nodes did not succeed"))
}

// failRun cancels still-queued records and moves the run to failed.
func (o *Orchestrator) failRun(log *zap.Logger, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, cause error) error {
	o.cancelQueued(run, state)
	_, err := o.store.TransitionRun(run.ID,
		[]store.RunStatus{store.RunRunning, store.RunStopping}, store.RunFailed,
		[]store.EventDraft{realtime.RunDraft(realtime.EventRunFailed, run.ID, map[string]any{
			"reason": cause.Error(),
		})})
	if err != nil && !store.IsConflict(err) {
		return err
	}
	log.Warn("run failed", zap.Error(cause))
	return nil
}

// finishStopped completes a stop request: graceful leaves finished work
// in place and moves to stopped; force cancels in-flight Jobs first and
// moves to canceled.
func (o *Orchestrator) finishStopped(ctx context.Context, log *zap.Logger, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, snap store.NodeExecutorSettings, force bool) error {
	// Refresh records: in-flight dispatches may have written while the
	// stop propagated.
	fresh, err := o.loadState(run.ID)
	if err != nil {
		return err
	}
	for k, v := range fresh {
		state[k] = v
	}

	if force {
		for _, rec := range state {
			if rec.Status.Terminal() || rec.K8sJobName == "" {
				continue
			}
			if err := o.dispatcher.Cancel(ctx, snap.K8sNamespace, rec.K8sJobName, true); err != nil {
				log.Warn("cancel job", zap.String("job", rec.K8sJobName), zap.Error(err))
			}
			if err := o.finalizeLocal(run, state, rec, store.NodeCanceled,
				contract.NewError(contract.CodeCancelled, "run force-stopped")); err != nil {
				return err
			}
		}
	}
	o.cancelQueued(run, state)

	to, eventType := store.RunStopped, realtime.EventRunStopped
	if force {
		to, eventType = store.RunCanceled, realtime.EventRunCanceled
	}
	_, err = o.store.TransitionRun(run.ID,
		[]store.RunStatus{store.RunRunning, store.RunStopping}, to,
		[]store.EventDraft{realtime.RunDraft(eventType, run.ID, nil)})
	if err != nil && !store.IsConflict(err) {
		return err
	}
	log.Info("run stopped", zap.Bool("force", force))
	return nil
}

// cancelQueued terminates records that were activated but never dispatched.
func (o *Orchestrator) cancelQueued(run *store.FlowchartRun, state map[string]*store.FlowchartRunNode) {
	for _, rec := range state {
		if rec.Status != store.NodeQueued || rec.DispatchStatus != store.DispatchPending {
			continue
		}
		_ = o.finalizeLocal(run, state, rec, store.NodeCanceled,
			contract.NewError(contract.CodeCancelled, "run terminated before dispatch"))
	}
}
