package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/dispatch"
	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/integrations"
	"github.com/marcus-qen/llmctl/internal/settings"
	"github.com/marcus-qen/llmctl/internal/shared/ratelimit"
	"github.com/marcus-qen/llmctl/internal/store"
)

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.DefaultConfig())
}

// fakeDispatcher walks the real dispatch state machine against the store
// but skips Kubernetes, returning scripted results per node id.
type fakeDispatcher struct {
	store *store.Store

	mu         sync.Mutex
	results    map[string]*contract.ExecutionResult
	requests   map[string]*contract.ExecutionRequest
	dispatched []string
	canceled   []string
	// hold blocks the named node's dispatch until released.
	hold map[string]chan struct{}
}

func newFakeDispatcher(s *store.Store) *fakeDispatcher {
	return &fakeDispatcher{
		store:    s,
		results:  make(map[string]*contract.ExecutionResult),
		requests: make(map[string]*contract.ExecutionRequest),
		hold:     make(map[string]chan struct{}),
	}
}

func successResult(output string) *contract.ExecutionResult {
	return &contract.ExecutionResult{
		ContractVersion: contract.ResultVersion,
		Status:          contract.StatusSuccess,
		StartedAt:       "2026-08-26T10:00:00Z",
		FinishedAt:      "2026-08-26T10:00:10Z",
		OutputState:     json.RawMessage(output),
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, node *store.FlowchartRunNode, req *contract.ExecutionRequest, _ store.NodeExecutorSettings) (*dispatch.Outcome, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, node.NodeID)
	f.requests[node.NodeID] = req
	result := f.results[node.NodeID]
	gate := f.hold[node.NodeID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	jobName := fmt.Sprintf("llmctl-%s-a%d", node.ID, node.AttemptIndex)
	updated, err := f.store.MarkDispatchSubmitted(node.ID, "kubernetes:"+jobName, jobName, nil)
	if err != nil {
		return nil, err
	}
	updated, err = f.store.MarkDispatchConfirmed(updated.ID, jobName+"-pod", nil)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = successResult(fmt.Sprintf(`{"from":%q}`, node.NodeID))
	}
	return &dispatch.Outcome{Node: updated, Result: result}, nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, _, jobName string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobName)
	return nil
}

func (f *fakeDispatcher) dispatchedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, s *store.Store, d NodeDispatcher) *Orchestrator {
	t.Helper()
	sp, err := settings.NewProvider(s, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return New(s, d, sp, nil, nil, zap.NewNop(), DefaultConfig())
}

func createRun(t *testing.T, s *store.Store, def flowchart.Definition) *store.FlowchartRun {
	t.Helper()
	if _, err := flowchart.Compile(def); err != nil {
		t.Fatalf("definition invalid: %v", err)
	}
	snapshot, err := flowchart.EncodeJSON(def)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.CreateRun(store.FlowchartRun{
		FlowchartID: def.ID,
		TriggerKind: "api",
	}, snapshot, nil)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func linearDef() flowchart.Definition {
	return flowchart.Definition{
		ID: "fc-linear",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "a", Type: flowchart.NodeTask},
			{ID: "b", Type: flowchart.NodeTask},
			{ID: "end", Type: flowchart.NodeEnd},
		},
		Edges: []flowchart.Edge{
			{From: "start", To: "a", RoutingMode: flowchart.RouteTriggerAndContext},
			{From: "a", To: "b", RoutingMode: flowchart.RouteTriggerAndContext},
			{From: "b", To: "end", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
}

func runStatus(s *store.Store, runID string) func() store.RunStatus {
	return func() store.RunStatus {
		run, err := s.GetRun(runID)
		if err != nil {
			return ""
		}
		return run.Status
	}
}

func TestLinearRunCompletes(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCompleted))

	g.Expect(d.dispatchedNodes()).To(gomega.Equal([]string{"a", "b"}))

	nodes, err := s.ListRunNodes(run.ID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(nodes).To(gomega.HaveLen(2))
	for _, n := range nodes {
		g.Expect(n.Status).To(gomega.Equal(store.NodeSucceeded))
		g.Expect(n.DispatchStatus).To(gomega.Equal(store.DispatchConfirmed))
	}

	// b's input carries a's output in predecessor order.
	req := d.requests["b"]
	g.Expect(req).NotTo(gomega.BeNil())
	g.Expect(req.NodeExecution.InputContext).To(gomega.HaveLen(1))
	g.Expect(req.NodeExecution.InputContext[0].NodeID).To(gomega.Equal("a"))
	g.Expect(string(req.NodeExecution.InputContext[0].Content)).To(gomega.ContainSubstring(`"from":"a"`))
	g.Expect(req.EmitStartMarkers).To(gomega.BeTrue())
	g.Expect(req.NodeExecution.SandboxPaths.WorkspaceRoot).To(gomega.Equal("/workspace"))
}

func TestDecisionRoutingSelectsBranch(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)

	run := createRun(t, s, decisionDef(nil))

	result := successResult(`{"verdict":"yes"}`)
	result.RoutingState = json.RawMessage(`{"matched_connector_ids":["edge_yes"]}`)
	d.results["route"] = result

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCompleted))

	g.Expect(d.dispatchedNodes()).To(gomega.Equal([]string{"route", "yes"}))

	nodes, err := s.ListRunNodes(run.ID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	byNode := make(map[string]store.FlowchartRunNode, len(nodes))
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}
	g.Expect(byNode).To(gomega.HaveKey("yes"))
	g.Expect(byNode).NotTo(gomega.HaveKey("no"))
}

func decisionDef(conditions []flowchart.DecisionCondition) flowchart.Definition {
	return flowchart.Definition{
		ID: "fc-decision",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "route", Type: flowchart.NodeDecision, DecisionConditions: conditions},
			{ID: "yes", Type: flowchart.NodeTask},
			{ID: "no", Type: flowchart.NodeTask},
		},
		Edges: []flowchart.Edge{
			{From: "start", To: "route", RoutingMode: flowchart.RouteTriggerAndContext},
			{From: "route", To: "yes", RoutingMode: flowchart.RouteTriggerAndContext, RouteKey: "edge_yes"},
			{From: "route", To: "no", RoutingMode: flowchart.RouteTriggerAndContext, RouteKey: "edge_no"},
		},
	}
}

func TestCutoverRejectsDecisionWithoutConditions(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)

	def := decisionDef(nil)
	if _, err := flowchart.Compile(def); err != nil {
		t.Fatalf("definition invalid: %v", err)
	}
	snapshot, err := flowchart.EncodeJSON(def)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.CreateRun(store.FlowchartRun{
		FlowchartID:           def.ID,
		TriggerKind:           "api",
		RuntimeCutoverEnabled: true,
	}, snapshot, nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunFailed))

	// The decision node fails before any Job exists.
	g.Expect(d.dispatchedNodes()).To(gomega.BeEmpty())

	nodes, err := s.ListRunNodes(run.ID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(nodes).To(gomega.HaveLen(1))
	g.Expect(nodes[0].NodeID).To(gomega.Equal("route"))
	g.Expect(nodes[0].Status).To(gomega.Equal(store.NodeFailed))
	g.Expect(string(nodes[0].Error)).To(gomega.ContainSubstring("validation_error"))
	g.Expect(string(nodes[0].Error)).To(gomega.ContainSubstring("decision_conditions"))
}

func TestDecisionSuccessWithoutVerdictFailsNode(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, decisionDef(nil))

	// Success result with no routing state at all.
	d.results["route"] = successResult(`{"verdict":"yes"}`)

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunFailed))

	// Neither branch opens behind a verdict-less decision.
	g.Expect(d.dispatchedNodes()).To(gomega.Equal([]string{"route"}))

	nodes, err := s.ListRunNodes(run.ID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	byNode := make(map[string]store.FlowchartRunNode, len(nodes))
	for _, n := range nodes {
		byNode[n.NodeID] = n
	}
	g.Expect(byNode["route"].Status).To(gomega.Equal(store.NodeFailed))
	g.Expect(string(byNode["route"].Error)).To(gomega.ContainSubstring("routing verdict"))
	g.Expect(byNode).NotTo(gomega.HaveKey("yes"))
	g.Expect(byNode).NotTo(gomega.HaveKey("no"))
}

func TestHasRoutingVerdict(t *testing.T) {
	cases := []struct {
		name    string
		routing string
		want    bool
	}{
		{"missing", "", false},
		{"empty object", `{}`, false},
		{"empty matched list", `{"matched_connector_ids":[]}`, true},
		{"matched", `{"matched_connector_ids":["edge_yes"]}`, true},
		{"garbage", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasRoutingVerdict(json.RawMessage(tc.routing)); got != tc.want {
				t.Fatalf("hasRoutingVerdict(%q) = %v, want %v", tc.routing, got, tc.want)
			}
		})
	}
}

func TestHardFailureFailsRun(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	d.results["a"] = &contract.ExecutionResult{
		ContractVersion: contract.ResultVersion,
		Status:          contract.StatusFailed,
		StartedAt:       "2026-08-26T10:00:00Z",
		FinishedAt:      "2026-08-26T10:00:05Z",
		Error:           contract.NewError(contract.CodeExecution, "task blew up"),
	}

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunFailed))

	// b must never activate behind a failed trigger predecessor.
	g.Expect(d.dispatchedNodes()).To(gomega.Equal([]string{"a"}))

	nodes, _ := s.ListRunNodes(run.ID)
	g.Expect(nodes).To(gomega.HaveLen(1))
	g.Expect(nodes[0].Status).To(gomega.Equal(store.NodeFailed))
	g.Expect(string(nodes[0].Error)).To(gomega.ContainSubstring("execution_error"))
}

func TestOnFailureContinueRunsSiblingBranch(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)

	def := flowchart.Definition{
		ID: "fc-continue",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "flaky", Type: flowchart.NodeTask, OnFailureContinue: true},
			{ID: "steady", Type: flowchart.NodeTask},
			{ID: "after", Type: flowchart.NodeTask},
		},
		Edges: []flowchart.Edge{
			{From: "start", To: "flaky", RoutingMode: flowchart.RouteTriggerAndContext},
			{From: "start", To: "steady", RoutingMode: flowchart.RouteTriggerAndContext},
			{From: "steady", To: "after", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
	run := createRun(t, s, def)

	d.results["flaky"] = &contract.ExecutionResult{
		ContractVersion: contract.ResultVersion,
		Status:          contract.StatusFailed,
		StartedAt:       "2026-08-26T10:00:00Z",
		FinishedAt:      "2026-08-26T10:00:05Z",
		Error:           contract.NewError(contract.CodeExecution, "tolerated"),
	}

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	// The failure is deferred: the other branch runs to completion, then
	// the run closes failed because not every node succeeded.
	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunFailed))

	g.Expect(d.dispatchedNodes()).To(gomega.ContainElement("after"))
}

type unconfiguredCreds struct{}

func (unconfiguredCreds) Resolve(provider, key string) ([]byte, error) {
	return nil, fmt.Errorf("credential %s/%s not configured", provider, key)
}

func TestIntegrationGapsRecordedOnNode(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	sp, err := settings.NewProvider(s, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	o := New(s, d, sp, integrations.NewResolver(unconfiguredCreds{}), nil, zap.NewNop(), DefaultConfig())

	def := flowchart.Definition{
		ID: "fc-gap",
		Nodes: []flowchart.Node{
			{ID: "start", Type: flowchart.NodeStart},
			{ID: "a", Type: flowchart.NodeTask, MCPServerKeys: []string{"github"}},
		},
		Edges: []flowchart.Edge{
			{From: "start", To: "a", RoutingMode: flowchart.RouteTriggerAndContext},
		},
	}
	run := createRun(t, s, def)

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCompleted))

	// The gap does not fail the node, but it outlives the run on its record.
	nodes, err := s.ListRunNodes(run.ID)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(nodes).To(gomega.HaveLen(1))
	g.Expect(nodes[0].Status).To(gomega.Equal(store.NodeSucceeded))
	g.Expect(string(nodes[0].IntegrationWarnings)).To(gomega.ContainSubstring("github/token"))
}

func TestGracefulStopBlocksNewActivations(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	gate := make(chan struct{})
	d.hold["a"] = gate

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(func() []string { return d.dispatchedNodes() }, 5*time.Second, 20*time.Millisecond).
		Should(gomega.ContainElement("a"))

	g.Expect(o.Stop(run.ID, false)).To(gomega.Succeed())
	close(gate)

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunStopped))

	// a finished normally; b never activated.
	g.Expect(d.dispatchedNodes()).To(gomega.Equal([]string{"a"}))
	nodes, _ := s.ListRunNodes(run.ID)
	g.Expect(nodes).To(gomega.HaveLen(1))
	g.Expect(nodes[0].Status).To(gomega.Equal(store.NodeSucceeded))
}

func TestForceStopCancelsInFlight(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	d.hold["a"] = make(chan struct{}) // never released

	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(func() []string { return d.dispatchedNodes() }, 5*time.Second, 20*time.Millisecond).
		Should(gomega.ContainElement("a"))

	g.Expect(o.Stop(run.ID, true)).To(gomega.Succeed())

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCanceled))

	nodes, _ := s.ListRunNodes(run.ID)
	g.Expect(nodes).To(gomega.HaveLen(1))
	g.Expect(nodes[0].Status).To(gomega.Equal(store.NodeCanceled))
}

func TestStopQueuedRunCancelsDirectly(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	g.Expect(o.Stop(run.ID, false)).To(gomega.Succeed())
	g.Expect(runStatus(s, run.ID)()).To(gomega.Equal(store.RunCanceled))
}

func TestExecuteIsSingleWriter(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	gate := make(chan struct{})
	d.hold["a"] = gate
	go func() { _ = o.Execute(context.Background(), run.ID) }()

	g.Eventually(func() []string { return d.dispatchedNodes() }, 5*time.Second, 20*time.Millisecond).
		Should(gomega.ContainElement("a"))

	g.Expect(o.Execute(context.Background(), run.ID)).To(gomega.MatchError(ErrRunClaimed))
	close(gate)

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCompleted))
}

func TestSchedulerClaimsQueuedRun(t *testing.T) {
	g := gomega.NewWithT(t)
	s := openTestStore(t)
	d := newFakeDispatcher(s)
	o := newTestOrchestrator(t, s, d)
	run := createRun(t, s, linearDef())

	sched := NewScheduler(s, o, newTestLimiter(), zap.NewNop(), SchedulerConfig{
		TickInterval:      20 * time.Millisecond,
		MaxConcurrentRuns: 4,
		ClaimBatch:        8,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Start(ctx) }()

	g.Eventually(runStatus(s, run.ID), 5*time.Second, 20*time.Millisecond).
		Should(gomega.Equal(store.RunCompleted))
}
