package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/domains"
	"github.com/marcus-qen/llmctl/internal/provider"
)

func testRequest(t *testing.T, nodeType string, cfg map[string]any) *contract.ExecutionRequest {
	t.Helper()
	var raw json.RawMessage
	if cfg != nil {
		var err error
		raw, err = json.Marshal(cfg)
		if err != nil {
			t.Fatalf("marshal config: %v", err)
		}
	}
	return &contract.ExecutionRequest{
		ContractVersion:       contract.Version,
		ResultContractVersion: contract.ResultVersion,
		Provider:              contract.ProviderKubernetes,
		RequestID:             "req-1",
		ExecutionID:           "rn-1",
		NodeID:                "n1",
		NodeType:              nodeType,
		TimeoutSeconds:        30,
		EmitStartMarkers:      true,
		NodeExecution: contract.NodeExecution{
			Configuration:  raw,
			DefaultModelID: "test-model",
			SandboxPaths: contract.SandboxPaths{
				WorkspaceRoot: t.TempDir(),
			},
		},
	}
}

func newTestEngine(prov provider.Provider, opts Options) *Engine {
	return NewEngine(prov, domains.NewRegistry(nil), zap.NewNop(), opts)
}

func readWorkspaceFile(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	return string(data), err
}

func TestMainEmitsMarkerThenResult(t *testing.T) {
	eng := newTestEngine(provider.NewMockProviderSimple("all done"), Options{})
	req := testRequest(t, "task", nil)

	var out bytes.Buffer
	if err := eng.Main(context.Background(), &out, req); err != nil {
		t.Fatalf("Main: %v", err)
	}

	scanner := bufio.NewScanner(&out)
	if !scanner.Scan() {
		t.Fatal("no output lines")
	}
	first := scanner.Text()
	if !contract.IsStartupMarker(first) {
		t.Fatalf("first line is not a startup marker: %q", first)
	}

	var resultLine string
	for scanner.Scan() {
		if _, ok := contract.ParseResultLine(scanner.Text()); ok {
			resultLine = scanner.Text()
		}
	}
	if resultLine == "" {
		t.Fatal("no result line emitted")
	}
	payload, _ := contract.ParseResultLine(resultLine)
	res, err := contract.DecodeResult(payload)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != contract.StatusSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	var output map[string]any
	if err := json.Unmarshal(res.OutputState, &output); err != nil {
		t.Fatalf("unmarshal output_state: %v", err)
	}
	if output["content"] != "all done" {
		t.Fatalf("output content = %v", output["content"])
	}
}

func TestMainWithoutMarkerFlag(t *testing.T) {
	eng := newTestEngine(provider.NewMockProviderSimple("ok"), Options{})
	req := testRequest(t, "task", nil)
	req.EmitStartMarkers = false

	var out bytes.Buffer
	if err := eng.Main(context.Background(), &out, req); err != nil {
		t.Fatalf("Main: %v", err)
	}
	first := strings.SplitN(out.String(), "\n", 2)[0]
	if contract.IsStartupMarker(first) {
		t.Fatal("marker emitted despite emit_start_markers=false")
	}
	if _, ok := contract.ParseResultLine(first); !ok {
		t.Fatalf("first line is not the result: %q", first)
	}
}

func TestTaskLoopExecutesTools(t *testing.T) {
	prov := provider.NewMockProviderWithToolCalls([]provider.ToolCall{{
		ID:   "tc-1",
		Name: "workspace__write",
		Args: map[string]interface{}{
			"path":    "report.md",
			"content": "# findings\n",
		},
	}}, "wrote the report")

	eng := newTestEngine(prov, Options{})
	req := testRequest(t, "task", map[string]any{"prompt": "write a report"})

	res := eng.Execute(context.Background(), req)
	if res.Status != contract.StatusSuccess {
		t.Fatalf("status = %q, error = %v", res.Status, res.Error)
	}
	if prov.CallCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", prov.CallCount())
	}

	// The tool must have actually written the file.
	root := req.NodeExecution.SandboxPaths.WorkspaceRoot
	data, err := readWorkspaceFile(root, "report.md")
	if err != nil {
		t.Fatalf("read workspace file: %v", err)
	}
	if data != "# findings\n" {
		t.Fatalf("file content = %q", data)
	}

	iters, ok := res.ProviderMetadata["iterations"].(int)
	if !ok || iters != 2 {
		t.Fatalf("iterations metadata = %v", res.ProviderMetadata["iterations"])
	}
}

func TestTaskLoopUnknownToolFeedsErrorBack(t *testing.T) {
	prov := provider.NewMockProviderWithToolCalls([]provider.ToolCall{{
		ID:   "tc-1",
		Name: "no_such_tool",
		Args: map[string]interface{}{},
	}}, "recovered")

	eng := newTestEngine(prov, Options{})
	res := eng.Execute(context.Background(), testRequest(t, "task", nil))
	if res.Status != contract.StatusSuccess {
		t.Fatalf("status = %q, want success after recovery", res.Status)
	}

	calls := prov.Calls()
	last := calls[len(calls)-1]
	msg := last.Messages[len(last.Messages)-1]
	if len(msg.ToolResults) != 1 || !msg.ToolResults[0].IsError {
		t.Fatalf("expected one error tool result, got %+v", msg.ToolResults)
	}
}

func TestTaskLoopIterationCapFailsNode(t *testing.T) {
	// A model that never stops requesting tools must hit the cap.
	looping := &provider.CompletionResponse{
		ToolCalls:  []provider.ToolCall{{ID: "tc", Name: "workspace__list", Args: map[string]interface{}{}}},
		StopReason: "tool_use",
	}
	prov := provider.NewMockProvider(
		[]*provider.CompletionResponse{looping, looping, looping, looping},
		nil,
	)

	eng := newTestEngine(prov, Options{MaxIterations: 3})
	res := eng.Execute(context.Background(), testRequest(t, "task", nil))
	if res.Status != contract.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != contract.CodeExecution {
		t.Fatalf("error = %+v, want execution_error", res.Error)
	}
	if prov.CallCount() != 3 {
		t.Fatalf("provider calls = %d, want 3", prov.CallCount())
	}
}

func TestTaskLoopProviderFailure(t *testing.T) {
	prov := provider.NewMockProvider(nil, nil) // any call fails
	eng := newTestEngine(prov, Options{})
	res := eng.Execute(context.Background(), testRequest(t, "task", nil))
	if res.Status != contract.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != contract.CodeProvider {
		t.Fatalf("error = %+v, want provider_error", res.Error)
	}
}

func TestTaskWithoutModelRejected(t *testing.T) {
	eng := newTestEngine(provider.NewMockProviderSimple("x"), Options{})
	req := testRequest(t, "task", nil)
	req.NodeExecution.DefaultModelID = ""

	res := eng.Execute(context.Background(), req)
	if res.Error == nil || res.Error.Code != contract.CodeValidation {
		t.Fatalf("error = %+v, want validation_error", res.Error)
	}
}

func TestDecisionNodeRoutes(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	req := testRequest(t, "decision", map[string]any{
		"conditions": []map[string]any{
			{"connector_id": "edge_yes", "key": "outcome", "op": "equals", "value": "approve"},
			{"connector_id": "edge_no", "key": "outcome", "op": "equals", "value": "reject"},
		},
	})
	req.NodeExecution.InputContext = []contract.ContextSegment{
		{NodeID: "review", Content: json.RawMessage(`{"outcome":"approve"}`)},
	}

	res := eng.Execute(context.Background(), req)
	if res.Status != contract.StatusSuccess {
		t.Fatalf("status = %q, error = %v", res.Status, res.Error)
	}
	var routing struct {
		Matched []string `json:"matched_connector_ids"`
	}
	if err := json.Unmarshal(res.RoutingState, &routing); err != nil {
		t.Fatalf("unmarshal routing_state: %v", err)
	}
	if len(routing.Matched) != 1 || routing.Matched[0] != "edge_yes" {
		t.Fatalf("matched = %v, want [edge_yes]", routing.Matched)
	}
}

func TestDecisionWithoutConditionsRejected(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	res := eng.Execute(context.Background(), testRequest(t, "decision", nil))
	if res.Status != contract.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != contract.CodeValidation {
		t.Fatalf("error = %+v, want validation_error", res.Error)
	}
}

func TestMemoryNodeAppends(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	req := testRequest(t, "memory", map[string]any{
		"operation": "append",
		"params":    map[string]any{"key": "notes", "content": "remember this"},
	})

	res := eng.Execute(context.Background(), req)
	if res.Status != contract.StatusSuccess {
		t.Fatalf("status = %q, error = %v", res.Status, res.Error)
	}
	var inv domains.Invocation
	if err := json.Unmarshal(res.OutputState, &inv); err != nil {
		t.Fatalf("unmarshal output_state: %v", err)
	}
	if inv.Trace.Domain != "memory" || inv.Trace.Operation != "append" {
		t.Fatalf("trace = %+v", inv.Trace)
	}
}

func TestDomainNodeWithoutOperationRejected(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	res := eng.Execute(context.Background(), testRequest(t, "plan", map[string]any{"params": map[string]any{}}))
	if res.Error == nil || res.Error.Code != contract.CodeValidation {
		t.Fatalf("error = %+v, want validation_error", res.Error)
	}
}

func TestUnsupportedNodeType(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	res := eng.Execute(context.Background(), testRequest(t, "teleport", nil))
	if res.Error == nil || res.Error.Code != contract.CodeValidation {
		t.Fatalf("error = %+v, want validation_error", res.Error)
	}
}

func TestToolDefinitionsHideInternalOps(t *testing.T) {
	eng := newTestEngine(nil, Options{})
	defs := eng.toolDefinitions()
	if len(defs) == 0 {
		t.Fatal("no tool definitions")
	}
	for _, d := range defs {
		if strings.Contains(d.Name, ".") {
			t.Errorf("tool name %q contains a dot", d.Name)
		}
		if d.Name == "decision__evaluate" || strings.HasPrefix(d.Name, "rag__full") {
			t.Errorf("internal operation %q exposed to the model", d.Name)
		}
	}
	domain, op, ok := splitToolName("command__background_job_start")
	if !ok || domain != "command" || op != "background_job_start" {
		t.Fatalf("splitToolName = %q %q %v", domain, op, ok)
	}
}
