package domains

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/flowchart"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	return &Context{
		WorkspaceRoot: t.TempDir(),
		ExecutionID:   "exec-1",
		RequestID:     "req-1",
		CorrelationID: "corr-1",
	}
}

func invoke(t *testing.T, r *Registry, tc *Context, domain, op string, params any) (*Invocation, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return r.Invoke(context.Background(), tc, domain, op, raw)
}

func mustInvoke(t *testing.T, r *Registry, tc *Context, domain, op string, params any) *Invocation {
	t.Helper()
	inv, err := invoke(t, r, tc, domain, op, params)
	if err != nil {
		t.Fatalf("%s.%s: %v", domain, op, err)
	}
	return inv
}

func TestInvokeUnknownOperation(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	inv, err := r.Invoke(context.Background(), tc, "nope", "op", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeValidation {
		t.Fatalf("error = %v, want validation envelope", err)
	}
	if inv.Trace.Status != StatusError {
		t.Fatalf("trace status = %s", inv.Trace.Status)
	}
}

func TestWorkspaceWriteReadList(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)

	inv := mustInvoke(t, r, tc, "workspace", "write", writeParams{Path: "docs/note.md", Content: "hello\n"})
	if inv.Trace.Counts["bytes_written"] != 6 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}
	if inv.Trace.RequestID != "req-1" || inv.Trace.CorrelationID != "corr-1" {
		t.Fatalf("trace identifiers not propagated: %+v", inv.Trace)
	}

	inv = mustInvoke(t, r, tc, "workspace", "read", readParams{Path: "docs/note.md"})
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(inv.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.Content != "hello\n" {
		t.Fatalf("content = %q", out.Content)
	}

	inv = mustInvoke(t, r, tc, "workspace", "list", listParams{Path: ".", Recursive: true})
	var listing struct {
		Entries []listEntry `json:"entries"`
	}
	if err := json.Unmarshal(inv.Output, &listing); err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, e := range listing.Entries {
		paths = append(paths, e.Path)
	}
	if len(paths) != 2 || paths[0] != "docs" || paths[1] != "docs/note.md" {
		t.Fatalf("listing = %v", paths)
	}
}

func TestWorkspaceConfinement(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	for _, path := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		_, err := invoke(t, r, tc, "workspace", "read", readParams{Path: path})
		env, ok := err.(*contract.ErrorEnvelope)
		if !ok || env.Code != contract.CodeValidation {
			t.Errorf("read %q: err = %v, want validation_error", path, err)
		}
	}
}

func TestWorkspaceWriteCreateRefusesOverwrite(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "workspace", "write", writeParams{Path: "a.txt", Content: "x"})
	_, err := invoke(t, r, tc, "workspace", "write", writeParams{Path: "a.txt", Content: "y", Mode: "create"})
	if err == nil {
		t.Fatal("expected overwrite refusal")
	}
}

func TestWorkspaceApplyPatch(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "workspace", "write", writeParams{Path: "main.txt", Content: "one\ntwo\nthree\n"})

	patch := strings.Join([]string{
		"--- a/main.txt",
		"+++ b/main.txt",
		"@@ -1,3 +1,3 @@",
		" one",
		"-two",
		"+TWO",
		" three",
		"",
	}, "\n")
	inv := mustInvoke(t, r, tc, "workspace", "apply_patch", applyPatchParams{Patch: patch})
	if inv.Trace.Counts["files_patched"] != 1 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}
	data, err := os.ReadFile(filepath.Join(tc.WorkspaceRoot, "main.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one\nTWO\nthree\n" {
		t.Fatalf("patched = %q", data)
	}
}

func TestWorkspaceApplyPatchContextMismatch(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "workspace", "write", writeParams{Path: "main.txt", Content: "alpha\n"})

	patch := "--- a/main.txt\n+++ b/main.txt\n@@ -1,1 +1,1 @@\n-beta\n+gamma\n"
	_, err := invoke(t, r, tc, "workspace", "apply_patch", applyPatchParams{Patch: patch})
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeValidation {
		t.Fatalf("err = %v, want validation_error", err)
	}
	// Original must be untouched.
	data, _ := os.ReadFile(filepath.Join(tc.WorkspaceRoot, "main.txt"))
	if string(data) != "alpha\n" {
		t.Fatalf("file mutated on failed patch: %q", data)
	}
}

func TestWorkspaceApplyPatchNewFile(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	patch := "--- /dev/null\n+++ b/created.txt\n@@ -0,0 +1,2 @@\n+first\n+second\n"
	mustInvoke(t, r, tc, "workspace", "apply_patch", applyPatchParams{Patch: patch})
	data, err := os.ReadFile(filepath.Join(tc.WorkspaceRoot, "created.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("created = %q", data)
	}
}

func TestWorkspaceRenameAndChmod(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "workspace", "write", writeParams{Path: "old.txt", Content: "x"})
	mustInvoke(t, r, tc, "workspace", "rename", renameParams{From: "old.txt", To: "sub/new.txt"})
	if _, err := os.Stat(filepath.Join(tc.WorkspaceRoot, "sub", "new.txt")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}

	mustInvoke(t, r, tc, "workspace", "chmod", chmodParams{Path: "sub/new.txt", Mode: 0o755})
	info, err := os.Stat(filepath.Join(tc.WorkspaceRoot, "sub", "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %o", info.Mode().Perm())
	}
}

func TestCommandRun(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	inv := mustInvoke(t, r, tc, "command", "run", runParams{Command: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	var out struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	if err := json.Unmarshal(inv.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 0 || out.Stdout != "out\n" || out.Stderr != "err\n" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCommandRunNonzeroExit(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	inv := mustInvoke(t, r, tc, "command", "run", runParams{Command: "sh", Args: []string{"-c", "exit 3"}})
	var out struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal(inv.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 3 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
}

func TestCommandOutputCap(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	tc.Limits.MaxOutputBytes = 64
	inv := mustInvoke(t, r, tc, "command", "run", runParams{Command: "sh", Args: []string{"-c", "yes x | head -c 4096"}})
	if inv.Trace.Status != StatusWarning {
		t.Fatalf("status = %s, want warning for truncated output", inv.Trace.Status)
	}
	var out struct {
		Stdout string `json:"stdout"`
	}
	if err := json.Unmarshal(inv.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Stdout) != 64 {
		t.Fatalf("stdout len = %d", len(out.Stdout))
	}
}

func TestBackgroundJobLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	inv := mustInvoke(t, r, tc, "command", "background_job_start", backgroundParams{Command: "sh", Args: []string{"-c", "echo done"}})
	var started struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(inv.Output, &started); err != nil {
		t.Fatal(err)
	}
	inv = mustInvoke(t, r, tc, "command", "background_job_collect", backgroundParams{JobID: started.JobID})
	var collected struct {
		ExitCode int    `json:"exit_code"`
		Output   string `json:"output"`
	}
	if err := json.Unmarshal(inv.Output, &collected); err != nil {
		t.Fatal(err)
	}
	if collected.ExitCode != 0 || collected.Output != "done\n" {
		t.Fatalf("collected = %+v", collected)
	}
	// Collected jobs are forgotten.
	if _, err := invoke(t, r, tc, "command", "background_job_status", backgroundParams{JobID: started.JobID}); err == nil {
		t.Fatal("expected unknown job after collect")
	}
}

func TestBackgroundCollectSignalKilledJob(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	inv := mustInvoke(t, r, tc, "command", "background_job_start", backgroundParams{Command: "sh", Args: []string{"-c", "kill -KILL $$"}})
	var started struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(inv.Output, &started); err != nil {
		t.Fatal(err)
	}
	inv = mustInvoke(t, r, tc, "command", "background_job_collect", backgroundParams{JobID: started.JobID})
	var collected struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal(inv.Output, &collected); err != nil {
		t.Fatal(err)
	}
	if collected.ExitCode == 0 {
		t.Fatal("signal-killed job must not collect as a clean exit")
	}
}

func TestBackgroundCollectSurfacesWaitError(t *testing.T) {
	cd := &commandDomain{
		sessions: map[string]*shellSession{},
		jobs:     map[string]*backgroundJob{},
	}
	done := make(chan struct{})
	close(done)
	cd.jobs["j1"] = &backgroundJob{
		output: newCappedBuffer(1024),
		done:   done,
		err:    errors.New("waitid: no child processes"),
	}

	params, err := json.Marshal(backgroundParams{JobID: "j1"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := cd.backgroundCollect(context.Background(), nil, params)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	out, ok := res.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %+v", res.Output)
	}
	msg, ok := out["error"].(string)
	if !ok || !strings.Contains(msg, "no child processes") {
		t.Fatalf("output = %+v, want wait error surfaced", out)
	}
}

func TestGitPushRequiresIntegration(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	_, err := invoke(t, r, tc, "git", "push", gitParams{Branch: "main"})
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeProvider {
		t.Fatalf("err = %v, want provider_error", err)
	}
}

func TestMemoryAppendAndUpdate(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)

	mustInvoke(t, r, tc, "memory", "append", memoryAppendParams{Entries: []memoryEntry{
		{Key: "Project Goal", Content: "ship it"},
		{Key: "deadline", Content: "friday"},
	}})

	// Update by normalized key, one hit and one miss.
	inv := mustInvoke(t, r, tc, "memory", "update", memoryUpdateParams{Updates: []memoryEntry{
		{Key: "  project   goal ", Content: "ship it well"},
		{Key: "missing", Content: "x"},
	}})
	if inv.Trace.Counts["updated"] != 1 || inv.Trace.Counts["skipped_missing"] != 1 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}
	if inv.Trace.Status != StatusWarning {
		t.Fatalf("status = %s", inv.Trace.Status)
	}

	var doc memoryDoc
	if err := loadStateDoc(tc, "memory.json", &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Entries[0].Content != "ship it well" {
		t.Fatalf("entry not updated: %+v", doc.Entries[0])
	}
}

func TestMemoryUpdateAmbiguousKeyFails(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "memory", "append", memoryAppendParams{Entries: []memoryEntry{
		{Key: "note", Content: "a"},
		{Key: "NOTE", Content: "b"},
	}})
	_, err := invoke(t, r, tc, "memory", "update", memoryUpdateParams{Updates: []memoryEntry{
		{Key: "note", Content: "c"},
	}})
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeValidation {
		t.Fatalf("err = %v, want validation_error for ambiguous key", err)
	}
}

func TestPlanUpdateTaskByKey(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "plan", "append", planAppendParams{Stages: []planStage{
		{Key: "build", Tasks: []planTask{{Key: "compile"}, {Key: "test"}}},
	}})
	inv := mustInvoke(t, r, tc, "plan", "update", planUpdateParams{Updates: []planUpdate{
		{StageKey: "build", TaskKey: "test", Status: "done"},
	}})
	if inv.Trace.Counts["updated"] != 1 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}
	var doc planDoc
	if err := loadStateDoc(tc, "plan.json", &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Stages[0].Tasks[1].Status != "done" {
		t.Fatalf("task not updated: %+v", doc.Stages[0].Tasks)
	}
}

func TestMilestoneUpdateFields(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	mustInvoke(t, r, tc, "milestone", "append", milestoneAppendParams{Milestones: []milestone{
		{Key: "beta", Status: "planned", Priority: "p2", Health: "green"},
	}})
	mustInvoke(t, r, tc, "milestone", "update", milestoneUpdateParams{Updates: []milestone{
		{Key: "beta", Status: "active", Health: "yellow"},
	}})
	var doc milestoneDoc
	if err := loadStateDoc(tc, "milestones.json", &doc); err != nil {
		t.Fatal(err)
	}
	m := doc.Milestones[0]
	if m.Status != "active" || m.Health != "yellow" || m.Priority != "p2" {
		t.Fatalf("milestone = %+v", m)
	}
}

func TestDecisionEvaluate(t *testing.T) {
	conds := []flowchart.DecisionCondition{
		{ConnectorID: "edge_yes", Key: "result.outcome", Op: flowchart.OpEquals, Value: "pass"},
		{ConnectorID: "edge_no", Key: "result.outcome", Op: flowchart.OpEquals, Value: "fail"},
		{ConnectorID: "edge_big", Key: "result.score", Op: flowchart.OpGT, Value: 10},
		{ConnectorID: "edge_tag", Key: "result.tags", Op: flowchart.OpContains, Value: "urgent"},
		{ConnectorID: "edge_any", Key: "result.outcome", Op: flowchart.OpExists},
	}
	input := map[string]any{
		"result": map[string]any{
			"outcome": "pass",
			"score":   float64(12),
			"tags":    []any{"urgent", "infra"},
		},
	}
	matched, err := EvaluateConditions(conds, input)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"edge_yes", "edge_big", "edge_tag", "edge_any"}
	if len(matched) != len(want) {
		t.Fatalf("matched = %v, want %v", matched, want)
	}
	for i := range want {
		if matched[i] != want[i] {
			t.Fatalf("matched = %v, want %v", matched, want)
		}
	}
}

func TestDecisionEvaluateViaRegistry(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	input, _ := json.Marshal(map[string]any{"status": "ok"})
	inv := mustInvoke(t, r, tc, "decision", "evaluate", decisionParams{
		Conditions: []flowchart.DecisionCondition{
			{ConnectorID: "edge_ok", Key: "status", Op: flowchart.OpEquals, Value: "ok"},
		},
		Input: input,
	})
	var out struct {
		Matched []string `json:"matched_connector_ids"`
	}
	if err := json.Unmarshal(inv.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Matched) != 1 || out.Matched[0] != "edge_ok" {
		t.Fatalf("matched = %v", out.Matched)
	}
}

func TestDecisionRequiresConditions(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	_, err := invoke(t, r, tc, "decision", "evaluate", decisionParams{Input: json.RawMessage(`{}`)})
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeValidation {
		t.Fatalf("err = %v, want validation_error", err)
	}
}

type fakeRAG struct {
	queries []string
}

func (f *fakeRAG) FullIndex(_ context.Context, _ string) (int, error)  { return 42, nil }
func (f *fakeRAG) DeltaIndex(_ context.Context, _ string) (int, error) { return 3, nil }
func (f *fakeRAG) Query(_ context.Context, _, text string, topK int) ([]RAGHit, error) {
	f.queries = append(f.queries, text)
	return []RAGHit{{DocumentID: "d1", Chunk: "chunk", Score: 0.9}}, nil
}

func TestRAGOperations(t *testing.T) {
	svc := &fakeRAG{}
	r := NewRegistry(svc)
	tc := testContext(t)

	inv := mustInvoke(t, r, tc, "rag", "full_index", ragParams{Collection: "docs"})
	if inv.Trace.Counts["documents_indexed"] != 42 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}

	inv = mustInvoke(t, r, tc, "rag", "query", ragParams{Collection: "docs", Text: "how"})
	if inv.Trace.Counts["hits"] != 1 {
		t.Fatalf("counts = %v", inv.Trace.Counts)
	}
	if len(svc.queries) != 1 || svc.queries[0] != "how" {
		t.Fatalf("queries = %v", svc.queries)
	}
}

func TestRAGWithoutService(t *testing.T) {
	r := NewRegistry(nil)
	tc := testContext(t)
	_, err := invoke(t, r, tc, "rag", "query", ragParams{Collection: "docs", Text: "x"})
	env, ok := err.(*contract.ErrorEnvelope)
	if !ok || env.Code != contract.CodeProvider {
		t.Fatalf("err = %v, want provider_error", err)
	}
}
