package contract

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIsStartupMarker(t *testing.T) {
	cases := []struct {
		name string
		line string
		want bool
	}{
		{"literal", "LLMCTL_EXECUTOR_STARTED", true},
		{"literal with trailing newline", "LLMCTL_EXECUTOR_STARTED\n", true},
		{"literal with surrounding spaces", "  LLMCTL_EXECUTOR_STARTED  ", true},
		{"literal with suffix", "LLMCTL_EXECUTOR_STARTED extra", false},
		{"json form", `{"event":"executor_started","contract_version":"v1","ts":"2026-08-24T10:00:00Z"}`, true},
		{"json form without ts", `{"event":"executor_started","contract_version":"v1"}`, true},
		{"json wrong version", `{"event":"executor_started","contract_version":"v2","ts":"2026-08-24T10:00:00Z"}`, false},
		{"json wrong event", `{"event":"executor_stopped","contract_version":"v1"}`, false},
		{"malformed json", `{"event":"executor_started",`, false},
		{"plain log line", "loading model weights", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsStartupMarker(tc.line); got != tc.want {
				t.Errorf("IsStartupMarker(%q) = %v, want %v", tc.line, got, tc.want)
			}
		})
	}
}

func TestStartupMarkerJSONRoundTrip(t *testing.T) {
	line := StartupMarkerJSON("2026-08-24T10:00:00Z")
	if !IsStartupMarker(line) {
		t.Fatalf("generated marker not accepted: %s", line)
	}
}

func TestParseResultLine(t *testing.T) {
	payload := `{"contract_version":"v1"}`
	data, ok := ParseResultLine(ResultMarkerPrefix + payload)
	if !ok {
		t.Fatal("expected result line to parse")
	}
	if string(data) != payload {
		t.Errorf("payload = %q, want %q", data, payload)
	}

	if _, ok := ParseResultLine("some ordinary stdout"); ok {
		t.Error("ordinary line parsed as result")
	}
	if _, ok := ParseResultLine("prefix " + ResultMarkerPrefix + payload); ok {
		t.Error("mid-line marker should not parse")
	}
}

func validSuccessResult() *ExecutionResult {
	return &ExecutionResult{
		ContractVersion:  ResultVersion,
		Status:           StatusSuccess,
		ExitCode:         0,
		StartedAt:        "2026-08-24T10:00:00Z",
		FinishedAt:       "2026-08-24T10:00:05Z",
		Stdout:           "",
		Stderr:           "",
		Error:            nil,
		ProviderMetadata: map[string]any{"job": "a"},
		OutputState:      json.RawMessage(`{"x":1}`),
		RoutingState:     json.RawMessage(`{}`),
	}
}

func TestDecodeResultSuccess(t *testing.T) {
	raw, err := json.Marshal(validSuccessResult())
	if err != nil {
		t.Fatal(err)
	}
	res, err := DecodeResult(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("status = %q", res.Status)
	}
	if string(res.OutputState) != `{"x":1}` {
		t.Errorf("output_state = %s", res.OutputState)
	}
}

func TestDecodeResultRejectsSuccessWithError(t *testing.T) {
	res := validSuccessResult()
	res.Error = NewError(CodeExecution, "boom")
	raw, _ := json.Marshal(res)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatal("expected rejection of success result carrying an error")
	}
}

func TestDecodeResultRejectsFailureWithoutError(t *testing.T) {
	res := validSuccessResult()
	res.Status = StatusFailed
	res.Error = nil
	raw, _ := json.Marshal(res)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatal("expected rejection of failed result without an error envelope")
	}
}

func TestDecodeResultRejectsUnknownStatus(t *testing.T) {
	raw := []byte(`{"contract_version":"v1","status":"exploded","exit_code":1,` +
		`"started_at":"t","finished_at":"t","stdout":"","stderr":"",` +
		`"error":{"code":"unknown","message":"x"},"provider_metadata":null}`)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatal("expected rejection of unknown status")
	}
}

func TestDecodeResultRejectsVersionMismatch(t *testing.T) {
	raw := []byte(`{"contract_version":"v9","status":"failed","exit_code":1,` +
		`"started_at":"t","finished_at":"t","stdout":"","stderr":"",` +
		`"error":{"code":"unknown","message":"x"},"provider_metadata":null}`)
	_, err := DecodeResult(raw)
	if err == nil {
		t.Fatal("expected rejection of contract version mismatch")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Errorf("error should mention version: %v", err)
	}
}

func TestDecodeResultRejectsMissingRequired(t *testing.T) {
	raw := []byte(`{"contract_version":"v1","status":"failed"}`)
	if _, err := DecodeResult(raw); err == nil {
		t.Fatal("expected schema rejection for missing required fields")
	}
}

func TestFailedResultWithTypedErrorDecodes(t *testing.T) {
	res := validSuccessResult()
	res.Status = StatusTimeout
	res.ExitCode = 1
	res.OutputState = nil
	res.RoutingState = nil
	res.Error = &ErrorEnvelope{Code: CodeTimeout, Message: "deadline exceeded", Retryable: false}
	raw, _ := json.Marshal(res)
	got, err := DecodeResult(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error == nil || got.Error.Code != CodeTimeout {
		t.Errorf("error envelope not preserved: %+v", got.Error)
	}
}

func TestValidateRequest(t *testing.T) {
	req := &ExecutionRequest{
		ContractVersion:       Version,
		ResultContractVersion: ResultVersion,
		Provider:              ProviderKubernetes,
		RequestID:             "req-1",
		ExecutionID:           "exec-1",
		NodeID:                "node-a",
		NodeType:              "task",
		TimeoutSeconds:        600,
		EmitStartMarkers:      true,
		NodeExecution: NodeExecution{
			SandboxPaths: SandboxPaths{WorkspaceRoot: "/workspace"},
		},
	}
	if err := ValidateRequest(req); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	bad := *req
	bad.Provider = "local"
	if err := ValidateRequest(&bad); err == nil {
		t.Error("local provider accepted")
	}

	bad = *req
	bad.TimeoutSeconds = 0
	if err := ValidateRequest(&bad); err == nil {
		t.Error("zero timeout accepted")
	}

	bad = *req
	bad.NodeExecution.SandboxPaths.WorkspaceRoot = ""
	if err := ValidateRequest(&bad); err == nil {
		t.Error("missing workspace root accepted")
	}
}

func TestValidateRequestJSON(t *testing.T) {
	req := &ExecutionRequest{
		ContractVersion:       Version,
		ResultContractVersion: ResultVersion,
		Provider:              ProviderKubernetes,
		RequestID:             "req-1",
		ExecutionID:           "exec-1",
		NodeID:                "node-a",
		NodeType:              "task",
		TimeoutSeconds:        600,
		EmitStartMarkers:      true,
		NodeExecution: NodeExecution{
			SandboxPaths: SandboxPaths{WorkspaceRoot: "/workspace"},
		},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateRequestJSON(raw); err != nil {
		t.Fatalf("valid request json rejected: %v", err)
	}
	if err := ValidateRequestJSON([]byte(`{"provider":"kubernetes"}`)); err == nil {
		t.Error("incomplete request json accepted")
	}
}

func TestErrorEnvelopeError(t *testing.T) {
	e := NewError(CodeDispatch, "job create failed: %s", "forbidden")
	if e.Error() != "dispatch_error: job create failed: forbidden" {
		t.Errorf("unexpected error string: %s", e.Error())
	}
	if uk := NewError("nonsense", "x"); uk.Code != CodeUnknown {
		t.Errorf("invalid code should map to unknown, got %q", uk.Code)
	}
}
