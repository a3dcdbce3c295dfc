// Package contract defines the execution contract between the control plane
// and the ephemeral node executor. Both sides import this package so the
// request/result envelopes, markers, and error taxonomy stay in lockstep.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the execution request contract version.
const Version = "v1"

// ResultVersion is the execution result contract version.
const ResultVersion = "v1"

// PayloadEnvVar carries the serialized ExecutionRequest into the executor.
const PayloadEnvVar = "LLMCTL_EXECUTOR_PAYLOAD_JSON"

// StartupMarker is the literal form of the dispatch confirmation marker.
// The executor must print it (or the JSON event form) as its first line.
const StartupMarker = "LLMCTL_EXECUTOR_STARTED"

// ResultMarkerPrefix terminates executor output; the remainder of the line
// is the ExecutionResult JSON.
const ResultMarkerPrefix = "LLMCTL_EXECUTOR_RESULT_JSON="

// startedEventName is the "event" value of the JSON marker form.
const startedEventName = "executor_started"

// ProviderKubernetes is the only dispatch provider in the current scope.
const ProviderKubernetes = "kubernetes"

// ResultStatus is the executor-reported terminal status of one node execution.
type ResultStatus string

const (
	StatusSuccess           ResultStatus = "success"
	StatusFailed            ResultStatus = "failed"
	StatusCancelled         ResultStatus = "cancelled"
	StatusTimeout           ResultStatus = "timeout"
	StatusDispatchFailed    ResultStatus = "dispatch_failed"
	StatusDispatchUncertain ResultStatus = "dispatch_uncertain"
	StatusInfraError        ResultStatus = "infra_error"
)

// Valid reports whether s is a known result status.
func (s ResultStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout,
		StatusDispatchFailed, StatusDispatchUncertain, StatusInfraError:
		return true
	}
	return false
}

// ErrorCode classifies failures across the whole dispatch path.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation_error"
	CodeDispatch   ErrorCode = "dispatch_error"
	CodeTimeout    ErrorCode = "timeout"
	CodeCancelled  ErrorCode = "cancelled"
	CodeExecution  ErrorCode = "execution_error"
	CodeProvider   ErrorCode = "provider_error"
	CodeInfra      ErrorCode = "infra_error"
	CodeUnknown    ErrorCode = "unknown"
)

// Valid reports whether c is a known error code.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeValidation, CodeDispatch, CodeTimeout, CodeCancelled,
		CodeExecution, CodeProvider, CodeInfra, CodeUnknown:
		return true
	}
	return false
}

// ErrorEnvelope is the typed error carried on failed executions. It is
// preserved verbatim from the executor to the persisted node record.
type ErrorEnvelope struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// Error implements the error interface so envelopes can flow through
// ordinary error returns inside the executor.
func (e *ErrorEnvelope) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an ErrorEnvelope with an unclassified code mapped to unknown.
func NewError(code ErrorCode, format string, args ...any) *ErrorEnvelope {
	if !code.Valid() {
		code = CodeUnknown
	}
	return &ErrorEnvelope{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SandboxPaths locates the per-run filesystem inside the executor.
type SandboxPaths struct {
	WorkspaceRoot   string `json:"workspace_root"`
	InstructionsDir string `json:"instructions_dir,omitempty"`
	StateDir        string `json:"state_dir,omitempty"`
}

// ContextSegment is one predecessor's output contribution, in stable order.
type ContextSegment struct {
	NodeID  string          `json:"node_id"`
	Content json.RawMessage `json:"content"`
}

// AttachmentRef names a file propagated along an attachments edge.
type AttachmentRef struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	MediaType string `json:"media_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// NodeExecution is the serialized node request inside an ExecutionRequest.
type NodeExecution struct {
	Configuration      json.RawMessage   `json:"configuration,omitempty"`
	InputContext       []ContextSegment  `json:"input_context,omitempty"`
	Attachments        []AttachmentRef   `json:"attachments,omitempty"`
	EnabledProviders   []string          `json:"enabled_providers,omitempty"`
	DefaultModelID     string            `json:"default_model_id,omitempty"`
	MCPServerKeys      []string          `json:"mcp_server_keys,omitempty"`
	Integrations       map[string]string `json:"integrations,omitempty"`
	InstructionPackage json.RawMessage   `json:"instruction_package,omitempty"`
	SandboxPaths       SandboxPaths      `json:"sandbox_paths"`
}

// ExecutionRequest is the full payload handed to the executor process.
type ExecutionRequest struct {
	ContractVersion       string        `json:"contract_version"`
	ResultContractVersion string        `json:"result_contract_version"`
	Provider              string        `json:"provider"`
	RequestID             string        `json:"request_id"`
	ExecutionID           string        `json:"execution_id"`
	NodeID                string        `json:"node_id"`
	NodeType              string        `json:"node_type"`
	TimeoutSeconds        int           `json:"timeout_seconds"`
	NodeExecution         NodeExecution `json:"node_execution"`
	EmitStartMarkers      bool          `json:"emit_start_markers"`
}

// ExecutionResult is the envelope the executor prints after the result marker.
type ExecutionResult struct {
	ContractVersion  string          `json:"contract_version"`
	Status           ResultStatus    `json:"status"`
	ExitCode         int             `json:"exit_code"`
	StartedAt        string          `json:"started_at"`
	FinishedAt       string          `json:"finished_at"`
	Stdout           string          `json:"stdout"`
	Stderr           string          `json:"stderr"`
	Error            *ErrorEnvelope  `json:"error"`
	ProviderMetadata map[string]any  `json:"provider_metadata"`
	OutputState      json.RawMessage `json:"output_state,omitempty"`
	RoutingState     json.RawMessage `json:"routing_state,omitempty"`
}

// startedEvent is the JSON form of the startup marker.
type startedEvent struct {
	Event           string `json:"event"`
	ContractVersion string `json:"contract_version"`
	TS              string `json:"ts"`
}

// IsStartupMarker reports whether a single log line is a valid dispatch
// confirmation marker. The literal form must match exactly after trimming
// trailing whitespace; the JSON form must carry the started event name and
// the expected contract version. Anything else is ignored by callers.
func IsStartupMarker(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == StartupMarker {
		return true
	}
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var ev startedEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return false
	}
	return ev.Event == startedEventName && ev.ContractVersion == Version
}

// StartupMarkerJSON renders the JSON marker form with the given timestamp.
func StartupMarkerJSON(ts string) string {
	b, _ := json.Marshal(startedEvent{
		Event:           startedEventName,
		ContractVersion: Version,
		TS:              ts,
	})
	return string(b)
}

// ParseResultLine extracts the result JSON from a terminator line. The
// second return is false when the line is not a result marker.
func ParseResultLine(line string) ([]byte, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ResultMarkerPrefix) {
		return nil, false
	}
	return []byte(trimmed[len(ResultMarkerPrefix):]), true
}

// EncodeResultLine renders the terminator line for an ExecutionResult.
func EncodeResultLine(res *ExecutionResult) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return ResultMarkerPrefix + string(b), nil
}

// DecodeResult parses and validates an ExecutionResult payload. Schema
// violations and semantic violations both surface as errors; the caller
// decides the taxonomy mapping (a bad envelope is an infra_error, not a
// node failure).
func DecodeResult(data []byte) (*ExecutionResult, error) {
	if err := ValidateResultJSON(data); err != nil {
		return nil, err
	}
	var res ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if err := ValidateResult(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateResult enforces the invariants the schema cannot express.
func ValidateResult(res *ExecutionResult) error {
	if res.ContractVersion != ResultVersion {
		return fmt.Errorf("result contract version %q, want %q", res.ContractVersion, ResultVersion)
	}
	if !res.Status.Valid() {
		return fmt.Errorf("unknown result status %q", res.Status)
	}
	if res.Status == StatusSuccess {
		if res.Error != nil {
			return fmt.Errorf("success result carries error %q", res.Error.Code)
		}
		if len(res.OutputState) == 0 {
			return fmt.Errorf("success result missing output_state")
		}
	} else {
		if res.Error == nil {
			return fmt.Errorf("status %q requires an error envelope", res.Status)
		}
		if !res.Error.Code.Valid() {
			return fmt.Errorf("unknown error code %q", res.Error.Code)
		}
	}
	return nil
}

// ValidateRequest checks an outbound request before dispatch.
func ValidateRequest(req *ExecutionRequest) error {
	if req.ContractVersion != Version {
		return fmt.Errorf("request contract version %q, want %q", req.ContractVersion, Version)
	}
	if req.Provider != ProviderKubernetes {
		return fmt.Errorf("unsupported provider %q", req.Provider)
	}
	if req.RequestID == "" || req.ExecutionID == "" {
		return fmt.Errorf("request_id and execution_id are required")
	}
	if req.NodeID == "" || req.NodeType == "" {
		return fmt.Errorf("node_id and node_type are required")
	}
	if req.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if req.NodeExecution.SandboxPaths.WorkspaceRoot == "" {
		return fmt.Errorf("sandbox workspace_root is required")
	}
	return nil
}
