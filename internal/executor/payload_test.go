package executor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/marcus-qen/llmctl/internal/contract"
)

func validPayload(t *testing.T) string {
	t.Helper()
	req := testRequest(t, "task", nil)
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return string(data)
}

func TestLoadRequestFromEnv(t *testing.T) {
	t.Setenv(contract.PayloadEnvVar, validPayload(t))

	req, err := LoadRequest(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadRequest: %v", err)
	}
	if req.NodeID != "n1" || req.NodeType != "task" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestLoadRequestFromStdin(t *testing.T) {
	t.Setenv(contract.PayloadEnvVar, "")

	req, err := LoadRequest(strings.NewReader(validPayload(t)))
	if err != nil {
		t.Fatalf("LoadRequest: %v", err)
	}
	if req.ExecutionID != "rn-1" {
		t.Fatalf("execution id = %q", req.ExecutionID)
	}
}

func TestLoadRequestEmpty(t *testing.T) {
	t.Setenv(contract.PayloadEnvVar, "")
	if _, err := LoadRequest(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestLoadRequestInvalid(t *testing.T) {
	t.Setenv(contract.PayloadEnvVar, `{"contract_version":"v99"}`)
	if _, err := LoadRequest(strings.NewReader("")); err == nil {
		t.Fatal("expected error for invalid request")
	}
}
