package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/marcus-qen/llmctl/internal/contract"
)

// maxPayloadBytes bounds the stdin fallback read.
const maxPayloadBytes = 8 << 20

// LoadRequest reads the execution request from the payload environment
// variable, falling back to stdin when the variable is unset. The
// request is validated before it is returned.
func LoadRequest(stdin io.Reader) (*contract.ExecutionRequest, error) {
	data := []byte(os.Getenv(contract.PayloadEnvVar))
	if len(data) == 0 {
		var err error
		data, err = io.ReadAll(io.LimitReader(stdin, maxPayloadBytes))
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no execution payload: set %s or pipe the request on stdin", contract.PayloadEnvVar)
	}

	var req contract.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode execution request: %w", err)
	}
	if err := contract.ValidateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid execution request: %w", err)
	}
	return &req, nil
}
