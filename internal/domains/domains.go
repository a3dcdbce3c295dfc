// Package domains implements the tool domain framework: deterministic,
// sandboxed operations invoked by domain nodes and by the executor's tool
// loop, each returning a trace envelope.
package domains

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/llmctl/internal/contract"
)

// Status classifies a tool invocation outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Limits bounds a single tool invocation.
type Limits struct {
	OperationTimeout time.Duration
	MaxOutputBytes   int
	MaxFileBytes     int64
	MaxFiles         int
}

// DefaultLimits are applied where the caller leaves a limit zero.
func DefaultLimits() Limits {
	return Limits{
		OperationTimeout: 2 * time.Minute,
		MaxOutputBytes:   1 << 20,
		MaxFileBytes:     16 << 20,
		MaxFiles:         4096,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.OperationTimeout <= 0 {
		l.OperationTimeout = d.OperationTimeout
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = d.MaxFileBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = d.MaxFiles
	}
	return l
}

// Context carries the per-invocation sandbox: everything a handler may touch.
type Context struct {
	WorkspaceRoot string
	ExecutionID   string
	RequestID     string
	CorrelationID string
	Limits        Limits
	// Integrations maps env-style credential names to resolved values for
	// handlers that talk to external services (git push, PRs).
	Integrations map[string]string
}

// Trace is the envelope every invocation returns, attached to node
// artifacts and log stages.
type Trace struct {
	Domain        string         `json:"domain"`
	Operation     string         `json:"operation"`
	Status        Status         `json:"status"`
	Counts        map[string]int `json:"counts,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Result is what a handler produces on success: the operation output plus
// counters and soft warnings folded into the trace.
type Result struct {
	Output   any
	Counts   map[string]int
	Warnings []string
}

// Invocation pairs a trace with the handler output.
type Invocation struct {
	Trace  Trace           `json:"trace"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Handler executes one domain operation against a sandbox context.
type Handler func(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error)

// Registry maps "domain.operation" keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry with the built-in domains registered.
// ragSvc may be nil; rag operations then fail with provider_error.
func NewRegistry(ragSvc RAGService) *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	registerWorkspace(r)
	registerCommand(r)
	registerGit(r)
	registerStateDocs(r)
	registerDecision(r)
	registerRAG(r, ragSvc)
	return r
}

// Register binds a handler to domain.operation, replacing any prior binding.
func (r *Registry) Register(domain, operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[domain+"."+operation] = h
}

// Operations lists registered domain.operation keys in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invoke runs domain.operation under the context's limits and always returns
// a trace, even on failure. The error, when non-nil, is a typed
// *contract.ErrorEnvelope.
func (r *Registry) Invoke(ctx context.Context, tc *Context, domain, operation string, params json.RawMessage) (*Invocation, error) {
	start := time.Now()
	inv := &Invocation{Trace: Trace{
		Domain:        domain,
		Operation:     operation,
		RequestID:     tc.RequestID,
		CorrelationID: tc.CorrelationID,
	}}

	r.mu.RLock()
	h, ok := r.handlers[domain+"."+operation]
	r.mu.RUnlock()
	if !ok {
		err := contract.NewError(contract.CodeValidation, "unknown tool operation %s.%s", domain, operation)
		return failInvocation(inv, start, err), err
	}

	limits := tc.Limits.withDefaults()
	opCtx, cancel := context.WithTimeout(ctx, limits.OperationTimeout)
	defer cancel()

	bounded := *tc
	bounded.Limits = limits

	res, err := h(opCtx, &bounded, params)
	if err != nil {
		typed := asEnvelope(err)
		return failInvocation(inv, start, typed), typed
	}

	inv.Trace.Status = StatusSuccess
	if res != nil {
		inv.Trace.Counts = res.Counts
		inv.Trace.Warnings = res.Warnings
		if len(res.Warnings) > 0 {
			inv.Trace.Status = StatusWarning
		}
		if res.Output != nil {
			out, merr := json.Marshal(res.Output)
			if merr != nil {
				typed := contract.NewError(contract.CodeInfra, "encode %s.%s output: %v", domain, operation, merr)
				return failInvocation(inv, start, typed), typed
			}
			inv.Output = out
		}
	}
	inv.Trace.DurationMS = time.Since(start).Milliseconds()
	return inv, nil
}

func failInvocation(inv *Invocation, start time.Time, err *contract.ErrorEnvelope) *Invocation {
	inv.Trace.Status = StatusError
	inv.Trace.Errors = append(inv.Trace.Errors, err.Error())
	inv.Trace.DurationMS = time.Since(start).Milliseconds()
	return inv
}

func asEnvelope(err error) *contract.ErrorEnvelope {
	if env, ok := err.(*contract.ErrorEnvelope); ok {
		return env
	}
	if err == context.DeadlineExceeded {
		return contract.NewError(contract.CodeTimeout, "operation timed out")
	}
	return contract.NewError(contract.CodeExecution, "%v", err)
}

func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return contract.NewError(contract.CodeValidation, "missing operation parameters")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return contract.NewError(contract.CodeValidation, "decode parameters: %v", err)
	}
	return nil
}

func validationErr(format string, args ...any) error {
	return contract.NewError(contract.CodeValidation, format, args...)
}

func executionErr(format string, args ...any) error {
	return contract.NewError(contract.CodeExecution, format, args...)
}

func providerErr(format string, args ...any) error {
	return contract.NewError(contract.CodeProvider, format, args...)
}

func contractTimeout(format string, args ...any) error {
	return contract.NewError(contract.CodeTimeout, format, args...)
}
