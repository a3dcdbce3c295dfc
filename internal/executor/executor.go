// Package executor implements the in-Job node execution engine: it loads
// the execution request payload, emits the startup marker, runs the node
// (provider tool loop or tool domain operation), and prints the result
// envelope on stdout. stdout is reserved for the process contract; all
// logging goes to stderr.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/domains"
	"github.com/marcus-qen/llmctl/internal/instructions"
	"github.com/marcus-qen/llmctl/internal/provider"
)

// defaultMaxIterations bounds the provider tool loop. Exceeding it fails
// the node rather than looping forever on a confused model.
const defaultMaxIterations = 24

// defaultMaxTokens caps a single completion call when the node does not
// configure its own budget.
const defaultMaxTokens = 8192

// Engine executes one node request inside the ephemeral Job.
type Engine struct {
	provider provider.Provider
	domains  *domains.Registry
	adapters *instructions.Registry
	logger   *zap.Logger

	maxIterations int
	maxTokens     int32
	now           func() time.Time
}

// Options tune an Engine beyond its defaults.
type Options struct {
	MaxIterations int
	MaxTokens     int32
}

// NewEngine builds an engine. prov may be nil when the node types being
// served never reach the provider loop (domain-only executions).
func NewEngine(prov provider.Provider, reg *domains.Registry, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Engine{
		provider:      prov,
		domains:       reg,
		adapters:      instructions.NewRegistry(),
		logger:        logger.Named("executor"),
		maxIterations: maxIter,
		maxTokens:     maxTokens,
		now:           time.Now,
	}
}

// Main drives the full process contract against one request: startup
// marker first, then execution, then the result terminator line. The
// returned error covers only output plumbing; execution failures are
// reported through the result envelope.
func (e *Engine) Main(ctx context.Context, stdout io.Writer, req *contract.ExecutionRequest) error {
	if req.EmitStartMarkers {
		marker := contract.StartupMarkerJSON(e.now().UTC().Format(time.RFC3339))
		if _, err := fmt.Fprintln(stdout, marker); err != nil {
			return fmt.Errorf("write startup marker: %w", err)
		}
	}

	res := e.Execute(ctx, req)

	line, err := contract.EncodeResultLine(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := fmt.Fprintln(stdout, line); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Execute runs the node and always produces a well-formed result
// envelope; internal failures are mapped to the error taxonomy here, at
// the contract boundary.
func (e *Engine) Execute(ctx context.Context, req *contract.ExecutionRequest) *contract.ExecutionResult {
	started := e.now().UTC()
	res := &contract.ExecutionResult{
		ContractVersion: contract.ResultVersion,
		StartedAt:       started.Format(time.RFC3339),
	}

	finish := func() *contract.ExecutionResult {
		res.FinishedAt = e.now().UTC().Format(time.RFC3339)
		return res
	}
	fail := func(env *contract.ErrorEnvelope) *contract.ExecutionResult {
		res.Status = statusForCode(env.Code)
		res.Error = env
		res.ExitCode = 1
		return finish()
	}

	if err := contract.ValidateRequest(req); err != nil {
		return fail(contract.NewError(contract.CodeValidation, "invalid execution request: %v", err))
	}

	runCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	tc := &domains.Context{
		WorkspaceRoot: req.NodeExecution.SandboxPaths.WorkspaceRoot,
		ExecutionID:   req.ExecutionID,
		RequestID:     req.RequestID,
		Integrations:  req.NodeExecution.Integrations,
	}

	pkg, adapterRes, err := e.materializeInstructions(req)
	if err != nil {
		return fail(contract.NewError(contract.CodeValidation, "instruction package: %v", err))
	}

	log := e.logger.With(
		zap.String("node_id", req.NodeID),
		zap.String("node_type", req.NodeType),
		zap.String("execution_id", req.ExecutionID),
	)
	log.Info("executing node")

	var outcome *nodeOutcome
	switch req.NodeType {
	case "task":
		outcome, err = e.runTaskLoop(runCtx, log, req, pkg, adapterRes)
	case "decision":
		outcome, err = e.runDecision(runCtx, tc, req)
	case "plan", "memory", "milestone":
		outcome, err = e.runDomainOp(runCtx, tc, req, req.NodeType)
	case "rag":
		outcome, err = e.runDomainOp(runCtx, tc, req, "rag")
	default:
		err = contract.NewError(contract.CodeValidation, "unsupported node type %q", req.NodeType)
	}
	if err != nil {
		env := asEnvelope(runCtx, err)
		log.Warn("node failed", zap.String("code", string(env.Code)), zap.Error(env))
		return fail(env)
	}

	res.Status = contract.StatusSuccess
	res.OutputState = outcome.output
	res.RoutingState = outcome.routing
	res.ProviderMetadata = outcome.metadata
	log.Info("node succeeded")
	return finish()
}

// nodeOutcome is what one successful node execution produces.
type nodeOutcome struct {
	output   json.RawMessage
	routing  json.RawMessage
	metadata map[string]any
}

// materializeInstructions decodes the compiled package from the request
// and hands it to the provider adapter. A request without a package is
// fine; domain nodes rarely carry one.
func (e *Engine) materializeInstructions(req *contract.ExecutionRequest) (*instructions.Package, *instructions.AdapterResult, error) {
	raw := req.NodeExecution.InstructionPackage
	if len(raw) == 0 {
		return nil, nil, nil
	}
	var encoded struct {
		Artifacts   map[string]string     `json:"artifacts"`
		Manifest    instructions.Manifest `json:"manifest"`
		PackageHash string                `json:"package_hash"`
		Warnings    []string              `json:"warnings,omitempty"`
	}
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	pkg := &instructions.Package{
		Artifacts: encoded.Artifacts,
		Manifest:  encoded.Manifest,
		Warnings:  encoded.Warnings,
	}
	pkg.Manifest.PackageHash = encoded.PackageHash

	root := req.NodeExecution.SandboxPaths.WorkspaceRoot
	if _, err := pkg.Materialize(root); err != nil {
		return nil, nil, err
	}
	adapter := e.adapters.Resolve(pkg.Manifest.ProviderID)
	adapterRes, err := adapter.Materialize(pkg, root)
	if err != nil {
		return nil, nil, err
	}
	return pkg, adapterRes, nil
}

// runDecision evaluates the node's conditions against the merged input
// context and reports matched connectors as routing state. A routing
// result without matched_connector_ids is a contract violation upstream,
// so it is never produced here.
func (e *Engine) runDecision(ctx context.Context, tc *domains.Context, req *contract.ExecutionRequest) (*nodeOutcome, error) {
	var cfg struct {
		Conditions json.RawMessage `json:"conditions"`
	}
	if len(req.NodeExecution.Configuration) > 0 {
		if err := json.Unmarshal(req.NodeExecution.Configuration, &cfg); err != nil {
			return nil, contract.NewError(contract.CodeValidation, "decode decision configuration: %v", err)
		}
	}
	if len(cfg.Conditions) == 0 {
		return nil, contract.NewError(contract.CodeValidation, "decision node has no conditions")
	}

	input := mergeContext(req.NodeExecution.InputContext)
	params, err := json.Marshal(map[string]any{
		"conditions": cfg.Conditions,
		"input":      input,
	})
	if err != nil {
		return nil, contract.NewError(contract.CodeInfra, "encode decision params: %v", err)
	}

	inv, err := e.domains.Invoke(ctx, tc, "decision", "evaluate", params)
	if err != nil {
		return nil, err
	}
	output, merr := json.Marshal(map[string]any{"trace": inv.Trace})
	if merr != nil {
		return nil, contract.NewError(contract.CodeInfra, "encode output: %v", merr)
	}
	return &nodeOutcome{output: output, routing: inv.Output}, nil
}

// runDomainOp executes a plan/memory/milestone/rag node: the node
// configuration names the operation and carries its raw parameters.
func (e *Engine) runDomainOp(ctx context.Context, tc *domains.Context, req *contract.ExecutionRequest, domain string) (*nodeOutcome, error) {
	var cfg struct {
		Operation string          `json:"operation"`
		Params    json.RawMessage `json:"params"`
	}
	if len(req.NodeExecution.Configuration) == 0 {
		return nil, contract.NewError(contract.CodeValidation, "%s node has no configuration", domain)
	}
	if err := json.Unmarshal(req.NodeExecution.Configuration, &cfg); err != nil {
		return nil, contract.NewError(contract.CodeValidation, "decode %s configuration: %v", domain, err)
	}
	if cfg.Operation == "" {
		return nil, contract.NewError(contract.CodeValidation, "%s node configuration missing operation", domain)
	}

	inv, err := e.domains.Invoke(ctx, tc, domain, cfg.Operation, cfg.Params)
	if err != nil {
		return nil, err
	}
	output, merr := json.Marshal(inv)
	if merr != nil {
		return nil, contract.NewError(contract.CodeInfra, "encode output: %v", merr)
	}
	return &nodeOutcome{output: output}, nil
}

// mergeContext folds predecessor segments into one lookup document.
// Object segments merge key-by-key in edge order (later predecessors
// win); non-object segments land under their node id.
func mergeContext(segments []contract.ContextSegment) map[string]any {
	merged := map[string]any{}
	for _, seg := range segments {
		var obj map[string]any
		if err := json.Unmarshal(seg.Content, &obj); err == nil {
			for k, v := range obj {
				merged[k] = v
			}
			continue
		}
		var v any
		if err := json.Unmarshal(seg.Content, &v); err == nil {
			merged[seg.NodeID] = v
		}
	}
	return merged
}

// asEnvelope maps loose errors to the taxonomy at the result boundary.
func asEnvelope(ctx context.Context, err error) *contract.ErrorEnvelope {
	if env, ok := err.(*contract.ErrorEnvelope); ok {
		return env
	}
	if ctx.Err() == context.DeadlineExceeded {
		return contract.NewError(contract.CodeTimeout, "execution timed out: %v", err)
	}
	if ctx.Err() == context.Canceled {
		return contract.NewError(contract.CodeCancelled, "execution cancelled: %v", err)
	}
	return contract.NewError(contract.CodeUnknown, "%v", err)
}

// statusForCode picks the result status implied by an error code.
func statusForCode(code contract.ErrorCode) contract.ResultStatus {
	switch code {
	case contract.CodeTimeout:
		return contract.StatusTimeout
	case contract.CodeCancelled:
		return contract.StatusCancelled
	case contract.CodeInfra:
		return contract.StatusInfraError
	default:
		return contract.StatusFailed
	}
}
