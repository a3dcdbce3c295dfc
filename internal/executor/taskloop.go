package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/domains"
	"github.com/marcus-qen/llmctl/internal/instructions"
	"github.com/marcus-qen/llmctl/internal/provider"
	"github.com/marcus-qen/llmctl/internal/shared/sanitize"
)

// toolResultCap truncates a single tool output fed back to the model.
const toolResultCap = 64 * 1024

// taskConfig is the task node's configuration subset the loop reads.
type taskConfig struct {
	ModelID   string `json:"model_id,omitempty"`
	MaxTokens int32  `json:"max_tokens,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// runTaskLoop drives the provider tool-use conversation for a task node.
// The loop is bounded: a model that keeps requesting tools past the
// iteration cap fails the node instead of spinning.
func (e *Engine) runTaskLoop(
	ctx context.Context,
	log *zap.Logger,
	req *contract.ExecutionRequest,
	pkg *instructions.Package,
	adapterRes *instructions.AdapterResult,
) (*nodeOutcome, error) {
	if e.provider == nil {
		return nil, contract.NewError(contract.CodeProvider, "no provider configured for task execution")
	}

	var cfg taskConfig
	if len(req.NodeExecution.Configuration) > 0 {
		if err := json.Unmarshal(req.NodeExecution.Configuration, &cfg); err != nil {
			return nil, contract.NewError(contract.CodeValidation, "decode task configuration: %v", err)
		}
	}

	model := cfg.ModelID
	if model == "" {
		model = req.NodeExecution.DefaultModelID
	}
	if model == "" {
		return nil, contract.NewError(contract.CodeValidation, "task node has no model: set model_id or a default model")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}

	tc := &domains.Context{
		WorkspaceRoot: req.NodeExecution.SandboxPaths.WorkspaceRoot,
		ExecutionID:   req.ExecutionID,
		RequestID:     req.RequestID,
		Integrations:  req.NodeExecution.Integrations,
	}

	messages := []provider.Message{
		{Role: "user", Content: buildUserMessage(cfg.Prompt, req)},
	}

	var (
		totalIn, totalOut int64
		traces            []domains.Trace
		iterations        int
	)

	for i := 0; i < e.maxIterations; i++ {
		iterations = i + 1

		resp, err := e.provider.Complete(ctx, &provider.CompletionRequest{
			SystemPrompt: systemPrompt(pkg, adapterRes),
			Messages:     messages,
			Tools:        e.toolDefinitions(),
			Model:        model,
			MaxTokens:    maxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, contract.NewError(contract.CodeProvider, "completion failed: %v", err)
		}
		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens

		if !resp.HasToolCalls() {
			output, merr := json.Marshal(map[string]any{
				"content":    resp.Content,
				"iterations": iterations,
			})
			if merr != nil {
				return nil, contract.NewError(contract.CodeInfra, "encode output: %v", merr)
			}
			return &nodeOutcome{
				output: output,
				metadata: map[string]any{
					"model":         model,
					"provider":      e.provider.Name(),
					"input_tokens":  totalIn,
					"output_tokens": totalOut,
					"iterations":    iterations,
					"stop_reason":   resp.StopReason,
					"tool_traces":   traces,
				},
			}, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var toolResults []provider.ToolResult
		for _, call := range resp.ToolCalls {
			result, trace := e.invokeTool(ctx, tc, call)
			traces = append(traces, trace)
			toolResults = append(toolResults, result)
			log.Debug("tool call",
				zap.String("tool", call.Name),
				zap.String("status", string(trace.Status)),
				zap.Int64("duration_ms", trace.DurationMS),
			)
		}

		messages = append(messages, provider.Message{
			Role:        "user",
			ToolResults: toolResults,
		})
	}

	return nil, contract.NewError(contract.CodeExecution, "tool loop exceeded %d iterations without a final response", e.maxIterations)
}

// invokeTool resolves a provider tool call to a domain operation and
// executes it. Failures feed back to the model as error tool results;
// they never abort the loop.
func (e *Engine) invokeTool(ctx context.Context, tc *domains.Context, call provider.ToolCall) (provider.ToolResult, domains.Trace) {
	domain, operation, ok := splitToolName(call.Name)
	if !ok {
		trace := domains.Trace{Domain: call.Name, Status: domains.StatusError, Errors: []string{"unknown tool"}}
		return provider.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("ERROR: unknown tool %q", call.Name),
			IsError:    true,
		}, trace
	}

	params, merr := json.Marshal(call.Args)
	if merr != nil {
		trace := domains.Trace{Domain: domain, Operation: operation, Status: domains.StatusError, Errors: []string{merr.Error()}}
		return provider.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("ERROR: encode arguments: %v", merr),
			IsError:    true,
		}, trace
	}

	inv, err := e.domains.Invoke(ctx, tc, domain, operation, params)
	if err != nil {
		return provider.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("ERROR: %v", err),
			IsError:    true,
		}, inv.Trace
	}

	content := string(inv.Output)
	if content == "" {
		content = "OK"
	}
	return provider.ToolResult{
		ToolCallID: call.ID,
		Content:    sanitize.Output(content, toolResultCap),
	}, inv.Trace
}

// systemPrompt picks the instruction text the model sees. The fallback
// adapter hands it inline; native adapters put it on disk, and the loop
// still passes it as system text so behavior does not depend on the
// model reading the file.
func systemPrompt(pkg *instructions.Package, adapterRes *instructions.AdapterResult) string {
	if adapterRes != nil && adapterRes.PromptEnvelope != nil {
		return adapterRes.PromptEnvelope.System
	}
	if pkg != nil {
		return pkg.Artifacts[instructions.ArtifactInstructions]
	}
	return "You are a workflow task executor. Complete the task described by the user using the available tools, then reply with your final result."
}

// buildUserMessage assembles the task prompt from the node prompt, the
// predecessor context segments, and any attachment references.
func buildUserMessage(prompt string, req *contract.ExecutionRequest) string {
	var b strings.Builder
	if prompt != "" {
		b.WriteString(prompt)
	} else {
		b.WriteString("Execute this workflow node and report the result.")
	}

	if len(req.NodeExecution.InputContext) > 0 {
		b.WriteString("\n\n## Context from upstream nodes\n")
		for _, seg := range req.NodeExecution.InputContext {
			fmt.Fprintf(&b, "\n### %s\n%s\n", seg.NodeID, string(seg.Content))
		}
	}

	if len(req.NodeExecution.Attachments) > 0 {
		b.WriteString("\n\n## Attached files\n")
		for _, att := range req.NodeExecution.Attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", att.Name, att.URI)
		}
	}

	return b.String()
}
