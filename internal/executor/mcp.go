package executor

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/domains"
)

// Version is injected from build metadata.
var Version = "dev"

// MCPServer exposes the tool domains over MCP stdio so provider-native
// SDK agents running inside the Job can call them as first-class tools.
type MCPServer struct {
	server  *mcp.Server
	domains *domains.Registry
	tc      *domains.Context
	logger  *zap.Logger
}

// NewMCPServer wires the domain registry behind an MCP server instance.
func NewMCPServer(reg *domains.Registry, tc *domains.Context, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "llmctl-executor",
		Version: implVersion,
	}, nil)

	s := &MCPServer{
		server:  srv,
		domains: reg,
		tc:      tc,
		logger:  logger.Named("mcp"),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the context is cancelled or the client
// disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

type workspaceListInput struct {
	Path      string `json:"path,omitempty" jsonschema:"workspace-relative directory, defaults to the root"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"descend into subdirectories"`
}

type workspaceReadInput struct {
	Path string `json:"path" jsonschema:"workspace-relative file path"`
}

type workspaceWriteInput struct {
	Path    string `json:"path" jsonschema:"workspace-relative file path"`
	Content string `json:"content" jsonschema:"file content to write"`
	Mode    string `json:"mode,omitempty" jsonschema:"write mode: overwrite (default) or create"`
}

type workspaceApplyPatchInput struct {
	Patch string `json:"patch" jsonschema:"unified diff to apply at the workspace root"`
}

type commandRunInput struct {
	Command        string   `json:"command" jsonschema:"program to run"`
	Args           []string `json:"args,omitempty" jsonschema:"program arguments"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema:"per-command timeout"`
	Dir            string   `json:"dir,omitempty" jsonschema:"workspace-relative working directory"`
}

type gitCommitInput struct {
	Message string   `json:"message" jsonschema:"commit message"`
	Paths   []string `json:"paths,omitempty" jsonschema:"paths to stage; empty stages everything"`
}

type stateEntryInput struct {
	ID      string `json:"id,omitempty" jsonschema:"entry id to match"`
	Key     string `json:"key,omitempty" jsonschema:"entry key to match"`
	Content string `json:"content,omitempty" jsonschema:"entry content"`
	Status  string `json:"status,omitempty" jsonschema:"entry status"`
}

type ragQueryInput struct {
	Collection string `json:"collection" jsonschema:"indexed collection name"`
	Text       string `json:"text" jsonschema:"query text"`
	TopK       int    `json:"top_k,omitempty" jsonschema:"number of chunks to return (default 5)"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_workspace_list",
		Description: "List files in the node workspace",
	}, invokeTool[workspaceListInput](s, "workspace", "list"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_workspace_read",
		Description: "Read a file from the node workspace",
	}, invokeTool[workspaceReadInput](s, "workspace", "read"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_workspace_write",
		Description: "Write a file in the node workspace",
	}, invokeTool[workspaceWriteInput](s, "workspace", "write"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_workspace_apply_patch",
		Description: "Apply a unified diff to the node workspace",
	}, invokeTool[workspaceApplyPatchInput](s, "workspace", "apply_patch"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_command_run",
		Description: "Run a command in the node workspace and capture its output",
	}, invokeTool[commandRunInput](s, "command", "run"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_git_commit",
		Description: "Commit workspace changes to the node's git repository",
	}, invokeTool[gitCommitInput](s, "git", "commit"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_memory_append",
		Description: "Append an entry to the run memory document",
	}, invokeTool[stateEntryInput](s, "memory", "append"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_memory_update",
		Description: "Update a run memory entry by id or key",
	}, invokeTool[stateEntryInput](s, "memory", "update"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_plan_update",
		Description: "Update a plan stage or task by id or key",
	}, invokeTool[stateEntryInput](s, "plan", "update"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_milestone_update",
		Description: "Update a milestone by id or key",
	}, invokeTool[stateEntryInput](s, "milestone", "update"))

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "llmctl_rag_query",
		Description: "Query an indexed document collection",
	}, invokeTool[ragQueryInput](s, "rag", "query"))
}

// invokeTool adapts one typed MCP tool to a domain registry invocation.
func invokeTool[T any](s *MCPServer, domain, operation string) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input T) (*mcp.CallToolResult, any, error) {
		params, err := json.Marshal(input)
		if err != nil {
			return nil, nil, err
		}
		inv, err := s.domains.Invoke(ctx, s.tc, domain, operation, params)
		if err != nil {
			s.logger.Warn("tool failed",
				zap.String("domain", domain),
				zap.String("operation", operation),
				zap.Error(err),
			)
			return nil, nil, err
		}
		return jsonToolResult(inv)
	}
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
