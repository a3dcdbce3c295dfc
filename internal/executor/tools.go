package executor

import (
	"strings"

	"github.com/marcus-qen/llmctl/internal/provider"
)

// Provider tool names cannot contain dots, so domain.operation keys are
// exposed as domain__operation. Operation names use single underscores
// only, which keeps the split unambiguous.
const toolNameSep = "__"

// toolDescriptions documents the built-in operations for the model. An
// operation absent here still gets a generated description.
var toolDescriptions = map[string]string{
	"workspace.list":        "List files in the workspace, optionally recursively",
	"workspace.read":        "Read a file from the workspace",
	"workspace.write":       "Write a file in the workspace",
	"workspace.apply_patch": "Apply a unified diff to the workspace",
	"workspace.rename":      "Rename or move a workspace file",
	"workspace.chmod":       "Change a workspace file's permissions",
	"command.run":           "Run a command in the workspace and capture its output",
	"git.branch":            "Create or list git branches in the workspace repository",
	"git.checkout":          "Check out a git branch",
	"git.commit":            "Commit staged workspace changes",
	"git.push":              "Push the current branch to the remote",
	"git.open_pr":           "Open a pull request for the current branch",
	"memory.append":         "Append an entry to the run memory document",
	"memory.replace":        "Replace the run memory document",
	"memory.update":         "Update one memory entry by id or key",
	"plan.append":           "Append a stage to the run plan document",
	"plan.replace":          "Replace the run plan document",
	"plan.update":           "Update one plan stage or task by id or key",
	"milestone.append":      "Append a milestone to the milestone document",
	"milestone.replace":     "Replace the milestone document",
	"milestone.update":      "Update one milestone by id or key",
	"rag.query":             "Query an indexed document collection",
}

// taskLoopHidden lists operations never exposed to the model: decision
// routing belongs to decision nodes, indexing to rag nodes, and
// session/background command plumbing to explicit configurations.
var taskLoopHidden = map[string]bool{
	"decision.evaluate":              true,
	"rag.full_index":                 true,
	"rag.delta_index":                true,
	"command.session_start":          true,
	"command.session_send":           true,
	"command.session_close":          true,
	"command.background_job_start":   true,
	"command.background_job_status":  true,
	"command.background_job_collect": true,
}

// toolDefinitions renders the registered domain operations as provider
// tool definitions.
func (e *Engine) toolDefinitions() []provider.ToolDefinition {
	ops := e.domains.Operations()
	defs := make([]provider.ToolDefinition, 0, len(ops))
	for _, key := range ops {
		if taskLoopHidden[key] {
			continue
		}
		desc := toolDescriptions[key]
		if desc == "" {
			desc = "Invoke the " + key + " tool operation"
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        strings.ReplaceAll(key, ".", toolNameSep),
			Description: desc,
			Parameters: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return defs
}

// splitToolName recovers (domain, operation) from a provider tool name.
func splitToolName(name string) (string, string, bool) {
	domain, operation, ok := strings.Cut(name, toolNameSep)
	if !ok || domain == "" || operation == "" {
		return "", "", false
	}
	return domain, operation, true
}
