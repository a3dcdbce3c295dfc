package orchestrator

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/domains"
	"github.com/marcus-qen/llmctl/internal/flowchart"
	"github.com/marcus-qen/llmctl/internal/instructions"
	"github.com/marcus-qen/llmctl/internal/store"
)

// buildRequest assembles the v1 execution request for one activated node:
// predecessor context in stable order, attachments along attachment edges,
// the integration bundle for the node's MCP servers, and the compiled
// instruction package.
func (o *Orchestrator) buildRequest(fc *flowchart.Flowchart, run *store.FlowchartRun, state map[string]*store.FlowchartRunNode, rec *store.FlowchartRunNode, snap store.NodeExecutorSettings) (*contract.ExecutionRequest, error) {
	node, ok := fc.Node(rec.NodeID)
	if !ok {
		return nil, fmt.Errorf("node %s not in snapshot", rec.NodeID)
	}

	// Under runtime cutover a decision node must declare its conditions up
	// front; dispatching one without them leaves routing undecidable.
	if run.RuntimeCutoverEnabled && node.Type == flowchart.NodeDecision && len(node.DecisionConditions) == 0 {
		return nil, fmt.Errorf("decision node %s declares no decision_conditions", node.ID)
	}

	segments := contextSegments(fc, state, node.ID)
	attachments := attachmentRefs(fc, state, node.ID)

	cfg, err := nodeConfiguration(node)
	if err != nil {
		return nil, err
	}

	req := &contract.ExecutionRequest{
		ContractVersion:       contract.Version,
		ResultContractVersion: contract.ResultVersion,
		Provider:              contract.ProviderKubernetes,
		RequestID:             uuid.NewString(),
		ExecutionID:           rec.ID,
		NodeID:                node.ID,
		NodeType:              string(node.Type),
		TimeoutSeconds:        snap.ExecutionTimeoutSeconds,
		EmitStartMarkers:      true,
		NodeExecution: contract.NodeExecution{
			Configuration:    cfg,
			InputContext:     segments,
			Attachments:      attachments,
			EnabledProviders: []string{contract.ProviderKubernetes},
			DefaultModelID:   node.DefaultModelID,
			MCPServerKeys:    node.MCPServerKeys,
			SandboxPaths: contract.SandboxPaths{
				WorkspaceRoot:   workspaceRoot,
				InstructionsDir: path.Join(workspaceRoot, instructions.InstructionsDirName),
				StateDir:        path.Join(workspaceRoot, domains.StateDirName),
			},
		},
	}

	if o.integrations != nil && len(node.MCPServerKeys) > 0 {
		bundle := o.integrations.BundleFor(node.MCPServerKeys)
		req.NodeExecution.Integrations = bundle.Values
		for _, w := range bundle.Warnings {
			o.logger.Warn("integration gap",
				zap.String("node_id", node.ID),
				zap.String("warning", w))
		}
		// Gaps outlive the log stream: record them on the node so run
		// inspection shows which integrations were missing.
		if len(bundle.Warnings) > 0 {
			if updated, err := o.store.SetNodeIntegrationWarnings(rec.ID, bundle.Warnings); err != nil {
				o.logger.Warn("record integration warnings",
					zap.String("run_node_id", rec.ID), zap.Error(err))
			} else {
				rec.IntegrationWarnings = updated.IntegrationWarnings
			}
		}
	}

	if node.RoleID != "" {
		pkg, _, err := o.compileInstructions(run, node)
		if err != nil {
			return nil, err
		}
		encoded, err := encodePackage(pkg)
		if err != nil {
			return nil, err
		}
		req.NodeExecution.InstructionPackage = encoded
	}

	return req, nil
}

// nodeConfiguration merges the node's declared runtime class and
// decision conditions into its raw config so the dispatcher can resolve
// the executor image and the executor can evaluate routing from the
// request alone.
func nodeConfiguration(node *flowchart.Node) (json.RawMessage, error) {
	if node.RuntimeClass == "" && len(node.DecisionConditions) == 0 {
		return node.Config, nil
	}
	merged := map[string]any{}
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &merged); err != nil {
			return nil, fmt.Errorf("node %s: invalid config: %w", node.ID, err)
		}
	}
	if node.RuntimeClass != "" {
		merged["runtime_class"] = string(node.RuntimeClass)
	}
	if len(node.DecisionConditions) > 0 {
		merged["conditions"] = node.DecisionConditions
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// contextSegments collects predecessor output along context-carrying
// edges, in the flowchart's stable predecessor order.
func contextSegments(fc *flowchart.Flowchart, state map[string]*store.FlowchartRunNode, nodeID string) []contract.ContextSegment {
	var segments []contract.ContextSegment
	for _, predID := range fc.ContextPredecessors(nodeID) {
		rec, ok := state[predID]
		if !ok || rec.Status != store.NodeSucceeded || len(rec.OutputState) == 0 {
			continue
		}
		segments = append(segments, contract.ContextSegment{
			NodeID:  predID,
			Content: rec.OutputState,
		})
	}
	return segments
}

// attachmentRefs collects attachment references a predecessor published
// in its output state, along attachment-carrying edges.
func attachmentRefs(fc *flowchart.Flowchart, state map[string]*store.FlowchartRunNode, nodeID string) []contract.AttachmentRef {
	var refs []contract.AttachmentRef
	for _, predID := range fc.AttachmentPredecessors(nodeID) {
		rec, ok := state[predID]
		if !ok || rec.Status != store.NodeSucceeded || len(rec.OutputState) == 0 {
			continue
		}
		var out struct {
			Attachments []contract.AttachmentRef `json:"attachments"`
		}
		if err := json.Unmarshal(rec.OutputState, &out); err != nil {
			continue
		}
		refs = append(refs, out.Attachments...)
	}
	return refs
}

// compileInstructions resolves role/agent bodies and compiles the
// deterministic package for one node. Priorities are included only for
// autorun-triggered runs.
func (o *Orchestrator) compileInstructions(run *store.FlowchartRun, node *flowchart.Node) (*instructions.Package, store.AdapterMode, error) {
	if o.source == nil {
		return nil, "", fmt.Errorf("node %s names role %q but no instruction source is configured", node.ID, node.RoleID)
	}
	roleBody, roleVersion, err := o.source.Role(node.RoleID)
	if err != nil {
		return nil, "", err
	}
	agentID := node.AgentID
	if agentID == "" {
		agentID = node.RoleID
	}
	agentBody, agentVersion, err := o.source.Agent(agentID)
	if err != nil {
		return nil, "", err
	}

	in := instructions.Input{
		RoleID:       node.RoleID,
		RoleVersion:  roleVersion,
		RoleBody:     roleBody,
		AgentID:      agentID,
		AgentVersion: agentVersion,
		AgentBody:    agentBody,
		RunMode:      runMode(run),
		ProviderID:   node.DefaultModelID,
	}
	if in.RunMode == instructions.RunModeAutorun {
		priorities, err := o.source.Priorities()
		if err != nil {
			return nil, "", err
		}
		in.Priorities = priorities
	}

	pkg, err := instructions.Compile(in)
	if err != nil {
		return nil, "", err
	}

	mode := store.AdapterFallback
	if adapter := o.adapters.Resolve(in.ProviderID); adapter != nil && adapter.Describe() != "fallback" {
		mode = store.AdapterNative
	}
	return pkg, mode, nil
}

func runMode(run *store.FlowchartRun) instructions.RunMode {
	if run.TriggerKind == "autorun" || run.TriggerKind == "schedule" {
		return instructions.RunModeAutorun
	}
	return instructions.RunModeInteractive
}

// encodePackage renders the package the way the executor consumes it.
func encodePackage(pkg *instructions.Package) (json.RawMessage, error) {
	payload := struct {
		Artifacts   map[string]string     `json:"artifacts"`
		Manifest    instructions.Manifest `json:"manifest"`
		PackageHash string                `json:"package_hash"`
		Warnings    []string              `json:"warnings,omitempty"`
	}{pkg.Artifacts, pkg.Manifest, pkg.Manifest.PackageHash, pkg.Warnings}
	return json.Marshal(payload)
}
