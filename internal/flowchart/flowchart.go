// Package flowchart defines the graph model the orchestrator executes:
// typed nodes, typed edges, and the compiled adjacency form used for
// activation walks. Definitions are what users author and what run
// snapshots persist; compiling one validates it and builds O(1) lookups.
package flowchart

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeType identifies what a node does when activated.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeDecision  NodeType = "decision"
	NodePlan      NodeType = "plan"
	NodeMemory    NodeType = "memory"
	NodeMilestone NodeType = "milestone"
	NodeRag       NodeType = "rag"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeTask, NodeDecision, NodePlan,
		NodeMemory, NodeMilestone, NodeRag:
		return true
	}
	return false
}

// RuntimeClass selects the executor image pair for dispatched nodes.
type RuntimeClass string

const (
	RuntimeFrontier RuntimeClass = "frontier"
	RuntimeVLLM     RuntimeClass = "vllm"
)

// RoutingMode declares what an edge carries between two nodes.
type RoutingMode string

const (
	// RouteTriggerAndContext gates activation and forwards output context.
	RouteTriggerAndContext RoutingMode = "trigger_and_context"
	// RouteTriggerContextAttachments additionally forwards attachments.
	RouteTriggerContextAttachments RoutingMode = "trigger_context_and_attachments"
	// RouteContextOnly forwards context without gating activation.
	RouteContextOnly RoutingMode = "context_only"
	// RouteAttachmentsOnly forwards attachments without gating activation.
	RouteAttachmentsOnly RoutingMode = "attachments_only"
)

// Triggers reports whether the mode gates successor activation.
func (m RoutingMode) Triggers() bool {
	return m == RouteTriggerAndContext || m == RouteTriggerContextAttachments
}

// CarriesContext reports whether predecessor output flows along the edge.
func (m RoutingMode) CarriesContext() bool {
	return m == RouteTriggerAndContext || m == RouteTriggerContextAttachments || m == RouteContextOnly
}

// CarriesAttachments reports whether attachments flow along the edge.
func (m RoutingMode) CarriesAttachments() bool {
	return m == RouteTriggerContextAttachments || m == RouteAttachmentsOnly
}

// Valid reports whether m is a known routing mode.
func (m RoutingMode) Valid() bool {
	switch m {
	case RouteTriggerAndContext, RouteTriggerContextAttachments,
		RouteContextOnly, RouteAttachmentsOnly:
		return true
	}
	return false
}

// ConditionOp is a comparison operator inside a decision condition.
type ConditionOp string

const (
	OpEquals    ConditionOp = "equals"
	OpNotEquals ConditionOp = "not_equals"
	OpContains  ConditionOp = "contains"
	OpExists    ConditionOp = "exists"
	OpGT        ConditionOp = "gt"
	OpLT        ConditionOp = "lt"
)

// DecisionCondition binds one outgoing connector to a predicate over the
// node's merged input context. Evaluation lives in the domains package.
type DecisionCondition struct {
	ConnectorID string      `json:"connector_id" yaml:"connector_id"`
	Key         string      `json:"key" yaml:"key"`
	Op          ConditionOp `json:"op" yaml:"op"`
	Value       any         `json:"value,omitempty" yaml:"value,omitempty"`
}

// Node is one vertex of a flowchart definition.
type Node struct {
	ID                 string              `json:"id" yaml:"id"`
	Type               NodeType            `json:"type" yaml:"type"`
	Name               string              `json:"name,omitempty" yaml:"name,omitempty"`
	RuntimeClass       RuntimeClass        `json:"runtime_class,omitempty" yaml:"runtime_class,omitempty"`
	OnFailureContinue  bool                `json:"on_failure_continue,omitempty" yaml:"on_failure_continue,omitempty"`
	Config             json.RawMessage     `json:"config,omitempty" yaml:"-"`
	DecisionConditions []DecisionCondition `json:"decision_conditions,omitempty" yaml:"decision_conditions,omitempty"`
	MCPServerKeys      []string            `json:"mcp_server_keys,omitempty" yaml:"mcp_server_keys,omitempty"`
	RoleID             string              `json:"role_id,omitempty" yaml:"role_id,omitempty"`
	AgentID            string              `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	DefaultModelID     string              `json:"default_model_id,omitempty" yaml:"default_model_id,omitempty"`
}

// Edge is one directed, typed connection between two nodes.
type Edge struct {
	ID          string      `json:"id,omitempty" yaml:"id,omitempty"`
	From        string      `json:"from" yaml:"from"`
	To          string      `json:"to" yaml:"to"`
	RoutingMode RoutingMode `json:"routing_mode" yaml:"routing_mode"`
	RouteKey    string      `json:"route_key,omitempty" yaml:"route_key,omitempty"`
}

// Definition is the serializable flowchart: what users author, what the
// store snapshots per run.
type Definition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Flowchart is a compiled definition: validated, indexed, walk-ready.
type Flowchart struct {
	def       Definition
	nodeIndex map[string]int
	outEdges  map[string][]int
	inEdges   map[string][]int
	topoIndex map[string]int
	startID   string
}

// Compile validates a definition and builds the adjacency form.
func Compile(def Definition) (*Flowchart, error) {
	f := &Flowchart{
		def:       def,
		nodeIndex: make(map[string]int, len(def.Nodes)),
		outEdges:  make(map[string][]int),
		inEdges:   make(map[string][]int),
		topoIndex: make(map[string]int, len(def.Nodes)),
	}

	for i, n := range def.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node %d: empty id", i)
		}
		if !n.Type.Valid() {
			return nil, fmt.Errorf("node %q: unknown type %q", n.ID, n.Type)
		}
		if _, dup := f.nodeIndex[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		f.nodeIndex[n.ID] = i
		if n.Type == NodeStart {
			if f.startID != "" {
				return nil, fmt.Errorf("multiple start nodes: %q and %q", f.startID, n.ID)
			}
			f.startID = n.ID
		}
	}

	for i, e := range def.Edges {
		if _, ok := f.nodeIndex[e.From]; !ok {
			return nil, fmt.Errorf("edge %d: unknown source node %q", i, e.From)
		}
		if _, ok := f.nodeIndex[e.To]; !ok {
			return nil, fmt.Errorf("edge %d: unknown target node %q", i, e.To)
		}
		if !e.RoutingMode.Valid() {
			return nil, fmt.Errorf("edge %d (%s→%s): unknown routing mode %q", i, e.From, e.To, e.RoutingMode)
		}
		f.outEdges[e.From] = append(f.outEdges[e.From], i)
		f.inEdges[e.To] = append(f.inEdges[e.To], i)
	}

	if err := f.computeTopoOrder(); err != nil {
		return nil, err
	}
	return f, nil
}

// computeTopoOrder walks trigger edges with Kahn's algorithm, taking ready
// nodes in lexicographic order so downstream ordering is deterministic.
// A cycle over trigger edges means some path never terminates.
func (f *Flowchart) computeTopoOrder() error {
	indeg := make(map[string]int, len(f.def.Nodes))
	for _, n := range f.def.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range f.def.Edges {
		if e.RoutingMode.Triggers() {
			indeg[e.To]++
		}
	}

	ready := make([]string, 0, len(indeg))
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	placed := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		f.topoIndex[id] = placed
		placed++

		var unlocked []string
		for _, ei := range f.outEdges[id] {
			e := f.def.Edges[ei]
			if !e.RoutingMode.Triggers() {
				continue
			}
			indeg[e.To]--
			if indeg[e.To] == 0 {
				unlocked = append(unlocked, e.To)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if placed != len(f.def.Nodes) {
		return fmt.Errorf("trigger edges form a cycle; %d of %d nodes unreachable from a terminating order", len(f.def.Nodes)-placed, len(f.def.Nodes))
	}
	return nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// Definition returns the underlying definition.
func (f *Flowchart) Definition() Definition { return f.def }

// StartID returns the id of the start node, or "" when the chart has none.
func (f *Flowchart) StartID() string { return f.startID }

// Node returns the node with the given id.
func (f *Flowchart) Node(id string) (*Node, bool) {
	i, ok := f.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return &f.def.Nodes[i], true
}

// Nodes returns all nodes in definition order.
func (f *Flowchart) Nodes() []Node { return f.def.Nodes }

// OutEdges returns the outgoing edges of a node in definition order.
func (f *Flowchart) OutEdges(id string) []Edge {
	idxs := f.outEdges[id]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, f.def.Edges[i])
	}
	return out
}

// InEdges returns the inbound edges of a node in definition order.
func (f *Flowchart) InEdges(id string) []Edge {
	idxs := f.inEdges[id]
	out := make([]Edge, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, f.def.Edges[i])
	}
	return out
}

// TriggerPredecessors returns the ids of nodes whose trigger edges gate
// activation of the given node.
func (f *Flowchart) TriggerPredecessors(id string) []string {
	var out []string
	for _, ei := range f.inEdges[id] {
		e := f.def.Edges[ei]
		if e.RoutingMode.Triggers() {
			out = append(out, e.From)
		}
	}
	return out
}

// ContextPredecessors returns predecessors whose edges carry context into
// the node, sorted by topological position with lexicographic tie-break.
// This is the stable order input assembly concatenates in.
func (f *Flowchart) ContextPredecessors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ei := range f.inEdges[id] {
		e := f.def.Edges[ei]
		if e.RoutingMode.CarriesContext() && !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := f.topoIndex[out[i]], f.topoIndex[out[j]]
		if ti != tj {
			return ti < tj
		}
		return out[i] < out[j]
	})
	return out
}

// AttachmentPredecessors returns predecessors whose edges forward
// attachments into the node, in the same stable order as context.
func (f *Flowchart) AttachmentPredecessors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ei := range f.inEdges[id] {
		e := f.def.Edges[ei]
		if e.RoutingMode.CarriesAttachments() && !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := f.topoIndex[out[i]], f.topoIndex[out[j]]
		if ti != tj {
			return ti < tj
		}
		return out[i] < out[j]
	})
	return out
}

// TopoIndex returns the node's position in the deterministic activation
// order computed at compile time.
func (f *Flowchart) TopoIndex(id string) int { return f.topoIndex[id] }
