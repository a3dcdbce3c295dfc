package flowchart

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yamlNode mirrors Node for YAML authoring, where config is a free-form
// mapping rather than raw JSON.
type yamlNode struct {
	ID                 string              `yaml:"id"`
	Type               NodeType            `yaml:"type"`
	Name               string              `yaml:"name"`
	RuntimeClass       RuntimeClass        `yaml:"runtime_class"`
	OnFailureContinue  bool                `yaml:"on_failure_continue"`
	Config             map[string]any      `yaml:"config"`
	DecisionConditions []DecisionCondition `yaml:"decision_conditions"`
	MCPServerKeys      []string            `yaml:"mcp_server_keys"`
	RoleID             string              `yaml:"role_id"`
	AgentID            string              `yaml:"agent_id"`
	DefaultModelID     string              `yaml:"default_model_id"`
}

type yamlDefinition struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Nodes []yamlNode `yaml:"nodes"`
	Edges []Edge     `yaml:"edges"`
}

// ParseYAML decodes a YAML-authored definition. Node config mappings are
// re-encoded as JSON so the rest of the system sees one wire form.
func ParseYAML(data []byte) (Definition, error) {
	var yd yamlDefinition
	if err := yaml.Unmarshal(data, &yd); err != nil {
		return Definition{}, fmt.Errorf("parse flowchart yaml: %w", err)
	}
	def := Definition{ID: yd.ID, Name: yd.Name, Edges: yd.Edges}
	def.Nodes = make([]Node, 0, len(yd.Nodes))
	for _, yn := range yd.Nodes {
		n := Node{
			ID:                 yn.ID,
			Type:               yn.Type,
			Name:               yn.Name,
			RuntimeClass:       yn.RuntimeClass,
			OnFailureContinue:  yn.OnFailureContinue,
			DecisionConditions: yn.DecisionConditions,
			MCPServerKeys:      yn.MCPServerKeys,
			RoleID:             yn.RoleID,
			AgentID:            yn.AgentID,
			DefaultModelID:     yn.DefaultModelID,
		}
		if len(yn.Config) > 0 {
			raw, err := json.Marshal(yn.Config)
			if err != nil {
				return Definition{}, fmt.Errorf("node %q: encode config: %w", yn.ID, err)
			}
			n.Config = raw
		}
		def.Nodes = append(def.Nodes, n)
	}
	return def, nil
}

// ParseJSON decodes a JSON definition (the snapshot/store form).
func ParseJSON(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse flowchart json: %w", err)
	}
	return def, nil
}

// EncodeJSON renders the snapshot form persisted with each run.
func EncodeJSON(def Definition) ([]byte, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode flowchart: %w", err)
	}
	return data, nil
}
