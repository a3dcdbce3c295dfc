package domains

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/marcus-qen/llmctl/internal/flowchart"
)

type decisionParams struct {
	Conditions []flowchart.DecisionCondition `json:"conditions"`
	Input      json.RawMessage               `json:"input"`
}

func registerDecision(r *Registry) {
	r.Register("decision", "evaluate", decisionEvaluate)
}

func decisionEvaluate(_ context.Context, _ *Context, params json.RawMessage) (*Result, error) {
	var p decisionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Conditions) == 0 {
		return nil, validationErr("decision requires at least one condition")
	}
	var input map[string]any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return nil, validationErr("decode decision input: %v", err)
		}
	}

	matched, err := EvaluateConditions(p.Conditions, input)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"matched_connector_ids": matched},
		Counts: map[string]int{"conditions": len(p.Conditions), "matched": len(matched)},
	}, nil
}

// EvaluateConditions evaluates each condition against the input document and
// collects connector ids in condition order, deduplicated. The input is
// addressed by dot path ("result.outcome").
func EvaluateConditions(conds []flowchart.DecisionCondition, input map[string]any) ([]string, error) {
	matched := []string{}
	seen := map[string]bool{}
	for i, c := range conds {
		if c.ConnectorID == "" {
			return nil, validationErr("condition %d has no connector_id", i)
		}
		if c.Key == "" {
			return nil, validationErr("condition %d has no key", i)
		}
		val, ok := lookupPath(input, c.Key)
		hit, err := evalOp(c.Op, val, ok, c.Value)
		if err != nil {
			return nil, validationErr("condition %d (%s): %v", i, c.ConnectorID, err)
		}
		if hit && !seen[c.ConnectorID] {
			matched = append(matched, c.ConnectorID)
			seen[c.ConnectorID] = true
		}
	}
	return matched, nil
}

func evalOp(op flowchart.ConditionOp, val any, present bool, want any) (bool, error) {
	switch op {
	case flowchart.OpExists:
		return present, nil
	case flowchart.OpEquals:
		return present && looseEqual(val, want), nil
	case flowchart.OpNotEquals:
		return !present || !looseEqual(val, want), nil
	case flowchart.OpContains:
		if !present {
			return false, nil
		}
		return containsValue(val, want), nil
	case flowchart.OpGT, flowchart.OpLT:
		if !present {
			return false, nil
		}
		a, aok := toFloat(val)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, nil
		}
		if op == flowchart.OpGT {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, validationErr("unknown op %q", op)
	}
}

// looseEqual compares across JSON's number/string representations so a
// condition value authored as "3" matches a numeric 3 in the input.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func containsValue(val, want any) bool {
	switch v := val.(type) {
	case string:
		ws, ok := want.(string)
		return ok && strings.Contains(v, ws)
	case []any:
		for _, item := range v {
			if looseEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// lookupPath walks a dot path through nested JSON objects.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
