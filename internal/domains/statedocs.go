package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State documents live under <workspace_root>/.state/ as JSON files. The
// memory, plan and milestone domains mutate them with shared matching
// rules: match by id first, then by normalized key; an ambiguous key match
// fails the whole operation, a missing target is a soft skip.

// StateDirName is the sandbox subdirectory holding the state documents.
const StateDirName = ".state"

type memoryEntry struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type memoryDoc struct {
	Entries []memoryEntry `json:"entries"`
}

type planTask struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type planStage struct {
	ID     string     `json:"id"`
	Key    string     `json:"key"`
	Status string     `json:"status,omitempty"`
	Tasks  []planTask `json:"tasks,omitempty"`
}

type planDoc struct {
	Stages []planStage `json:"stages"`
}

type milestone struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Health   string `json:"health,omitempty"`
}

type milestoneDoc struct {
	Milestones []milestone `json:"milestones"`
}

type stateDomain struct {
	mu sync.Mutex
}

func registerStateDocs(r *Registry) {
	sd := &stateDomain{}
	r.Register("memory", "append", sd.memoryAppend)
	r.Register("memory", "replace", sd.memoryReplace)
	r.Register("memory", "update", sd.memoryUpdate)
	r.Register("plan", "append", sd.planAppend)
	r.Register("plan", "replace", sd.planReplace)
	r.Register("plan", "update", sd.planUpdate)
	r.Register("milestone", "append", sd.milestoneAppend)
	r.Register("milestone", "replace", sd.milestoneReplace)
	r.Register("milestone", "update", sd.milestoneUpdate)
}

// normalizeKey folds case and whitespace so near-identical keys collide
// instead of silently diverging.
func normalizeKey(k string) string {
	return strings.Join(strings.Fields(strings.ToLower(k)), " ")
}

func stateFile(tc *Context, name string) (string, error) {
	dir := filepath.Join(tc.WorkspaceRoot, StateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", executionErr("create state dir: %v", err)
	}
	return filepath.Join(dir, name), nil
}

func loadStateDoc(tc *Context, name string, into any) error {
	path, err := stateFile(tc, name)
	if err != nil {
		return err
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return nil
		}
		return executionErr("read %s: %v", name, rerr)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return executionErr("parse %s: %v", name, err)
	}
	return nil
}

func saveStateDoc(tc *Context, name string, doc any) error {
	path, err := stateFile(tc, name)
	if err != nil {
		return err
	}
	data, merr := json.MarshalIndent(doc, "", "  ")
	if merr != nil {
		return executionErr("encode %s: %v", name, merr)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return executionErr("write %s: %v", name, err)
	}
	return nil
}

// matchTarget finds one element by id, falling back to normalized key.
// Returns the index, -1 when nothing matches, and an error when the key
// matches more than one element.
func matchTarget(n int, id, key string, idAt func(int) string, keyAt func(int) string) (int, error) {
	if id != "" {
		for i := 0; i < n; i++ {
			if idAt(i) == id {
				return i, nil
			}
		}
	}
	if key == "" {
		return -1, nil
	}
	want := normalizeKey(key)
	found := -1
	for i := 0; i < n; i++ {
		if normalizeKey(keyAt(i)) == want {
			if found >= 0 {
				return -1, validationErr("key %q matches multiple entries", key)
			}
			found = i
		}
	}
	return found, nil
}

// --- memory ---

type memoryAppendParams struct {
	Entries []memoryEntry `json:"entries"`
}

type memoryUpdateParams struct {
	Updates []memoryEntry `json:"updates"`
}

func (sd *stateDomain) memoryAppend(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p memoryAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Entries) == 0 {
		return nil, validationErr("entries are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc memoryDoc
	if err := loadStateDoc(tc, "memory.json", &doc); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Key == "" {
			return nil, validationErr("memory entry needs a key")
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.UpdatedAt = now
		doc.Entries = append(doc.Entries, e)
		ids = append(ids, e.ID)
	}
	if err := saveStateDoc(tc, "memory.json", &doc); err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"entry_ids": ids},
		Counts: map[string]int{"appended": len(ids)},
	}, nil
}

func (sd *stateDomain) memoryReplace(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p memoryAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	doc := memoryDoc{Entries: make([]memoryEntry, 0, len(p.Entries))}
	for _, e := range p.Entries {
		if e.Key == "" {
			return nil, validationErr("memory entry needs a key")
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.UpdatedAt = now
		doc.Entries = append(doc.Entries, e)
	}
	if err := saveStateDoc(tc, "memory.json", &doc); err != nil {
		return nil, err
	}
	return &Result{Counts: map[string]int{"replaced": len(doc.Entries)}}, nil
}

func (sd *stateDomain) memoryUpdate(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p memoryUpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Updates) == 0 {
		return nil, validationErr("updates are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc memoryDoc
	if err := loadStateDoc(tc, "memory.json", &doc); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	updated, skipped := 0, 0
	var warnings []string
	for _, u := range p.Updates {
		if u.ID == "" && u.Key == "" {
			return nil, validationErr("update needs id or key")
		}
		idx, err := matchTarget(len(doc.Entries), u.ID, u.Key,
			func(i int) string { return doc.Entries[i].ID },
			func(i int) string { return doc.Entries[i].Key })
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			skipped++
			warnings = append(warnings, fmt.Sprintf("no entry matches %s", targetLabel(u.ID, u.Key)))
			continue
		}
		doc.Entries[idx].Content = u.Content
		doc.Entries[idx].UpdatedAt = now
		updated++
	}
	if err := saveStateDoc(tc, "memory.json", &doc); err != nil {
		return nil, err
	}
	return &Result{
		Counts:   map[string]int{"updated": updated, "skipped_missing": skipped},
		Warnings: warnings,
	}, nil
}

// --- plan ---

type planAppendParams struct {
	Stages []planStage `json:"stages"`
}

type planUpdate struct {
	StageID  string `json:"stage_id,omitempty"`
	StageKey string `json:"stage_key,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	TaskKey  string `json:"task_key,omitempty"`
	Status   string `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type planUpdateParams struct {
	Updates []planUpdate `json:"updates"`
}

func (sd *stateDomain) planAppend(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p planAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Stages) == 0 {
		return nil, validationErr("stages are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc planDoc
	if err := loadStateDoc(tc, "plan.json", &doc); err != nil {
		return nil, err
	}
	added := 0
	for _, s := range p.Stages {
		if s.Key == "" {
			return nil, validationErr("plan stage needs a key")
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		for ti := range s.Tasks {
			if s.Tasks[ti].ID == "" {
				s.Tasks[ti].ID = uuid.NewString()
			}
		}
		doc.Stages = append(doc.Stages, s)
		added++
	}
	if err := saveStateDoc(tc, "plan.json", &doc); err != nil {
		return nil, err
	}
	return &Result{Counts: map[string]int{"stages_appended": added}}, nil
}

func (sd *stateDomain) planReplace(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p planAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	doc := planDoc{Stages: make([]planStage, 0, len(p.Stages))}
	for _, s := range p.Stages {
		if s.Key == "" {
			return nil, validationErr("plan stage needs a key")
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		for ti := range s.Tasks {
			if s.Tasks[ti].ID == "" {
				s.Tasks[ti].ID = uuid.NewString()
			}
		}
		doc.Stages = append(doc.Stages, s)
	}
	if err := saveStateDoc(tc, "plan.json", &doc); err != nil {
		return nil, err
	}
	return &Result{Counts: map[string]int{"stages_replaced": len(doc.Stages)}}, nil
}

func (sd *stateDomain) planUpdate(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p planUpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Updates) == 0 {
		return nil, validationErr("updates are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc planDoc
	if err := loadStateDoc(tc, "plan.json", &doc); err != nil {
		return nil, err
	}
	updated, skipped := 0, 0
	var warnings []string
	for _, u := range p.Updates {
		if u.StageID == "" && u.StageKey == "" {
			return nil, validationErr("plan update needs stage_id or stage_key")
		}
		si, err := matchTarget(len(doc.Stages), u.StageID, u.StageKey,
			func(i int) string { return doc.Stages[i].ID },
			func(i int) string { return doc.Stages[i].Key })
		if err != nil {
			return nil, err
		}
		if si < 0 {
			skipped++
			warnings = append(warnings, fmt.Sprintf("no stage matches %s", targetLabel(u.StageID, u.StageKey)))
			continue
		}
		if u.TaskID == "" && u.TaskKey == "" {
			if u.Status != "" {
				doc.Stages[si].Status = u.Status
			}
			updated++
			continue
		}
		stage := &doc.Stages[si]
		ti, err := matchTarget(len(stage.Tasks), u.TaskID, u.TaskKey,
			func(i int) string { return stage.Tasks[i].ID },
			func(i int) string { return stage.Tasks[i].Key })
		if err != nil {
			return nil, err
		}
		if ti < 0 {
			skipped++
			warnings = append(warnings, fmt.Sprintf("no task matches %s", targetLabel(u.TaskID, u.TaskKey)))
			continue
		}
		if u.Status != "" {
			stage.Tasks[ti].Status = u.Status
		}
		if u.Detail != "" {
			stage.Tasks[ti].Detail = u.Detail
		}
		updated++
	}
	if err := saveStateDoc(tc, "plan.json", &doc); err != nil {
		return nil, err
	}
	return &Result{
		Counts:   map[string]int{"updated": updated, "skipped_missing": skipped},
		Warnings: warnings,
	}, nil
}

// --- milestone ---

type milestoneAppendParams struct {
	Milestones []milestone `json:"milestones"`
}

type milestoneUpdateParams struct {
	Updates []milestone `json:"updates"`
}

func (sd *stateDomain) milestoneAppend(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p milestoneAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Milestones) == 0 {
		return nil, validationErr("milestones are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc milestoneDoc
	if err := loadStateDoc(tc, "milestones.json", &doc); err != nil {
		return nil, err
	}
	for _, m := range p.Milestones {
		if m.Key == "" {
			return nil, validationErr("milestone needs a key")
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		doc.Milestones = append(doc.Milestones, m)
	}
	if err := saveStateDoc(tc, "milestones.json", &doc); err != nil {
		return nil, err
	}
	return &Result{Counts: map[string]int{"appended": len(p.Milestones)}}, nil
}

func (sd *stateDomain) milestoneReplace(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p milestoneAppendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	doc := milestoneDoc{Milestones: make([]milestone, 0, len(p.Milestones))}
	for _, m := range p.Milestones {
		if m.Key == "" {
			return nil, validationErr("milestone needs a key")
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		doc.Milestones = append(doc.Milestones, m)
	}
	if err := saveStateDoc(tc, "milestones.json", &doc); err != nil {
		return nil, err
	}
	return &Result{Counts: map[string]int{"replaced": len(doc.Milestones)}}, nil
}

func (sd *stateDomain) milestoneUpdate(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p milestoneUpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Updates) == 0 {
		return nil, validationErr("updates are required")
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	var doc milestoneDoc
	if err := loadStateDoc(tc, "milestones.json", &doc); err != nil {
		return nil, err
	}
	updated, skipped := 0, 0
	var warnings []string
	for _, u := range p.Updates {
		if u.ID == "" && u.Key == "" {
			return nil, validationErr("update needs id or key")
		}
		idx, err := matchTarget(len(doc.Milestones), u.ID, u.Key,
			func(i int) string { return doc.Milestones[i].ID },
			func(i int) string { return doc.Milestones[i].Key })
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			skipped++
			warnings = append(warnings, fmt.Sprintf("no milestone matches %s", targetLabel(u.ID, u.Key)))
			continue
		}
		if u.Status != "" {
			doc.Milestones[idx].Status = u.Status
		}
		if u.Priority != "" {
			doc.Milestones[idx].Priority = u.Priority
		}
		if u.Health != "" {
			doc.Milestones[idx].Health = u.Health
		}
		updated++
	}
	if err := saveStateDoc(tc, "milestones.json", &doc); err != nil {
		return nil, err
	}
	return &Result{
		Counts:   map[string]int{"updated": updated, "skipped_missing": skipped},
		Warnings: warnings,
	}, nil
}

func targetLabel(id, key string) string {
	if id != "" {
		return "id " + id
	}
	return "key " + key
}
