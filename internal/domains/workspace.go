package domains

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

type listParams struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type listEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

type readParams struct {
	Path string `json:"path"`
}

type writeParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"` // "create" refuses overwrite
}

type applyPatchParams struct {
	Patch string `json:"patch"`
}

type renameParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type chmodParams struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

func registerWorkspace(r *Registry) {
	r.Register("workspace", "list", workspaceList)
	r.Register("workspace", "read", workspaceRead)
	r.Register("workspace", "write", workspaceWrite)
	r.Register("workspace", "apply_patch", workspaceApplyPatch)
	r.Register("workspace", "rename", workspaceRename)
	r.Register("workspace", "chmod", workspaceChmod)
}

func workspaceList(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p listParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "."
	}
	root, err := resolvePath(tc, p.Path)
	if err != nil {
		return nil, err
	}

	var entries []listEntry
	if p.Recursive {
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if path == root {
				return nil
			}
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				return rerr
			}
			entry := listEntry{Path: filepath.ToSlash(rel), IsDir: d.IsDir()}
			if !d.IsDir() {
				if info, ierr := d.Info(); ierr == nil {
					entry.Size = info.Size()
				}
			}
			entries = append(entries, entry)
			if len(entries) > tc.Limits.MaxFiles {
				return executionErr("listing exceeds %d entries", tc.Limits.MaxFiles)
			}
			return nil
		})
		if err != nil {
			return nil, asEnvelope(err)
		}
	} else {
		dirents, derr := os.ReadDir(root)
		if derr != nil {
			return nil, executionErr("list %s: %v", p.Path, derr)
		}
		for _, d := range dirents {
			entry := listEntry{Path: d.Name(), IsDir: d.IsDir()}
			if !d.IsDir() {
				if info, ierr := d.Info(); ierr == nil {
					entry.Size = info.Size()
				}
			}
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	return &Result{
		Output: map[string]any{"entries": entries},
		Counts: map[string]int{"entries": len(entries)},
	}, nil
}

func workspaceRead(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p readParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := resolvePath(tc, p.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, executionErr("stat %s: %v", p.Path, err)
	}
	if info.IsDir() {
		return nil, validationErr("%s is a directory", p.Path)
	}
	if info.Size() > tc.Limits.MaxFileBytes {
		return nil, validationErr("%s exceeds %d bytes", p.Path, tc.Limits.MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, executionErr("read %s: %v", p.Path, err)
	}
	return &Result{
		Output: map[string]any{"path": p.Path, "content": string(data)},
		Counts: map[string]int{"bytes_read": len(data)},
	}, nil
}

func workspaceWrite(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p writeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := resolvePath(tc, p.Path)
	if err != nil {
		return nil, err
	}
	if int64(len(p.Content)) > tc.Limits.MaxFileBytes {
		return nil, validationErr("content for %s exceeds %d bytes", p.Path, tc.Limits.MaxFileBytes)
	}
	if p.Mode == "create" {
		if _, serr := os.Stat(path); serr == nil {
			return nil, validationErr("%s already exists", p.Path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, executionErr("mkdir for %s: %v", p.Path, err)
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return nil, executionErr("write %s: %v", p.Path, err)
	}
	return &Result{
		Output: map[string]any{"path": p.Path},
		Counts: map[string]int{"bytes_written": len(p.Content)},
	}, nil
}

func workspaceApplyPatch(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p applyPatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Patch == "" {
		return nil, validationErr("empty patch")
	}
	files, err := parseUnifiedDiff(p.Patch)
	if err != nil {
		return nil, validationErr("parse patch: %v", err)
	}
	touched := make([]string, 0, len(files))
	hunks := 0
	for _, fp := range files {
		path, rerr := resolvePath(tc, fp.Path)
		if rerr != nil {
			return nil, rerr
		}
		var original string
		if data, serr := os.ReadFile(path); serr == nil {
			original = string(data)
		} else if !os.IsNotExist(serr) {
			return nil, executionErr("read %s: %v", fp.Path, serr)
		} else if !fp.NewFile {
			return nil, validationErr("patch targets missing file %s", fp.Path)
		}
		patched, aerr := fp.apply(original)
		if aerr != nil {
			return nil, validationErr("apply to %s: %v", fp.Path, aerr)
		}
		if fp.Delete {
			if err := os.Remove(path); err != nil {
				return nil, executionErr("delete %s: %v", fp.Path, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, executionErr("mkdir for %s: %v", fp.Path, err)
			}
			if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
				return nil, executionErr("write %s: %v", fp.Path, err)
			}
		}
		touched = append(touched, fp.Path)
		hunks += len(fp.Hunks)
	}
	return &Result{
		Output: map[string]any{"files": touched},
		Counts: map[string]int{"files_patched": len(touched), "hunks_applied": hunks},
	}, nil
}

func workspaceRename(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p renameParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	from, err := resolvePath(tc, p.From)
	if err != nil {
		return nil, err
	}
	to, err := resolvePath(tc, p.To)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return nil, executionErr("mkdir for %s: %v", p.To, err)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, executionErr("rename %s to %s: %v", p.From, p.To, err)
	}
	return &Result{
		Output: map[string]any{"from": p.From, "to": p.To},
		Counts: map[string]int{"renamed": 1},
	}, nil
}

func workspaceChmod(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p chmodParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Mode == 0 || p.Mode > 0o777 {
		return nil, validationErr("invalid file mode %o", p.Mode)
	}
	path, err := resolvePath(tc, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, os.FileMode(p.Mode)); err != nil {
		return nil, executionErr("chmod %s: %v", p.Path, err)
	}
	return &Result{
		Output: map[string]any{"path": p.Path},
		Counts: map[string]int{"changed": 1},
	}, nil
}
