package domains

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a workspace-relative path and confines it to the
// workspace root. Absolute paths, traversal above root, and symlinks that
// escape the root all fail with validation_error.
func resolvePath(tc *Context, rel string) (string, error) {
	if rel == "" {
		return "", validationErr("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", validationErr("absolute paths are not allowed: %q", rel)
	}
	root, err := filepath.Abs(tc.WorkspaceRoot)
	if err != nil {
		return "", executionErr("resolve workspace root: %v", err)
	}
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	if !pathIsWithin(abs, root) {
		return "", validationErr("path escapes workspace: %q", rel)
	}

	// Resolve symlinks on the deepest existing ancestor so a link inside the
	// workspace cannot point outside it.
	probe := abs
	for {
		if _, serr := os.Lstat(probe); serr == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	resolved, err := filepath.EvalSymlinks(probe)
	if err == nil {
		resolvedRoot, rerr := filepath.EvalSymlinks(root)
		if rerr == nil && !pathIsWithin(resolved, resolvedRoot) && resolved != resolvedRoot {
			return "", validationErr("path escapes workspace via symlink: %q", rel)
		}
	}
	return abs, nil
}

func pathIsWithin(path, scope string) bool {
	rel, err := filepath.Rel(scope, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
