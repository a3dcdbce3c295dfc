package domains

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
)

type gitParams struct {
	Branch  string   `json:"branch,omitempty"`
	Message string   `json:"message,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Remote  string   `json:"remote,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Onto    string   `json:"onto,omitempty"`
	Commits []string `json:"commits,omitempty"`
	Title   string   `json:"title,omitempty"`
	Body    string   `json:"body,omitempty"`
	Base    string   `json:"base,omitempty"`
	Create  bool     `json:"create,omitempty"`
}

func registerGit(r *Registry) {
	r.Register("git", "branch", gitBranch)
	r.Register("git", "checkout", gitCheckout)
	r.Register("git", "commit", gitCommit)
	r.Register("git", "push", gitPush)
	r.Register("git", "open_pr", gitOpenPR)
	r.Register("git", "tag", gitTag)
	r.Register("git", "noninteractive_rebase", gitRebase)
	r.Register("git", "cherry_pick", gitCherryPick)
}

// runGit executes git in the workspace root with captured, capped output.
func runGit(ctx context.Context, tc *Context, env map[string]string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = tc.WorkspaceRoot
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
	)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out := newCappedBuffer(tc.Limits.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return out.String(), executionErr("git %s: %v: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func gitBranch(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Branch == "" {
		out, err := runGit(ctx, tc, nil, "branch", "--list", "--format=%(refname:short)")
		if err != nil {
			return nil, err
		}
		branches := strings.Fields(out)
		return &Result{
			Output: map[string]any{"branches": branches},
			Counts: map[string]int{"branches": len(branches)},
		}, nil
	}
	if _, err := runGit(ctx, tc, nil, "branch", p.Branch); err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"branch": p.Branch},
		Counts: map[string]int{"branches_created": 1},
	}, nil
}

func gitCheckout(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Branch == "" {
		return nil, validationErr("branch is required")
	}
	args := []string{"checkout"}
	if p.Create {
		args = append(args, "-b")
	}
	args = append(args, p.Branch)
	if _, err := runGit(ctx, tc, nil, args...); err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"branch": p.Branch},
		Counts: map[string]int{"checkouts": 1},
	}, nil
}

func gitCommit(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, validationErr("commit message is required")
	}
	addArgs := []string{"add"}
	if len(p.Paths) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		for _, path := range p.Paths {
			if _, err := resolvePath(tc, path); err != nil {
				return nil, err
			}
			addArgs = append(addArgs, path)
		}
	}
	if _, err := runGit(ctx, tc, nil, addArgs...); err != nil {
		return nil, err
	}
	if _, err := runGit(ctx, tc, nil, "commit", "-m", p.Message); err != nil {
		return nil, err
	}
	sha, err := runGit(ctx, tc, nil, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"commit": strings.TrimSpace(sha)},
		Counts: map[string]int{"commits": 1},
	}, nil
}

// gitCredentials builds the askpass-free auth env for push/PR. Missing
// credentials are a provider error so the node records a typed failure.
func gitCredentials(tc *Context) (map[string]string, error) {
	token := tc.Integrations["GITHUB_TOKEN"]
	if token == "" {
		token = tc.Integrations["GITLAB_TOKEN"]
	}
	if token == "" {
		return nil, providerErr("git push requires a configured github or gitlab integration")
	}
	return map[string]string{"GIT_ASKPASS": "true", "LLMCTL_GIT_TOKEN": token}, nil
}

func gitPush(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	env, err := gitCredentials(tc)
	if err != nil {
		return nil, err
	}
	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	args := []string{"push", remote}
	if p.Branch != "" {
		args = append(args, p.Branch)
	}
	if _, err := runGit(ctx, tc, env, args...); err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"remote": remote, "branch": p.Branch},
		Counts: map[string]int{"pushes": 1},
	}, nil
}

func gitOpenPR(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := gitCredentials(tc); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, validationErr("pr title is required")
	}
	base := p.Base
	if base == "" {
		base = "main"
	}
	// PR creation goes through the provider CLI so auth, API versioning and
	// host detection stay out of this process.
	env := map[string]string{"GH_TOKEN": tc.Integrations["GITHUB_TOKEN"]}
	cmd := exec.CommandContext(ctx, "gh", "pr", "create", "--title", p.Title, "--body", p.Body, "--base", base)
	cmd.Dir = tc.WorkspaceRoot
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out := newCappedBuffer(tc.Limits.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return nil, providerErr("open pr: %v: %s", err, strings.TrimSpace(out.String()))
	}
	url := strings.TrimSpace(out.String())
	return &Result{
		Output: map[string]any{"url": url},
		Counts: map[string]int{"prs_opened": 1},
	}, nil
}

func gitTag(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Tag == "" {
		return nil, validationErr("tag name is required")
	}
	args := []string{"tag", p.Tag}
	if p.Message != "" {
		args = []string{"tag", "-a", p.Tag, "-m", p.Message}
	}
	if _, err := runGit(ctx, tc, nil, args...); err != nil {
		return nil, err
	}
	return &Result{
		Output: map[string]any{"tag": p.Tag},
		Counts: map[string]int{"tags_created": 1},
	}, nil
}

func gitRebase(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Onto == "" {
		return nil, validationErr("onto is required")
	}
	out, err := runGit(ctx, tc, nil, "rebase", p.Onto)
	if err != nil {
		// Leave the tree clean; a conflicted rebase must not leak into
		// later operations.
		runGit(ctx, tc, nil, "rebase", "--abort")
		return nil, executionErr("rebase onto %s failed: %s", p.Onto, firstLine(out))
	}
	return &Result{
		Output: map[string]any{"onto": p.Onto},
		Counts: map[string]int{"rebases": 1},
	}, nil
}

func gitCherryPick(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p gitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Commits) == 0 {
		return nil, validationErr("commits are required")
	}
	picked := 0
	for _, c := range p.Commits {
		out, err := runGit(ctx, tc, nil, "cherry-pick", c)
		if err != nil {
			runGit(ctx, tc, nil, "cherry-pick", "--abort")
			return nil, executionErr("cherry-pick %s failed after %d picks: %s", c, picked, firstLine(out))
		}
		picked++
	}
	return &Result{
		Output: map[string]any{"commits": p.Commits},
		Counts: map[string]int{"commits_picked": picked},
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
