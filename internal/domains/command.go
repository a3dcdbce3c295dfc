package domains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

type runParams struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Dir            string            `json:"dir,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input,omitempty"`
	Shell     string `json:"shell,omitempty"`
}

type backgroundParams struct {
	JobID   string   `json:"job_id,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// commandDomain holds live sessions and background jobs for one registry.
type commandDomain struct {
	mu       sync.Mutex
	sessions map[string]*shellSession
	jobs     map[string]*backgroundJob
}

type shellSession struct {
	cmd    *exec.Cmd
	stdin  interface{ Write([]byte) (int, error) }
	output *cappedBuffer
	done   chan struct{}
}

type backgroundJob struct {
	cmd      *exec.Cmd
	output   *cappedBuffer
	done     chan struct{}
	exitCode int
	err      error
}

// cappedBuffer keeps at most max bytes, noting truncation.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func registerCommand(r *Registry) {
	cd := &commandDomain{
		sessions: map[string]*shellSession{},
		jobs:     map[string]*backgroundJob{},
	}
	r.Register("command", "run", cd.run)
	r.Register("command", "session_start", cd.sessionStart)
	r.Register("command", "session_send", cd.sessionSend)
	r.Register("command", "session_close", cd.sessionClose)
	r.Register("command", "background_job_start", cd.backgroundStart)
	r.Register("command", "background_job_status", cd.backgroundStatus)
	r.Register("command", "background_job_collect", cd.backgroundCollect)
}

func (cd *commandDomain) run(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p runParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, validationErr("command is required")
	}

	runCtx := ctx
	if p.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	dir := tc.WorkspaceRoot
	if p.Dir != "" {
		resolved, err := resolvePath(tc, p.Dir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	cmd := exec.CommandContext(runCtx, p.Command, p.Args...)
	cmd.Dir = dir
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout := newCappedBuffer(tc.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(tc.Limits.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else if runCtx.Err() == context.DeadlineExceeded {
			return nil, contractTimeout("command %q timed out after %s", p.Command, elapsed.Round(time.Millisecond))
		} else {
			return nil, executionErr("run %q: %v", p.Command, err)
		}
	}

	var warnings []string
	if stdout.Truncated() || stderr.Truncated() {
		warnings = append(warnings, fmt.Sprintf("output truncated at %d bytes", tc.Limits.MaxOutputBytes))
	}
	return &Result{
		Output: map[string]any{
			"exit_code":   exitCode,
			"stdout":      stdout.String(),
			"stderr":      stderr.String(),
			"duration_ms": elapsed.Milliseconds(),
		},
		Counts:   map[string]int{"commands_run": 1},
		Warnings: warnings,
	}, nil
}

func (cd *commandDomain) sessionStart(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p sessionParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}
	shell := p.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Dir = tc.WorkspaceRoot
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, executionErr("open session stdin: %v", err)
	}
	output := newCappedBuffer(tc.Limits.MaxOutputBytes)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, executionErr("start session shell: %v", err)
	}

	sess := &shellSession{cmd: cmd, stdin: stdin, output: output, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(sess.done)
	}()

	id := uuid.NewString()
	cd.mu.Lock()
	cd.sessions[id] = sess
	cd.mu.Unlock()

	return &Result{
		Output: map[string]any{"session_id": id},
		Counts: map[string]int{"sessions_started": 1},
	}, nil
}

func (cd *commandDomain) sessionSend(_ context.Context, _ *Context, params json.RawMessage) (*Result, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cd.mu.Lock()
	sess, ok := cd.sessions[p.SessionID]
	cd.mu.Unlock()
	if !ok {
		return nil, validationErr("unknown session %q", p.SessionID)
	}
	select {
	case <-sess.done:
		return nil, executionErr("session %q has exited", p.SessionID)
	default:
	}
	if _, err := sess.stdin.Write([]byte(p.Input + "\n")); err != nil {
		return nil, executionErr("write to session: %v", err)
	}
	// Give the shell a moment to produce output. Callers poll via repeated
	// sends or collect on close for complete output.
	time.Sleep(150 * time.Millisecond)
	return &Result{
		Output: map[string]any{"output": sess.output.String()},
		Counts: map[string]int{"inputs_sent": 1},
	}, nil
}

func (cd *commandDomain) sessionClose(_ context.Context, _ *Context, params json.RawMessage) (*Result, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cd.mu.Lock()
	sess, ok := cd.sessions[p.SessionID]
	delete(cd.sessions, p.SessionID)
	cd.mu.Unlock()
	if !ok {
		return nil, validationErr("unknown session %q", p.SessionID)
	}
	if c, ok := sess.stdin.(interface{ Close() error }); ok {
		c.Close()
	}
	select {
	case <-sess.done:
	case <-time.After(5 * time.Second):
		sess.cmd.Process.Kill()
		<-sess.done
	}
	return &Result{
		Output: map[string]any{"output": sess.output.String()},
		Counts: map[string]int{"sessions_closed": 1},
	}, nil
}

func (cd *commandDomain) backgroundStart(_ context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p backgroundParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, validationErr("command is required")
	}

	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = tc.WorkspaceRoot
	output := newCappedBuffer(tc.Limits.MaxOutputBytes)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, executionErr("start background job: %v", err)
	}

	job := &backgroundJob{cmd: cmd, output: output, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		job.err = err
		if err != nil {
			// Wait failures without an exit status still mean the job did
			// not finish cleanly.
			job.exitCode = -1
			if ee, ok := err.(*exec.ExitError); ok {
				job.exitCode = ee.ExitCode()
			}
		}
		close(job.done)
	}()

	id := uuid.NewString()
	cd.mu.Lock()
	cd.jobs[id] = job
	cd.mu.Unlock()

	return &Result{
		Output: map[string]any{"job_id": id},
		Counts: map[string]int{"jobs_started": 1},
	}, nil
}

func (cd *commandDomain) backgroundStatus(_ context.Context, _ *Context, params json.RawMessage) (*Result, error) {
	var p backgroundParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cd.mu.Lock()
	job, ok := cd.jobs[p.JobID]
	cd.mu.Unlock()
	if !ok {
		return nil, validationErr("unknown job %q", p.JobID)
	}
	state := "running"
	select {
	case <-job.done:
		state = "finished"
	default:
	}
	return &Result{Output: map[string]any{"job_id": p.JobID, "state": state}}, nil
}

func (cd *commandDomain) backgroundCollect(_ context.Context, _ *Context, params json.RawMessage) (*Result, error) {
	var p backgroundParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	cd.mu.Lock()
	job, ok := cd.jobs[p.JobID]
	cd.mu.Unlock()
	if !ok {
		return nil, validationErr("unknown job %q", p.JobID)
	}
	select {
	case <-job.done:
	case <-time.After(30 * time.Second):
		return nil, contractTimeout("job %q still running", p.JobID)
	}
	cd.mu.Lock()
	delete(cd.jobs, p.JobID)
	cd.mu.Unlock()

	var warnings []string
	if job.output.Truncated() {
		warnings = append(warnings, "job output truncated")
	}
	out := map[string]any{
		"job_id":    p.JobID,
		"exit_code": job.exitCode,
		"output":    job.output.String(),
	}
	if job.err != nil {
		if _, ok := job.err.(*exec.ExitError); !ok {
			out["error"] = job.err.Error()
		}
	}
	return &Result{
		Output:   out,
		Counts:   map[string]int{"jobs_collected": 1},
		Warnings: warnings,
	}, nil
}
