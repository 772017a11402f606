package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"jobrunner/internal/job"
)

// DefaultTimeout bounds shell and HTTP commands when the job sets none.
const DefaultTimeout = time.Hour

// runCommand dispatches on the decoded command kind. The returned map is the
// job's opaque success payload.
func (e *Executor) runCommand(ctx context.Context, j *job.Job) (map[string]any, error) {
	switch j.Command.Kind {
	case job.KindShell:
		return e.runShell(ctx, j)
	case job.KindFunc:
		return e.runFunc(ctx, j)
	case job.KindHTTP:
		return e.runHTTP(ctx, j)
	default:
		return nil, fmt.Errorf("executor: unsupported command kind %v", j.Command.Kind)
	}
}

func (e *Executor) jobTimeout(j *job.Job) time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	if e.cfg.DefaultTimeout > 0 {
		return e.cfg.DefaultTimeout
	}
	return DefaultTimeout
}

// runShell executes the command line in a subprocess, bounded by the job
// timeout. The process gets SIGTERM on cancellation and SIGKILL if it is
// still alive after the cancel grace.
func (e *Executor) runShell(ctx context.Context, j *job.Job) (map[string]any, error) {
	timeout := e.jobTimeout(j)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line := substituteParams(j.Command.Target, j.Parameters)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	cmd.Env = overlayEnv(j.Parameters)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.cfg.CancelGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"command":   line,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("executor: command timed out after %s", timeout)
	}
	if err != nil {
		return result, fmt.Errorf("executor: command failed: %w", err)
	}
	return result, nil
}

// runFunc calls a registered in-process handler. No timeout is imposed
// beyond the cancellation context; in-process work cannot be interrupted
// mid-flight, only abandoned.
func (e *Executor) runFunc(ctx context.Context, j *job.Job) (map[string]any, error) {
	if e.registry == nil {
		return nil, errors.New("executor: no function registry configured")
	}
	fn, ok := e.registry.Get(j.Command.Target)
	if !ok {
		return nil, fmt.Errorf("executor: function %q not registered", j.Command.Target)
	}
	out, err := fn(ctx, j.Parameters)
	if err != nil {
		return nil, fmt.Errorf("executor: function %q: %w", j.Command.Target, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	out["function"] = j.Command.Target
	return out, nil
}

// runHTTP issues a request described by the job parameters:
// method (default GET), headers (map), body (string), query (map).
// The job timeout doubles as the client-side timeout.
func (e *Executor) runHTTP(ctx context.Context, j *job.Job) (map[string]any, error) {
	timeout := e.jobTimeout(j)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := j.Command.Target
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	method := http.MethodGet
	if m, ok := j.Parameters["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := j.Parameters["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	if headers, ok := j.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if query, ok := j.Parameters["query"].(map[string]any); ok && len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("executor: request timed out after %s", timeout)
		}
		return nil, fmt.Errorf("executor: request failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("executor: read response: %w", err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"content":     string(content),
		"url":         req.URL.String(),
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("executor: request returned status %d", resp.StatusCode)
	}
	return result, nil
}

const maxHTTPBody = 4 << 20 // 4 MiB of captured response body

// substituteParams expands {key} placeholders with the job's parameters.
// The reserved "env" key configures the environment instead.
func substituteParams(line string, params map[string]any) string {
	for k, v := range params {
		if k == "env" {
			continue
		}
		line = strings.ReplaceAll(line, "{"+k+"}", fmt.Sprint(v))
	}
	return line
}

// overlayEnv inherits the process environment and applies overrides from
// parameters["env"].
func overlayEnv(params map[string]any) []string {
	env := os.Environ()
	overrides, ok := params["env"].(map[string]any)
	if !ok {
		return env
	}
	for k, v := range overrides {
		env = append(env, k+"="+fmt.Sprint(v))
	}
	return env
}
