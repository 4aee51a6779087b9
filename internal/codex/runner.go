// Package codex wraps the external Codex CLI used to run agent sessions.
//
// The runner locates the codex executable once at construction, then spawns
// subprocesses with a sanitized environment. All invocations are
// context-cancelable so a hung agent does not stall unrelated work.
package codex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrCodexNotFound indicates the codex executable could not be located.
var ErrCodexNotFound = errors.New("codex executable not found")

// ExecutionResult holds the outcome of a codex CLI invocation.
type ExecutionResult struct {
	// Args is the full command line that was executed
	Args []string

	// ExitCode is the process exit code
	ExitCode int

	// Stdout is the captured standard output
	Stdout string

	// Stderr is the captured standard error
	Stderr string
}

// OK reports whether the invocation exited cleanly.
func (r *ExecutionResult) OK() bool {
	return r.ExitCode == 0
}

// Runner executes codex CLI commands. Production code uses ExecRunner;
// tests substitute fakes.
type Runner interface {
	// Spawn starts a new agent session with the given prompt and flags
	Spawn(ctx context.Context, prompt string, flags []string) (*ExecutionResult, error)

	// Resume reattaches an existing session by id
	Resume(ctx context.Context, sessionID string) (*ExecutionResult, error)

	// Version reports the CLI version
	Version(ctx context.Context) (*ExecutionResult, error)
}

// ExecRunner runs the real codex binary via os/exec.
type ExecRunner struct {
	executable string
}

// NewExecRunner resolves the codex executable and returns a runner.
// An explicit path must exist as a regular file; otherwise PATH is searched.
func NewExecRunner(explicit string) (*ExecRunner, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrCodexNotFound, explicit)
		}
		return &ExecRunner{executable: explicit}, nil
	}

	binary, err := exec.LookPath("codex")
	if err != nil {
		return nil, fmt.Errorf("%w: not on PATH", ErrCodexNotFound)
	}
	return &ExecRunner{executable: binary}, nil
}

// Executable returns the resolved codex binary path.
func (r *ExecRunner) Executable() string {
	return r.executable
}

// Spawn runs `codex exec <prompt>` with the given flags prepended.
func (r *ExecRunner) Spawn(ctx context.Context, prompt string, flags []string) (*ExecutionResult, error) {
	args := append(append([]string{}, flags...), "exec", prompt)
	return r.invoke(ctx, args...)
}

// Resume runs `codex resume <session-id>`.
func (r *ExecRunner) Resume(ctx context.Context, sessionID string) (*ExecutionResult, error) {
	return r.invoke(ctx, "resume", sessionID)
}

// Version runs `codex --version`.
func (r *ExecRunner) Version(ctx context.Context) (*ExecutionResult, error) {
	return r.invoke(ctx, "--version")
}

func (r *ExecRunner) invoke(ctx context.Context, args ...string) (*ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, r.executable, args...)
	cmd.Env = sanitizedEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecutionResult{
		Args:   append([]string{r.executable}, args...),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		// A canceled context kills the process, which also reports as an
		// ExitError; surface the cancellation instead.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("codex %s: %w", strings.Join(args, " "), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("codex %s: %w", strings.Join(args, " "), err)
	}

	return result, nil
}

// sanitizedVars are stripped from the subprocess environment so a Python
// tool chain on the host cannot leak into spawned agents.
var sanitizedVars = map[string]bool{
	"PYTHONHOME":             true,
	"PYTHONPATH":             true,
	"VIRTUAL_ENV":            true,
	"PIP_RESPECT_VIRTUALENV": true,
}

func sanitizedEnvironment() []string {
	env := os.Environ()
	clean := env[:0]
	for _, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if sanitizedVars[key] {
			continue
		}
		clean = append(clean, entry)
	}
	return clean
}
