// Package shellexec is the single boundary through which the engine
// invokes external commands. Checks, applies, gating predicates, probe
// commands and artifact builds all go through a Runner, locally or on a
// remote host, so the rest of the engine never touches os/exec directly.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Command describes one shell invocation.
type Command struct {
	// Script is passed verbatim to `sh -c`.
	Script string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
	// Dir is the working directory; empty means the process default.
	Dir string
	// Interactive wires the command to the caller's terminal instead of
	// capturing output. Interactive results carry no stdout/stderr.
	Interactive bool
}

// Result is the outcome of a completed shell invocation. A non-zero exit
// code is data, not an error: callers branch on it.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes shell commands somewhere: this machine or a remote one.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local runs commands on this machine through `sh -c`.
type Local struct{}

// Run implements Runner. An error is returned only when the process could
// not be started or the context was canceled; command failure is reported
// through Result.ExitCode.
func (Local) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Script)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)

	if cmd.Interactive {
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return finish(ctx, c.Run())
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	res, err := finish(ctx, c.Run())
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, err
}

// finish maps an exec error into a Result, keeping exit failures as data.
func finish(ctx context.Context, runErr error) (Result, error) {
	if runErr == nil {
		return Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("command canceled: %w", ctx.Err())
		}
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	return Result{}, fmt.Errorf("failed to start command: %w", runErr)
}

// Quote wraps s in single quotes for safe embedding in a shell command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExportPrefix renders KEY=VALUE pairs as a chain of `export` statements
// suitable for prefixing a remote script, so variable substitution behaves
// the same over ssh as it does locally.
func ExportPrefix(env []string) string {
	if len(env) == 0 {
		return ""
	}
	var b strings.Builder
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(Quote(v))
		b.WriteString("; ")
	}
	return b.String()
}
