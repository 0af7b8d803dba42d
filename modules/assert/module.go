// Package assert reports on system invariants without ever mutating
// anything. A failing assertion is a finding, not a convergence failure.
package assert

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

type Handler struct{}

func (h Handler) Check(ctx context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	script := it.Field("check")
	if script == "" {
		return item.CheckResult{}, fmt.Errorf("assert %q has no check script", it.Key)
	}

	res, err := host.Run(ctx, script)
	if err != nil {
		return item.CheckResult{}, err
	}

	// Foreach mode: every non-empty output line is one distinct finding,
	// zero lines means the assertion holds.
	if it.Field("foreach") == "true" {
		var findings []string
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				findings = append(findings, line)
			}
		}
		if len(findings) == 0 {
			return item.Satisfied(), nil
		}
		return item.CheckResult{
			Status:   item.StatusUnsatisfied,
			Detail:   fmt.Sprintf("%d finding(s)", len(findings)),
			Findings: findings,
		}, nil
	}

	message := it.Field("message")
	if !res.OK() {
		if message == "" {
			message = fmt.Sprintf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return item.Unsatisfied("%s", message), nil
	}

	if failed, err := mismatch(it.Field("match_stdout"), res.Stdout, "stdout", message); err != nil || failed != "" {
		if err != nil {
			return item.CheckResult{}, err
		}
		return item.Unsatisfied("%s", failed), nil
	}
	if failed, err := mismatch(it.Field("match_stderr"), res.Stderr, "stderr", message); err != nil || failed != "" {
		if err != nil {
			return item.CheckResult{}, err
		}
		return item.Unsatisfied("%s", failed), nil
	}

	return item.Satisfied(), nil
}

// mismatch tests output against an optional pattern and returns the
// failure detail, empty when the pattern matches or is absent.
func mismatch(pattern, output, stream, message string) (string, error) {
	if pattern == "" {
		return "", nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid %s pattern %q: %w", stream, pattern, err)
	}
	if re.MatchString(output) {
		return "", nil
	}
	if message != "" {
		return message, nil
	}
	return fmt.Sprintf("%s %q doesn't match %q", stream, strings.TrimSpace(output), pattern), nil
}

// Apply never runs for assertions; the reconciler treats them as
// check-only. Kept as a no-op for contract completeness.
func (h Handler) Apply(context.Context, registry.Host, item.Item) error {
	return nil
}

func (h Handler) Describe(it item.Item) string {
	return "assert " + it.Key
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.Assert, Handler{})
}
