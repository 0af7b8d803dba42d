// Package command converges author-defined check/apply script pairs.
// The check script's exit status is the state signal; apply runs the
// paired script, with stdio passthrough for interactive items.
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/shellexec"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

type Handler struct{}

func (h Handler) Check(ctx context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	script := it.Field("check")
	if script == "" {
		return item.CheckResult{}, fmt.Errorf("command %q has no check script", it.Key)
	}
	res, err := host.Run(ctx, script)
	if err != nil {
		return item.CheckResult{}, err
	}
	if res.OK() {
		return item.Satisfied(), nil
	}
	return item.Unsatisfied("check failed (exit %d)", res.ExitCode), nil
}

func (h Handler) Apply(ctx context.Context, host registry.Host, it item.Item) error {
	script := it.Field("apply")
	if script == "" {
		return fmt.Errorf("command %q has no apply script", it.Key)
	}
	res, err := host.Shell.Run(ctx, shellexec.Command{
		Script:      script,
		Env:         host.Env,
		Dir:         host.BaseDir,
		Interactive: it.Interactive,
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("apply failed (exit %d): %s", res.ExitCode, msg)
	}
	return nil
}

func (h Handler) Describe(it item.Item) string {
	return "run " + it.Key
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.Command, Handler{})
}
