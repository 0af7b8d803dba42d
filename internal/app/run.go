package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vk/convergo/internal/artifact"
	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/dispatch"
	"github.com/vk/convergo/internal/inventory"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/probe"
	"github.com/vk/convergo/internal/reconcile"
	"github.com/vk/convergo/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

// ParseMode maps a mode name to its reconcile mode.
func ParseMode(s string) (reconcile.Mode, error) {
	switch s {
	case "apply":
		return reconcile.ModeApply, nil
	case "check":
		return reconcile.ModeCheck, nil
	case "plan":
		return reconcile.ModePlan, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Run executes one convergence pass in the given mode: probes, the
// artifact pre-pass, then reconciliation on the resolved target set.
// The returned error is nil only when every targeted host converged
// cleanly.
func (a *App) Run(ctx context.Context, mode string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	recMode, err := ParseMode(mode)
	if err != nil {
		return err
	}

	if a.model.Meta.Banner != "" && !a.cfg.Quiet {
		fmt.Fprintln(a.outW, a.model.Meta.Banner)
	}

	selectors := a.selectors()
	if unknown := a.model.UnknownSelectors(selectors); len(unknown) > 0 {
		return fmt.Errorf("unknown selector(s): %s", strings.Join(unknown, ", "))
	}
	selected := a.model.Select(selectors)
	vars := a.model.Meta.Vars.Resolve(selectors)
	env := config.Env(vars)
	a.logger.Debug("Run context resolved.",
		"mode", mode, "selectors", selectors, "items", len(selected.Items))

	tmplCtx, err := a.evaluateProbes(ctx, env, config.Context(vars))
	if err != nil {
		return err
	}

	// Artifacts resolve before any item does; a broken build aborts the
	// whole run rather than converging half a machine.
	if recMode == reconcile.ModeApply {
		builder := &artifact.Builder{Runner: a.runner, Cache: a.cache, BaseDir: a.model.BaseDir, Env: env, Prepared: a.cfg.Prepared}
		if err := builder.Resolve(ctx, a.model.Artifacts, a.model.BaseDir); err != nil {
			return fmt.Errorf("artifact pre-pass: %w", err)
		}
	}

	items, err := config.MaterializeItems(selected.Items, tmplCtx)
	if err != nil {
		return err
	}

	tgt, err := a.target()
	if err != nil {
		return err
	}

	d := &dispatch.Dispatcher{
		Runner:        a.runner,
		LocalRun:      a.localRun(items, tmplCtx, env, recMode),
		Confirm:       a.confirmFunc(),
		Env:           env,
		Interactive:   anyInteractive(items),
		NeedConfirm:   anyConfirm(items),
		RemoteInstall: a.cfg.RemoteInstall,
	}

	payload := dispatch.Payload{}
	if tgt.Kind != dispatch.TargetLocal {
		bin, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating own binary: %w", err)
		}
		payload, err = dispatch.PreparePayload(bin, a.model.BaseDir, selectors)
		if err != nil {
			return err
		}
	}

	res, err := d.Run(ctx, tgt, mode, payload)
	if err != nil {
		return err
	}
	for _, h := range res.Hosts {
		if h.Output != "" {
			fmt.Fprint(a.outW, h.Output)
		}
	}
	if res.Failed() {
		var parts []string
		for _, h := range res.Hosts {
			if h.Err != nil {
				parts = append(parts, fmt.Sprintf("%s: %v", h.Host, h.Err))
			}
		}
		return fmt.Errorf("%s failed: %s", mode, strings.Join(parts, "; "))
	}
	return nil
}

// evaluateProbes runs the probe graph and layers the results over the
// var context.
func (a *App) evaluateProbes(ctx context.Context, env []string, base map[string]cty.Value) (map[string]cty.Value, error) {
	ev := &probe.Evaluator{
		Runner:  a.runner,
		Cache:   a.cache,
		Env:     env,
		Dir:     a.model.BaseDir,
		Base:    base,
		Workers: a.cfg.WorkerCount,
	}
	results, err := ev.Run(ctx, a.model.Probes)
	if err != nil {
		return nil, err
	}
	return results.Context(base), nil
}

// localRun builds the in-process reconciliation pass the dispatcher
// invokes for local targets, and that prepared remote invocations reach
// directly.
func (a *App) localRun(items []item.Item, tmplCtx map[string]cty.Value, env []string, mode reconcile.Mode) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		a.fileMod.Context = tmplCtx
		rec := &reconcile.Reconciler{
			Registry: a.registry,
			Cache:    a.cache,
			Host:     registry.Host{Shell: a.runner, BaseDir: a.model.BaseDir, Env: env},
			Mode:     mode,
		}
		report := rec.Run(ctx, items)
		a.printReport(report)
		if !report.Clean() {
			return fmt.Errorf("%s", report.Summary())
		}
		return nil
	}
}

// target resolves where this run executes. The inventory file loads
// lazily: only a remotes pattern needs it.
func (a *App) target() (dispatch.Target, error) {
	if a.cfg.Prepared {
		return dispatch.Target{Kind: dispatch.TargetLocal}, nil
	}
	var inv *inventory.Inventory
	if a.cfg.RemotesPattern != "" {
		path := a.cfg.InventoryPath
		if path == "" {
			path = a.model.BaseDir + "/inventory"
		}
		loaded, err := inventory.Load(path)
		if err != nil {
			return dispatch.Target{}, fmt.Errorf("loading inventory: %w", err)
		}
		inv = loaded
	}
	return dispatch.ResolveTarget(a.cfg.TargetHost, a.cfg.RemotesPattern, inv)
}

func (a *App) printReport(report *reconcile.Report) {
	for _, ir := range report.Items {
		switch ir.Outcome {
		case reconcile.OutcomeFailed:
			fmt.Fprintf(a.outW, "✗ %s: %v\n", ir.Item, ir.Err)
		case reconcile.OutcomeChanged, reconcile.OutcomePlanned:
			fmt.Fprintf(a.outW, "• %s: %s\n", ir.Item, ir.Outcome)
		case reconcile.OutcomeIssue:
			for _, f := range ir.Findings {
				fmt.Fprintf(a.outW, "! %s: %s\n", ir.Item, f)
			}
		}
	}
	fmt.Fprintln(a.outW, report.Summary())
}

func anyInteractive(items []item.Item) bool {
	for _, it := range items {
		if it.Interactive {
			return true
		}
	}
	return false
}

func anyConfirm(items []item.Item) bool {
	for _, it := range items {
		if it.Confirm {
			return true
		}
	}
	return false
}
