package app

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/probe"
)

// Probes evaluates the probe graph and prints the resolved table, one
// probe per line with its named templates indented below.
func (a *App) Probes(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	vars := a.model.Meta.Vars.Resolve(a.selectors())
	ev := &probe.Evaluator{
		Runner:  a.runner,
		Cache:   a.cache,
		Env:     config.Env(vars),
		Dir:     a.model.BaseDir,
		Base:    config.Context(vars),
		Workers: a.cfg.WorkerCount,
	}
	results, err := ev.Run(ctx, a.model.Probes)
	if err != nil {
		return err
	}

	for _, name := range results.Names() {
		r := results[name]
		fmt.Fprintf(a.outW, "%s = %s\n", name, r.Value)
		if r.Rewritten {
			fmt.Fprintf(a.outW, "  original: %s\n", r.Original)
		}
		tnames := make([]string, 0, len(r.Templates))
		for t := range r.Templates {
			tnames = append(tnames, t)
		}
		sort.Strings(tnames)
		for _, t := range tnames {
			fmt.Fprintf(a.outW, "  %s: %s\n", t, r.Templates[t])
		}
	}
	return nil
}
