package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/shellexec"
	"github.com/vk/convergo/internal/template"
)

// Evaluator resolves a set of probes over their dependency graph.
// Probes whose dependencies are all resolved run concurrently.
type Evaluator struct {
	Runner shellexec.Runner
	Cache  *cachestore.Store
	// Env and Dir apply to every probe command.
	Env []string
	Dir string
	// Base is the ambient template context (vars) every probe sees.
	Base map[string]cty.Value
	// Workers caps concurrent probe evaluation. Zero means a small
	// default.
	Workers int
}

type node struct {
	cfg        config.ProbeConfig
	depCount   atomic.Int32
	dependents []*node
}

// Run evaluates every probe and returns the full result table. A
// dependency cycle is detected up front and aborts before any probe
// executes. Probe command failures are not fatal: a failing command
// contributes empty output.
func (e *Evaluator) Run(ctx context.Context, probes []config.ProbeConfig) (Results, error) {
	logger := ctxlog.FromContext(ctx)
	nodes, err := buildGraph(probes)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return Results{}, nil
	}

	workers := e.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(nodes) {
		workers = len(nodes)
	}

	readyChan := make(chan *node, len(nodes))
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
		}
	}

	results := make(Results, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(nodes))

	logger.Debug("Evaluating probes.", "count", len(nodes), "workers", workers)
	for i := 0; i < workers; i++ {
		go func() {
			for n := range readyChan {
				mu.Lock()
				deps := depContext(n.cfg.Deps, results)
				mu.Unlock()

				result := e.evalOne(ctx, n.cfg, deps)
				logger.Debug("Probe resolved.", "probe", n.cfg.Name, "value", result.Value)

				mu.Lock()
				results[n.cfg.Name] = result
				mu.Unlock()

				for _, dep := range n.dependents {
					if dep.depCount.Add(-1) == 0 {
						readyChan <- dep
					}
				}
				wg.Done()
			}
		}()
	}

	wg.Wait()
	close(readyChan)
	return results, nil
}

// buildGraph wires probes into dependency nodes and rejects cycles.
func buildGraph(probes []config.ProbeConfig) ([]*node, error) {
	byName := make(map[string]*node, len(probes))
	nodes := make([]*node, 0, len(probes))
	for _, cfg := range probes {
		n := &node{cfg: cfg}
		byName[cfg.Name] = n
		nodes = append(nodes, n)
	}

	for _, n := range nodes {
		n.depCount.Store(int32(len(n.cfg.Deps)))
		for _, dep := range n.cfg.Deps {
			parent, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("probe %q depends on unknown probe %q", n.cfg.Name, dep)
			}
			parent.dependents = append(parent.dependents, n)
		}
	}

	// Kahn's walk over a scratch copy of the in-degrees. Anything left
	// unvisited sits on a cycle.
	degree := make(map[*node]int, len(nodes))
	var ready []*node
	for _, n := range nodes {
		degree[n] = len(n.cfg.Deps)
		if degree[n] == 0 {
			ready = append(ready, n)
		}
	}
	visited := 0
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		visited++
		for _, dep := range n.dependents {
			degree[dep]--
			if degree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if visited != len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if degree[n] > 0 {
				stuck = append(stuck, n.cfg.Name)
			}
		}
		return nil, fmt.Errorf("cycle in probe dependencies involving %s", strings.Join(stuck, ", "))
	}
	return nodes, nil
}

// evalOne resolves a single probe whose dependencies are already in deps.
func (e *Evaluator) evalOne(ctx context.Context, cfg config.ProbeConfig, deps map[string]cty.Value) Result {
	logger := ctxlog.FromContext(ctx)
	evalCtx := make(map[string]cty.Value, len(e.Base)+len(deps)+1)
	for k, v := range e.Base {
		evalCtx[k] = v
	}
	for k, v := range deps {
		evalCtx[k] = v
	}

	// Stage 1: command output, behind the TTL cache when configured.
	var cmdOut string
	if cfg.Cmd != nil {
		cmdOut = e.runCommand(ctx, cfg, evalCtx)
	}

	// Stage 2: the expression post-processes command output, or stands
	// alone over the dependency results.
	raw := cmdOut
	if cfg.Expr != nil {
		if cfg.JSON && cmdOut != "" {
			if parsed := decodeJSON(cmdOut); parsed != cty.NilVal {
				evalCtx["raw"] = parsed
			} else {
				evalCtx["raw"] = cty.StringVal(cmdOut)
			}
		} else {
			evalCtx["raw"] = cty.StringVal(cmdOut)
		}
		rendered, err := template.EvalExpr(cfg.Expr, evalCtx)
		if err != nil {
			logger.Warn("Probe expression failed.", "probe", cfg.Name, "error", err)
			rendered = ""
		}
		raw = rendered
	}

	result := Result{
		Name:     cfg.Name,
		Raw:      raw,
		Value:    raw,
		Original: raw,
	}

	// Stage 3: rewrite rules, declaration order, first match wins.
	for _, rule := range cfg.Rewrites {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logger.Warn("Skipping invalid rewrite pattern.", "probe", cfg.Name, "pattern", rule.Pattern, "error", err)
			continue
		}
		if re.MatchString(raw) {
			result.Value = rule.Value
			result.Rewritten = true
			break
		}
	}

	if cfg.JSON {
		result.parsed = decodeJSON(result.Value)
	}

	// Stage 4: named templates over the finished value and dependencies.
	if len(cfg.Templates) > 0 {
		tplCtx := make(map[string]cty.Value, len(deps)+3)
		for k, v := range deps {
			tplCtx[k] = v
		}
		if result.parsed != cty.NilVal {
			tplCtx["value"] = result.parsed
		} else {
			tplCtx["value"] = cty.StringVal(result.Value)
		}
		tplCtx["raw"] = cty.StringVal(result.Raw)
		tplCtx["original"] = cty.StringVal(result.Original)

		result.Templates = make(map[string]string, len(cfg.Templates))
		for _, tpl := range cfg.Templates {
			out, err := template.EvalExpr(tpl.Text, tplCtx)
			if err != nil {
				logger.Warn("Probe template failed.", "probe", cfg.Name, "template", tpl.Name, "error", err)
				out = ""
			}
			result.Templates[tpl.Name] = out
		}
	}

	return result
}

// runCommand renders and executes the probe command, consulting the raw
// output cache when a TTL is configured. Command failures degrade to
// empty output.
func (e *Evaluator) runCommand(ctx context.Context, cfg config.ProbeConfig, evalCtx map[string]cty.Value) string {
	logger := ctxlog.FromContext(ctx)

	var ttl time.Duration
	if cfg.TTL != "" {
		parsed, err := time.ParseDuration(cfg.TTL)
		if err != nil {
			logger.Warn("Ignoring invalid probe TTL.", "probe", cfg.Name, "ttl", cfg.TTL)
		} else {
			ttl = parsed
		}
	}

	cacheName := "probe:" + cfg.Name
	if ttl > 0 && e.Cache != nil {
		if cached, ok := e.Cache.Result(cacheName, ttl); ok {
			logger.Debug("Probe served from cache.", "probe", cfg.Name)
			return string(cached)
		}
	}

	script, err := template.EvalExpr(cfg.Cmd, evalCtx)
	if err != nil || script == "" {
		if err != nil {
			logger.Warn("Probe command failed to render.", "probe", cfg.Name, "error", err)
		}
		return ""
	}

	res, err := e.Runner.Run(ctx, shellexec.Command{
		Script: script,
		Env:    e.Env,
		Dir:    e.Dir,
	})
	if err != nil {
		logger.Warn("Probe command failed.", "probe", cfg.Name, "error", err)
		return ""
	}
	out := strings.TrimSpace(res.Stdout)

	if ttl > 0 && e.Cache != nil && res.OK() {
		e.Cache.SetResult(cacheName, []byte(out))
	}
	return out
}
