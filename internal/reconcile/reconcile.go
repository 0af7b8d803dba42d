// Package reconcile walks declared items in order and converges each one:
// check current state, decide whether apply is needed, apply, record the
// cache key. Item failures are soft; the run continues and the report
// carries every outcome.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
)

// Mode selects how far each item is taken.
type Mode int

const (
	// ModeApply checks and converges.
	ModeApply Mode = iota
	// ModeCheck reports current state without changing anything.
	ModeCheck
	// ModePlan lists what a run would touch, without even checking.
	ModePlan
)

// Outcome classifies what happened to one item.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeChanged
	OutcomeFailed
	OutcomeSkipped
	OutcomeUnsatisfied
	OutcomeIssue
	OutcomePlanned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeChanged:
		return "changed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnsatisfied:
		return "unsatisfied"
	case OutcomeIssue:
		return "issue"
	case OutcomePlanned:
		return "planned"
	default:
		return "unknown"
	}
}

// ItemReport is the recorded outcome for one item.
type ItemReport struct {
	Item    item.Item
	Outcome Outcome
	Detail  string
	// Findings are assertion issues, one per reported line.
	Findings []string
	Err      error
}

// Report aggregates a full pass over the item list.
type Report struct {
	Items []ItemReport
}

func (r *Report) add(ir ItemReport) {
	r.Items = append(r.Items, ir)
}

// Count returns how many items ended with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, ir := range r.Items {
		if ir.Outcome == o {
			n++
		}
	}
	return n
}

// Failed reports whether any item failed to apply.
func (r *Report) Failed() bool { return r.Count(OutcomeFailed) > 0 }

// Clean reports whether the pass finished with no failures, no unmet
// checks and no assertion findings.
func (r *Report) Clean() bool {
	return r.Count(OutcomeFailed) == 0 &&
		r.Count(OutcomeUnsatisfied) == 0 &&
		r.Count(OutcomeIssue) == 0
}

// Findings returns every assertion finding across the pass.
func (r *Report) Findings() []string {
	var out []string
	for _, ir := range r.Items {
		out = append(out, ir.Findings...)
	}
	return out
}

// Summary renders a one-line account of the pass.
func (r *Report) Summary() string {
	parts := []string{}
	for _, o := range []Outcome{OutcomeChanged, OutcomeUnchanged, OutcomeUnsatisfied, OutcomeIssue, OutcomeFailed, OutcomeSkipped, OutcomePlanned} {
		if n := r.Count(o); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o))
		}
	}
	if len(parts) == 0 {
		return "no items"
	}
	return strings.Join(parts, ", ")
}

// Reconciler drives one pass over a host's items.
type Reconciler struct {
	Registry *registry.Registry
	Cache    *cachestore.Store
	Host     registry.Host
	Mode     Mode
}

// Run processes items strictly in the given order. Declaration order is
// the only sequencing: authors place installs before the services that
// need them.
func (r *Reconciler) Run(ctx context.Context, items []item.Item) *Report {
	logger := ctxlog.FromContext(ctx)
	report := &Report{}

	for _, it := range items {
		select {
		case <-ctx.Done():
			report.add(ItemReport{Item: it, Outcome: OutcomeFailed, Err: ctx.Err()})
			return report
		default:
		}
		report.add(r.runOne(ctx, it))
		last := report.Items[len(report.Items)-1]
		logger.Info("Item processed.",
			"item", it.String(),
			"outcome", last.Outcome.String(),
		)
	}
	return report
}

func (r *Reconciler) runOne(ctx context.Context, it item.Item) ItemReport {
	logger := ctxlog.FromContext(ctx)

	if it.RunIf != "" {
		res, err := r.Host.Run(ctx, it.RunIf)
		if err != nil {
			return ItemReport{Item: it, Outcome: OutcomeFailed, Err: fmt.Errorf("run_if: %w", err)}
		}
		if !res.OK() {
			logger.Debug("Item gated off.", "item", it.String(), "run_if", it.RunIf)
			return ItemReport{Item: it, Outcome: OutcomeSkipped, Detail: "run_if"}
		}
	}

	if r.Mode == ModePlan {
		detail := ""
		if h, ok := r.Registry.Handler(it.Kind); ok {
			detail = h.Describe(it)
		}
		return ItemReport{Item: it, Outcome: OutcomePlanned, Detail: detail}
	}

	handler, ok := r.Registry.Handler(it.Kind)
	if !ok {
		return ItemReport{Item: it, Outcome: OutcomeFailed, Err: fmt.Errorf("no handler for kind %s", it.Kind)}
	}

	check, err := handler.Check(ctx, r.Host, it)
	if err != nil {
		return ItemReport{Item: it, Outcome: OutcomeFailed, Err: fmt.Errorf("check: %w", err)}
	}

	// Assertions only observe. A failing assertion is an issue, never an
	// apply.
	if it.Kind == item.Assert {
		if check.Satisfied() {
			return ItemReport{Item: it, Outcome: OutcomeUnchanged, Detail: check.Detail}
		}
		findings := check.Findings
		if len(findings) == 0 {
			findings = []string{check.Detail}
		}
		return ItemReport{Item: it, Outcome: OutcomeIssue, Detail: check.Detail, Findings: findings}
	}

	if r.Mode == ModeCheck {
		if check.Satisfied() {
			return ItemReport{Item: it, Outcome: OutcomeUnchanged, Detail: check.Detail}
		}
		return ItemReport{Item: it, Outcome: OutcomeUnsatisfied, Detail: check.Detail}
	}

	currentKey, keyDeclared, err := r.currentCacheKey(ctx, it)
	if err != nil {
		return ItemReport{Item: it, Outcome: OutcomeFailed, Err: err}
	}

	if check.Satisfied() {
		if !keyDeclared {
			return ItemReport{Item: it, Outcome: OutcomeUnchanged, Detail: check.Detail}
		}
		stored, have := r.Cache.Key(it.Identity())
		if have && stored == currentKey {
			return ItemReport{Item: it, Outcome: OutcomeUnchanged, Detail: check.Detail}
		}
		// The key moved under a passing check: a referenced variable
		// changed, so the item re-converges regardless of how the system
		// looks.
		logger.Debug("Cache key changed, forcing apply.", "item", it.String())
	}

	if err := handler.Apply(ctx, r.Host, it); err != nil {
		return ItemReport{Item: it, Outcome: OutcomeFailed, Detail: check.Detail, Err: fmt.Errorf("apply: %w", err)}
	}
	if keyDeclared {
		r.Cache.SetKey(it.Identity(), currentKey)
	}
	return ItemReport{Item: it, Outcome: OutcomeChanged, Detail: check.Detail}
}

// currentCacheKey resolves the item's declared cache key: the literal
// value, or the trimmed output of the cache command.
func (r *Reconciler) currentCacheKey(ctx context.Context, it item.Item) (string, bool, error) {
	if it.CacheKey != "" {
		return it.CacheKey, true, nil
	}
	if it.CacheCmd == "" {
		return "", false, nil
	}
	res, err := r.Host.Run(ctx, it.CacheCmd)
	if err != nil {
		return "", false, fmt.Errorf("cache_cmd: %w", err)
	}
	if !res.OK() {
		return "", false, fmt.Errorf("cache_cmd exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), true, nil
}
