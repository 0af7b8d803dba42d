package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/shellexec"
)

// fakeHandler tracks a set of satisfied identities and records applies.
type fakeHandler struct {
	satisfied map[string]bool
	applied   []string
	applyErr  error
	findings  []string
}

func (h *fakeHandler) Check(_ context.Context, _ registry.Host, it item.Item) (item.CheckResult, error) {
	if len(h.findings) > 0 {
		return item.CheckResult{Status: item.StatusUnsatisfied, Findings: h.findings}, nil
	}
	if h.satisfied[it.Identity()] {
		return item.Satisfied(), nil
	}
	return item.Unsatisfied("not converged"), nil
}

func (h *fakeHandler) Apply(_ context.Context, _ registry.Host, it item.Item) error {
	if h.applyErr != nil {
		return h.applyErr
	}
	h.applied = append(h.applied, it.Identity())
	if h.satisfied == nil {
		h.satisfied = map[string]bool{}
	}
	h.satisfied[it.Identity()] = true
	return nil
}

func (h *fakeHandler) Describe(it item.Item) string { return it.String() }

// exitRunner maps scripts to exit codes; unknown scripts exit 0.
type exitRunner struct {
	exits map[string]int
	runs  []string
}

func (r *exitRunner) Run(_ context.Context, cmd shellexec.Command) (shellexec.Result, error) {
	r.runs = append(r.runs, cmd.Script)
	return shellexec.Result{ExitCode: r.exits[cmd.Script]}, nil
}

func newReconciler(t *testing.T, h registry.Handler, runner shellexec.Runner) *Reconciler {
	t.Helper()
	reg := registry.New()
	reg.Register(item.Command, h)
	reg.Register(item.Assert, h)
	if runner == nil {
		runner = &exitRunner{}
	}
	return &Reconciler{
		Registry: reg,
		Cache:    cachestore.NewAt(t.TempDir()),
		Host:     registry.Host{Shell: runner},
		Mode:     ModeApply,
	}
}

func cmdItem(key string) item.Item {
	return item.Item{Kind: item.Command, Key: key}
}

func TestApplyThenIdempotent(t *testing.T) {
	h := &fakeHandler{}
	r := newReconciler(t, h, nil)
	items := []item.Item{cmdItem("setup")}

	report := r.Run(context.Background(), items)
	require.Len(t, report.Items, 1)
	assert.Equal(t, OutcomeChanged, report.Items[0].Outcome)

	report = r.Run(context.Background(), items)
	assert.Equal(t, OutcomeUnchanged, report.Items[0].Outcome)
	assert.Len(t, h.applied, 1)
}

func TestCacheKeyChangeForcesApply(t *testing.T) {
	h := &fakeHandler{satisfied: map[string]bool{}}
	r := newReconciler(t, h, nil)

	it := cmdItem("configure")
	it.CacheKey = "v1"
	h.satisfied[it.Identity()] = true

	// First run: key declared but never recorded, so apply runs even
	// though check passes.
	report := r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeChanged, report.Items[0].Outcome)
	require.Len(t, h.applied, 1)

	// Same key again: settled.
	report = r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeUnchanged, report.Items[0].Outcome)
	assert.Len(t, h.applied, 1)

	// Key moves: re-converge despite the passing check.
	it.CacheKey = "v2"
	report = r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeChanged, report.Items[0].Outcome)
	assert.Len(t, h.applied, 2)
}

func TestCheckFailureOverridesMatchingCacheKey(t *testing.T) {
	h := &fakeHandler{}
	r := newReconciler(t, h, nil)

	it := cmdItem("drifted")
	it.CacheKey = "same"
	r.Cache.SetKey(it.Identity(), "same")

	report := r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeChanged, report.Items[0].Outcome)
	assert.Len(t, h.applied, 1)
}

func TestCacheCmdDerivesKey(t *testing.T) {
	runner := &exitRunner{}
	h := &fakeHandler{satisfied: map[string]bool{}}
	r := newReconciler(t, h, runner)
	r.Host = registry.Host{Shell: keyRunner{stdout: "fingerprint-a\n"}}

	it := cmdItem("derived")
	it.CacheCmd = "md5sum config.toml"
	h.satisfied[it.Identity()] = true

	report := r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeChanged, report.Items[0].Outcome)

	stored, ok := r.Cache.Key(it.Identity())
	require.True(t, ok)
	assert.Equal(t, "fingerprint-a", stored)
}

type keyRunner struct{ stdout string }

func (r keyRunner) Run(context.Context, shellexec.Command) (shellexec.Result, error) {
	return shellexec.Result{Stdout: r.stdout}, nil
}

func TestRunIfSkipsWithoutCheck(t *testing.T) {
	runner := &exitRunner{exits: map[string]int{"test -f /nope": 1}}
	h := &fakeHandler{}
	r := newReconciler(t, h, runner)

	it := cmdItem("gated")
	it.RunIf = "test -f /nope"

	report := r.Run(context.Background(), []item.Item{it})
	assert.Equal(t, OutcomeSkipped, report.Items[0].Outcome)
	assert.Empty(t, h.applied)

	// Nothing recorded for a gated item.
	_, ok := r.Cache.Key(it.Identity())
	assert.False(t, ok)
}

func TestApplyFailureIsSoft(t *testing.T) {
	broken := &fakeHandler{applyErr: errors.New("boom")}
	reg := registry.New()
	reg.Register(item.Command, broken)

	healthy := &fakeHandler{}
	reg.Register(item.Script, healthy)

	r := &Reconciler{
		Registry: reg,
		Cache:    cachestore.NewAt(t.TempDir()),
		Host:     registry.Host{Shell: &exitRunner{}},
		Mode:     ModeApply,
	}

	items := []item.Item{
		cmdItem("fails"),
		{Kind: item.Script, Key: "still-runs"},
	}
	report := r.Run(context.Background(), items)
	require.Len(t, report.Items, 2)
	assert.Equal(t, OutcomeFailed, report.Items[0].Outcome)
	assert.Equal(t, OutcomeChanged, report.Items[1].Outcome)
	assert.True(t, report.Failed())
}

func TestAssertionFindingsDoNotFailRun(t *testing.T) {
	h := &fakeHandler{findings: []string{"orphan: /tmp/a", "orphan: /tmp/b"}}
	r := newReconciler(t, h, nil)

	it := item.Item{Kind: item.Assert, Key: "no-orphans"}
	report := r.Run(context.Background(), []item.Item{it})

	require.Len(t, report.Items, 1)
	assert.Equal(t, OutcomeIssue, report.Items[0].Outcome)
	assert.Len(t, report.Findings(), 2)
	assert.Empty(t, h.applied)
	assert.False(t, report.Failed())
	assert.False(t, report.Clean())
}

func TestCheckModeNeverApplies(t *testing.T) {
	h := &fakeHandler{}
	r := newReconciler(t, h, nil)
	r.Mode = ModeCheck

	report := r.Run(context.Background(), []item.Item{cmdItem("observe")})
	assert.Equal(t, OutcomeUnsatisfied, report.Items[0].Outcome)
	assert.Empty(t, h.applied)
}

func TestPlanModeDescribesOnly(t *testing.T) {
	h := &fakeHandler{}
	r := newReconciler(t, h, nil)
	r.Mode = ModePlan

	report := r.Run(context.Background(), []item.Item{cmdItem("would-run")})
	assert.Equal(t, OutcomePlanned, report.Items[0].Outcome)
	assert.Empty(t, h.applied)
}

func TestSummaryCounts(t *testing.T) {
	r := &Report{Items: []ItemReport{
		{Outcome: OutcomeChanged},
		{Outcome: OutcomeChanged},
		{Outcome: OutcomeUnchanged},
		{Outcome: OutcomeFailed},
	}}
	assert.Equal(t, "2 changed, 1 unchanged, 1 failed", r.Summary())
}
