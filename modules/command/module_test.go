package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/shellexec"
)

type recordingRunner struct {
	results map[string]shellexec.Result
	cmds    []shellexec.Command
}

func (r *recordingRunner) Run(_ context.Context, cmd shellexec.Command) (shellexec.Result, error) {
	r.cmds = append(r.cmds, cmd)
	return r.results[cmd.Script], nil
}

func cmdItem(check, apply string, interactive bool) item.Item {
	return item.Item{
		Kind:        item.Command,
		Key:         "bootstrap",
		Fields:      map[string]string{"check": check, "apply": apply},
		Interactive: interactive,
	}
}

func TestCheckExitStatusIsTheSignal(t *testing.T) {
	r := &recordingRunner{results: map[string]shellexec.Result{
		"test -d ~/repo": {ExitCode: 0},
	}}
	host := registry.Host{Shell: r}

	check, err := Handler{}.Check(context.Background(), host, cmdItem("test -d ~/repo", "", false))
	require.NoError(t, err)
	assert.True(t, check.Satisfied())

	check, err = Handler{}.Check(context.Background(), host, cmdItem("test -d ~/missing", "", false))
	require.NoError(t, err)
	assert.False(t, check.Satisfied())
}

func TestCheckRequiresScript(t *testing.T) {
	_, err := Handler{}.Check(context.Background(), registry.Host{}, cmdItem("", "", false))
	assert.Error(t, err)
}

func TestApplyCarriesHostEnvAndDir(t *testing.T) {
	r := &recordingRunner{results: map[string]shellexec.Result{"git clone x": {ExitCode: 0}}}
	host := registry.Host{Shell: r, BaseDir: "/etc/convergo", Env: []string{"REGION=eu"}}

	require.NoError(t, Handler{}.Apply(context.Background(), host, cmdItem("", "git clone x", false)))
	require.Len(t, r.cmds, 1)
	assert.Equal(t, "/etc/convergo", r.cmds[0].Dir)
	assert.Equal(t, []string{"REGION=eu"}, r.cmds[0].Env)
	assert.False(t, r.cmds[0].Interactive)
}

func TestInteractiveApplyPassesThrough(t *testing.T) {
	r := &recordingRunner{results: map[string]shellexec.Result{"gh auth login": {ExitCode: 0}}}
	host := registry.Host{Shell: r}

	require.NoError(t, Handler{}.Apply(context.Background(), host, cmdItem("", "gh auth login", true)))
	require.Len(t, r.cmds, 1)
	assert.True(t, r.cmds[0].Interactive)
}

func TestApplyFailureSurfacesStderr(t *testing.T) {
	r := &recordingRunner{results: map[string]shellexec.Result{
		"false": {ExitCode: 3, Stderr: "boom\n"},
	}}
	host := registry.Host{Shell: r}

	err := Handler{}.Apply(context.Background(), host, cmdItem("", "false", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "boom")
}
