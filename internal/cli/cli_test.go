package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoArgumentsPrintsHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), &out, nil))
	assert.Contains(t, out.String(), "convergo")
	assert.Contains(t, out.String(), "apply")
}

func TestUnknownFlagFails(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), &out, []string{"--frobnicate"})
	assert.Error(t, err)
}

func TestRunRequiresName(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), &out, []string{"run"})
	assert.Error(t, err)
}

func TestPlanEndToEnd(t *testing.T) {
	dir := t.TempDir()
	src := `
command "clone" {
  check = "test -d ~/repo"
  apply = "git clone x ~/repo"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644))

	var out bytes.Buffer
	err := Execute(context.Background(), &out,
		[]string{"plan", "-C", dir, "--cache-dir", t.TempDir(), "-q", "--log-level", "error"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 planned")
}

func TestMissingConfigFails(t *testing.T) {
	var out bytes.Buffer
	err := Execute(context.Background(), &out,
		[]string{"plan", "-C", filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}

func TestSelectorsNarrowTheRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shell.hcl"), []byte(`
alias "k" { command = "kubectl" }
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "git.hcl"), []byte(`
command "clone" {
  check = "test -d ~/repo"
  apply = "git clone x ~/repo"
}
`), 0o644))

	var out bytes.Buffer
	err := Execute(context.Background(), &out,
		[]string{"plan", "-C", dir, "--cache-dir", t.TempDir(), "-q", "--log-level", "error", "shell"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 planned")
}
