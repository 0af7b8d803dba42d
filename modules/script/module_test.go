package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
)

func setup(t *testing.T) (registry.Host, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "backup.sh"), []byte("#!/bin/sh\necho hi\n"), 0o644))
	return registry.Host{BaseDir: base}, home
}

func scriptItem() item.Item {
	return item.Item{Kind: item.Script, Key: "backup", Fields: map[string]string{"source": "backup.sh"}}
}

func TestInstallThenConverged(t *testing.T) {
	host, home := setup(t)
	h := Handler{}

	check, err := h.Check(context.Background(), host, scriptItem())
	require.NoError(t, err)
	assert.False(t, check.Satisfied())

	require.NoError(t, h.Apply(context.Background(), host, scriptItem()))

	installed := filepath.Join(home, ".local", "bin", "backup")
	info, err := os.Stat(installed)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	check, err = h.Check(context.Background(), host, scriptItem())
	require.NoError(t, err)
	assert.True(t, check.Satisfied())
}

func TestSourceEditReconverges(t *testing.T) {
	host, _ := setup(t)
	h := Handler{}
	require.NoError(t, h.Apply(context.Background(), host, scriptItem()))

	require.NoError(t, os.WriteFile(filepath.Join(host.BaseDir, "backup.sh"), []byte("#!/bin/sh\necho v2\n"), 0o644))

	check, err := h.Check(context.Background(), host, scriptItem())
	require.NoError(t, err)
	assert.False(t, check.Satisfied())
	assert.Equal(t, "content differs", check.Detail)
}

func TestMissingSourceIsAnError(t *testing.T) {
	host, _ := setup(t)
	it := item.Item{Kind: item.Script, Key: "gone", Fields: map[string]string{"source": "gone.sh"}}

	err := Handler{}.Apply(context.Background(), host, it)
	assert.Error(t, err)
}
