package shellenv

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

func aliasItem(name, command string) item.Item {
	return item.Item{Kind: item.Alias, Key: name, Fields: map[string]string{"command": command}}
}

func TestAliasConverges(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SHELL", "/bin/bash")

	h := Handler{kind: aliasKind}
	it := aliasItem("ll", "ls -la")

	check, err := h.Check(context.Background(), registry.Host{}, it)
	require.NoError(t, err)
	assert.False(t, check.Satisfied())

	require.NoError(t, h.Apply(context.Background(), registry.Host{}, it))
	check, err = h.Check(context.Background(), registry.Host{}, it)
	require.NoError(t, err)
	assert.True(t, check.Satisfied())

	content, err := os.ReadFile(filepath.Join(home, ".convergo_aliases"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "alias ll='ls -la'")

	rc, err := os.ReadFile(filepath.Join(home, ".bashrc"))
	require.NoError(t, err)
	assert.Contains(t, string(rc), "source ~/.convergo_aliases")
}

func TestAliasValueChangeReplacesLine(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SHELL", "/bin/bash")

	h := Handler{kind: aliasKind}
	require.NoError(t, h.Apply(context.Background(), registry.Host{}, aliasItem("ll", "ls -la")))
	require.NoError(t, h.Apply(context.Background(), registry.Host{}, aliasItem("ll", "eza -l")))

	content, err := os.ReadFile(filepath.Join(home, ".convergo_aliases"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "alias ll='eza -l'")
	assert.NotContains(t, string(content), "ls -la")
}

func TestEnvEntry(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SHELL", "/bin/zsh")

	h := Handler{kind: envKind}
	it := item.Item{Kind: item.Env, Key: "EDITOR", Fields: map[string]string{"value": "vim"}}

	require.NoError(t, h.Apply(context.Background(), registry.Host{}, it))

	content, err := os.ReadFile(filepath.Join(home, ".convergo_env"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `export EDITOR="vim"`)

	rc, err := os.ReadFile(filepath.Join(home, ".zshrc"))
	require.NoError(t, err)
	assert.Contains(t, string(rc), "source ~/.convergo_env")

	check, err := h.Check(context.Background(), registry.Host{}, it)
	require.NoError(t, err)
	assert.True(t, check.Satisfied())
}

func TestSourceLineAddedOnce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SHELL", "/bin/bash")

	h := Handler{kind: aliasKind}
	require.NoError(t, h.Apply(context.Background(), registry.Host{}, aliasItem("a", "1")))
	require.NoError(t, h.Apply(context.Background(), registry.Host{}, aliasItem("b", "2")))

	rc, err := os.ReadFile(filepath.Join(home, ".bashrc"))
	require.NoError(t, err)
	count := 0
	for _, line := range splitLines(string(rc)) {
		if line == aliasKind.sourceLine {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
