// Package shellenv converges shell aliases and exported environment
// variables. Entries live in dedicated managed files sourced from the
// user's shell rc, so apply never rewrites user-authored config.
package shellenv

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vk/convergo/internal/fsutil"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// entryKind describes one managed file of key/value shell lines.
type entryKind struct {
	name       string
	file       string
	header     string
	sourceLine string
	formatLine func(k, v string) string
	linePrefix func(k string) string
}

var aliasKind = entryKind{
	name:       "alias",
	file:       "~/.convergo_aliases",
	header:     "# convergo-managed aliases\n",
	sourceLine: "[ -f ~/.convergo_aliases ] && source ~/.convergo_aliases",
	formatLine: func(k, v string) string { return fmt.Sprintf("alias %s='%s'", k, v) },
	linePrefix: func(k string) string { return "alias " + k + "=" },
}

var envKind = entryKind{
	name:       "env",
	file:       "~/.convergo_env",
	header:     "# convergo-managed environment variables\n",
	sourceLine: "[ -f ~/.convergo_env ] && source ~/.convergo_env",
	formatLine: func(k, v string) string { return fmt.Sprintf("export %s=%q", k, v) },
	linePrefix: func(k string) string { return "export " + k + "=" },
}

// Handler converges one entry kind.
type Handler struct {
	kind entryKind
}

func (h Handler) value(it item.Item) string {
	if h.kind.name == "alias" {
		return it.Field("command")
	}
	return it.Field("value")
}

func (h Handler) Check(_ context.Context, _ registry.Host, it item.Item) (item.CheckResult, error) {
	path := fsutil.ExpandHome(h.kind.file)
	want := h.kind.formatLine(it.Key, h.value(it))

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("%s file %s does not exist", h.kind.name, path), nil
		}
		return item.CheckResult{}, err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if line == want {
			return item.Satisfied(), nil
		}
	}
	return item.Unsatisfied("%s %q not defined or differs", h.kind.name, it.Key), nil
}

func (h Handler) Apply(_ context.Context, _ registry.Host, it item.Item) error {
	path := fsutil.ExpandHome(h.kind.file)
	want := h.kind.formatLine(it.Key, h.value(it))
	prefix := h.kind.linePrefix(it.Key)

	content := h.kind.header
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		if !strings.HasPrefix(line, prefix) {
			lines = append(lines, line)
		}
	}
	lines = append(lines, want)

	if err := fsutil.WriteFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return ensureSourced(h.kind.sourceLine)
}

func (h Handler) Describe(it item.Item) string {
	return fmt.Sprintf("%s %s=%s", h.kind.name, it.Key, h.value(it))
}

// ensureSourced appends the managed-file source line to the user's shell
// rc once.
func ensureSourced(line string) error {
	path := fsutil.ExpandHome(shellRC())

	content := ""
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	for _, l := range strings.Split(content, "\n") {
		if l == line {
			return nil
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += line + "\n"
	return fsutil.WriteFileAtomic(path, []byte(content), 0o644)
}

func shellRC() string {
	shell := os.Getenv("SHELL")
	switch {
	case strings.Contains(shell, "zsh"):
		return "~/.zshrc"
	case strings.Contains(shell, "fish"):
		return "~/.config/fish/config.fish"
	default:
		return "~/.bashrc"
	}
}

// Register registers the alias and env handlers with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.Alias, Handler{kind: aliasKind})
	r.Register(item.Env, Handler{kind: envKind})
}
