// Package script installs user scripts from the config tree into
// ~/.local/bin, comparing content so edits re-converge.
package script

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/convergo/internal/fsutil"
	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

type Handler struct{}

func target(name string) string {
	return filepath.Join(fsutil.ExpandHome("~/.local/bin"), name)
}

func source(host registry.Host, it item.Item) string {
	return fsutil.Resolve(host.BaseDir, it.Field("source"))
}

func (h Handler) Check(_ context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	dst := target(it.Key)
	installed, err := os.ReadFile(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return item.Unsatisfied("%s not installed", dst), nil
		}
		return item.CheckResult{}, err
	}

	want, err := os.ReadFile(source(host, it))
	if err != nil {
		return item.CheckResult{}, fmt.Errorf("script source: %w", err)
	}
	if !bytes.Equal(installed, want) {
		return item.Unsatisfied("content differs"), nil
	}
	return item.Satisfied(), nil
}

func (h Handler) Apply(_ context.Context, host registry.Host, it item.Item) error {
	want, err := os.ReadFile(source(host, it))
	if err != nil {
		return fmt.Errorf("script source: %w", err)
	}
	return fsutil.WriteFileAtomic(target(it.Key), want, 0o755)
}

func (h Handler) Describe(it item.Item) string {
	return fmt.Sprintf("install script %s", it.Key)
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.Script, Handler{})
}
