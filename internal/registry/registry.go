// Package registry maps item kinds to their Go handlers. Each module
// under modules/ contributes the handlers for the kinds it owns; the
// reconciler looks handlers up by kind and treats a miss as a
// configuration error.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/shellexec"
)

// Host bundles what a handler needs to act on the machine being
// converged: the shell boundary, the config base directory for resolving
// relative sources, and the materialized var environment for child
// processes.
type Host struct {
	Shell   shellexec.Runner
	BaseDir string
	Env     []string
}

// Run invokes a script through the host's shell with the var environment
// applied. Most handlers only need this.
func (h Host) Run(ctx context.Context, script string) (shellexec.Result, error) {
	return h.Shell.Run(ctx, shellexec.Command{Script: script, Env: h.Env, Dir: h.BaseDir})
}

// Handler implements the capability set for one item kind.
type Handler interface {
	// Check determines whether the declared state already holds. It must
	// not mutate anything.
	Check(ctx context.Context, host Host, it item.Item) (item.CheckResult, error)
	// Apply converges the machine toward the declared state. It is invoked
	// only when the reconciler decided convergence is needed and must be
	// idempotent on redundant invocation.
	Apply(ctx context.Context, host Host, it item.Item) error
	// Describe renders a one-line human description of the item.
	Describe(it item.Item) string
}

// Module is implemented by each modules/ package to contribute handlers.
type Module interface {
	Register(r *Registry)
}

// Registry holds the kind-to-handler table for one application instance.
type Registry struct {
	handlers map[item.Kind]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[item.Kind]Handler)}
}

// Register adds a handler for a kind. Registering a kind twice is a
// programmer error.
func (r *Registry) Register(kind item.Kind, h Handler) {
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler for kind '%s' already registered", kind))
	}
	slog.Debug("Registering item handler.", "kind", kind)
	r.handlers[kind] = h
}

// Handler returns the handler for a kind.
func (r *Registry) Handler(kind item.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered kinds in sorted order.
func (r *Registry) Kinds() []item.Kind {
	kinds := make([]item.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
