// Package service converges systemd units: running state, enablement,
// user or system scope. System-scope mutations go through sudo.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/convergo/internal/item"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/shellexec"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Handler drives systemctl for one service item.
type Handler struct{}

type unit struct {
	name    string
	state   string
	enabled bool
	user    bool
}

func parseUnit(it item.Item) unit {
	u := unit{
		name:  it.Field("name"),
		state: it.Field("state"),
		user:  it.Field("scope") == "user",
	}
	if u.name == "" {
		u.name = it.Key
	}
	if u.state == "" {
		u.state = "active"
	}
	u.enabled = it.Field("enabled") == "true"
	return u
}

func (u unit) systemctl(verb string, sudo bool) string {
	parts := []string{"systemctl"}
	if u.user {
		parts = append(parts, "--user")
	} else if sudo {
		parts = []string{"sudo", "systemctl"}
	}
	parts = append(parts, verb, shellexec.Quote(u.name))
	return strings.Join(parts, " ")
}

func (h Handler) Check(ctx context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	u := parseUnit(it)

	res, err := host.Run(ctx, u.systemctl("cat", false)+" >/dev/null 2>&1")
	if err != nil {
		return item.CheckResult{}, err
	}
	if !res.OK() {
		return item.Unsatisfied("service %q not found", u.name), nil
	}

	if u.enabled {
		res, err = host.Run(ctx, u.systemctl("is-enabled", false)+" >/dev/null 2>&1")
		if err != nil {
			return item.CheckResult{}, err
		}
		if !res.OK() {
			return item.Unsatisfied("service %q not enabled", u.name), nil
		}
	}

	if u.state == "active" {
		res, err = host.Run(ctx, u.systemctl("is-active", false)+" >/dev/null 2>&1")
		if err != nil {
			return item.CheckResult{}, err
		}
		if !res.OK() {
			return item.Unsatisfied("service %q not active", u.name), nil
		}
	}

	return item.Satisfied(), nil
}

func (h Handler) Apply(ctx context.Context, host registry.Host, it item.Item) error {
	u := parseUnit(it)

	if u.enabled {
		if err := h.mutate(ctx, host, u, "enable"); err != nil {
			return err
		}
	}
	if u.state == "active" {
		if err := h.mutate(ctx, host, u, "start"); err != nil {
			return err
		}
	}
	return nil
}

func (h Handler) mutate(ctx context.Context, host registry.Host, u unit, verb string) error {
	res, err := host.Run(ctx, u.systemctl(verb, true))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("systemctl %s %s: %s", verb, u.name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (h Handler) Describe(it item.Item) string {
	u := parseUnit(it)
	want := []string{}
	if u.state == "active" {
		want = append(want, "active")
	}
	if u.enabled {
		want = append(want, "enabled")
	}
	scope := "system"
	if u.user {
		scope = "user"
	}
	return fmt.Sprintf("service %s %s (%s)", u.name, strings.Join(want, "+"), scope)
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.Service, Handler{})
}
