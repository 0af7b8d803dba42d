// Package pkg converges installed packages across the supported package
// managers. Item keys are "name" or "name:binary" specs; the go manager
// also derives the binary from the install path.
package pkg

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

// manager knows how to test for and install one package.
type manager struct {
	name    string
	check   func(pkg, bin string) string
	install func(pkg string) string
}

var managers = map[string]manager{
	"apt": {
		name: "apt",
		check: func(pkg, _ string) string {
			return fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null | grep -q 'install ok installed'", shellexec.Quote(pkg))
		},
		install: func(pkg string) string {
			return "sudo apt-get install -y " + shellexec.Quote(pkg)
		},
	},
	"pacman": {
		name: "pacman",
		check: func(pkg, _ string) string {
			return "pacman -Q " + shellexec.Quote(pkg)
		},
		install: func(pkg string) string {
			// Fall back to yay for AUR packages.
			q := shellexec.Quote(pkg)
			return fmt.Sprintf("sudo pacman -S --noconfirm %s || yay -S --noconfirm %s", q, q)
		},
	},
	"brew": {
		name: "brew",
		check: func(pkg, _ string) string {
			return "brew list " + shellexec.Quote(pkg)
		},
		install: func(pkg string) string {
			return "brew install " + shellexec.Quote(pkg)
		},
	},
	"cargo": {
		name: "cargo",
		check: func(pkg, _ string) string {
			return fmt.Sprintf("cargo install --list | grep -q %s", shellexec.Quote("^"+pkg+" "))
		},
		install: func(pkg string) string {
			q := shellexec.Quote(pkg)
			return fmt.Sprintf("cargo binstall -y %s 2>/dev/null || cargo install %s", q, q)
		},
	},
	"go": {
		name: "go",
		check: func(_, bin string) string {
			return "command -v " + shellexec.Quote(bin)
		},
		install: func(pkg string) string {
			return "go install " + shellexec.Quote(pkg)
		},
	},
	"npm": {
		name: "npm",
		check: func(pkg, _ string) string {
			return fmt.Sprintf("npm list -g %s --depth=0", shellexec.Quote(pkg))
		},
		install: func(pkg string) string {
			return "npm install -g " + shellexec.Quote(pkg)
		},
	},
	"pip": {
		name: "pip",
		check: func(pkg, _ string) string {
			q := shellexec.Quote(pkg)
			return fmt.Sprintf("pip3 show %s 2>/dev/null || pip show %s", q, q)
		},
		install: func(pkg string) string {
			return "pip3 install --user " + shellexec.Quote(pkg)
		},
	},
}

// Handler converges one package manager's items. The "os" handler
// detects the system manager per host at check time.
type Handler struct {
	manager string
}

func (h Handler) resolve(ctx context.Context, host registry.Host) (manager, error) {
	name := h.manager
	if name == "os" {
		for _, probe := range []struct{ mgr, bin string }{
			{"pacman", "pacman"},
			{"apt", "apt-get"},
			{"brew", "brew"},
		} {
			res, err := host.Run(ctx, "command -v "+probe.bin)
			if err == nil && res.OK() {
				name = probe.mgr
				break
			}
		}
		if name == "os" {
			return manager{}, fmt.Errorf("no system package manager found")
		}
	}
	m, ok := managers[name]
	if !ok {
		return manager{}, fmt.Errorf("unknown package manager %q", name)
	}
	return m, nil
}

func (h Handler) Check(ctx context.Context, host registry.Host, it item.Item) (item.CheckResult, error) {
	m, err := h.resolve(ctx, host)
	if err != nil {
		return item.CheckResult{}, err
	}
	pkg, bin := parseSpec(m.name, it.Key)
	res, err := host.Run(ctx, m.check(pkg, bin))
	if err != nil {
		return item.CheckResult{}, err
	}
	if res.OK() {
		return item.Satisfied(), nil
	}
	return item.Unsatisfied("package %q not installed", pkg), nil
}

func (h Handler) Apply(ctx context.Context, host registry.Host, it item.Item) error {
	m, err := h.resolve(ctx, host)
	if err != nil {
		return err
	}
	pkg, _ := parseSpec(m.name, it.Key)
	res, err := host.Run(ctx, m.install(pkg))
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s install %s exited %d: %s", m.name, pkg, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (h Handler) Describe(it item.Item) string {
	pkg, _ := parseSpec(h.manager, it.Key)
	return fmt.Sprintf("install %s via %s", pkg, h.manager)
}

// parseSpec splits a "pkg:bin" key. Without an explicit binary the
// package name doubles as the binary; go packages derive it from the
// last path segment, version suffix stripped.
func parseSpec(manager, key string) (pkg, bin string) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	if manager == "go" {
		p := key
		if i := strings.Index(p, "@"); i >= 0 {
			p = p[:i]
		}
		if i := strings.LastIndex(p, "/"); i >= 0 {
			return key, p[i+1:]
		}
		return key, p
	}
	return key, key
}

// Register registers a handler per supported manager, plus the
// autodetecting os variant.
func (m *Module) Register(r *registry.Registry) {
	r.Register(item.PackageKind("os"), Handler{manager: "os"})
	for name := range managers {
		r.Register(item.PackageKind(name), Handler{manager: name})
	}
}
