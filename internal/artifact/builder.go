// Package artifact resolves build outputs before reconciliation starts.
// Each artifact is rebuilt only when stale: a composite hash over its
// watched paths, or a freshness-check command, decides. Any build failure
// aborts the whole run.
package artifact

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/shellexec"
)

// Builder drives the artifact pre-pass.
type Builder struct {
	Runner shellexec.Runner
	Cache  *cachestore.Store
	// BaseDir anchors relative src/watch paths and is the cwd for build
	// commands.
	BaseDir string
	Env     []string
	// Prepared marks a run against a shipped payload whose outputs were
	// already built on the dispatching side; those are staged as is
	// instead of rebuilt.
	Prepared bool
}

// Resolve brings every artifact up to date and places each output at its
// destination under stageDir. Dependency installation happens once, up
// front; the builds themselves run concurrently.
func (b *Builder) Resolve(ctx context.Context, artifacts []config.ArtifactConfig, stageDir string) error {
	if len(artifacts) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)

	type job struct {
		cfg   config.ArtifactConfig
		stale bool
	}
	jobs := make([]job, 0, len(artifacts))
	var pendingDeps []string
	for _, a := range artifacts {
		// On a prepared host the output shipped with the payload;
		// stage it as is. Elsewhere a leftover at dest must not
		// mask the staleness check.
		if b.Prepared {
			if _, err := os.Stat(filepath.Join(b.BaseDir, a.Dest)); err != nil {
				return fmt.Errorf("artifact %s missing from payload at %s", a.Name, a.Dest)
			}
			if err := copyFile(filepath.Join(b.BaseDir, a.Dest), filepath.Join(stageDir, a.Dest)); err != nil {
				return fmt.Errorf("artifact %s: %w", a.Name, err)
			}
			logger.Debug("Artifact pre-resolved.", "artifact", a.Name)
			continue
		}
		stale := b.isStale(ctx, a)
		if stale {
			pendingDeps = append(pendingDeps, a.Deps...)
		}
		jobs = append(jobs, job{cfg: a, stale: stale})
	}

	if err := b.installDeps(ctx, pendingDeps); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if j.stale {
				logger.Info("Building artifact.", "artifact", j.cfg.Name)
				res, err := b.Runner.Run(gctx, shellexec.Command{
					Script: j.cfg.Build,
					Env:    b.Env,
					Dir:    b.BaseDir,
				})
				if err != nil {
					return fmt.Errorf("artifact %s build: %w", j.cfg.Name, err)
				}
				if !res.OK() {
					return fmt.Errorf("artifact %s build exited %d: %s", j.cfg.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
				}
				if len(j.cfg.Watch) > 0 {
					b.Cache.SetKey(b.watchIdentity(j.cfg), b.watchHash(j.cfg))
				}
			} else {
				logger.Debug("Artifact fresh.", "artifact", j.cfg.Name)
			}

			src := b.abs(j.cfg.Src)
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("artifact %s missing after build at %s", j.cfg.Name, src)
			}
			return copyFile(src, filepath.Join(stageDir, j.cfg.Dest))
		})
	}
	return g.Wait()
}

// isStale decides whether an artifact needs rebuilding.
func (b *Builder) isStale(ctx context.Context, a config.ArtifactConfig) bool {
	if len(a.Watch) > 0 {
		if _, err := os.Stat(b.abs(a.Src)); err != nil {
			return true
		}
		stored, ok := b.Cache.Key(b.watchIdentity(a))
		return !ok || stored != b.watchHash(a)
	}
	if a.Check != "" {
		res, err := b.Runner.Run(ctx, shellexec.Command{Script: a.Check, Env: b.Env, Dir: b.BaseDir})
		return err != nil || !res.OK()
	}
	return true
}

func (b *Builder) watchIdentity(a config.ArtifactConfig) string {
	return "artifact:" + b.BaseDir + "\x00" + a.Dest
}

// watchHash fingerprints every file under the watched paths by relative
// path, size and mtime.
func (b *Builder) watchHash(a config.ArtifactConfig) string {
	type meta struct {
		rel   string
		size  int64
		mtime int64
	}
	var entries []meta
	for _, watch := range a.Watch {
		root := b.abs(watch)
		filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(root, p)
			if rerr != nil {
				rel = p
			}
			entries = append(entries, meta{rel: rel, size: info.Size(), mtime: info.ModTime().Unix()})
			return nil
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var buf strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s\x00%d\x00%d\n", e.rel, e.size, e.mtime)
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(buf.String())))
}

// installDeps makes sure each "pkg:bin" dependency's binary is on PATH,
// installing the package when it is not. A manager prefix ("apt.gcc:gcc")
// pins the package manager; otherwise the system default is detected.
func (b *Builder) installDeps(ctx context.Context, deps []string) error {
	logger := ctxlog.FromContext(ctx)
	done := map[string]bool{}
	for _, dep := range deps {
		if done[dep] {
			continue
		}
		done[dep] = true

		manager, spec := "", dep
		if i := strings.Index(dep, "."); i > 0 && !strings.Contains(dep[:i], ":") {
			manager, spec = dep[:i], dep[i+1:]
		}
		pkg, bin := spec, spec
		if i := strings.Index(spec, ":"); i >= 0 {
			pkg, bin = spec[:i], spec[i+1:]
		}

		if b.binaryExists(ctx, bin) {
			continue
		}
		logger.Info("Installing build dependency.", "package", pkg, "binary", bin)

		install, err := installCommand(ctx, b.Runner, manager, pkg)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
		res, err := b.Runner.Run(ctx, shellexec.Command{Script: install, Env: b.Env})
		if err != nil {
			return fmt.Errorf("dependency %s: %w", dep, err)
		}
		if !res.OK() {
			return fmt.Errorf("dependency %s install exited %d", dep, res.ExitCode)
		}
		if !b.binaryExists(ctx, bin) {
			return fmt.Errorf("installed %s but %s still not on PATH", pkg, bin)
		}
	}
	return nil
}

func (b *Builder) binaryExists(ctx context.Context, bin string) bool {
	res, err := b.Runner.Run(ctx, shellexec.Command{Script: "command -v " + shellexec.Quote(bin)})
	return err == nil && res.OK()
}

// installCommand maps a manager name to its install invocation, detecting
// the system manager when none is pinned.
func installCommand(ctx context.Context, runner shellexec.Runner, manager, pkg string) (string, error) {
	if manager == "" || manager == "os" {
		for _, m := range []string{"apt", "pacman", "brew"} {
			probe := map[string]string{"apt": "apt-get", "pacman": "pacman", "brew": "brew"}[m]
			res, err := runner.Run(ctx, shellexec.Command{Script: "command -v " + probe})
			if err == nil && res.OK() {
				manager = m
				break
			}
		}
		if manager == "" || manager == "os" {
			return "", fmt.Errorf("no package manager found to install %q", pkg)
		}
	}
	q := shellexec.Quote(pkg)
	switch manager {
	case "apt":
		return "sudo apt-get install -y " + q, nil
	case "pacman":
		return "sudo pacman -S --noconfirm " + q, nil
	case "brew":
		return "brew install " + q, nil
	default:
		return "", fmt.Errorf("unknown package manager %q", manager)
	}
}

func (b *Builder) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.BaseDir, p)
}

func copyFile(src, dst string) error {
	// Creating dst truncates it, so a self-copy would destroy the file.
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if info, err := in.Stat(); err == nil {
		os.Chmod(dst, info.Mode())
	}
	return out.Close()
}
