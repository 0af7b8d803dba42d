package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/dispatch"
	"github.com/vk/convergo/internal/fsutil"
	"github.com/vk/convergo/internal/shellexec"
)

// RunCommand executes one named ad-hoc run block on the resolved target
// set. Unlike a convergence pass nothing is deployed: the command line
// itself travels over ssh.
func (a *App) RunCommand(ctx context.Context, name string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	rc, ok := a.model.Run(name)
	if !ok {
		return fmt.Errorf("unknown run command %q (available: %s)", name, strings.Join(a.runNames(), ", "))
	}

	script, err := a.runScript(rc)
	if err != nil {
		return err
	}

	vars := a.model.Meta.Vars.Resolve(a.selectors())
	env := config.Env(vars)

	tgt, err := a.target()
	if err != nil {
		return err
	}
	if rc.Local {
		tgt = dispatch.Target{Kind: dispatch.TargetLocal}
	}
	if rc.TTY && tgt.Kind == dispatch.TargetMulti {
		return dispatch.ErrInteractiveMultiHost
	}

	if rc.Confirm {
		if confirm := a.confirmFunc(); confirm != nil {
			ok, err := confirm(fmt.Sprintf("run %q on %s", name, describeTarget(tgt)))
			if err != nil {
				return err
			}
			if !ok {
				return dispatch.ErrAborted
			}
		}
	}

	cmd := shellexec.Command{Script: script, Env: env, Dir: a.model.BaseDir, Interactive: rc.TTY}

	switch tgt.Kind {
	case dispatch.TargetLocal:
		return a.runOn(ctx, "local", a.runner, cmd)
	case dispatch.TargetSingle:
		return a.runOn(ctx, tgt.Hosts[0], shellexec.Remote{Host: tgt.Hosts[0]}, cmd)
	default:
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			failed []string
		)
		for _, host := range tgt.Hosts {
			wg.Add(1)
			go func(host string) {
				defer wg.Done()
				if err := a.runOn(ctx, host, shellexec.Remote{Host: host}, cmd); err != nil {
					mu.Lock()
					failed = append(failed, host)
					mu.Unlock()
				}
			}(host)
		}
		wg.Wait()
		if len(failed) > 0 {
			sort.Strings(failed)
			return fmt.Errorf("run %q failed on: %s", name, strings.Join(failed, ", "))
		}
		return nil
	}
}

// runScript resolves a run block's command line: inline cmd, or the
// contents of a script file from the config tree.
func (a *App) runScript(rc config.RunConfig) (string, error) {
	if rc.Cmd != "" {
		return rc.Cmd, nil
	}
	data, err := os.ReadFile(fsutil.Resolve(a.model.BaseDir, rc.Script))
	if err != nil {
		return "", fmt.Errorf("run script: %w", err)
	}
	return string(data), nil
}

func (a *App) runOn(ctx context.Context, host string, runner shellexec.Runner, cmd shellexec.Command) error {
	logger := ctxlog.FromContext(ctx)
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" && !cmd.Interactive {
		fmt.Fprintln(a.outW, out)
	}
	if !res.OK() {
		logger.Warn("Run command failed.", "host", host, "exit", res.ExitCode)
		return fmt.Errorf("%s exited %d: %s", host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *App) runNames() []string {
	names := make([]string, 0, len(a.model.Runs))
	for _, r := range a.model.Runs {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

func describeTarget(tgt dispatch.Target) string {
	if tgt.Kind == dispatch.TargetLocal {
		return "this machine"
	}
	return fmt.Sprintf("%d host(s): %s", len(tgt.Hosts), strings.Join(tgt.Hosts, ", "))
}
