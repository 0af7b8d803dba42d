// Package dispatch selects where a run executes and fans it out: in
// process for local runs, over ssh for remote targets. Remote execution
// ships the binary and the prepared configuration, then runs the same
// reconciliation on the target machine. Hosts are fully isolated: one
// host failing never stops another.
package dispatch

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vk/convergo/internal/ctxlog"
	"github.com/vk/convergo/internal/inventory"
	"github.com/vk/convergo/internal/shellexec"
)

// ErrInteractiveMultiHost rejects interactive items on multi-host
// dispatch before any host is contacted: one terminal cannot be
// multiplexed to N sessions.
var ErrInteractiveMultiHost = errors.New("interactive items cannot run against multiple hosts")

// ErrAborted is returned when the operator declines the confirmation
// prompt.
var ErrAborted = errors.New("aborted by operator")

// TargetKind says where a run executes.
type TargetKind int

const (
	TargetLocal TargetKind = iota
	TargetSingle
	TargetMulti
)

// Target is the resolved execution target set.
type Target struct {
	Kind  TargetKind
	Hosts []string
}

// ResolveTarget picks the target set from the CLI flags: an explicit
// single host, a pattern over the inventory, or local when neither is
// given.
func ResolveTarget(host, pattern string, inv *inventory.Inventory) (Target, error) {
	switch {
	case host != "" && pattern != "":
		return Target{}, errors.New("a single target and a remotes pattern are mutually exclusive")
	case host != "":
		return Target{Kind: TargetSingle, Hosts: []string{host}}, nil
	case pattern != "":
		if inv == nil {
			return Target{}, errors.New("remotes pattern given but no inventory found")
		}
		hosts, err := inv.Match(pattern)
		if err != nil {
			return Target{}, err
		}
		return Target{Kind: TargetMulti, Hosts: hosts}, nil
	default:
		return Target{Kind: TargetLocal}, nil
	}
}

// Payload is what gets shipped to a remote host: the binary and the
// prepared configuration directory.
type Payload struct {
	Binary    string
	BinHash   string
	ConfigDir string
	// Selectors narrow the remote run to named config files or labels.
	Selectors []string
}

// PreparePayload fingerprints the binary so unchanged deployments skip
// the copy.
func PreparePayload(binary, configDir string, selectors []string) (Payload, error) {
	f, err := os.Open(binary)
	if err != nil {
		return Payload{}, fmt.Errorf("payload binary: %w", err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return Payload{}, fmt.Errorf("hashing %s: %w", binary, err)
	}
	return Payload{
		Binary:    binary,
		BinHash:   fmt.Sprintf("%x", h.Sum(nil)),
		ConfigDir: configDir,
		Selectors: selectors,
	}, nil
}

// HostResult is one host's outcome.
type HostResult struct {
	Host     string
	Output   string
	Err      error
	Duration time.Duration
}

// Result aggregates every targeted host.
type Result struct {
	Hosts []HostResult
}

// Failed reports whether any host failed.
func (r *Result) Failed() bool {
	for _, h := range r.Hosts {
		if h.Err != nil {
			return true
		}
	}
	return false
}

// FailedHosts lists the hosts that did not complete.
func (r *Result) FailedHosts() []string {
	var out []string
	for _, h := range r.Hosts {
		if h.Err != nil {
			out = append(out, h.Host)
		}
	}
	return out
}

const (
	remoteDir = "/tmp/convergo-remote"
	remoteBin = remoteDir + "/convergo"
)

// Dispatcher fans a run out to its target set.
type Dispatcher struct {
	// Runner executes the local ssh/scp/rsync plumbing.
	Runner shellexec.Runner
	// LocalRun executes the reconciliation in process for local targets.
	LocalRun func(ctx context.Context) error
	// Confirm prompts the operator; called at most once per dispatch.
	// Nil means proceed without asking.
	Confirm func(prompt string) (bool, error)
	// Env holds the base var exports prepended to every remote
	// invocation so substitution matches local behavior.
	Env []string
	// Interactive marks a run carrying interactive-flagged items.
	Interactive bool
	// NeedConfirm marks a run carrying confirm-flagged items.
	NeedConfirm bool
	// RemoteInstall symlinks the shipped binary and config into the
	// remote user's standard locations after deployment.
	RemoteInstall bool
	// RemoteRunner builds the runner used for the remote invocation
	// itself. Defaults to ssh.
	RemoteRunner func(host string) shellexec.Runner
}

func (d *Dispatcher) remoteFor(host string) shellexec.Runner {
	if d.RemoteRunner != nil {
		return d.RemoteRunner(host)
	}
	return shellexec.Remote{Host: host}
}

// Run executes one dispatch. The constraint checks and the single
// confirmation prompt happen before any host is contacted.
func (d *Dispatcher) Run(ctx context.Context, tgt Target, mode string, payload Payload) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	if tgt.Kind == TargetMulti && d.Interactive {
		return nil, ErrInteractiveMultiHost
	}

	if d.Confirm != nil && (d.NeedConfirm || tgt.Kind == TargetMulti) {
		prompt := fmt.Sprintf("%s on %d host(s): %s", mode, len(tgt.Hosts), strings.Join(tgt.Hosts, ", "))
		if tgt.Kind == TargetLocal {
			prompt = mode + " locally"
		}
		ok, err := d.Confirm(prompt)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAborted
		}
	}

	switch tgt.Kind {
	case TargetLocal:
		start := time.Now()
		err := d.LocalRun(ctx)
		return &Result{Hosts: []HostResult{{Host: "local", Err: err, Duration: time.Since(start)}}}, nil

	case TargetSingle:
		host := tgt.Hosts[0]
		res := d.deploy(ctx, host, mode, payload, d.Interactive)
		return &Result{Hosts: []HostResult{res}}, nil

	default:
		logger.Info("Deploying to hosts.", "count", len(tgt.Hosts))
		results := make([]HostResult, len(tgt.Hosts))
		var wg sync.WaitGroup
		for i, host := range tgt.Hosts {
			wg.Add(1)
			go func(i int, host string) {
				defer wg.Done()
				results[i] = d.deploy(ctx, host, mode, payload, false)
			}(i, host)
		}
		wg.Wait()
		return &Result{Hosts: results}, nil
	}
}

// deploy ships the payload to one host and runs the binary there.
func (d *Dispatcher) deploy(ctx context.Context, host, mode string, payload Payload, interactive bool) HostResult {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	fail := func(err error) HostResult {
		return HostResult{Host: host, Err: err, Duration: time.Since(start)}
	}

	// One round trip: create the staging dir and read the deployed
	// binary's hash, empty when absent.
	probe := fmt.Sprintf("mkdir -p %s && ([ -f %s ] && md5sum %s | cut -d' ' -f1 || true)",
		remoteDir, remoteBin, remoteBin)
	res, err := d.run(ctx, sshCommand(host, probe))
	if err != nil {
		return fail(fmt.Errorf("contacting %s: %w", host, err))
	}
	if !res.OK() {
		return fail(fmt.Errorf("preparing %s: %s", host, strings.TrimSpace(res.Stderr)))
	}

	if strings.TrimSpace(res.Stdout) != payload.BinHash {
		logger.Debug("Copying binary.", "host", host)
		res, err = d.run(ctx, fmt.Sprintf("scp -q %s %s", shellexec.Quote(payload.Binary), shellexec.Quote(host+":"+remoteBin)))
		if err != nil || !res.OK() {
			return fail(fmt.Errorf("copying binary to %s: %s", host, runFailure(res, err)))
		}
		res, err = d.run(ctx, sshCommand(host, "chmod +x "+remoteBin))
		if err != nil || !res.OK() {
			return fail(fmt.Errorf("marking binary executable on %s: %s", host, runFailure(res, err)))
		}
	}

	src := strings.TrimSuffix(payload.ConfigDir, "/") + "/"
	res, err = d.run(ctx, fmt.Sprintf("rsync -az --delete %s %s", shellexec.Quote(src), shellexec.Quote(host+":"+remoteDir+"/config/")))
	if err != nil || !res.OK() {
		return fail(fmt.Errorf("syncing config to %s: %s", host, runFailure(res, err)))
	}

	if d.RemoteInstall {
		link := fmt.Sprintf("mkdir -p ~/.config ~/.local/bin && ln -sfn %s/config ~/.config/convergo && ln -sf %s ~/.local/bin/convergo", remoteDir, remoteBin)
		d.run(ctx, sshCommand(host, link))
	}

	cmd := fmt.Sprintf("%s%s -q --prepared %s -C %s/config", shellexec.ExportPrefix(d.Env), remoteBin, mode, remoteDir)
	if len(payload.Selectors) > 0 {
		cmd += " " + strings.Join(payload.Selectors, " ")
	}

	out, err := d.remoteFor(host).Run(ctx, shellexec.Command{Script: cmd, Interactive: interactive})
	if err != nil {
		return fail(fmt.Errorf("running on %s: %w", host, err))
	}
	result := HostResult{Host: host, Output: out.Stdout, Duration: time.Since(start)}
	if !out.OK() {
		result.Err = fmt.Errorf("%s exited %d", host, out.ExitCode)
	}
	return result
}

func (d *Dispatcher) run(ctx context.Context, script string) (shellexec.Result, error) {
	return d.Runner.Run(ctx, shellexec.Command{Script: script})
}

func sshCommand(host, script string) string {
	return fmt.Sprintf("ssh %s %s", shellexec.Quote(host), shellexec.Quote(script))
}

func runFailure(res shellexec.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit %d", res.ExitCode)
}
