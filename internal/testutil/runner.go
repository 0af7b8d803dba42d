package testutil

import (
	"context"
	"sync"

	"github.com/vk/convergo/internal/shellexec"
)

// ScriptedRunner is a shellexec.Runner returning canned results per
// script. Unknown scripts exit zero with no output. Every invocation is
// recorded, so tests can assert on exactly what would have run.
type ScriptedRunner struct {
	mu   sync.Mutex
	cmds []shellexec.Command

	// Exits and Outputs key canned exit codes and stdout by script.
	Exits   map[string]int
	Outputs map[string]string
}

// NewScriptedRunner returns an empty runner where every script succeeds.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{Exits: map[string]int{}, Outputs: map[string]string{}}
}

// Run implements shellexec.Runner.
func (r *ScriptedRunner) Run(_ context.Context, cmd shellexec.Command) (shellexec.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return shellexec.Result{Stdout: r.Outputs[cmd.Script], ExitCode: r.Exits[cmd.Script]}, nil
}

// Scripts returns every script run so far, in order.
func (r *ScriptedRunner) Scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cmds))
	for i, c := range r.cmds {
		out[i] = c.Script
	}
	return out
}

// Commands returns every recorded invocation, in order.
func (r *ScriptedRunner) Commands() []shellexec.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shellexec.Command(nil), r.cmds...)
}
