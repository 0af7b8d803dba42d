package app

import "github.com/vk/convergo/internal/shellexec"

// SetRunner replaces the shell boundary for this app instance. Tests use
// it to script command outcomes instead of touching the machine.
func (a *App) SetRunner(r shellexec.Runner) {
	a.runner = r
}
