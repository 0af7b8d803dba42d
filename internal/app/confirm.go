package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// confirmFunc returns the confirmation prompt handed to the dispatcher,
// or nil when prompting is disabled. Prepared invocations never prompt:
// the operator already confirmed on the machine that launched them.
func (a *App) confirmFunc() func(prompt string) (bool, error) {
	if a.cfg.NoConfirm || a.cfg.Prepared {
		return nil
	}
	return func(prompt string) (bool, error) {
		// Aborting beats hanging forever on a pipe.
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return false, fmt.Errorf("%s needs confirmation but stdin is not a terminal (use --yes)", prompt)
		}
		fmt.Fprintf(a.outW, "%s. Continue? [y/N] ", prompt)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}
