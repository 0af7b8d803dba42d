package shellexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// Remote runs commands on a single host over ssh. Authentication and
// host-key handling are the ssh client's concern; this type only shapes
// the command line.
type Remote struct {
	// Host is an ssh destination: a hostname, user@host, or an ssh config alias.
	Host string
}

// Run implements Runner. The script and its environment are folded into a
// single remote command line; interactive commands request a pseudo
// terminal (ssh -t) and inherit the caller's stdio.
func (r Remote) Run(ctx context.Context, cmd Command) (Result, error) {
	script := ExportPrefix(cmd.Env) + cmd.Script
	if cmd.Dir != "" {
		script = "cd " + Quote(cmd.Dir) + " && " + script
	}

	args := []string{r.Host, script}
	if cmd.Interactive {
		args = append([]string{"-t"}, args...)
	}
	c := exec.CommandContext(ctx, "ssh", args...)

	if cmd.Interactive {
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return finish(ctx, c.Run())
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	res, err := finish(ctx, c.Run())
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, err
}
