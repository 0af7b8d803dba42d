package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vk/convergo/internal/app"
	"github.com/vk/convergo/internal/fsutil"
)

// options collects the persistent flag values shared by every
// subcommand.
type options struct {
	configPath    string
	target        string
	remotes       string
	inventory     string
	logLevel      string
	logFormat     string
	quiet         bool
	yes           bool
	workers       int
	cacheDir      string
	remoteInstall bool
	prepared      string
}

// appConfig translates the parsed flags plus positional selectors into
// the application configuration.
func (o *options) appConfig(selectors []string) (*app.Config, error) {
	return app.NewConfig(app.Config{
		ConfigPath:     fsutil.ExpandHome(o.configPath),
		Selectors:      selectors,
		TargetHost:     o.target,
		RemotesPattern: o.remotes,
		InventoryPath:  fsutil.ExpandHome(o.inventory),
		RemoteInstall:  o.remoteInstall,
		LogFormat:      o.logFormat,
		LogLevel:       o.logLevel,
		Quiet:          o.quiet,
		Prepared:       o.prepared != "",
		NoConfirm:      o.yes,
		WorkerCount:    o.workers,
		CacheDir:       fsutil.ExpandHome(o.cacheDir),
	})
}

func (o *options) newApp(outW io.Writer, selectors []string) (*app.App, error) {
	cfg, err := o.appConfig(selectors)
	if err != nil {
		return nil, err
	}
	return app.NewApp(outW, cfg)
}

// New builds the full command tree.
func New(outW io.Writer) *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:           "convergo",
		Short:         "Declarative machine convergence",
		Long:          "Convergo reconciles a machine against its declared configuration:\npackages, services, files, shell setup and ad-hoc commands,\nlocally or across a fleet over ssh.",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Prepared invocations pass selectors as positional args; they
		// must not be mistaken for subcommands.
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A prepared invocation is the dispatcher calling back into
			// the shipped binary; it names its mode through the flag.
			if o.prepared != "" {
				return runMode(cmd.Context(), outW, o, o.prepared, args)
			}
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "C", "~/.config/convergo", "path to the config file or directory")
	pf.StringVarP(&o.target, "target", "t", "", "run against a single remote host")
	pf.StringVarP(&o.remotes, "remotes", "r", "", "run against inventory hosts matching a glob")
	pf.StringVar(&o.inventory, "inventory", "", "inventory file (default: <config dir>/inventory)")
	pf.StringVar(&o.logLevel, "log-level", "info", "logging level: debug, info, warn or error")
	pf.StringVar(&o.logFormat, "log-format", "text", "log output format: text or json")
	pf.BoolVarP(&o.quiet, "quiet", "q", false, "suppress the banner and non-warning logs")
	pf.BoolVarP(&o.yes, "yes", "y", false, "answer every confirmation prompt with yes")
	pf.IntVar(&o.workers, "workers", 4, "concurrent probe evaluation limit")
	pf.StringVar(&o.cacheDir, "cache-dir", "", "override the cache directory")
	pf.BoolVar(&o.remoteInstall, "remote-install", false, "install the binary and config on remote hosts")
	pf.StringVar(&o.prepared, "prepared", "", "internal: run a pre-staged remote payload in the given mode")

	for _, mode := range []string{"apply", "check", "plan"} {
		root.AddCommand(modeCommand(outW, o, mode))
	}
	root.AddCommand(probeCommand(outW, o))
	root.AddCommand(runCommand(outW, o))

	return root
}

var modeShort = map[string]string{
	"apply": "Converge the target toward the declared state",
	"check": "Report drift without changing anything",
	"plan":  "List the declared items a run would cover",
}

func modeCommand(outW io.Writer, o *options, mode string) *cobra.Command {
	return &cobra.Command{
		Use:   mode + " [selector...]",
		Short: modeShort[mode],
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd.Context(), outW, o, mode, args)
		},
	}
}

func runMode(ctx context.Context, outW io.Writer, o *options, mode string, selectors []string) error {
	a, err := o.newApp(outW, selectors)
	if err != nil {
		return err
	}
	return a.Run(ctx, mode)
}

func probeCommand(outW io.Writer, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Evaluate every probe and print the result table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.newApp(outW, args)
			if err != nil {
				return err
			}
			return a.Probes(cmd.Context())
		},
	}
}

func runCommand(outW io.Writer, o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <name>",
		Short: "Execute a named ad-hoc command from the config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.newApp(outW, nil)
			if err != nil {
				return err
			}
			return a.RunCommand(cmd.Context(), args[0])
		},
	}
}

// Execute parses args and runs the selected command. It exists so the
// entrypoint and tests share one call surface.
func Execute(ctx context.Context, outW io.Writer, args []string) error {
	root := New(outW)
	root.SetArgs(args)
	root.SetOut(outW)
	root.SetErr(outW)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("convergo: %w", err)
	}
	return nil
}
