package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ConfigPath points at a single .hcl file or a directory of them.
	ConfigPath string
	// Selectors narrow the run to named config files or @labels. Empty
	// falls back to the meta defaults, and failing those, everything.
	Selectors []string

	// TargetHost runs against one remote host; RemotesPattern selects
	// hosts from the inventory. They are mutually exclusive.
	TargetHost     string
	RemotesPattern string
	InventoryPath  string
	// RemoteInstall symlinks the shipped binary and config into place on
	// the remote after deployment.
	RemoteInstall bool

	LogFormat string
	LogLevel  string
	// Quiet suppresses the banner and everything below warnings. Remote
	// invocations run quiet so host output stays parseable.
	Quiet bool

	// Prepared marks an invocation launched by the dispatcher on a
	// remote host: the payload is already in place, so the run is forced
	// local and never prompts.
	Prepared bool
	// NoConfirm answers every confirmation prompt with yes.
	NoConfirm bool

	// WorkerCount caps concurrent probe evaluation.
	WorkerCount int
	// CacheDir overrides the default per-user cache location.
	CacheDir string
}

// NewConfig validates a Config. The zero ConfigPath default is applied
// here so the CLI and tests share one rule.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.TargetHost != "" && cfg.RemotesPattern != "" {
		return nil, errors.New("a single target and a remotes pattern are mutually exclusive")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &cfg, nil
}
