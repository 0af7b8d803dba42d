package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/convergo/internal/cachestore"
	"github.com/vk/convergo/internal/config"
	"github.com/vk/convergo/internal/registry"
	"github.com/vk/convergo/internal/shellexec"
	"github.com/vk/convergo/modules/file"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle: the merged config model, the handler registry, the cache
// store and the shell boundary.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	registry *registry.Registry
	model    *config.Model
	cache    *cachestore.Store
	fileMod  *file.Module
	runner   shellexec.Runner
	cfg      *Config
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and
// registry, or an error when the configuration tree does not load.
func NewApp(outW io.Writer, cfg *Config, modules ...registry.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, cfg.Quiet, outW)
	logger.Debug("Logger configured successfully.")

	model, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded and merged into unified model.",
		"items", len(model.Items), "probes", len(model.Probes))

	cache := cachestore.New()
	if cfg.CacheDir != "" {
		cache = cachestore.NewAt(cfg.CacheDir)
	}
	fileMod := newFileModule(cache)

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules(fileMod)
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All item modules registered.", "count", len(modules))

	return &App{
		outW:     outW,
		logger:   logger,
		registry: reg,
		model:    model,
		cache:    cache,
		fileMod:  fileMod,
		runner:   shellexec.Local{},
		cfg:      cfg,
	}, nil
}

// Model returns the application's merged config model. This is primarily
// for testing.
func (a *App) Model() *config.Model {
	return a.model
}

// Registry returns the application's registry. This is primarily for
// testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// selectors resolves the active selector set: explicit ones win, then
// the config's declared defaults.
func (a *App) selectors() []string {
	if len(a.cfg.Selectors) > 0 {
		return a.cfg.Selectors
	}
	return a.model.Meta.Defaults
}
