// Package app wires the configuration, script plugins, environments,
// dispatch pipelines, and the file watcher into one application
// lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/environment"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/dshills/buildstorm/internal/plugin"
	"github.com/dshills/buildstorm/internal/plugin/hook"
	"github.com/dshills/buildstorm/internal/plugin/script"
	"github.com/dshills/buildstorm/internal/watch"
)

// Application coordinates the resolved environments and their
// pipelines for one tool invocation.
type Application struct {
	mu sync.RWMutex

	cfg    *config.Config
	logger *log.Logger
	scope  *plugin.BuildScope

	envs      []*environment.Environment
	pipelines map[string]*hook.Pipeline
	reloader  *watch.Reloader

	opts Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the project file path. Empty means root/buildstorm.toml.
	ConfigPath string

	// Root is the project root directory.
	Root string

	// Command selects serve or build behavior.
	Command config.Command

	// Watch enables the hot-update watcher in serve mode.
	Watch bool

	// LogLevel sets logging verbosity.
	LogLevel string

	// Plugins are programmatic top-level options, appended after the
	// config-declared script plugins.
	Plugins []plugin.Option
}

// New creates an application and resolves every configured
// environment. Construction is fail-fast: a bad config, a broken
// script, or a failing plugin factory aborts it.
func New(ctx context.Context, opts Options) (*Application, error) {
	app := &Application{
		opts:      opts,
		pipelines: make(map[string]*hook.Pipeline),
	}
	if err := app.bootstrap(ctx); err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	return app, nil
}

// bootstrap initializes components in dependency order.
func (app *Application) bootstrap(ctx context.Context) error {
	// 1. Logger.
	level, err := log.ParseLevel(app.opts.LogLevel)
	if err != nil {
		return &InitError{Component: "logger", Err: err}
	}
	logCfg := log.DefaultConfig()
	logCfg.Level = level
	logCfg.Output = os.Stderr
	app.logger = log.New(logCfg)

	// 2. Project configuration.
	cfgPath := app.opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath(app.opts.Root)
	}
	cfg, err := config.LoadAt(cfgPath, app.opts.Command, app.opts.Root)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	app.cfg = cfg

	// 3. Script plugins, then programmatic ones, in that order.
	topLevel, err := script.FromConfig(ctx, cfg.Scripts, app.logger)
	if err != nil {
		return &InitError{Component: "script plugins", Err: err}
	}
	topLevel = append(topLevel, app.opts.Plugins...)

	// 4. Shared-instance scope for build invocations.
	if cfg.Command == config.CommandBuild {
		app.scope = plugin.NewBuildScope()
		app.logger.Debug("build scope %s", app.scope.ID())
	}

	// 5. Environments and their pipelines.
	slots := hostSlots(cfg)
	for _, ec := range cfg.Environments {
		envOpts := []environment.Option{environment.WithLogger(app.logger)}
		if app.scope != nil && ec.Mode == config.ModeBuild {
			envOpts = append(envOpts, environment.WithBuildScope(app.scope))
		}
		env, err := environment.New(ctx, cfg, ec.Name, ec.Mode, topLevel, slots, envOpts...)
		if err != nil {
			return &InitError{Component: "environment " + ec.Name, Err: err}
		}
		app.envs = append(app.envs, env)
		app.pipelines[ec.Name] = hook.NewPipeline(env, env.Plugins(), hook.WithLogger(app.logger))
		app.logger.Info("environment %s: %d plugins", ec.Name, len(env.Plugins()))
	}

	// 6. Watcher, for serve mode.
	if cfg.Command == config.CommandServe && app.opts.Watch {
		r, err := watch.New(cfg, watch.WithLogger(app.logger))
		if err != nil {
			return &InitError{Component: "watcher", Err: err}
		}
		for _, env := range app.envs {
			if env.Mode() == config.ModeDev {
				r.Subscribe(app.pipelines[env.Name()])
			}
		}
		app.reloader = r
	}

	return nil
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Pipeline returns the dispatch pipeline for the named environment, or
// nil if the environment does not exist.
func (app *Application) Pipeline(name string) *hook.Pipeline {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.pipelines[name]
}

// Environments returns the resolved environments in config order.
func (app *Application) Environments() []*environment.Environment {
	app.mu.RLock()
	defer app.mu.RUnlock()
	out := make([]*environment.Environment, len(app.envs))
	copy(out, app.envs)
	return out
}

// Run blocks until ctx is cancelled. In serve mode with watching
// enabled it drives the reloader; otherwise it just waits.
func (app *Application) Run(ctx context.Context) error {
	if app.reloader != nil {
		err := app.reloader.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}
	<-ctx.Done()
	return nil
}

// Shutdown tears everything down in reverse bootstrap order. Safe to
// call on a partially constructed application and more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	var errs []error

	if app.reloader != nil {
		if err := app.reloader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
		app.reloader = nil
	}
	for _, env := range app.envs {
		if err := env.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", env.Name(), err))
		}
	}
	app.envs = nil
	if app.scope != nil {
		if err := app.scope.Teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("build scope: %w", err))
		}
		app.scope = nil
	}

	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
