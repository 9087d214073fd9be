// Package environment constructs and owns environment-scoped plugin
// pipelines. Each environment resolves the shared top-level option
// list once, at construction, into its own ordered plugin sequence.
// The resolved sequence is published atomically: a failed construction
// leaves no partially resolved environment behind.
package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/dshills/buildstorm/internal/plugin"
)

// Environment is one named build or serve target ("client", "ssr",
// ...). It implements plugin.Environment.
type Environment struct {
	name string
	mode config.Mode
	cfg  *config.Config

	logger *log.Logger
	scope  *plugin.BuildScope

	mu       sync.RWMutex
	resolved []*plugin.Plugin
	closed   bool
}

// Option configures environment construction.
type Option func(*Environment)

// WithLogger sets the environment logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Environment) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBuildScope attaches the shared-instance scope of the build
// invocation this environment belongs to. Serve-mode environments
// ignore the scope.
func WithBuildScope(s *plugin.BuildScope) Option {
	return func(e *Environment) {
		e.scope = s
	}
}

// New constructs an environment and resolves its plugin pipeline from
// the top-level option list. The list is filtered by apply predicate,
// resolved depth-first in declaration order, and tier-sorted with the
// host slots. Construction is all-or-nothing.
func New(ctx context.Context, cfg *config.Config, name string, mode config.Mode, opts []plugin.Option, slots plugin.HostSlots, envOpts ...Option) (*Environment, error) {
	if cfg == nil {
		return nil, fmt.Errorf("environment %q: nil config", name)
	}
	if name == "" {
		return nil, fmt.Errorf("environment name is empty")
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("environment %q: unknown mode %q", name, mode)
	}

	e := &Environment{
		name:   name,
		mode:   mode,
		cfg:    cfg,
		logger: log.Null,
	}
	for _, opt := range envOpts {
		opt(e)
	}
	e.logger = e.logger.WithEnvironment(name)

	resolverOpts := []plugin.ResolverOption{plugin.WithLogger(e.logger)}
	if e.scope != nil {
		resolverOpts = append(resolverOpts, plugin.WithBuildScope(e.scope))
	}
	resolver := plugin.NewResolver(resolverOpts...)

	filtered := plugin.FilterOptions(cfg, opts)
	resolved, err := resolver.Resolve(ctx, e, filtered)
	if err != nil {
		return nil, fmt.Errorf("environment %q: %w", name, err)
	}

	ordered := plugin.SortTiers(resolved, slots)
	if err := checkNames(ordered); err != nil {
		return nil, fmt.Errorf("environment %q: %w", name, err)
	}

	e.mu.Lock()
	e.resolved = ordered
	e.mu.Unlock()

	e.logger.Debug("environment ready with %d plugins", len(ordered))
	return e, nil
}

// checkNames warns-by-error on unnamed plugins. Names are required for
// ordering diagnostics and failure attribution.
func checkNames(plugins []*plugin.Plugin) error {
	for i, p := range plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin at position %d has no name", i)
		}
	}
	return nil
}

// Name implements plugin.Environment.
func (e *Environment) Name() string {
	return e.name
}

// Mode implements plugin.Environment.
func (e *Environment) Mode() config.Mode {
	return e.mode
}

// Config implements plugin.Environment.
func (e *Environment) Config() *config.Config {
	return e.cfg
}

// Plugins returns the resolved, tier-ordered plugin sequence. The
// returned slice is a copy; callers cannot perturb the pipeline.
func (e *Environment) Plugins() []*plugin.Plugin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*plugin.Plugin, len(e.resolved))
	copy(out, e.resolved)
	return out
}

// Close tears down the environment's plugins. Instances shared under a
// build scope are skipped; the scope owner tears those down once, via
// BuildScope.Teardown. Close is idempotent.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	plugins := e.resolved
	e.resolved = nil
	e.mu.Unlock()

	var errs []error
	for _, p := range plugins {
		if p.Teardown == nil {
			continue
		}
		if e.scope != nil && e.scope.Shared(p) {
			continue
		}
		if terr := p.Teardown(ctx); terr != nil {
			errs = append(errs, fmt.Errorf("teardown plugin %q: %w", p.Name, terr))
			e.logger.Error("plugin %s teardown failed: %v", p.Name, terr)
		}
	}
	return errors.Join(errs...)
}
