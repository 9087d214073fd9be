package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/google/uuid"
)

// BuildScope identifies one build invocation and caches the shared
// plugin instances reused across its build environments.
type BuildScope struct {
	id string

	mu        sync.Mutex
	factories map[*factoryOption][]*Plugin
	plugins   map[*Plugin]bool
}

// NewBuildScope creates a scope for one build invocation.
func NewBuildScope() *BuildScope {
	return &BuildScope{
		id:        uuid.NewString(),
		factories: make(map[*factoryOption][]*Plugin),
		plugins:   make(map[*Plugin]bool),
	}
}

// ID returns the invocation id.
func (s *BuildScope) ID() string {
	return s.id
}

// sharedFactoryResult returns the cached expansion for fo, or invokes
// produce once and caches its result. Later environments observe the
// identical instances.
func (s *BuildScope) sharedFactoryResult(fo *factoryOption, produce func() ([]*Plugin, error)) ([]*Plugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.factories[fo]; ok {
		return cached, nil
	}
	plugins, err := produce()
	if err != nil {
		return nil, err
	}
	s.factories[fo] = plugins
	return plugins, nil
}

// sharePlugin registers p as scope-shared and returns it unchanged.
func (s *BuildScope) sharePlugin(p *Plugin) *Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[p] = true
	return p
}

// Shared reports whether p is an instance shared under this scope.
// Environment teardown skips shared instances; the scope owner tears
// them down via Teardown.
func (s *BuildScope) Shared(p *Plugin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugins[p] || s.sharedFromFactory(p)
}

// sharedFromFactory reports whether p came out of a shared factory.
// Caller holds mu.
func (s *BuildScope) sharedFromFactory(p *Plugin) bool {
	for _, plugins := range s.factories {
		for _, sp := range plugins {
			if sp == p {
				return true
			}
		}
	}
	return false
}

// Teardown releases every shared instance in the scope. Called once,
// by the build invocation owner, after all build environments are torn
// down.
func (s *BuildScope) Teardown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Plugin, 0, len(s.plugins))
	for p := range s.plugins {
		all = append(all, p)
	}
	for _, plugins := range s.factories {
		all = append(all, plugins...)
	}
	s.factories = make(map[*factoryOption][]*Plugin)
	s.plugins = make(map[*Plugin]bool)
	s.mu.Unlock()

	var errs []error
	seen := make(map[*Plugin]bool, len(all))
	for _, p := range all {
		if p.Teardown == nil || seen[p] {
			continue
		}
		seen[p] = true
		if terr := p.Teardown(ctx); terr != nil {
			errs = append(errs, fmt.Errorf("teardown plugin %q: %w", p.Name, terr))
		}
	}
	return errors.Join(errs...)
}

// Resolver produces the flattened, environment-scoped plugin sequence
// from a top-level option list.
type Resolver struct {
	logger *log.Logger
	norm   *Normalizer
	scope  *BuildScope
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBuildScope attaches the shared-instance scope of one build
// invocation. Without a scope, shared-during-build flags are inert and
// every environment gets fresh instances.
func WithBuildScope(s *BuildScope) ResolverOption {
	return func(r *Resolver) {
		r.scope = s
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{logger: log.Null}
	for _, opt := range opts {
		opt(r)
	}
	r.norm = NewNormalizer(r.logger)
	return r
}

// Resolve walks the top-level option list once, in order, and returns
// the environment's flattened plugin sequence.
//
// The top-level list holds only plugin and factory entries; apply
// filtering (FilterOptions) has already run. Resolution is fail-fast:
// any factory error fails the whole pass and no partial sequence is
// returned.
func (r *Resolver) Resolve(ctx context.Context, env Environment, topLevel []Option) ([]*Plugin, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil environment", ErrInvalidOption)
	}

	var out []*Plugin
	for i, opt := range topLevel {
		switch v := opt.(type) {
		case nil, *skipOption:
			// Contributes nothing.
		case *pluginOption:
			if v.p == nil {
				return nil, fmt.Errorf("entry %d: %w", i, ErrNilPlugin)
			}
			out = append(out, r.instantiate(env, v.p))
		case *factoryOption:
			plugins, err := r.expandFactory(ctx, env, v)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, plugins...)
		default:
			return nil, fmt.Errorf("entry %d: %w: %T at top level", i, ErrInvalidOption, opt)
		}
	}

	r.logger.Debug("resolved %d plugins for environment %s", len(out), env.Name())
	return out, nil
}

// instantiate returns the instance of p owned by env: the scope-shared
// instance when the plugin opts in and env is a build environment,
// otherwise a fresh clone.
func (r *Resolver) instantiate(env Environment, p *Plugin) *Plugin {
	if p.SharedDuringBuild && r.scope != nil && env.Mode() == config.ModeBuild {
		return r.scope.sharePlugin(p)
	}
	return p.clone()
}

// expandFactory invokes the factory for env and normalizes its result.
// Shared factories are invoked once per scope and their expansion
// reused by later build environments. Plugins out of a non-shared
// factory go through instantiate like top-level entries, so a
// shared-during-build flag deep in a subtree still shares its
// instance.
func (r *Resolver) expandFactory(ctx context.Context, env Environment, fo *factoryOption) ([]*Plugin, error) {
	produce := func() ([]*Plugin, error) {
		res, err := fo.fn(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("plugin factory failed: %w", err)
		}
		if res == nil {
			return nil, nil
		}
		return r.norm.Flatten(ctx, env, res)
	}

	if fo.shared && r.scope != nil && env.Mode() == config.ModeBuild {
		return r.scope.sharedFactoryResult(fo, produce)
	}
	plugins, err := produce()
	if err != nil {
		return nil, err
	}
	for i, p := range plugins {
		plugins[i] = r.instantiate(env, p)
	}
	return plugins, nil
}
