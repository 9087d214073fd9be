package plugin

import (
	"context"

	"github.com/dshills/buildstorm/internal/config"
)

// Option is one node of the recursive plugin specification tree. The
// variants are explicit; resolution never sniffs shapes at runtime.
//
// Variants: a concrete plugin (Use), an environment factory (Factory,
// SharedFactory), a deferred producer (Defer), a nested list (List),
// and nothing (Skip). A nil Option contributes nothing, like Skip.
type Option interface {
	isOption()
}

// FactoryFunc produces further options for one environment. It is
// invoked at most once per environment per resolution pass.
type FactoryFunc func(ctx context.Context, env Environment) (Option, error)

// DeferredFunc produces further options asynchronously, with no
// environment dependency.
type DeferredFunc func(ctx context.Context) (Option, error)

type pluginOption struct {
	p *Plugin
}

func (*pluginOption) isOption() {}

type factoryOption struct {
	fn     FactoryFunc
	shared bool
}

func (*factoryOption) isOption() {}

type deferredOption struct {
	fn DeferredFunc
}

func (*deferredOption) isOption() {}

type listOption struct {
	items []Option
}

func (*listOption) isOption() {}

type skipOption struct{}

func (*skipOption) isOption() {}

var skipValue = &skipOption{}

// Use wraps a concrete plugin.
func Use(p *Plugin) Option {
	return &pluginOption{p: p}
}

// Factory wraps an environment-scoped plugin factory.
func Factory(fn FactoryFunc) Option {
	return &factoryOption{fn: fn}
}

// SharedFactory wraps a factory whose result is constructed once and
// reused across the build environments of one BuildScope.
func SharedFactory(fn FactoryFunc) Option {
	return &factoryOption{fn: fn, shared: true}
}

// Defer wraps an asynchronous option producer.
func Defer(fn DeferredFunc) Option {
	return &deferredOption{fn: fn}
}

// List groups options. Nesting is arbitrary; resolution flattens it.
func List(items ...Option) Option {
	return &listOption{items: items}
}

// Skip contributes nothing and occupies no ordering slot.
func Skip() Option {
	return skipValue
}

// FilterOptions evaluates each concrete plugin's Apply predicate
// against the effective config and command mode, removing plugins that
// do not participate. Factories are environment-scoped by nature and
// pass through unfiltered. The evaluation happens exactly once, before
// any factory is invoked.
func FilterOptions(cfg *config.Config, opts []Option) []Option {
	out := make([]Option, 0, len(opts))
	for _, opt := range opts {
		po, ok := opt.(*pluginOption)
		if !ok {
			out = append(out, opt)
			continue
		}
		if po.p != nil && po.p.Apply != nil && !po.p.Apply.applies(cfg, cfg.Command) {
			continue
		}
		out = append(out, opt)
	}
	return out
}
