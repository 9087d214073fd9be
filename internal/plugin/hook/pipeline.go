// Package hook dispatches pipeline hooks across an environment's
// resolved plugin sequence. The resolved list fixes the tier order;
// this package applies the per-hook-name secondary ordering (pre,
// default, post) at call time and binds the per-invocation hook
// context.
package hook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/dshills/buildstorm/internal/plugin"
)

// Hook names used in logs and error attribution.
const (
	nameResolveID              = "resolveId"
	nameLoad                   = "load"
	nameTransform              = "transform"
	nameHotUpdate              = "hotUpdate"
	nameConfigureServer        = "configureServer"
	nameConfigurePreviewServer = "configurePreviewServer"
	nameTransformIndexHTML     = "transformIndexHtml"
)

// Pipeline dispatches hooks over one environment's resolved plugins.
type Pipeline struct {
	env     plugin.Environment
	plugins []*plugin.Plugin
	logger  *log.Logger
	emitter func(plugin.EmittedFile) string

	// locks serialize hooks marked Sequential. Keyed by the hook
	// definition pointer so two plugins never share a lock.
	mu    sync.Mutex
	locks map[any]*sync.Mutex
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the dispatch logger.
func WithLogger(l *log.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEmitter supplies the artifact sink exposed to hooks through
// HookContext.EmitFile.
func WithEmitter(fn func(plugin.EmittedFile) string) PipelineOption {
	return func(p *Pipeline) {
		p.emitter = fn
	}
}

// NewPipeline creates a dispatch pipeline over env's resolved plugins.
// The plugin slice is captured as-is; callers pass the tier-ordered
// sequence the environment resolved at construction.
func NewPipeline(env plugin.Environment, plugins []*plugin.Plugin, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		env:     env,
		plugins: plugins,
		logger:  log.Null,
		locks:   make(map[any]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	if env != nil {
		p.logger = p.logger.WithEnvironment(env.Name())
	}
	return p
}

// Environment returns the environment this pipeline dispatches for.
func (p *Pipeline) Environment() plugin.Environment {
	return p.env
}

// ssr computes the legacy compatibility flag for the current call. It
// is derived from the live environment on every dispatch, never
// cached: an environment named "client" reports false, every other
// environment reports true.
func (p *Pipeline) ssr() bool {
	if p.env == nil {
		return false
	}
	return p.env.Name() != config.DefaultEnvironmentName
}

// bind builds the hook context for one invocation of hookName on pl.
func (p *Pipeline) bind(pl *plugin.Plugin, hookName string) *plugin.HookContext {
	return &plugin.HookContext{
		PluginName:  pl.Name,
		HookName:    hookName,
		Environment: p.env,
		Logger:      p.logger.WithPlugin(pl.Name),
		Resolver: func(ctx context.Context, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
			return p.ResolveID(ctx, source, importer, opts)
		},
		Emitter: p.emitter,
	}
}

// lockFor returns the serialization lock for a Sequential hook
// definition, creating it on first use.
func (p *Pipeline) lockFor(key any) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// orderedEntry pairs a plugin with the order of one of its hooks.
type orderedEntry struct {
	pl    *plugin.Plugin
	order plugin.Order
}

// byOrder partitions entries into pre, default, post buckets, keeping
// tier order inside each bucket, and returns the concatenation. The
// secondary ordering is evaluated here, at dispatch time, so the same
// resolved list serves every hook name.
func byOrder(entries []orderedEntry) []orderedEntry {
	var pre, def, post []orderedEntry
	for _, e := range entries {
		switch e.order {
		case plugin.OrderPre:
			pre = append(pre, e)
		case plugin.OrderPost:
			post = append(post, e)
		default:
			def = append(def, e)
		}
	}
	out := make([]orderedEntry, 0, len(entries))
	out = append(out, pre...)
	out = append(out, def...)
	out = append(out, post...)
	return out
}

// ResolveID asks each plugin with a resolveId hook, in order, to
// resolve source. The first non-nil result wins; a nil result falls
// through to the next plugin. Returns (nil, nil) when no plugin
// resolves the id.
func (p *Pipeline) ResolveID(ctx context.Context, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
	if opts == nil {
		opts = &plugin.ResolveOptions{}
	}
	call := *opts
	call.SSR = p.ssr()

	var entries []orderedEntry
	for _, pl := range p.plugins {
		if pl.ResolveID != nil && pl.ResolveID.Handler != nil {
			entries = append(entries, orderedEntry{pl: pl, order: pl.ResolveID.Order})
		}
	}

	start := time.Now()
	for _, e := range byOrder(entries) {
		hctx := p.bind(e.pl, nameResolveID)
		res, err := p.callResolveID(ctx, e.pl, hctx, source, importer, &call)
		if err != nil {
			return nil, hctx.Error(err)
		}
		if res != nil {
			p.logger.Debug("%s resolved %q via %s in %s", nameResolveID, source, e.pl.Name, time.Since(start))
			return res, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) callResolveID(ctx context.Context, pl *plugin.Plugin, hctx *plugin.HookContext, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
	if pl.ResolveID.Sequential {
		l := p.lockFor(pl.ResolveID)
		l.Lock()
		defer l.Unlock()
	}
	return pl.ResolveID.Handler(ctx, hctx, source, importer, opts)
}

// Load asks each plugin with a load hook, in order, to load id. The
// first non-nil result wins. Returns (nil, nil) when no plugin claims
// the id.
func (p *Pipeline) Load(ctx context.Context, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
	if opts == nil {
		opts = &plugin.LoadOptions{}
	}
	call := *opts
	call.SSR = p.ssr()

	var entries []orderedEntry
	for _, pl := range p.plugins {
		if pl.Load != nil && pl.Load.Handler != nil {
			entries = append(entries, orderedEntry{pl: pl, order: pl.Load.Order})
		}
	}

	for _, e := range byOrder(entries) {
		hctx := p.bind(e.pl, nameLoad)
		res, err := p.callLoad(ctx, e.pl, hctx, id, &call)
		if err != nil {
			return nil, hctx.Error(err)
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) callLoad(ctx context.Context, pl *plugin.Plugin, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
	if pl.Load.Sequential {
		l := p.lockFor(pl.Load)
		l.Lock()
		defer l.Unlock()
	}
	return pl.Load.Handler(ctx, hctx, id, opts)
}

// Transform runs code through every plugin with a transform hook, in
// order. Unlike resolveId and load, transform chains: each non-nil
// result replaces the working code and feeds the next plugin. The
// final code is always returned, transformed or not.
func (p *Pipeline) Transform(ctx context.Context, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
	if opts == nil {
		opts = &plugin.TransformOptions{}
	}
	call := *opts
	call.SSR = p.ssr()

	var entries []orderedEntry
	for _, pl := range p.plugins {
		if pl.Transform != nil && pl.Transform.Handler != nil {
			entries = append(entries, orderedEntry{pl: pl, order: pl.Transform.Order})
		}
	}

	out := &plugin.TransformResult{Code: code}
	for _, e := range byOrder(entries) {
		hctx := p.bind(e.pl, nameTransform)
		res, err := p.callTransform(ctx, e.pl, hctx, out.Code, id, &call)
		if err != nil {
			return nil, hctx.Error(err)
		}
		if res != nil {
			out.Code = res.Code
			if res.Map != "" {
				out.Map = res.Map
			}
		}
	}
	return out, nil
}

func (p *Pipeline) callTransform(ctx context.Context, pl *plugin.Plugin, hctx *plugin.HookContext, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
	if pl.Transform.Sequential {
		l := p.lockFor(pl.Transform)
		l.Lock()
		defer l.Unlock()
	}
	return pl.Transform.Handler(ctx, hctx, code, id, opts)
}

// HotUpdate dispatches one file change to every plugin with a
// hotUpdate hook, in order. A non-nil return narrows the affected
// module set for the remaining plugins and for the caller. An empty
// non-nil return means the plugin handled the update entirely itself;
// dispatch stops and the caller propagates nothing.
func (p *Pipeline) HotUpdate(ctx context.Context, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
	if upd == nil {
		return nil, fmt.Errorf("hook %s: nil update", nameHotUpdate)
	}

	var entries []orderedEntry
	for _, pl := range p.plugins {
		if pl.HotUpdate != nil && pl.HotUpdate.Handler != nil {
			entries = append(entries, orderedEntry{pl: pl, order: pl.HotUpdate.Order})
		}
	}

	modules := upd.Modules
	for _, e := range byOrder(entries) {
		pl := e.pl
		hctx := p.bind(pl, nameHotUpdate)
		call := *upd
		call.Modules = modules
		res, err := p.callHotUpdate(ctx, pl, hctx, &call)
		if err != nil {
			return nil, hctx.Error(err)
		}
		if res == nil {
			continue
		}
		if len(res) == 0 {
			p.logger.Debug("%s: %s fully handled %s", nameHotUpdate, pl.Name, upd.File)
			return []*plugin.ModuleRecord{}, nil
		}
		modules = res
	}
	return modules, nil
}

func (p *Pipeline) callHotUpdate(ctx context.Context, pl *plugin.Plugin, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
	if pl.HotUpdate.Sequential {
		l := p.lockFor(pl.HotUpdate)
		l.Lock()
		defer l.Unlock()
	}
	return pl.HotUpdate.Handler(ctx, hctx, upd)
}

// ConfigureServer runs every configureServer hook in order, then runs
// the post hooks the handlers returned, in the same order, one at a
// time. The post hooks fire after the host has installed its internal
// middleware.
func (p *Pipeline) ConfigureServer(ctx context.Context, srv any) error {
	return p.configureServer(ctx, srv, nameConfigureServer, func(pl *plugin.Plugin) *plugin.ServerHook {
		return pl.ConfigureServer
	})
}

// ConfigurePreviewServer is ConfigureServer for the preview server.
func (p *Pipeline) ConfigurePreviewServer(ctx context.Context, srv any) error {
	return p.configureServer(ctx, srv, nameConfigurePreviewServer, func(pl *plugin.Plugin) *plugin.ServerHook {
		return pl.ConfigurePreviewServer
	})
}

func (p *Pipeline) configureServer(ctx context.Context, srv any, hookName string, pick func(*plugin.Plugin) *plugin.ServerHook) error {
	type pending struct {
		pl   *plugin.Plugin
		post plugin.PostServerHook
	}

	var entries []orderedEntry
	for _, pl := range p.plugins {
		if h := pick(pl); h != nil && h.Handler != nil {
			entries = append(entries, orderedEntry{pl: pl, order: h.Order})
		}
	}

	var posts []pending
	for _, e := range byOrder(entries) {
		hctx := p.bind(e.pl, hookName)
		post, err := pick(e.pl).Handler(ctx, srv)
		if err != nil {
			return hctx.Error(err)
		}
		if post != nil {
			posts = append(posts, pending{pl: e.pl, post: post})
		}
	}

	for _, pend := range posts {
		if err := pend.post(ctx); err != nil {
			return p.bind(pend.pl, hookName).Error(err)
		}
	}
	return nil
}
