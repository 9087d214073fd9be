package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
)

// Tier is the enforce bucket a plugin is placed in by SortTiers.
type Tier int

// Plugin tiers.
const (
	// TierDefault - untagged user plugins, between core and output slots.
	TierDefault Tier = iota

	// TierPre - runs before the host core plugins.
	TierPre

	// TierPost - runs after the host build-output plugins.
	TierPost
)

// String returns a string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierDefault:
		return "default"
	case TierPre:
		return "pre"
	case TierPost:
		return "post"
	default:
		return "unknown"
	}
}

// ParseTier parses an enforce string ("", "pre", "post") into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "":
		return TierDefault, nil
	case "pre":
		return TierPre, nil
	case "post":
		return TierPost, nil
	default:
		return TierDefault, fmt.Errorf("%w: enforce %q", ErrInvalidOption, s)
	}
}

// Order is the secondary, hook-name-scoped ordering of a single hook.
// It is independent of the plugin's tier and is applied by the dispatch
// pipeline at call time.
type Order int

// Hook orders.
const (
	// OrderDefault - between pre and post handlers for the same hook.
	OrderDefault Order = iota

	// OrderPre - before default-order handlers for the same hook.
	OrderPre

	// OrderPost - after default-order handlers for the same hook.
	OrderPost
)

// String returns a string representation of the order.
func (o Order) String() string {
	switch o {
	case OrderDefault:
		return "default"
	case OrderPre:
		return "pre"
	case OrderPost:
		return "post"
	default:
		return "unknown"
	}
}

// Environment is the handle passed to plugin factories and hook
// contexts. It is read-only from this package's perspective.
type Environment interface {
	// Name identifies the environment ("client", "ssr", ...).
	Name() string

	// Mode is the environment's execution mode.
	Mode() config.Mode

	// Config is the immutable project configuration snapshot.
	Config() *config.Config
}

// Apply decides whether a plugin participates in the current command
// mode. It is evaluated once, against the effective config, before any
// environment factory runs. A nil Apply always participates.
type Apply interface {
	applies(cfg *config.Config, cmd config.Command) bool
}

type applyCommand config.Command

func (a applyCommand) applies(_ *config.Config, cmd config.Command) bool {
	return config.Command(a) == cmd
}

// ApplyTo restricts a plugin to a single command mode.
func ApplyTo(cmd config.Command) Apply {
	return applyCommand(cmd)
}

type applyFunc func(cfg *config.Config, cmd config.Command) bool

func (a applyFunc) applies(cfg *config.Config, cmd config.Command) bool {
	return a(cfg, cmd)
}

// ApplyIf restricts a plugin with a predicate over the effective config
// and command mode.
func ApplyIf(fn func(cfg *config.Config, cmd config.Command) bool) Apply {
	return applyFunc(fn)
}

// ResolveOptions carries per-call options for the resolveId hook.
type ResolveOptions struct {
	// IsEntry is true when the source is a graph entry point.
	IsEntry bool

	// Custom carries opaque plugin-to-plugin data.
	Custom map[string]any

	// Attributes are import attributes attached to the import site.
	Attributes map[string]string

	// SSR is the legacy compatibility flag. It is computed fresh per
	// call from the live environment (name != "client"), never cached.
	SSR bool
}

// ResolvedID is the result of a resolveId hook.
type ResolvedID struct {
	// ID is the resolved module id.
	ID string

	// External marks the module as not part of the graph.
	External bool
}

// LoadOptions carries per-call options for the load hook.
type LoadOptions struct {
	// SSR is the legacy compatibility flag, computed fresh per call.
	SSR bool
}

// LoadResult is the result of a load hook.
type LoadResult struct {
	// Code is the loaded source text.
	Code string

	// Map is an optional source map, serialized.
	Map string

	// Meta carries optional module metadata.
	Meta map[string]any
}

// TransformOptions carries per-call options for the transform hook.
type TransformOptions struct {
	// SSR is the legacy compatibility flag, computed fresh per call.
	SSR bool
}

// TransformResult is the result of a transform hook.
type TransformResult struct {
	// Code is the transformed source text.
	Code string

	// Map is an optional source map, serialized.
	Map string
}

// ModuleRecord identifies one module affected by a file change.
type ModuleRecord struct {
	// ID is the module id within the graph.
	ID string

	// File is the backing file path, if any.
	File string
}

// HotUpdate describes one file change being dispatched to hotUpdate
// handlers.
type HotUpdate struct {
	// File is the changed file path.
	File string

	// Timestamp is when the change was observed.
	Timestamp time.Time

	// Modules are the currently affected module records.
	Modules []*ModuleRecord

	// Read returns the file's new contents. The read is lazy; handlers
	// that do not need the contents never pay for them.
	Read func() (string, error)
}

// EmittedFile is a build artifact emitted through a hook context.
type EmittedFile struct {
	// Name is the suggested file name.
	Name string

	// Source is the artifact contents.
	Source []byte
}

// Handler signatures. Every handler receives the dispatch context
// (cancellation) and the bound hook context (identity + capabilities).
// Returning a nil result means "no opinion": dispatch falls through to
// the next plugin in tier order.
type (
	// ResolveIDHandler resolves an import source to a module id.
	ResolveIDHandler func(ctx context.Context, hctx *HookContext, source, importer string, opts *ResolveOptions) (*ResolvedID, error)

	// LoadHandler loads a module id into source text.
	LoadHandler func(ctx context.Context, hctx *HookContext, id string, opts *LoadOptions) (*LoadResult, error)

	// TransformHandler rewrites module source text.
	TransformHandler func(ctx context.Context, hctx *HookContext, code, id string, opts *TransformOptions) (*TransformResult, error)

	// HotUpdateHandler reacts to a file change. Returning a non-nil
	// slice narrows the affected module set; an empty non-nil slice
	// signals a fully custom update handled out of band.
	HotUpdateHandler func(ctx context.Context, hctx *HookContext, upd *HotUpdate) ([]*ModuleRecord, error)

	// ServerHandler configures the dev or preview server. The returned
	// post hook, if any, runs after built-in middleware installation.
	ServerHandler func(ctx context.Context, srv any) (PostServerHook, error)

	// PostServerHook runs after built-in middleware installation.
	PostServerHook func(ctx context.Context) error

	// HTMLHandler rewrites the index HTML document.
	HTMLHandler func(ctx context.Context, hctx *HookContext, html string) (*HTMLResult, error)
)

// HTMLInject positions an injected tag within the document.
type HTMLInject int

// Tag injection positions.
const (
	// InjectHead appends to <head>.
	InjectHead HTMLInject = iota

	// InjectHeadPrepend prepends to <head>.
	InjectHeadPrepend

	// InjectBody appends to <body>.
	InjectBody

	// InjectBodyPrepend prepends to <body>.
	InjectBodyPrepend
)

// HTMLTag is a structured tag injection.
type HTMLTag struct {
	Name     string
	Attrs    map[string]string
	Children string
	Inject   HTMLInject
}

// HTMLResult is the result of a transformIndexHtml hook: replacement
// HTML, injected tags, or both.
type HTMLResult struct {
	HTML string
	Tags []HTMLTag
}

// Hook definition wrappers. A bare handler is expressed by setting only
// the Handler field; Order and Sequential carry the optional hook
// metadata. Order is scoped per hook name and evaluated at dispatch
// time. Sequential, where meaningful, forces global serialization of
// the handler across concurrent dispatches.
type (
	// ResolveIDHook defines a resolveId hook.
	ResolveIDHook struct {
		Handler    ResolveIDHandler
		Order      Order
		Sequential bool
	}

	// LoadHook defines a load hook.
	LoadHook struct {
		Handler    LoadHandler
		Order      Order
		Sequential bool
	}

	// TransformHook defines a transform hook.
	TransformHook struct {
		Handler    TransformHandler
		Order      Order
		Sequential bool
	}

	// HotUpdateHook defines a hotUpdate hook.
	HotUpdateHook struct {
		Handler    HotUpdateHandler
		Order      Order
		Sequential bool
	}

	// ServerHook defines a configureServer or configurePreviewServer hook.
	ServerHook struct {
		Handler ServerHandler
		Order   Order
	}

	// HTMLHook defines a transformIndexHtml hook. Order is evaluated
	// relative to the built-in HTML pass: pre runs before it,
	// default and post run after.
	HTMLHook struct {
		Handler HTMLHandler
		Order   Order
	}
)

// Plugin is a named unit of pipeline behavior.
type Plugin struct {
	// Name identifies the plugin in ordering, logs, and errors.
	Name string

	// Enforce pins the plugin's tier. Zero value is the default tier.
	Enforce Tier

	// Apply optionally restricts the plugin to a command mode. It is
	// evaluated once, before resolution, per FilterOptions.
	Apply Apply

	// SharedDuringBuild opts the plugin into instance sharing across
	// build environments created under one BuildScope.
	SharedDuringBuild bool

	// Hooks. A nil hook means the plugin does not participate in that
	// dispatch.
	ResolveID              *ResolveIDHook
	Load                   *LoadHook
	Transform              *TransformHook
	HotUpdate              *HotUpdateHook
	ConfigureServer        *ServerHook
	ConfigurePreviewServer *ServerHook
	TransformIndexHTML     *HTMLHook

	// Teardown releases plugin-owned resources when the owning
	// environment is torn down. Shared plugins are torn down by the
	// BuildScope owner instead.
	Teardown func(ctx context.Context) error
}

// clone returns a fresh instance with equal configuration. Hook
// definitions are copied so the instances are independent.
func (p *Plugin) clone() *Plugin {
	c := *p
	if p.ResolveID != nil {
		h := *p.ResolveID
		c.ResolveID = &h
	}
	if p.Load != nil {
		h := *p.Load
		c.Load = &h
	}
	if p.Transform != nil {
		h := *p.Transform
		c.Transform = &h
	}
	if p.HotUpdate != nil {
		h := *p.HotUpdate
		c.HotUpdate = &h
	}
	if p.ConfigureServer != nil {
		h := *p.ConfigureServer
		c.ConfigureServer = &h
	}
	if p.ConfigurePreviewServer != nil {
		h := *p.ConfigurePreviewServer
		c.ConfigurePreviewServer = &h
	}
	if p.TransformIndexHTML != nil {
		h := *p.TransformIndexHTML
		c.TransformIndexHTML = &h
	}
	return &c
}

// HookContext is the binding context passed to every hook invocation.
// It carries the identity needed for failure attribution and the
// capability set owned by the dispatch pipeline.
type HookContext struct {
	// PluginName is the plugin being invoked.
	PluginName string

	// HookName is the hook being invoked.
	HookName string

	// Environment is the active environment for the request, or nil
	// when the call originates from a legacy, environment-free site.
	Environment Environment

	// Logger is the dispatch logger, already annotated with plugin and
	// environment fields.
	Logger *log.Logger

	// Resolver, when set, resolves further module ids through the
	// pipeline that bound this context.
	Resolver func(ctx context.Context, source, importer string, opts *ResolveOptions) (*ResolvedID, error)

	// Emitter, when set, records an emitted build artifact and returns
	// a reference id for it.
	Emitter func(f EmittedFile) string
}

// Warn logs a warning attributed to the plugin and hook.
func (c *HookContext) Warn(msg string, args ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Warn(msg, args...)
}

// Error wraps err with plugin, hook, and environment attribution.
func (c *HookContext) Error(err error) error {
	if err == nil {
		return nil
	}
	if c.Environment != nil {
		return fmt.Errorf("plugin %q: hook %s (environment %s): %w", c.PluginName, c.HookName, c.Environment.Name(), err)
	}
	return fmt.Errorf("plugin %q: hook %s: %w", c.PluginName, c.HookName, err)
}

// Resolve resolves a further module id through the owning pipeline.
func (c *HookContext) Resolve(ctx context.Context, source, importer string, opts *ResolveOptions) (*ResolvedID, error) {
	if c.Resolver == nil {
		return nil, nil
	}
	return c.Resolver(ctx, source, importer, opts)
}

// EmitFile records a build artifact and returns its reference id.
// Returns an empty id when the call site provides no emitter.
func (c *HookContext) EmitFile(f EmittedFile) string {
	if c.Emitter == nil {
		return ""
	}
	return c.Emitter(f)
}
