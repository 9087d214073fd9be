package script

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/log"
	"github.com/dshills/buildstorm/internal/plugin"
)

// Script globals read once at load time.
const (
	globalName    = "plugin_name"
	globalEnforce = "enforce"
	globalApply   = "apply"

	fnResolveID = "resolve_id"
	fnLoad      = "load"
	fnTransform = "transform"
)

// Load executes the Lua file at path and adapts its globals into a
// plugin. Hook functions are optional; a script with none of them
// still loads, it just never participates in dispatch. The returned
// plugin owns the interpreter and releases it on teardown.
func Load(path string) (*plugin.Plugin, error) {
	s := newState()
	if err := s.doFile(path); err != nil {
		s.close()
		return nil, fmt.Errorf("load plugin script %s: %w", path, err)
	}

	p, err := adapt(s, path)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("load plugin script %s: %w", path, err)
	}
	return p, nil
}

// FromConfig loads every declared script plugin into top-level plugin
// options, in declaration order. Declaration fields override script
// globals. On failure the already-loaded scripts are torn down and
// nothing is returned. A nil logger disables logging.
func FromConfig(ctx context.Context, scripts []config.ScriptConfig, logger *log.Logger) ([]plugin.Option, error) {
	if logger == nil {
		logger = log.Null
	}

	var loaded []*plugin.Plugin
	fail := func(err error) ([]plugin.Option, error) {
		teardownAll(ctx, loaded, logger)
		return nil, err
	}

	opts := make([]plugin.Option, 0, len(scripts))
	for _, sc := range scripts {
		p, err := Load(sc.Path)
		if err != nil {
			return fail(err)
		}
		if sc.Name != "" {
			p.Name = sc.Name
		}
		if sc.Enforce != "" {
			tier, terr := plugin.ParseTier(sc.Enforce)
			if terr != nil {
				return fail(fmt.Errorf("plugin script %s: %w", sc.Path, terr))
			}
			p.Enforce = tier
		}
		loaded = append(loaded, p)
		opts = append(opts, plugin.Use(p))
	}
	return opts, nil
}

// teardownAll releases every plugin, logging teardown failures instead
// of returning them; callers on the fail path already carry the load
// error.
func teardownAll(ctx context.Context, plugins []*plugin.Plugin, logger *log.Logger) {
	for _, p := range plugins {
		if p.Teardown == nil {
			continue
		}
		if err := p.Teardown(ctx); err != nil {
			logger.Error("plugin %s teardown failed: %v", p.Name, err)
		}
	}
}

// adapt builds the plugin definition from the script's globals.
func adapt(s *state, path string) (*plugin.Plugin, error) {
	name := asString(s.global(globalName))
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	tier, err := plugin.ParseTier(asString(s.global(globalEnforce)))
	if err != nil {
		return nil, err
	}

	p := &plugin.Plugin{
		Name:    name,
		Enforce: tier,
		Teardown: func(ctx context.Context) error {
			return s.close()
		},
	}

	switch applyStr := asString(s.global(globalApply)); applyStr {
	case "":
	case string(config.CommandServe), string(config.CommandBuild):
		p.Apply = plugin.ApplyTo(config.Command(applyStr))
	default:
		return nil, fmt.Errorf("%w: unknown apply %q", ErrBadScript, applyStr)
	}

	if s.hasFunction(fnResolveID) {
		p.ResolveID = &plugin.ResolveIDHook{Sequential: true, Handler: resolveIDHandler(s)}
	}
	if s.hasFunction(fnLoad) {
		p.Load = &plugin.LoadHook{Sequential: true, Handler: loadHandler(s)}
	}
	if s.hasFunction(fnTransform) {
		p.Transform = &plugin.TransformHook{Sequential: true, Handler: transformHandler(s)}
	}
	return p, nil
}

// resolveIDHandler adapts resolve_id(source, importer). The script
// returns a string id, a table {id=..., external=...}, or nil to fall
// through.
func resolveIDHandler(s *state) plugin.ResolveIDHandler {
	return func(ctx context.Context, hctx *plugin.HookContext, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
		ret, err := s.call(fnResolveID, lua.LString(source), lua.LString(importer))
		if err != nil {
			return nil, err
		}
		switch v := ret.(type) {
		case *lua.LNilType:
			return nil, nil
		case lua.LString:
			return &plugin.ResolvedID{ID: string(v)}, nil
		case *lua.LTable:
			id := asString(v.RawGetString("id"))
			if id == "" {
				return nil, fmt.Errorf("%w: %s returned a table without an id", ErrBadScript, fnResolveID)
			}
			return &plugin.ResolvedID{
				ID:       id,
				External: lua.LVAsBool(v.RawGetString("external")),
			}, nil
		default:
			return nil, fmt.Errorf("%w: %s returned %s", ErrBadScript, fnResolveID, ret.Type())
		}
	}
}

// loadHandler adapts load(id). The script returns a string of code, a
// table {code=..., map=...}, or nil.
func loadHandler(s *state) plugin.LoadHandler {
	return func(ctx context.Context, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
		ret, err := s.call(fnLoad, lua.LString(id))
		if err != nil {
			return nil, err
		}
		switch v := ret.(type) {
		case *lua.LNilType:
			return nil, nil
		case lua.LString:
			return &plugin.LoadResult{Code: string(v)}, nil
		case *lua.LTable:
			return &plugin.LoadResult{
				Code: asString(v.RawGetString("code")),
				Map:  asString(v.RawGetString("map")),
			}, nil
		default:
			return nil, fmt.Errorf("%w: %s returned %s", ErrBadScript, fnLoad, ret.Type())
		}
	}
}

// transformHandler adapts transform(code, id) with the same result
// shapes as load.
func transformHandler(s *state) plugin.TransformHandler {
	return func(ctx context.Context, hctx *plugin.HookContext, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
		ret, err := s.call(fnTransform, lua.LString(code), lua.LString(id))
		if err != nil {
			return nil, err
		}
		switch v := ret.(type) {
		case *lua.LNilType:
			return nil, nil
		case lua.LString:
			return &plugin.TransformResult{Code: string(v)}, nil
		case *lua.LTable:
			return &plugin.TransformResult{
				Code: asString(v.RawGetString("code")),
				Map:  asString(v.RawGetString("map")),
			}, nil
		default:
			return nil, fmt.Errorf("%w: %s returned %s", ErrBadScript, fnTransform, ret.Type())
		}
	}
}

// asString converts a Lua string value; every other type yields "".
func asString(lv lua.LValue) string {
	if s, ok := lv.(lua.LString); ok {
		return string(s)
	}
	return ""
}
