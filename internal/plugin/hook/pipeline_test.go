package hook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/plugin"
)

type testEnv struct {
	name string
	mode config.Mode
	cfg  *config.Config
}

func (e *testEnv) Name() string           { return e.name }
func (e *testEnv) Mode() config.Mode      { return e.mode }
func (e *testEnv) Config() *config.Config { return e.cfg }

func clientEnv() *testEnv {
	return &testEnv{name: "client", mode: config.ModeDev, cfg: config.Default(config.CommandServe, ".")}
}

func ssrEnv() *testEnv {
	return &testEnv{name: "ssr", mode: config.ModeDev, cfg: config.Default(config.CommandServe, ".")}
}

func resolver(name, result string) *plugin.Plugin {
	return &plugin.Plugin{
		Name: name,
		ResolveID: &plugin.ResolveIDHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
				if result == "" {
					return nil, nil
				}
				return &plugin.ResolvedID{ID: result}, nil
			},
		},
	}
}

func TestResolveIDFirstNonNilWins(t *testing.T) {
	p := NewPipeline(clientEnv(), []*plugin.Plugin{
		resolver("passes", ""),
		resolver("claims", "/resolved/a"),
		resolver("unreached", "/resolved/b"),
	})

	got, err := p.ResolveID(context.Background(), "./a", "/index.js", nil)
	if err != nil {
		t.Fatalf("ResolveID() error = %v", err)
	}
	if got == nil || got.ID != "/resolved/a" {
		t.Errorf("ResolveID() = %+v, want id /resolved/a", got)
	}
}

func TestResolveIDNoClaim(t *testing.T) {
	p := NewPipeline(clientEnv(), []*plugin.Plugin{resolver("passes", "")})

	got, err := p.ResolveID(context.Background(), "./a", "", nil)
	if err != nil {
		t.Fatalf("ResolveID() error = %v", err)
	}
	if got != nil {
		t.Errorf("ResolveID() = %+v, want nil", got)
	}
}

func TestResolveIDHookOrderOverridesTierOrder(t *testing.T) {
	var calls []string
	mk := func(name string, order plugin.Order) *plugin.Plugin {
		return &plugin.Plugin{
			Name: name,
			ResolveID: &plugin.ResolveIDHook{
				Order: order,
				Handler: func(ctx context.Context, hctx *plugin.HookContext, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
					calls = append(calls, name)
					return nil, nil
				},
			},
		}
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{
		mk("default-first", plugin.OrderDefault),
		mk("pre-second", plugin.OrderPre),
		mk("post-third", plugin.OrderPost),
	})
	if _, err := p.ResolveID(context.Background(), "x", "", nil); err != nil {
		t.Fatalf("ResolveID() error = %v", err)
	}

	want := []string{"pre-second", "default-first", "post-third"}
	for i := range want {
		if i >= len(calls) || calls[i] != want[i] {
			t.Fatalf("call order = %v, want %v", calls, want)
		}
	}
}

func TestLegacyFlagComputedPerEnvironment(t *testing.T) {
	capture := func(dst *bool) *plugin.Plugin {
		return &plugin.Plugin{
			Name: "capture",
			Load: &plugin.LoadHook{
				Handler: func(ctx context.Context, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
					*dst = opts.SSR
					return &plugin.LoadResult{Code: "ok"}, nil
				},
			},
		}
	}

	var clientFlag, ssrFlag bool
	if _, err := NewPipeline(clientEnv(), []*plugin.Plugin{capture(&clientFlag)}).Load(context.Background(), "/a", nil); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := NewPipeline(ssrEnv(), []*plugin.Plugin{capture(&ssrFlag)}).Load(context.Background(), "/a", nil); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if clientFlag {
		t.Error("client environment reported the legacy flag as true")
	}
	if !ssrFlag {
		t.Error("ssr environment reported the legacy flag as false")
	}
}

func TestTransformChains(t *testing.T) {
	appender := func(name, suffix string) *plugin.Plugin {
		return &plugin.Plugin{
			Name: name,
			Transform: &plugin.TransformHook{
				Handler: func(ctx context.Context, hctx *plugin.HookContext, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
					return &plugin.TransformResult{Code: code + suffix}, nil
				},
			},
		}
	}
	skipper := &plugin.Plugin{
		Name: "skipper",
		Transform: &plugin.TransformHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
				return nil, nil
			},
		},
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{appender("a", "+a"), skipper, appender("b", "+b")})
	got, err := p.Transform(context.Background(), "base", "/x.js", nil)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got.Code != "base+a+b" {
		t.Errorf("Transform() code = %q, want %q", got.Code, "base+a+b")
	}
}

func TestTransformNoHooks(t *testing.T) {
	p := NewPipeline(clientEnv(), nil)
	got, err := p.Transform(context.Background(), "untouched", "/x.js", nil)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got.Code != "untouched" {
		t.Errorf("Transform() code = %q, want original", got.Code)
	}
}

func TestHookErrorAttribution(t *testing.T) {
	boom := errors.New("cannot load")
	failing := &plugin.Plugin{
		Name: "broken-loader",
		Load: &plugin.LoadHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
				return nil, boom
			},
		},
	}

	_, err := NewPipeline(ssrEnv(), []*plugin.Plugin{failing}).Load(context.Background(), "/a", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want wrapped %v", err, boom)
	}
	for _, frag := range []string{"broken-loader", "load", "ssr"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error %q does not mention %q", err, frag)
		}
	}
}

func TestHotUpdateNarrows(t *testing.T) {
	all := []*plugin.ModuleRecord{{ID: "/a"}, {ID: "/b"}, {ID: "/c"}}
	narrower := &plugin.Plugin{
		Name: "narrower",
		HotUpdate: &plugin.HotUpdateHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
				return upd.Modules[:1], nil
			},
		},
	}
	var seen int
	observer := &plugin.Plugin{
		Name: "observer",
		HotUpdate: &plugin.HotUpdateHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
				seen = len(upd.Modules)
				return nil, nil
			},
		},
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{narrower, observer})
	got, err := p.HotUpdate(context.Background(), &plugin.HotUpdate{File: "/a.css", Timestamp: time.Now(), Modules: all})
	if err != nil {
		t.Fatalf("HotUpdate() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "/a" {
		t.Errorf("HotUpdate() = %v, want the narrowed single module", got)
	}
	if seen != 1 {
		t.Errorf("downstream handler saw %d modules, want the narrowed 1", seen)
	}
}

func TestHotUpdateHookOrder(t *testing.T) {
	var calls []string
	mk := func(name string, order plugin.Order) *plugin.Plugin {
		return &plugin.Plugin{
			Name: name,
			HotUpdate: &plugin.HotUpdateHook{
				Order: order,
				Handler: func(ctx context.Context, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
					calls = append(calls, name)
					return nil, nil
				},
			},
		}
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{
		mk("late", plugin.OrderPost),
		mk("normal", plugin.OrderDefault),
		mk("early", plugin.OrderPre),
	})
	if _, err := p.HotUpdate(context.Background(), &plugin.HotUpdate{File: "/a.css", Modules: []*plugin.ModuleRecord{{ID: "/a"}}}); err != nil {
		t.Fatalf("HotUpdate() error = %v", err)
	}

	want := []string{"early", "normal", "late"}
	if len(calls) != len(want) {
		t.Fatalf("dispatched %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", calls, want)
		}
	}
}

func TestHotUpdateFullyCustom(t *testing.T) {
	custom := &plugin.Plugin{
		Name: "custom",
		HotUpdate: &plugin.HotUpdateHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
				return []*plugin.ModuleRecord{}, nil
			},
		},
	}
	unreached := &plugin.Plugin{
		Name: "unreached",
		HotUpdate: &plugin.HotUpdateHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, upd *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
				t.Error("dispatch continued past a fully custom handler")
				return nil, nil
			},
		},
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{custom, unreached})
	got, err := p.HotUpdate(context.Background(), &plugin.HotUpdate{File: "/a.css", Modules: []*plugin.ModuleRecord{{ID: "/a"}}})
	if err != nil {
		t.Fatalf("HotUpdate() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("HotUpdate() = %v, want empty non-nil", got)
	}
}

func TestHotUpdateLazyRead(t *testing.T) {
	reads := 0
	upd := &plugin.HotUpdate{
		File:    "/a.css",
		Modules: []*plugin.ModuleRecord{{ID: "/a"}},
		Read: func() (string, error) {
			reads++
			return "body{}", nil
		},
	}
	indifferent := &plugin.Plugin{
		Name: "indifferent",
		HotUpdate: &plugin.HotUpdateHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, u *plugin.HotUpdate) ([]*plugin.ModuleRecord, error) {
				return nil, nil
			},
		},
	}

	if _, err := NewPipeline(clientEnv(), []*plugin.Plugin{indifferent}).HotUpdate(context.Background(), upd); err != nil {
		t.Fatalf("HotUpdate() error = %v", err)
	}
	if reads != 0 {
		t.Errorf("contents read %d times by handlers that never asked", reads)
	}
}

func TestConfigureServerPostHooksRunAfterAll(t *testing.T) {
	var order []string
	mk := func(name string) *plugin.Plugin {
		return &plugin.Plugin{
			Name: name,
			ConfigureServer: &plugin.ServerHook{
				Handler: func(ctx context.Context, srv any) (plugin.PostServerHook, error) {
					order = append(order, name)
					return func(ctx context.Context) error {
						order = append(order, name+"-post")
						return nil
					}, nil
				},
			},
		}
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{mk("a"), mk("b")})
	if err := p.ConfigureServer(context.Background(), struct{}{}); err != nil {
		t.Fatalf("ConfigureServer() error = %v", err)
	}

	want := []string{"a", "b", "a-post", "b-post"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("call order = %v, want %v", order, want)
		}
	}
}

func TestSequentialHookSerialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	serial := &plugin.Plugin{
		Name: "serial",
		Transform: &plugin.TransformHook{
			Sequential: true,
			Handler: func(ctx context.Context, hctx *plugin.HookContext, code, id string, opts *plugin.TransformOptions) (*plugin.TransformResult, error) {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil, nil
			},
		},
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{serial})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Transform(context.Background(), "x", "/x.js", nil); err != nil {
				t.Errorf("Transform() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight > 1 {
		t.Errorf("sequential handler observed %d concurrent entries, want 1", maxInFlight)
	}
}

func TestHookContextResolverReentersPipeline(t *testing.T) {
	target := resolver("target", "/resolved/dep")
	chainer := &plugin.Plugin{
		Name: "chainer",
		Load: &plugin.LoadHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
				dep, err := hctx.Resolve(ctx, "dep", id, nil)
				if err != nil {
					return nil, err
				}
				return &plugin.LoadResult{Code: "import " + dep.ID}, nil
			},
		},
	}

	p := NewPipeline(clientEnv(), []*plugin.Plugin{target, chainer})
	got, err := p.Load(context.Background(), "/x.js", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Code != "import /resolved/dep" {
		t.Errorf("Load() code = %q", got.Code)
	}
}
