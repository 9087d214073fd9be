package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/buildstorm/internal/config"
)

func TestResolveTopLevelOrder(t *testing.T) {
	r := NewResolver()
	env := newTestEnv("client", config.ModeDev)

	opts := []Option{
		Use(named("first")),
		Factory(func(ctx context.Context, env Environment) (Option, error) {
			return List(Use(named("second")), Use(named("third"))), nil
		}),
		Use(named("fourth")),
	}

	got, err := r.Resolve(context.Background(), env, opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	wantNames(t, got, "first", "second", "third", "fourth")
}

func TestResolveRejectsNestedTopLevel(t *testing.T) {
	r := NewResolver()
	env := newTestEnv("client", config.ModeDev)

	_, err := r.Resolve(context.Background(), env, []Option{List(Use(named("A")))})
	if !errors.Is(err, ErrInvalidOption) {
		t.Errorf("error = %v, want %v", err, ErrInvalidOption)
	}
}

func TestResolveFactoryErrorFailsWhole(t *testing.T) {
	r := NewResolver()
	env := newTestEnv("client", config.ModeDev)
	boom := errors.New("boom")

	opts := []Option{
		Use(named("A")),
		Factory(func(ctx context.Context, env Environment) (Option, error) {
			return nil, boom
		}),
	}

	got, err := r.Resolve(context.Background(), env, opts)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped %v", err, boom)
	}
	if got != nil {
		t.Errorf("Resolve() returned partial list %v on error", names(got))
	}
}

func TestResolveFreshInstancesPerEnvironment(t *testing.T) {
	r := NewResolver(WithBuildScope(NewBuildScope()))
	p := named("solo")
	opts := []Option{Use(p)}

	e1 := newTestEnv("client", config.ModeBuild)
	e2 := newTestEnv("ssr", config.ModeBuild)

	got1, err := r.Resolve(context.Background(), e1, opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), e2, opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got1[0] == got2[0] {
		t.Error("non-shared plugin instance reused across environments")
	}
	if got1[0].Name != got2[0].Name {
		t.Errorf("instance names differ: %q vs %q", got1[0].Name, got2[0].Name)
	}
}

func TestResolveSharedDuringBuild(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))
	p := &Plugin{Name: "shared", SharedDuringBuild: true}
	opts := []Option{Use(p)}

	got1, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), newTestEnv("ssr", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got1[0] != got2[0] {
		t.Error("shared plugin not reused across build environments in one scope")
	}
	if !scope.Shared(got1[0]) {
		t.Error("scope does not report the instance as shared")
	}
}

func TestResolveSharedPluginFromFactory(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))
	p := &Plugin{Name: "shared", SharedDuringBuild: true}
	opts := []Option{
		Factory(func(ctx context.Context, env Environment) (Option, error) {
			return Use(p), nil
		}),
	}

	got1, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), newTestEnv("ssr", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if got1[0] != got2[0] {
		t.Error("shared plugin from a factory not reused across build environments")
	}
	if !scope.Shared(got1[0]) {
		t.Error("scope does not report the factory-produced instance as shared")
	}
}

func TestResolveSharedPluginFromDeferredSubtree(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))
	p := &Plugin{Name: "shared", SharedDuringBuild: true}
	opts := []Option{
		Factory(func(ctx context.Context, env Environment) (Option, error) {
			return List(
				Use(named("plain")),
				Defer(func(ctx context.Context) (Option, error) {
					return Use(p), nil
				}),
			), nil
		}),
	}

	got1, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), newTestEnv("ssr", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	wantNames(t, got1, "plain", "shared")
	if got1[1] != got2[1] {
		t.Error("shared plugin from a deferred subtree not reused across build environments")
	}
	if got1[0] == got2[0] {
		t.Error("non-shared plugin from a factory reused across environments")
	}
}

func TestResolveSharedFactoryInvokedOncePerScope(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))

	calls := 0
	opts := []Option{
		SharedFactory(func(ctx context.Context, env Environment) (Option, error) {
			calls++
			return Use(named("expensive")), nil
		}),
	}

	got1, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), newTestEnv("ssr", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if calls != 1 {
		t.Errorf("shared factory invoked %d times, want 1", calls)
	}
	if got1[0] != got2[0] {
		t.Error("shared factory result not reused across build environments")
	}
}

func TestResolveUnsharedFactoryInvokedPerEnvironment(t *testing.T) {
	r := NewResolver(WithBuildScope(NewBuildScope()))

	calls := 0
	opts := []Option{
		Factory(func(ctx context.Context, env Environment) (Option, error) {
			calls++
			return Use(named("fresh")), nil
		}),
	}

	got1, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got2, err := r.Resolve(context.Background(), newTestEnv("ssr", config.ModeBuild), opts)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if calls != 2 {
		t.Errorf("factory invoked %d times, want 2", calls)
	}
	if got1[0] == got2[0] {
		t.Error("unshared factory result reused across environments")
	}
}

func TestResolveSharedFlagInertInDevMode(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))
	p := &Plugin{Name: "shared", SharedDuringBuild: true}

	got, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeDev), []Option{Use(p)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got[0] == p {
		t.Error("dev environment received the shared source instance, want a fresh clone")
	}
}

func TestScopeTeardown(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))

	torn := 0
	p := &Plugin{
		Name:              "shared",
		SharedDuringBuild: true,
		Teardown: func(ctx context.Context) error {
			torn++
			return nil
		},
	}

	if _, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), []Option{Use(p)}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := scope.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if torn != 1 {
		t.Errorf("teardown called %d times, want 1", torn)
	}
}

func TestScopeTeardownCollectsAllErrors(t *testing.T) {
	scope := NewBuildScope()
	r := NewResolver(WithBuildScope(scope))

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	failing := func(name string, err error) *Plugin {
		return &Plugin{
			Name:              name,
			SharedDuringBuild: true,
			Teardown:          func(ctx context.Context) error { return err },
		}
	}
	opts := []Option{Use(failing("a", errA)), Use(failing("b", errB))}

	if _, err := r.Resolve(context.Background(), newTestEnv("client", config.ModeBuild), opts); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	err := scope.Teardown(context.Background())
	if !errors.Is(err, errA) {
		t.Errorf("Teardown() error = %v, missing %v", err, errA)
	}
	if !errors.Is(err, errB) {
		t.Errorf("Teardown() error = %v, missing %v", err, errB)
	}
}

func TestBuildScopeID(t *testing.T) {
	a := NewBuildScope()
	b := NewBuildScope()
	if a.ID() == "" {
		t.Error("scope id is empty")
	}
	if a.ID() == b.ID() {
		t.Error("two scopes share an id")
	}
}

func TestFilterOptions(t *testing.T) {
	serveOnly := &Plugin{Name: "serve-only", Apply: ApplyTo(config.CommandServe)}
	buildOnly := &Plugin{Name: "build-only", Apply: ApplyTo(config.CommandBuild)}
	always := named("always")
	predicated := &Plugin{Name: "predicated", Apply: ApplyIf(func(cfg *config.Config, cmd config.Command) bool {
		return cmd == config.CommandBuild && cfg.Root != ""
	})}
	factoryCalled := false
	factory := Factory(func(ctx context.Context, env Environment) (Option, error) {
		factoryCalled = true
		return nil, nil
	})

	opts := []Option{Use(serveOnly), Use(buildOnly), Use(always), Use(predicated), factory}

	serveCfg := config.Default(config.CommandServe, ".")
	filtered := FilterOptions(serveCfg, opts)
	if len(filtered) != 3 { // serve-only, always, factory
		t.Fatalf("serve filter kept %d options, want 3", len(filtered))
	}

	buildCfg := config.Default(config.CommandBuild, ".")
	filtered = FilterOptions(buildCfg, opts)
	if len(filtered) != 4 { // build-only, always, predicated, factory
		t.Fatalf("build filter kept %d options, want 4", len(filtered))
	}

	// Apply evaluation must not invoke factories.
	if factoryCalled {
		t.Error("FilterOptions invoked a factory")
	}
}
