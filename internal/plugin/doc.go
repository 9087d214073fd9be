// Package plugin provides the plugin pipeline resolution engine.
//
// A project declares its plugins as an ordered list of options. An
// option is either a concrete plugin, a factory invoked once per
// environment, a deferred producer, a nested list, or nothing at all.
// Resolution turns that tree into a flat, deterministically ordered
// plugin list for one environment.
//
// # Resolution
//
// Resolution happens once per environment, at environment creation:
//
//	scope := plugin.NewBuildScope()
//	r := plugin.NewResolver(plugin.WithBuildScope(scope))
//	plugins, err := r.Resolve(ctx, env, plugin.FilterOptions(cfg, opts))
//	ordered := plugin.SortTiers(plugins, slots)
//
// Flattening is depth-first and left-to-right: whatever an entry
// expands to is spliced in at that entry's position, ahead of every
// later entry's contribution. Factories and deferred producers found
// in one expansion pass are invoked concurrently; ordering is
// preserved by substituting each result at its original index, never
// by completion order.
//
// Resolution is fail-fast. If any factory returns an error, the whole
// pass fails and no plugin list is produced for that environment.
//
// # Tiers
//
// The final invocation order interleaves user plugins with fixed
// host-owned slots:
//
//	host pre | enforce pre | host core | untagged | host output | enforce post | host post
//
// Within a tier, declaration order is preserved. A second, per-hook
// ordering (HookDef order pre/default/post) is applied by the dispatch
// pipeline at call time; see the hook subpackage.
//
// # Shared plugins
//
// A plugin or factory marked shared-during-build produces one instance
// reused by every build environment created under the same BuildScope.
// Everything else is instantiated fresh per environment.
package plugin
