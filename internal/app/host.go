package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/buildstorm/internal/config"
	"github.com/dshills/buildstorm/internal/plugin"
)

// hostSlots builds the host-owned plugins that flank the user tiers.
// User pre plugins run after the pre slot; the core slot runs before
// every untagged user plugin.
func hostSlots(cfg *config.Config) plugin.HostSlots {
	return plugin.HostSlots{
		Pre:  []*plugin.Plugin{pathResolver(cfg)},
		Core: []*plugin.Plugin{fsLoader(cfg)},
	}
}

// pathResolver normalizes relative and root-anchored import sources to
// absolute file ids. Bare specifiers fall through for user plugins.
func pathResolver(cfg *config.Config) *plugin.Plugin {
	return &plugin.Plugin{
		Name: "host:path-resolver",
		ResolveID: &plugin.ResolveIDHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, source, importer string, opts *plugin.ResolveOptions) (*plugin.ResolvedID, error) {
				switch {
				case strings.HasPrefix(source, "./"), strings.HasPrefix(source, "../"):
					base := cfg.Root
					if importer != "" {
						base = filepath.Dir(importer)
					}
					return &plugin.ResolvedID{ID: filepath.Clean(filepath.Join(base, source))}, nil
				case strings.HasPrefix(source, "/"):
					return &plugin.ResolvedID{ID: filepath.Join(cfg.Root, source)}, nil
				default:
					return nil, nil
				}
			},
		},
	}
}

// fsLoader serves ids that are readable files under the project root.
func fsLoader(cfg *config.Config) *plugin.Plugin {
	return &plugin.Plugin{
		Name: "host:fs-loader",
		Load: &plugin.LoadHook{
			Handler: func(ctx context.Context, hctx *plugin.HookContext, id string, opts *plugin.LoadOptions) (*plugin.LoadResult, error) {
				if !filepath.IsAbs(id) {
					return nil, nil
				}
				rel, err := filepath.Rel(cfg.Root, id)
				if err != nil || strings.HasPrefix(rel, "..") {
					return nil, nil
				}
				b, err := os.ReadFile(id)
				if err != nil {
					if os.IsNotExist(err) {
						return nil, nil
					}
					return nil, err
				}
				return &plugin.LoadResult{Code: string(b)}, nil
			},
		},
	}
}
