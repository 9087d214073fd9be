// Package config holds the immutable project configuration snapshot
// consumed by plugin resolution and hook dispatch.
//
// A Config is built once, at startup, and passed explicitly into each
// resolution call. Nothing in this package mutates a Config after Load
// returns it; treat every *Config as read-only.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Command is the active command mode of the tool invocation.
type Command string

// Command modes.
const (
	// CommandServe - the dev server is running.
	CommandServe Command = "serve"

	// CommandBuild - a production build is running.
	CommandBuild Command = "build"
)

// Valid reports whether the command is a known mode.
func (c Command) Valid() bool {
	return c == CommandServe || c == CommandBuild
}

// Mode identifies the execution mode of a single environment.
type Mode string

// Environment modes.
const (
	// ModeDev - a live dev-server environment.
	ModeDev Mode = "dev"

	// ModeBuild - a production build environment.
	ModeBuild Mode = "build"

	// ModeScan - a dependency-scan environment.
	ModeScan Mode = "scan"
)

// Valid reports whether the mode is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDev || m == ModeBuild || m == ModeScan
}

// DefaultEnvironmentName is the name of the implicit browser environment.
// Hook dispatch computes its legacy compatibility flag against this name.
const DefaultEnvironmentName = "client"

// DefaultFileName is the conventional project file name.
const DefaultFileName = "buildstorm.toml"

// DefaultPath returns the conventional project file path under root.
func DefaultPath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, DefaultFileName)
}

// EnvironmentConfig declares one environment to construct.
type EnvironmentConfig struct {
	// Name identifies the environment ("client", "ssr", ...).
	Name string `toml:"name"`

	// Mode is the execution mode. Defaults to the mode implied by the
	// command: dev for serve, build for build.
	Mode Mode `toml:"mode"`
}

// ScriptConfig declares a Lua script plugin to load.
type ScriptConfig struct {
	// Name overrides the plugin name. Defaults to the script file base name.
	Name string `toml:"name"`

	// Path is the script path, relative to the project root.
	Path string `toml:"path"`

	// Enforce optionally pins the plugin tier: "pre" or "post".
	Enforce string `toml:"enforce"`
}

// WatchConfig configures the hot-update file watcher.
type WatchConfig struct {
	// Ignore lists path patterns excluded from watching.
	Ignore []string `toml:"ignore"`

	// DebounceMS is the debounce window for rapid changes, in milliseconds.
	DebounceMS int `toml:"debounce_ms"`
}

// Config is the effective project configuration.
type Config struct {
	// Command is the active command mode.
	Command Command

	// Root is the absolute project root directory.
	Root string

	// Environments are the declared environments, in declaration order.
	Environments []EnvironmentConfig

	// Scripts are the declared Lua script plugins, in declaration order.
	Scripts []ScriptConfig

	// Watch configures the hot-update watcher.
	Watch WatchConfig
}

// Configuration errors.
var (
	// ErrInvalidConfig is returned when a configuration value fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Default returns a configuration with the implicit client environment.
func Default(cmd Command, root string) *Config {
	cfg := &Config{Command: cmd, Root: root}
	_ = cfg.normalize()
	return cfg
}

// defaultMode maps a command mode to the environment mode it implies.
func defaultMode(cmd Command) Mode {
	if cmd == CommandBuild {
		return ModeBuild
	}
	return ModeDev
}

// normalize fills defaults and validates the configuration in place.
func (c *Config) normalize() error {
	if c.Command == "" {
		c.Command = CommandServe
	}
	if !c.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrInvalidConfig, c.Command)
	}

	if c.Root == "" {
		c.Root = "."
	}
	if abs, err := filepath.Abs(c.Root); err == nil {
		c.Root = abs
	}

	if len(c.Environments) == 0 {
		c.Environments = []EnvironmentConfig{
			{Name: DefaultEnvironmentName, Mode: defaultMode(c.Command)},
		}
	}

	seen := make(map[string]bool, len(c.Environments))
	for i := range c.Environments {
		env := &c.Environments[i]
		if env.Name == "" {
			return fmt.Errorf("%w: environment %d has no name", ErrInvalidConfig, i)
		}
		if seen[env.Name] {
			return fmt.Errorf("%w: duplicate environment %q", ErrInvalidConfig, env.Name)
		}
		seen[env.Name] = true

		if env.Mode == "" {
			env.Mode = defaultMode(c.Command)
		}
		if !env.Mode.Valid() {
			return fmt.Errorf("%w: environment %q has unknown mode %q", ErrInvalidConfig, env.Name, env.Mode)
		}
	}

	for i := range c.Scripts {
		s := &c.Scripts[i]
		if s.Path == "" {
			return fmt.Errorf("%w: script plugin %d has no path", ErrInvalidConfig, i)
		}
		if !filepath.IsAbs(s.Path) {
			s.Path = filepath.Join(c.Root, s.Path)
		}
		if s.Name == "" {
			base := filepath.Base(s.Path)
			s.Name = base[:len(base)-len(filepath.Ext(base))]
		}
		switch s.Enforce {
		case "", "pre", "post":
		default:
			return fmt.Errorf("%w: script plugin %q has unknown enforce %q", ErrInvalidConfig, s.Name, s.Enforce)
		}
	}

	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("%w: negative watch debounce", ErrInvalidConfig)
	}

	return nil
}

// EnvironmentNames returns the declared environment names in order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, len(c.Environments))
	for i, e := range c.Environments {
		names[i] = e.Name
	}
	return names
}
