package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk TOML shape of a project configuration.
type fileConfig struct {
	Command      string              `toml:"command"`
	Root         string              `toml:"root"`
	Environments []EnvironmentConfig `toml:"environments"`
	Plugins      []ScriptConfig      `toml:"plugins"`
	Watch        WatchConfig         `toml:"watch"`
}

// Load reads a project configuration from a TOML file.
// A missing file is not an error; defaults for the given command are
// returned instead.
func Load(path string, cmd Command) (*Config, error) {
	return LoadAt(path, cmd, "")
}

// LoadAt is Load with a root directory override. The override wins
// over the file's root entry and anchors relative script paths.
func LoadAt(path string, cmd Command, root string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if root == "" {
				root = "."
			}
			return Default(cmd, root), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg, err := parse(path, data, cmd, root)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses TOML configuration data. The command-line command mode
// wins over the file's command entry when both are set.
func Parse(source string, data []byte, cmd Command) (*Config, error) {
	return parse(source, data, cmd, "")
}

func parse(source string, data []byte, cmd Command, root string) (*Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, &ParseError{Path: source, Message: err.Error(), Err: err}
	}

	cfg := &Config{
		Command:      Command(fc.Command),
		Root:         fc.Root,
		Environments: fc.Environments,
		Scripts:      fc.Plugins,
		Watch:        fc.Watch,
	}
	if cmd != "" {
		cfg.Command = cmd
	}
	if root != "" {
		cfg.Root = root
	}

	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
