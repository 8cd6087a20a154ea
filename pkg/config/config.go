// Package config handles asmhook.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/names"
)

// FileName is the default configuration file name.
const FileName = "asmhook.toml"

// Config is a decoded asmhook.toml.
type Config struct {
	Naming Naming      `toml:"naming"`
	Engine Engine      `toml:"engine"`
	Cache  CacheConfig `toml:"cache"`
	Log    Log         `toml:"log"`
	Hooks  Hooks       `toml:"hooks"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// Naming selects how symbolic member names are mapped.
type Naming struct {
	Mode     string `toml:"mode"`
	Mappings string `toml:"mappings"`
}

// Engine configures hook application.
type Engine struct {
	Find string `toml:"find"`
}

// CacheConfig configures the transformed-class cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Log configures diagnostics.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Hooks lists hook definition files.
type Hooks struct {
	Files []string `toml:"files"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Naming.Mode == "" {
		c.Naming.Mode = names.ModeCanonical.String()
	}
	if c.Engine.Find == "" {
		c.Engine.Find = hook.SearchFromStart.String()
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(".asmhook", "cache.db")
	}
}

// Load parses the configuration file at path. Relative paths inside it
// are resolved against its directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.resolvePaths()
	return &c, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	if _, err := names.ParseMode(c.Naming.Mode); err != nil {
		return fmt.Errorf("naming.mode: %w", err)
	}
	if _, err := hook.ParseSearchMode(c.Engine.Find); err != nil {
		return fmt.Errorf("engine.find: %w", err)
	}
	if c.Naming.Mode == names.ModeAlternate.String() && c.Naming.Mappings == "" {
		return fmt.Errorf("naming.mappings is required in alternate mode")
	}
	return nil
}

func (c *Config) resolvePaths() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Dir, p)
	}
	c.Naming.Mappings = abs(c.Naming.Mappings)
	c.Cache.Path = abs(c.Cache.Path)
	c.Log.File = abs(c.Log.File)
	for i, f := range c.Hooks.Files {
		c.Hooks.Files[i] = abs(f)
	}
}

// Resolver builds the name resolver for the configured mode.
func (c *Config) Resolver() (*names.Resolver, error) {
	mode, err := names.ParseMode(c.Naming.Mode)
	if err != nil {
		return nil, err
	}
	var table *names.Table
	if c.Naming.Mappings != "" {
		if table, err = names.LoadTable(c.Naming.Mappings); err != nil {
			return nil, err
		}
	}
	return names.NewResolver(mode, table), nil
}

// SearchMode returns the configured find search start.
func (c *Config) SearchMode() hook.SearchMode {
	mode, _ := hook.ParseSearchMode(c.Engine.Find)
	return mode
}
