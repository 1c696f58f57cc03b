// Package config holds agentd's typed configuration, loaded through viper.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultEnvironment is the profile seeded into every configuration.
const DefaultEnvironment = "default"

// Environment is a named capability profile applied to runs.
type Environment struct {
	AllowedTools []string          `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	MaxTurns     int               `mapstructure:"max_turns" yaml:"max_turns"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
}

// Config is the effective agentd configuration.
type Config struct {
	StateDir       string        `mapstructure:"state_dir" yaml:"state_dir"`
	DBPath         string        `mapstructure:"db_path" yaml:"db_path"`
	WorkspaceRoot  string        `mapstructure:"workspace_root" yaml:"workspace_root"`
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	BusGracePeriod time.Duration `mapstructure:"bus_grace_period" yaml:"bus_grace_period"`

	Claude struct {
		Binary string `mapstructure:"binary" yaml:"binary"`
	} `mapstructure:"claude" yaml:"claude"`

	Anthropic struct {
		APIKey string `mapstructure:"api_key" yaml:"api_key"`
		Model  string `mapstructure:"model" yaml:"model"`
	} `mapstructure:"anthropic" yaml:"anthropic"`

	Log struct {
		Format string `mapstructure:"format" yaml:"format"`
		Level  string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`

	Environments map[string]Environment `mapstructure:"environments" yaml:"environments"`
}

// SetDefaults registers a default for every key. stateDir is usually
// ~/.config/agentd.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", filepath.Join(stateDir, "agentd.db"))
	v.SetDefault("workspace_root", filepath.Join(stateDir, "workspaces"))
	v.SetDefault("listen_addr", ":8420")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("bus_grace_period", "60s")
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("environments."+DefaultEnvironment+".allowed_tools",
		[]string{"Read", "Write", "Edit", "Glob", "Grep", "Bash"})
	v.SetDefault("environments."+DefaultEnvironment+".max_turns", 50)
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// viper lowercases map keys; environment variable names are conventionally
	// upper case.
	for name, env := range cfg.Environments {
		if len(env.Env) > 0 {
			upper := make(map[string]string, len(env.Env))
			for k, val := range env.Env {
				upper[strings.ToUpper(k)] = val
			}
			env.Env = upper
			cfg.Environments[name] = env
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.BusGracePeriod < 0 {
		return fmt.Errorf("bus_grace_period must not be negative")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment profile is required")
	}
	for name, env := range c.Environments {
		if env.MaxTurns < 0 {
			return fmt.Errorf("environment %q: max_turns must not be negative", name)
		}
	}
	return nil
}

// Environment returns the named profile.
func (c *Config) Environment(name string) (Environment, bool) {
	env, ok := c.Environments[name]
	return env, ok
}

// EnvironmentNames returns the profile names in sorted order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
