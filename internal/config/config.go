// Package config loads and validates the server configuration. Files are
// YAML by default and JSON/JSON5 by extension; $include directives merge
// fragments with cycle detection, and environment references expand before
// parsing. Unknown keys are rejected so typos fail at startup instead of
// silently running with defaults.
package config

import (
	"fmt"
	"time"
)

// CurrentVersion is the newest configuration file version this build
// understands. A missing version means the file predates versioning and is
// read as version 1.
const CurrentVersion = 1

// Config is the root configuration.
type Config struct {
	Version int `yaml:"version"`

	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Agent      AgentConfig      `yaml:"agent"`
	Context    ContextConfig    `yaml:"context"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Subagents  SubagentsConfig  `yaml:"subagents"`
	Tools      ToolsConfig      `yaml:"tools"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Skills     SkillsConfig     `yaml:"skills"`
	Worktree   WorktreeConfig   `yaml:"worktree"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// Load reads, merges, decodes, defaults, and validates the configuration
// at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no file
// read. It validates clean.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.Server.applyDefaults()
	cfg.Database.applyDefaults()
	cfg.Providers.applyDefaults()
	cfg.Agent.applyDefaults()
	cfg.Context.applyDefaults()
	cfg.Sessions.applyDefaults()
	cfg.Subagents.applyDefaults()
	cfg.Tools.applyDefaults()
	cfg.Hooks.applyDefaults()
	cfg.Workspace.applyDefaults()
	cfg.Skills.applyDefaults()
	cfg.Worktree.applyDefaults()
	cfg.Transcribe.applyDefaults()
	cfg.Logging.applyDefaults()
	cfg.Tracing.applyDefaults()
}

// Validate checks cross-field constraints. Load calls it after defaulting;
// callers constructing a Config by hand should call it themselves.
func (c *Config) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("config version %d is newer than this build (current: %d)", c.Version, CurrentVersion)
	}
	validators := []func() error{
		c.Server.validate,
		c.Providers.validate,
		c.Agent.validate,
		c.Context.validate,
		c.Sessions.validate,
		c.Subagents.validate,
		c.Tools.validate,
		c.Hooks.validate,
		c.Logging.validate,
		c.Tracing.validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateDuration(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, d)
	}
	return nil
}
