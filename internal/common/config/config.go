// Package config provides configuration management for repoask.
// It supports loading configuration from environment variables, a config
// file under the config root, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for repoask.
type Config struct {
	Dirs    DirsConfig    `mapstructure:"dirs"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Server  ServerConfig  `mapstructure:"server"`
	Bus     BusConfig     `mapstructure:"bus"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DirsConfig holds the directory roots owned by repoask.
type DirsConfig struct {
	// ConfigRoot is the base directory for all repoask state.
	// Supports ~ expansion. Default: ~/.repoask
	ConfigRoot string `mapstructure:"configRoot"`

	// ReposDir overrides the central clone directory (default: <configRoot>/repos).
	ReposDir string `mapstructure:"reposDir"`

	// WorkspacesDir overrides the workspace directory (default: <configRoot>/workspaces).
	WorkspacesDir string `mapstructure:"workspacesDir"`
}

// AgentConfig holds the agent backend configuration.
type AgentConfig struct {
	// Binary is the agent server executable (looked up on PATH if bare).
	Binary string `mapstructure:"binary"`

	// BasePort is the first port tried when starting an agent server.
	BasePort int `mapstructure:"basePort"`

	// PortWindow is how many consecutive ports are probed before giving up.
	PortWindow int `mapstructure:"portWindow"`

	// Provider and Model are injected into every session.
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`

	// StartupTimeout bounds the wait for the agent server to become healthy (seconds).
	StartupTimeout int `mapstructure:"startupTimeout"`
}

// ServerConfig holds the optional HTTP wrapper configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BusConfig holds event bus configuration.
// An empty URL selects the in-memory bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig holds the ask-history store configuration.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path overrides the sqlite file location (default: <configRoot>/history.db).
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StartupTimeoutDuration returns the agent startup timeout as a time.Duration.
func (a *AgentConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(a.StartupTimeout) * time.Second
}

// ExpandedConfigRoot returns the config root with ~ expanded.
func (d *DirsConfig) ExpandedConfigRoot() (string, error) {
	return expandHome(d.ConfigRoot)
}

// ExpandedReposDir returns the central clone directory with ~ expanded.
func (d *DirsConfig) ExpandedReposDir() (string, error) {
	if d.ReposDir != "" {
		return expandHome(d.ReposDir)
	}
	root, err := d.ExpandedConfigRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "repos"), nil
}

// ExpandedWorkspacesDir returns the workspace directory with ~ expanded.
func (d *DirsConfig) ExpandedWorkspacesDir() (string, error) {
	if d.WorkspacesDir != "" {
		return expandHome(d.WorkspacesDir)
	}
	root, err := d.ExpandedConfigRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "workspaces"), nil
}

// HistoryPath returns the sqlite history file path with ~ expanded.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return expandHome(c.History.Path)
	}
	root, err := c.Dirs.ExpandedConfigRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "history.db"), nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("REPOASK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Directory defaults
	v.SetDefault("dirs.configRoot", "~/.repoask")
	v.SetDefault("dirs.reposDir", "")
	v.SetDefault("dirs.workspacesDir", "")

	// Agent defaults
	v.SetDefault("agent.binary", "opencode")
	v.SetDefault("agent.basePort", 3420)
	v.SetDefault("agent.portWindow", 30)
	v.SetDefault("agent.provider", "anthropic")
	v.SetDefault("agent.model", "claude-sonnet-4-20250514")
	v.SetDefault("agent.startupTimeout", 30)

	// HTTP wrapper defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "repoask")
	v.SetDefault("bus.maxReconnects", 10)

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REPOASK_ with snake_case naming.
// The config file is config.yaml under the config root or the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REPOASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dirs.configRoot", "REPOASK_DIRS_CONFIG_ROOT")
	_ = v.BindEnv("agent.basePort", "REPOASK_AGENT_BASE_PORT")
	_ = v.BindEnv("agent.portWindow", "REPOASK_AGENT_PORT_WINDOW")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".repoask"))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Dirs.ConfigRoot == "" {
		errs = append(errs, "dirs.configRoot is required")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.BasePort <= 0 || cfg.Agent.BasePort > 65535 {
		errs = append(errs, "agent.basePort must be between 1 and 65535")
	}
	if cfg.Agent.PortWindow <= 0 {
		errs = append(errs, "agent.portWindow must be positive")
	}
	if cfg.Agent.StartupTimeout <= 0 {
		errs = append(errs, "agent.startupTimeout must be positive")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// WriteDefault writes a starter config.yaml to the given directory unless
// one already exists. Returns the path of the file.
func WriteDefault(dir string) (string, error) {
	expanded, err := expandHome(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}

	path := filepath.Join(expanded, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return "", fmt.Errorf("build default config: %w", err)
	}

	doc := map[string]any{
		"dirs": map[string]any{
			"configRoot": cfg.Dirs.ConfigRoot,
		},
		"agent": map[string]any{
			"binary":     cfg.Agent.Binary,
			"basePort":   cfg.Agent.BasePort,
			"portWindow": cfg.Agent.PortWindow,
			"provider":   cfg.Agent.Provider,
			"model":      cfg.Agent.Model,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write default config: %w", err)
	}
	return path, nil
}
