package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file discovered by walking up
// from the working directory.
const LocalConfigName = ".lab-orchestrator.toml"

// Config holds all application configuration
type Config struct {
	General  GeneralConfig   `toml:"general"`
	Sandbox  SandboxConfig   `toml:"sandbox"`
	Retry    RetryConfig     `toml:"retry"`
	Runs     RunsConfig      `toml:"runs"`
	Server   ServerConfig    `toml:"server"`
	Planner  PlannerConfig   `toml:"planner"`
	Notify   NotifyConfig    `toml:"notify"`
	Schedule []ScheduleEntry `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath   string `toml:"database_path"`
	WorkspaceRoot  string `toml:"workspace_root"`
	PlansDir       string `toml:"plans_dir"`
	RetainWorkdirs bool   `toml:"retain_workdirs"`
}

// SandboxConfig bounds step execution
type SandboxConfig struct {
	Interpreter    []string `toml:"interpreter"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	MemoryLimitMB  int      `toml:"memory_limit_mb"`
	AllowNetwork   bool     `toml:"allow_network"`
}

// RetryConfig tunes the per-step retry policy
type RetryConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	MaxDelaySeconds  int `toml:"max_delay_seconds"`
}

// RunsConfig holds run admission settings
type RunsConfig struct {
	MaxConcurrent int  `toml:"max_concurrent"`
	FailFast      bool `toml:"fail_fast"`
}

// ServerConfig holds API server settings
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// PlannerConfig holds the plan-authoring model settings. The API key is read
// from the named environment variable, never from the file itself.
type PlannerConfig struct {
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
}

// NotifyConfig holds notification settings
type NotifyConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleEntry submits a stored plan document on a cron schedule
type ScheduleEntry struct {
	Name string `toml:"name"`
	Cron string `toml:"cron"`
	Plan string `toml:"plan"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".lab-orchestrator")
	return &Config{
		General: GeneralConfig{
			DatabasePath:   filepath.Join(base, "orchestrator.db"),
			WorkspaceRoot:  filepath.Join(base, "runs"),
			RetainWorkdirs: true,
		},
		Sandbox: SandboxConfig{
			Interpreter:    []string{"python3", "-u"},
			TimeoutSeconds: 300,
			MemoryLimitMB:  1024,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 2,
			MaxDelaySeconds:  30,
		},
		Runs: RunsConfig{
			MaxConcurrent: 3,
			FailFast:      true,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Planner: PlannerConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.PlansDir = ExpandPath(cfg.General.PlansDir)
	for i := range cfg.Schedule {
		cfg.Schedule[i].Plan = ExpandPath(cfg.Schedule[i].Plan)
	}

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise a
// per-project local config discovered from the working directory, otherwise
// the default config location.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a local
// config file. Returns an empty string when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Save writes the configuration to a TOML file, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lab-orchestrator", "config.toml")
}
