// Package config provides YAML-based configuration loading for Vibeyard.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Vibeyard configuration, loaded from vibeyard.yaml.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
}

// DatabaseConfig selects the key/value store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds settings for the HTTP boundary.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// SandboxConfig holds settings for the local sandbox provider and the
// development server run inside each sandbox.
type SandboxConfig struct {
	Root               string `yaml:"root"`
	Workspace          string `yaml:"workspace"`
	DevCommand         string `yaml:"dev_command"`
	DevPort            int    `yaml:"dev_port"`
	PreviewHostname    string `yaml:"preview_hostname"`
	PreviewURLTemplate string `yaml:"preview_url_template"`
}

// OrchestratorConfig tunes per-conversation lifecycle management.
type OrchestratorConfig struct {
	IdleTTL     time.Duration `yaml:"idle_ttl"`
	LogMaxBytes int           `yaml:"log_max_bytes"`
	SweepCron   string        `yaml:"sweep_cron"`
}

// AgentConfig configures the model-driving loop.
type AgentConfig struct {
	ModelEndpoint string        `yaml:"model_endpoint"`
	ModelTimeout  time.Duration `yaml:"model_timeout"`
	MaxSteps      int           `yaml:"max_steps"`
	MaxMessages   int           `yaml:"max_messages"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "vibeyard.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "vibeyard"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}

	if c.Sandbox.Root == "" {
		c.Sandbox.Root = ".vibeyard/sandboxes"
	}
	if c.Sandbox.Workspace == "" {
		c.Sandbox.Workspace = "/workspace"
	}
	if c.Sandbox.DevCommand == "" {
		c.Sandbox.DevCommand = "bun run dev"
	}
	if c.Sandbox.DevPort == 0 {
		c.Sandbox.DevPort = 5173
	}
	if c.Sandbox.PreviewHostname == "" {
		c.Sandbox.PreviewHostname = fmt.Sprintf("localhost:%d", c.Server.Port)
	}
	if c.Sandbox.PreviewURLTemplate == "" {
		c.Sandbox.PreviewURLTemplate = "http://{port}-{id}.{host}"
	}

	if c.Orchestrator.IdleTTL == 0 {
		c.Orchestrator.IdleTTL = 10 * time.Minute
	}
	if c.Orchestrator.LogMaxBytes == 0 {
		c.Orchestrator.LogMaxBytes = 1 << 20
	}
	if c.Orchestrator.SweepCron == "" {
		c.Orchestrator.SweepCron = "*/5 * * * *"
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 50
	}
	if c.Agent.ModelTimeout == 0 {
		c.Agent.ModelTimeout = 2 * time.Minute
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if !path.IsAbs(c.Sandbox.Workspace) {
		errs = append(errs, "sandbox.workspace must be an absolute path")
	}
	if c.Sandbox.DevPort < 1 || c.Sandbox.DevPort > 65535 {
		errs = append(errs, fmt.Sprintf("sandbox.dev_port %d out of range", c.Sandbox.DevPort))
	}
	if !strings.Contains(c.Sandbox.PreviewURLTemplate, "{port}") {
		errs = append(errs, "sandbox.preview_url_template must contain {port}")
	}
	if c.Orchestrator.IdleTTL < 0 {
		errs = append(errs, "orchestrator.idle_ttl must be positive")
	}
	if c.Orchestrator.LogMaxBytes < 0 {
		errs = append(errs, "orchestrator.log_max_bytes must be positive")
	}
	if _, err := cron.ParseStandard(c.Orchestrator.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("orchestrator.sweep_cron %q: %v", c.Orchestrator.SweepCron, err))
	}
	if c.Agent.ModelEndpoint == "" {
		errs = append(errs, "agent.model_endpoint is required")
	}
	if c.Agent.MaxSteps < 0 {
		errs = append(errs, "agent.max_steps must be positive")
	}
	if c.Agent.MaxMessages < 0 {
		errs = append(errs, "agent.max_messages must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
