package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
agent:
  model_endpoint: http://localhost:4000/step
`

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Database.Path != "vibeyard.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "vibeyard.db")
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8787)
	}
	if cfg.Sandbox.Workspace != "/workspace" {
		t.Errorf("Sandbox.Workspace = %q, want %q", cfg.Sandbox.Workspace, "/workspace")
	}
	if cfg.Sandbox.DevCommand != "bun run dev" {
		t.Errorf("Sandbox.DevCommand = %q, want %q", cfg.Sandbox.DevCommand, "bun run dev")
	}
	if cfg.Sandbox.DevPort != 5173 {
		t.Errorf("Sandbox.DevPort = %d, want %d", cfg.Sandbox.DevPort, 5173)
	}
	if cfg.Sandbox.PreviewHostname != "localhost:8787" {
		t.Errorf("Sandbox.PreviewHostname = %q, want %q", cfg.Sandbox.PreviewHostname, "localhost:8787")
	}
	if cfg.Orchestrator.IdleTTL != 10*time.Minute {
		t.Errorf("Orchestrator.IdleTTL = %v, want %v", cfg.Orchestrator.IdleTTL, 10*time.Minute)
	}
	if cfg.Orchestrator.LogMaxBytes != 1<<20 {
		t.Errorf("Orchestrator.LogMaxBytes = %d, want %d", cfg.Orchestrator.LogMaxBytes, 1<<20)
	}
	if cfg.Orchestrator.SweepCron != "*/5 * * * *" {
		t.Errorf("Orchestrator.SweepCron = %q, want %q", cfg.Orchestrator.SweepCron, "*/5 * * * *")
	}
	if cfg.Agent.MaxSteps != 50 {
		t.Errorf("Agent.MaxSteps = %d, want %d", cfg.Agent.MaxSteps, 50)
	}
	if cfg.Agent.MaxMessages != 0 {
		t.Errorf("Agent.MaxMessages = %d, want unlimited", cfg.Agent.MaxMessages)
	}
}

func TestParse_PreviewHostnameFollowsServerPort(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "server:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sandbox.PreviewHostname != "localhost:9000" {
		t.Errorf("PreviewHostname = %q, want %q", cfg.Sandbox.PreviewHostname, "localhost:9000")
	}
}

func TestParse_MissingModelEndpoint(t *testing.T) {
	_, err := Parse([]byte("server:\n  port: 8080\n"))
	if err == nil {
		t.Fatal("expected error for missing model endpoint")
	}
	if !strings.Contains(err.Error(), "agent.model_endpoint is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "agent.model_endpoint is required")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: postgres\n", `database.driver "postgres" must be sqlite or mysql`},
		{"relative workspace", "sandbox:\n  workspace: workspace\n", "sandbox.workspace must be an absolute path"},
		{"dev port range", "sandbox:\n  dev_port: 70000\n", "sandbox.dev_port 70000 out of range"},
		{"template without port", "sandbox:\n  preview_url_template: http://{id}.{host}\n", "must contain {port}"},
		{"bad cron", "orchestrator:\n  sweep_cron: every minute\n", "orchestrator.sweep_cron"},
		{"negative messages", "agent:\n  model_endpoint: x\n  max_messages: -1\n", "agent.max_messages must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	yaml := `
database:
  driver: oracle
server:
  port: 99999
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"database.driver", "server.port 99999 out of range", "agent.model_endpoint is required"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":::invalid"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vibeyard.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Agent.ModelEndpoint != "http://localhost:4000/step" {
		t.Errorf("ModelEndpoint = %q", cfg.Agent.ModelEndpoint)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/vibeyard.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestLoad_FullFixture(t *testing.T) {
	cfg, err := Load("testdata/valid_full.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "mysql" || cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Sandbox.DevCommand != "npm run dev" || cfg.Sandbox.DevPort != 3000 {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.PreviewHostname != "preview.example.com" {
		t.Errorf("PreviewHostname = %q", cfg.Sandbox.PreviewHostname)
	}
	if cfg.Orchestrator.IdleTTL != 15*time.Minute {
		t.Errorf("IdleTTL = %v, want 15m", cfg.Orchestrator.IdleTTL)
	}
	if cfg.Agent.ModelTimeout != 45*time.Second {
		t.Errorf("ModelTimeout = %v, want 45s", cfg.Agent.ModelTimeout)
	}
	if cfg.Agent.MaxSteps != 20 || cfg.Agent.MaxMessages != 3 {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
}
