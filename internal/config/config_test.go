package config

import (
	"testing"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Approval.Window != 15*time.Minute {
		t.Errorf("expected 15m approval window, got %v", cfg.Approval.Window)
	}
	if cfg.Providers.Default != models.ProviderAzureOpenAI {
		t.Errorf("expected azure-openai default provider, got %q", cfg.Providers.Default)
	}
	if cfg.Telemetry.Backend != "memory" {
		t.Errorf("expected memory telemetry backend, got %q", cfg.Telemetry.Backend)
	}
}

func TestParse_Overrides(t *testing.T) {
	raw := []byte(`
providers:
  default: ollama
  ollama:
    base_url: http://127.0.0.1:11434
    model: llama3.1
approval:
  window: 5m
telemetry:
  backend: sqlite
  path: /tmp/telemetry.db
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Default != models.ProviderOllama {
		t.Errorf("expected ollama, got %q", cfg.Providers.Default)
	}
	if cfg.Approval.Window != 5*time.Minute {
		t.Errorf("expected 5m window, got %v", cfg.Approval.Window)
	}
	if cfg.Telemetry.Path != "/tmp/telemetry.db" {
		t.Errorf("unexpected telemetry path %q", cfg.Telemetry.Path)
	}
	// Untouched defaults survive.
	if cfg.Providers.Azure.APIVersion != "2024-02-15-preview" {
		t.Errorf("azure api version default lost: %q", cfg.Providers.Azure.APIVersion)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("CK_TEST_API_KEY", "secret-key-123")
	raw := []byte(`
providers:
  azure:
    endpoint: https://example.openai.azure.com
    api_key: ${CK_TEST_API_KEY}
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Azure.APIKey != "secret-key-123" {
		t.Errorf("env expansion failed: %q", cfg.Providers.Azure.APIKey)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Providers.Default = "gpt-j" }},
		{"zero window", func(c *Config) { c.Approval.Window = 0 }},
		{"sqlite without path", func(c *Config) { c.Telemetry.Backend = "sqlite"; c.Telemetry.Path = "" }},
		{"unknown telemetry backend", func(c *Config) { c.Telemetry.Backend = "redis" }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestParse_UnknownField(t *testing.T) {
	if _, err := Parse([]byte("no_such_section:\n  a: 1\n")); err == nil {
		t.Error("expected error for unknown field")
	}
}
