// Package config loads and validates engine configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Config is the root engine configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Repo          RepoConfig          `yaml:"repo"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP/WS bridge.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProvidersConfig holds per-backend runtime settings. Snapshots of these
// are passed to adapters and never mutated by them.
type ProvidersConfig struct {
	Default models.Provider `yaml:"default"`
	Azure   AzureConfig     `yaml:"azure"`
	Ollama  OllamaConfig    `yaml:"ollama"`
}

// AzureConfig configures the Azure OpenAI backend.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`
	Deployment string `yaml:"deployment"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Window is how long a pending action stays approvable.
	Window time.Duration `yaml:"window"`

	// SweepInterval is how often expired actions are collected. Expiry is
	// also checked lazily on access, so the sweep only bounds staleness of
	// the outstanding set.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TelemetryConfig configures the invocation log.
type TelemetryConfig struct {
	// Backend selects the store: "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database path when Backend is "sqlite".
	Path string `yaml:"path"`
}

// RepoConfig points at the context repository the tools operate on.
type RepoConfig struct {
	Path string `yaml:"path"`

	// PipelineTimeout bounds a single pipeline run.
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns a configuration with engine defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8466,
		},
		Providers: ProvidersConfig{
			Default: models.ProviderAzureOpenAI,
			Azure: AzureConfig{
				APIVersion: "2024-02-15-preview",
				MaxTokens:  4096,
			},
			Ollama: OllamaConfig{
				BaseURL:   "http://localhost:11434",
				Timeout:   2 * time.Minute,
				MaxTokens: 4096,
			},
		},
		Approval: ApprovalConfig{
			Window:        15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Backend: "memory",
		},
		Repo: RepoConfig{
			PipelineTimeout: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if !c.Providers.Default.Valid() {
		return fmt.Errorf("providers.default: unknown backend %q", c.Providers.Default)
	}
	if c.Approval.Window <= 0 {
		return fmt.Errorf("approval.window must be positive")
	}
	switch c.Telemetry.Backend {
	case "memory":
	case "sqlite":
		if c.Telemetry.Path == "" {
			return fmt.Errorf("telemetry.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("telemetry.backend: unknown backend %q", c.Telemetry.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
