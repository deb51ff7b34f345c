// Package main provides the CLI entry point for the context-kit assistant
// engine.
//
// The engine bridges the desktop context-kit tool to LLM backends (Azure
// OpenAI, Ollama) with guarded tool execution over a context repository.
//
// # Basic Usage
//
// Start the engine:
//
//	ckengine serve --config ckengine.yaml
//
// Check a running instance:
//
//	ckengine status --addr 127.0.0.1:8466
//
// # Environment Variables
//
// Secrets are expanded from the environment inside the YAML config, e.g.
// ${AZURE_OPENAI_API_KEY} under providers.azure.api_key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Lukeus/context-kit-engine/internal/approval"
	"github.com/Lukeus/context-kit-engine/internal/config"
	"github.com/Lukeus/context-kit-engine/internal/contextrepo"
	"github.com/Lukeus/context-kit-engine/internal/gateway"
	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/internal/pipeline"
	"github.com/Lukeus/context-kit-engine/internal/providers"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/internal/session"
	"github.com/Lukeus/context-kit-engine/internal/telemetry"
	"github.com/Lukeus/context-kit-engine/internal/tools"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ckengine",
		Short: "ckengine - assistant orchestration engine for context repositories",
		Long: `ckengine runs the assistant engine behind the context-kit desktop tool.

It normalizes Azure OpenAI and Ollama backends behind one streaming
interface, gates side-effectful tools behind human approval, and keeps an
append-only telemetry log of every tool invocation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildStatusCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and serve the HTTP/WS bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ckengine.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)

	_, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "ckengine",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn(ctx, "tracer shutdown", "error", err)
		}
	}()

	adapters, err := buildAdapters(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store, err := buildTelemetryStore(cfg)
	if err != nil {
		return err
	}
	log := telemetry.NewLog(store, telemetry.WithLogger(logger))

	gate := approval.NewGate(approval.Config{
		Window:        cfg.Approval.Window,
		SweepInterval: cfg.Approval.SweepInterval,
		Logger:        logger,
		Metrics:       metrics,
	})
	go gate.Run(ctx)

	reg := registry.New()
	repo, runner := buildRepoTools(ctx, cfg, logger, metrics)
	if err := tools.RegisterBuiltins(reg, repo, runner); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	manager, err := session.NewManager(session.Config{
		Store:     session.NewStore(),
		Registry:  reg,
		Gate:      gate,
		Telemetry: log,
		Adapters:  adapters,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	server, err := gateway.New(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Manager:      manager,
		Registry:     reg,
		Telemetry:    log,
		Pipelines:    runner,
		PromRegistry: promReg,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "engine started",
		"version", version, "addr", server.Addr(),
		"providers", len(adapters), "tools", len(reg.All()))

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")
	return server.Shutdown(context.Background())
}

// buildAdapters constructs every backend the config has credentials for.
// Azure is skipped with a warning when its credentials are absent; at least
// one backend must come up.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *observability.Logger) (map[models.Provider]providers.Adapter, error) {
	adapters := make(map[models.Provider]providers.Adapter)

	azure, err := providers.NewAzureAdapter(providers.AzureConfig{
		Endpoint:   cfg.Providers.Azure.Endpoint,
		APIKey:     cfg.Providers.Azure.APIKey,
		APIVersion: cfg.Providers.Azure.APIVersion,
		Deployment: cfg.Providers.Azure.Deployment,
		MaxTokens:  cfg.Providers.Azure.MaxTokens,
	})
	switch {
	case err == nil:
		adapters[models.ProviderAzureOpenAI] = azure
	case errors.Is(err, providers.ErrMissingCredential):
		logger.Warn(ctx, "azure backend disabled", "reason", err)
	default:
		return nil, fmt.Errorf("azure adapter: %w", err)
	}

	adapters[models.ProviderOllama] = providers.NewOllamaAdapter(providers.OllamaConfig{
		BaseURL:   cfg.Providers.Ollama.BaseURL,
		Model:     cfg.Providers.Ollama.Model,
		Timeout:   cfg.Providers.Ollama.Timeout,
		MaxTokens: cfg.Providers.Ollama.MaxTokens,
	})

	if _, ok := adapters[cfg.Providers.Default]; !ok {
		return nil, fmt.Errorf("default provider %s is not configured", cfg.Providers.Default)
	}
	return adapters, nil
}

func buildTelemetryStore(cfg *config.Config) (telemetry.Store, error) {
	switch cfg.Telemetry.Backend {
	case "sqlite":
		return telemetry.NewSQLiteStore(cfg.Telemetry.Path)
	default:
		return telemetry.NewMemoryStore(), nil
	}
}

// buildRepoTools opens the context repository and pipeline runner when a
// repo path is configured. Without one the engine still serves chat; the
// repo-bound tools just never register.
func buildRepoTools(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*contextrepo.Repo, *pipeline.Runner) {
	if cfg.Repo.Path == "" {
		logger.Warn(ctx, "no context repository configured; repo tools disabled")
		return nil, nil
	}
	repo, err := contextrepo.Open(cfg.Repo.Path, logger)
	if err != nil {
		logger.Warn(ctx, "context repository unavailable; repo tools disabled", "error", err)
		return nil, nil
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		RepoPath: cfg.Repo.Path,
		Timeout:  cfg.Repo.PipelineTimeout,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		logger.Warn(ctx, "pipeline runner unavailable", "error", err)
		return repo, nil
	}
	return repo, runner
}

func buildStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health of a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("http://%s/api/v1/assistant/health", addr)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("engine unreachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			var health models.HealthStatus
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}
			out, err := json.MarshalIndent(health, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if health.Status == models.HealthUnhealthy {
				return fmt.Errorf("engine is unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8466", "Engine address")
	return cmd
}
