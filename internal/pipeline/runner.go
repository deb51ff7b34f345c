// Package pipeline runs the repository's deterministic pipelines as external
// pnpm scripts. The engine treats their output as opaque; only exit status
// and captured output travel back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Sentinel errors for pipeline runs.
var (
	// ErrUnknownPipeline indicates the pipeline name maps to no script.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrRepoNotFound indicates the configured repository path does not
	// exist.
	ErrRepoNotFound = errors.New("context repository not found")
)

// scripts maps pipeline names to the pnpm scripts that implement them.
var scripts = map[string]string{
	"validate":    "validate",
	"build-graph": "build-graph",
	"impact":      "impact",
	"generate":    "generate",
}

// Config configures the runner.
type Config struct {
	// RepoPath is the context repository root the scripts run in.
	RepoPath string

	// Timeout bounds one pipeline run (default 5m).
	Timeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Runner executes pipelines. Safe for concurrent use; concurrent runs are
// independent child processes.
type Runner struct {
	repoPath string
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRunner creates a runner, verifying the repository path exists up front.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("%w: no repository path configured", ErrRepoNotFound)
	}
	info, err := os.Stat(cfg.RepoPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, cfg.RepoPath)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{
		repoPath: cfg.RepoPath,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Known returns the available pipeline names, sorted.
func (r *Runner) Known() []string {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one pipeline with the given arguments and returns its
// structured result. A non-zero exit is a result, not an error; errors mean
// the run could not happen at all.
func (r *Runner) Run(ctx context.Context, name string, args map[string]any) (*models.PipelineResult, error) {
	script, ok := scripts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmdArgs := append([]string{"run", script, "--"}, BuildArgs(args)...)
	cmd := exec.CommandContext(ctx, "pnpm", cmdArgs...)
	cmd.Dir = r.repoPath

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := &models.PipelineResult{
		Pipeline: name,
		Success:  err == nil,
		Output:   strings.TrimSpace(string(output)),
		Duration: elapsed.Milliseconds(),
	}

	status := "success"
	if err != nil {
		status = "error"
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("pipeline %s exited with code %d", name, result.ExitCode)
		case ctx.Err() != nil:
			result.ExitCode = -1
			result.Error = fmt.Sprintf("pipeline %s timed out after %s", name, r.timeout)
		default:
			result.ExitCode = -1
			result.Error = fmt.Sprintf("pipeline %s failed to start: %v", name, err)
		}
	}

	if r.metrics != nil {
		r.metrics.PipelineRunDuration.WithLabelValues(name, status).Observe(elapsed.Seconds())
	}
	if r.logger != nil {
		r.logger.Info(ctx, "pipeline run finished",
			"pipeline", name, "success", result.Success, "exit_code", result.ExitCode,
			"duration_ms", result.Duration)
	}
	return result, nil
}

// BuildArgs turns a JSON-shaped argument map into CLI flags: true booleans
// become bare --flags, false booleans are dropped, lists repeat the flag,
// and everything else becomes --key value. Keys are sorted so runs are
// reproducible.
func BuildArgs(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []string
	for _, key := range keys {
		flag := "--" + key
		switch value := args[key].(type) {
		case bool:
			if value {
				out = append(out, flag)
			}
		case []any:
			for _, item := range value {
				out = append(out, flag, fmt.Sprintf("%v", item))
			}
		case []string:
			for _, item := range value {
				out = append(out, flag, item)
			}
		default:
			out = append(out, flag, fmt.Sprintf("%v", value))
		}
	}
	return out
}
