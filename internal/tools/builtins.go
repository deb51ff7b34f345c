// Package tools registers the engine's built-in tool set: context repository
// reads, entity lookups, deterministic pipelines, and the guarded git
// helper.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lukeus/context-kit-engine/internal/contextrepo"
	"github.com/Lukeus/context-kit-engine/internal/pipeline"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// BuiltinIDs lists every built-in tool in registration order. Sessions that
// specify no active set get all of them.
var BuiltinIDs = []string{
	"context.read",
	"context.search",
	"entity.details",
	"entity.similar",
	"pipeline.validate",
	"pipeline.build-graph",
	"pipeline.impact",
	"pipeline.generate",
	"git.preparePr",
}

// RegisterBuiltins wires the built-in tools into the registry. The repo and
// runner may be nil in reduced deployments; their tools are skipped then.
func RegisterBuiltins(reg *registry.Registry, repo *contextrepo.Repo, runner *pipeline.Runner) error {
	if repo != nil {
		if err := registerRepoTools(reg, repo); err != nil {
			return err
		}
	}
	if runner != nil {
		if err := registerPipelineTools(reg, runner); err != nil {
			return err
		}
	}
	if repo != nil {
		if err := registerGitTools(reg, repo); err != nil {
			return err
		}
	}
	return nil
}

func registerRepoTools(reg *registry.Registry, repo *contextrepo.Repo) error {
	if err := reg.Register(registry.Descriptor{
		ID:          "context.read",
		Description: "Read one file from the context repository by relative path.",
		Capability:  models.CapabilityRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string", "minLength": 1}},
			"required": ["path"],
			"additionalProperties": false
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"content": {"type": "string"}}
		}`),
		LogParams: []string{"path"},
	}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		content, err := repo.ReadFile(ctx, args.Path)
		if err != nil {
			return nil, err
		}
		return &registry.Result{Content: content}, nil
	})); err != nil {
		return err
	}

	if err := reg.Register(registry.Descriptor{
		ID:          "context.search",
		Description: "Search all repository YAML files for a substring; returns matches with path, line, and snippet.",
		Capability:  models.CapabilityRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		LogParams: []string{"query", "limit"},
	}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		matches, err := repo.Search(ctx, args.Query, args.Limit)
		if err != nil {
			return nil, err
		}
		return jsonResult(matches)
	})); err != nil {
		return err
	}

	if err := reg.Register(registry.Descriptor{
		ID:          "entity.details",
		Description: "Fetch one specification entity by id.",
		Capability:  models.CapabilityRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string", "minLength": 1}},
			"required": ["id"],
			"additionalProperties": false
		}`),
		LogParams: []string{"id"},
	}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
		var args struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		entity, err := repo.Entity(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		return jsonResult(entity)
	})); err != nil {
		return err
	}

	return reg.Register(registry.Descriptor{
		ID:          "entity.similar",
		Description: "List entities similar to the given one by kind and tag overlap.",
		Capability:  models.CapabilityRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["id"],
			"additionalProperties": false
		}`),
		LogParams: []string{"id", "limit"},
	}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
		var args struct {
			ID    string `json:"id"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		similar, err := repo.Similar(ctx, args.ID, args.Limit)
		if err != nil {
			return nil, err
		}
		return jsonResult(similar)
	}))
}

func registerPipelineTools(reg *registry.Registry, runner *pipeline.Runner) error {
	type pipelineTool struct {
		id               string
		pipeline         string
		description      string
		capability       models.Capability
		requiresApproval bool
		schema           string
		logParams        []string
	}
	defs := []pipelineTool{
		{
			id:          "pipeline.validate",
			pipeline:    "validate",
			description: "Run the repository validation pipeline.",
			capability:  models.CapabilityExecute,
			schema: `{
				"type": "object",
				"properties": {"strict": {"type": "boolean"}},
				"additionalProperties": false
			}`,
			logParams: []string{"strict"},
		},
		{
			id:          "pipeline.build-graph",
			pipeline:    "build-graph",
			description: "Rebuild the entity relation graph.",
			capability:  models.CapabilityExecute,
			schema:      `{"type": "object", "additionalProperties": false}`,
		},
		{
			id:          "pipeline.impact",
			pipeline:    "impact",
			description: "Run impact analysis for one entity.",
			capability:  models.CapabilityExecute,
			schema: `{
				"type": "object",
				"properties": {"target": {"type": "string", "minLength": 1}},
				"required": ["target"],
				"additionalProperties": false
			}`,
			logParams: []string{"target"},
		},
		{
			id:               "pipeline.generate",
			pipeline:         "generate",
			description:      "Generate derived artifacts into the repository. Writes files, so a human approves each run.",
			capability:       models.CapabilityWrite,
			requiresApproval: true,
			schema: `{
				"type": "object",
				"properties": {"target": {"type": "string"}},
				"additionalProperties": false
			}`,
			logParams: []string{"target"},
		},
	}

	for _, def := range defs {
		def := def
		err := reg.Register(registry.Descriptor{
			ID:               def.id,
			Description:      def.description,
			Capability:       def.capability,
			RequiresApproval: def.requiresApproval,
			InputSchema:      json.RawMessage(def.schema),
			LogParams:        def.logParams,
		}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
			var args map[string]any
			if len(params) > 0 {
				if err := json.Unmarshal(params, &args); err != nil {
					return nil, err
				}
			}
			result, err := runner.Run(ctx, def.pipeline, args)
			if err != nil {
				return nil, err
			}
			out, jsonErr := jsonResult(result)
			if jsonErr != nil {
				return nil, jsonErr
			}
			out.IsError = !result.Success
			return out, nil
		}))
		if err != nil {
			return err
		}
	}
	return nil
}

func registerGitTools(reg *registry.Registry, repo *contextrepo.Repo) error {
	return reg.Register(registry.Descriptor{
		ID:               "git.preparePr",
		Description:      "Create a PR branch in the context repository. Requires human approval.",
		Capability:       models.CapabilityGit,
		RequiresApproval: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"branch": {"type": "string", "minLength": 1},
				"title": {"type": "string"}
			},
			"required": ["branch"],
			"additionalProperties": false
		}`),
		LogParams: []string{"branch", "title"},
	}, registry.RunnerFunc(func(ctx context.Context, params json.RawMessage) (*registry.Result, error) {
		var args struct {
			Branch string `json:"branch"`
			Title  string `json:"title"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		result, err := repo.PrepareBranch(ctx, args.Branch, args.Title)
		if err != nil {
			return nil, err
		}
		return jsonResult(result)
	}))
}

func jsonResult(v any) (*registry.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &registry.Result{Content: string(raw)}, nil
}
