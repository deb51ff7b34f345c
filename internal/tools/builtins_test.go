package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Lukeus/context-kit-engine/internal/contextrepo"
	"github.com/Lukeus/context-kit-engine/internal/pipeline"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func testSetup(t *testing.T) (*registry.Registry, *contextrepo.Repo) {
	t.Helper()
	root := t.TempDir()
	entity := `id: svc-payments
kind: service
name: Payments Service
tags: [billing]
`
	if err := os.MkdirAll(filepath.Join(root, "entities"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "entities", "payments.yaml"), []byte(entity), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	repo, err := contextrepo.Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	runner, err := pipeline.NewRunner(pipeline.Config{RepoPath: root})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	reg := registry.New()
	if err := RegisterBuiltins(reg, repo, runner); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return reg, repo
}

func TestRegisterBuiltins_Catalog(t *testing.T) {
	reg, _ := testSetup(t)

	descs := reg.All()
	if len(descs) != len(BuiltinIDs) {
		t.Fatalf("registered %d tools, want %d", len(descs), len(BuiltinIDs))
	}
	for i, desc := range descs {
		if desc.ID != BuiltinIDs[i] {
			t.Errorf("tool[%d] = %s, want %s", i, desc.ID, BuiltinIDs[i])
		}
	}
}

func TestRegisterBuiltins_ApprovalAndCapabilities(t *testing.T) {
	reg, _ := testSetup(t)

	tests := []struct {
		id               string
		capability       models.Capability
		requiresApproval bool
	}{
		{"context.read", models.CapabilityRead, false},
		{"context.search", models.CapabilityRead, false},
		{"pipeline.validate", models.CapabilityExecute, false},
		{"pipeline.generate", models.CapabilityWrite, true},
		{"git.preparePr", models.CapabilityGit, true},
	}
	for _, tt := range tests {
		desc, err := reg.Resolve(tt.id, models.ProviderOllama)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", tt.id, err)
		}
		if desc.Capability != tt.capability {
			t.Errorf("%s capability = %s, want %s", tt.id, desc.Capability, tt.capability)
		}
		if desc.RequiresApproval != tt.requiresApproval {
			t.Errorf("%s requiresApproval = %v, want %v", tt.id, desc.RequiresApproval, tt.requiresApproval)
		}
	}
}

func TestRegisterBuiltins_SchemaValidation(t *testing.T) {
	reg, _ := testSetup(t)

	tests := []struct {
		id      string
		args    string
		wantErr bool
	}{
		{"context.read", `{"path": "entities/payments.yaml"}`, false},
		{"context.read", `{}`, true},
		{"context.read", `{"path": "x", "extra": 1}`, true},
		{"context.search", `{"query": "billing", "limit": 5}`, false},
		{"context.search", `{"query": "billing", "limit": 0}`, true},
		{"pipeline.validate", `{}`, false},
		{"pipeline.validate", `{"strict": true}`, false},
		{"pipeline.validate", `{"strict": "yes"}`, true},
		{"pipeline.impact", `{}`, true},
		{"pipeline.impact", `{"target": "svc-payments"}`, false},
		{"git.preparePr", `{"branch": "feat/x", "title": "Add x"}`, false},
		{"git.preparePr", `{"title": "no branch"}`, true},
	}
	for _, tt := range tests {
		err := reg.ValidateArguments(tt.id, json.RawMessage(tt.args))
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateArguments(%s, %s) = %v, wantErr %v", tt.id, tt.args, err, tt.wantErr)
		}
	}
}

func TestContextTools_Execute(t *testing.T) {
	reg, _ := testSetup(t)
	ctx := context.Background()

	read, err := reg.Execute(ctx, "context.read", json.RawMessage(`{"path": "entities/payments.yaml"}`))
	if err != nil {
		t.Fatalf("context.read: %v", err)
	}
	if !strings.Contains(read.Content, "Payments Service") {
		t.Errorf("read content = %q", read.Content)
	}

	search, err := reg.Execute(ctx, "context.search", json.RawMessage(`{"query": "billing"}`))
	if err != nil {
		t.Fatalf("context.search: %v", err)
	}
	var matches []contextrepo.Match
	if err := json.Unmarshal([]byte(search.Content), &matches); err != nil {
		t.Fatalf("decode matches: %v", err)
	}
	if len(matches) != 1 || matches[0].Path != "entities/payments.yaml" {
		t.Errorf("matches = %+v", matches)
	}

	details, err := reg.Execute(ctx, "entity.details", json.RawMessage(`{"id": "svc-payments"}`))
	if err != nil {
		t.Fatalf("entity.details: %v", err)
	}
	var entity contextrepo.Entity
	if err := json.Unmarshal([]byte(details.Content), &entity); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if entity.Name != "Payments Service" {
		t.Errorf("entity = %+v", entity)
	}

	if _, err := reg.Execute(ctx, "entity.details", json.RawMessage(`{"id": "nope"}`)); err == nil {
		t.Error("unknown entity id accepted")
	}
}

func TestScrubParameters(t *testing.T) {
	reg, _ := testSetup(t)

	scrubbed := reg.ScrubParameters("git.preparePr", json.RawMessage(`{"branch": "feat/x", "title": "t", "secret": "hide"}`))
	if len(scrubbed) != 2 || scrubbed["branch"] != "feat/x" {
		t.Errorf("scrubbed = %v", scrubbed)
	}
	if _, leaked := scrubbed["secret"]; leaked {
		t.Error("undeclared parameter leaked into telemetry view")
	}
}

func TestRegisterBuiltins_NilDependencies(t *testing.T) {
	reg := registry.New()
	if err := RegisterBuiltins(reg, nil, nil); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if got := len(reg.All()); got != 0 {
		t.Errorf("registered %d tools with nil deps, want 0", got)
	}
}
