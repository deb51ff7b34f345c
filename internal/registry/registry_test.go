package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

func echoRunner() Runner {
	return RunnerFunc(func(_ context.Context, params json.RawMessage) (*Result, error) {
		return &Result{Content: string(params)}, nil
	})
}

func testDescriptor(id string) Descriptor {
	return Descriptor{
		ID:          id,
		Description: "test tool",
		Capability:  models.CapabilityRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	if err := r.Register(testDescriptor("context.read"), echoRunner()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(testDescriptor("context.read"), echoRunner())
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("second Register = %v, want ErrDuplicateTool", err)
	}
}

func TestRegister_BadSchema(t *testing.T) {
	r := New()
	desc := testDescriptor("bad.schema")
	desc.InputSchema = json.RawMessage(`{"type": 42}`)
	if err := r.Register(desc, echoRunner()); !errors.Is(err, ErrSchema) {
		t.Errorf("Register with bad schema = %v, want ErrSchema", err)
	}
}

func TestResolve(t *testing.T) {
	r := New()
	desc := testDescriptor("entity.details")
	desc.Backends = []models.Provider{models.ProviderAzureOpenAI}
	if err := r.Register(desc, echoRunner()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Resolve("entity.details", models.ProviderAzureOpenAI); err != nil {
		t.Errorf("Resolve for supported backend: %v", err)
	}
	if _, err := r.Resolve("entity.details", models.ProviderOllama); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("Resolve for unsupported backend = %v, want ErrUnsupportedBackend", err)
	}
	if _, err := r.Resolve("nope", models.ProviderOllama); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Resolve unknown = %v, want ErrUnknownTool", err)
	}
}

func TestListForSession_OrderAndFiltering(t *testing.T) {
	r := New()
	ids := []string{"context.read", "context.search", "pipeline.validate", "git.preparePr"}
	for _, id := range ids {
		desc := testDescriptor(id)
		if id == "git.preparePr" {
			desc.Backends = []models.Provider{models.ProviderAzureOpenAI}
		}
		if err := r.Register(desc, echoRunner()); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	// Active set deliberately out of registration order, plus an unknown id.
	active := []string{"pipeline.validate", "git.preparePr", "context.read", "ghost.tool"}

	got := r.ListForSession(active, models.ProviderOllama)
	want := []string{"context.read", "pipeline.validate"}
	if len(got) != len(want) {
		t.Fatalf("ListForSession returned %d descriptors, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("ListForSession[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}

	got = r.ListForSession(active, models.ProviderAzureOpenAI)
	if len(got) != 3 || got[2].ID != "git.preparePr" {
		t.Errorf("azure list = %v, want git.preparePr last", got)
	}
}

func TestValidateArguments(t *testing.T) {
	r := New()
	if err := r.Register(testDescriptor("context.read"), echoRunner()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name    string
		args    json.RawMessage
		wantErr bool
	}{
		{"valid", json.RawMessage(`{"path": "entities/foo.yaml"}`), false},
		{"missing required", json.RawMessage(`{}`), true},
		{"wrong type", json.RawMessage(`{"path": 3}`), true},
		{"extra property", json.RawMessage(`{"path": "x", "depth": 2}`), true},
		{"not json", json.RawMessage(`{`), true},
	}
	for _, tt := range tests {
		err := r.ValidateArguments("context.read", tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: ValidateArguments = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestExecute(t *testing.T) {
	r := New()
	if err := r.Register(testDescriptor("context.read"), echoRunner()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := r.Execute(context.Background(), "context.read", json.RawMessage(`{"path":"a"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != `{"path":"a"}` {
		t.Errorf("Execute content = %s", res.Content)
	}

	if _, err := r.Execute(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Execute unknown = %v, want ErrUnknownTool", err)
	}
}

func TestScrubParameters(t *testing.T) {
	r := New()
	desc := testDescriptor("git.preparePr")
	desc.InputSchema = json.RawMessage(`{"type": "object"}`)
	desc.LogParams = []string{"branch", "title"}
	if err := r.Register(desc, echoRunner()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	args := json.RawMessage(`{"branch": "feat/x", "title": "add x", "token": "secret"}`)
	got := r.ScrubParameters("git.preparePr", args)
	if got["branch"] != "feat/x" || got["title"] != "add x" {
		t.Errorf("scrubbed = %v, want branch and title kept", got)
	}
	if _, leaked := got["token"]; leaked {
		t.Errorf("token leaked through scrub: %v", got)
	}

	if got := r.ScrubParameters("unknown", args); got != nil {
		t.Errorf("unknown tool scrub = %v, want nil", got)
	}
}
