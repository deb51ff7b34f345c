// Package registry holds the catalog of capability-tagged tool descriptors.
// The catalog is populated at process start and read-only afterwards; a
// session's active-tool set is a filtered view over it, never a copy that
// can drift.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Sentinel errors for registry operations.
var (
	// ErrDuplicateTool indicates a descriptor id is already registered.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrUnknownTool indicates the requested tool id does not exist.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrUnsupportedBackend indicates the tool is not valid for the
	// requesting backend.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrSchema indicates a structurally invalid input or output schema.
	ErrSchema = errors.New("invalid tool schema")
)

// Runner executes a tool with validated JSON parameters.
type Runner interface {
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, params json.RawMessage) (*Result, error)

// Execute implements Runner.
func (f RunnerFunc) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	return f(ctx, params)
}

// Result is the output of one tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Descriptor describes one registered tool. Descriptors are immutable after
// registration.
type Descriptor struct {
	// ID is the tool's stable identifier, e.g. "pipeline.validate".
	ID string

	// Description tells the model when to use the tool.
	Description string

	// Capability classifies what the tool touches.
	Capability models.Capability

	// RequiresApproval parks invocations behind the approval gate.
	RequiresApproval bool

	// Backends lists the providers the tool is valid for. Empty means all.
	Backends []models.Provider

	// InputSchema and OutputSchema are JSON Schemas for the tool's
	// parameters and result shape.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// LogParams is the subset of parameter keys safe to record in
	// telemetry. Anything else is scrubbed before a record is written.
	LogParams []string
}

// SupportsBackend reports whether the descriptor is valid for backend.
func (d *Descriptor) SupportsBackend(backend models.Provider) bool {
	if len(d.Backends) == 0 {
		return true
	}
	for _, b := range d.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

type entry struct {
	desc     Descriptor
	runner   Runner
	input    *jsonschema.Schema
	order    int
}

// Registry is the in-memory tool catalog. Safe for concurrent reads; writes
// happen only during process initialization.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	next    int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a descriptor and its runner to the catalog. It fails with
// ErrDuplicateTool when the id exists and ErrSchema when either schema does
// not compile.
func (r *Registry) Register(desc Descriptor, runner Runner) error {
	if desc.ID == "" {
		return fmt.Errorf("%w: empty id", ErrSchema)
	}
	if runner == nil {
		return fmt.Errorf("%w: %s: nil runner", ErrSchema, desc.ID)
	}

	input, err := compileSchema(desc.ID+"/input", desc.InputSchema)
	if err != nil {
		return err
	}
	if _, err := compileSchema(desc.ID+"/output", desc.OutputSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[desc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.ID)
	}
	r.entries[desc.ID] = &entry{desc: desc, runner: runner, input: input, order: r.next}
	r.next++
	return nil
}

// Resolve returns the descriptor for id, checking it is valid for backend.
func (r *Registry) Resolve(id string, backend models.Provider) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	if !e.desc.SupportsBackend(backend) {
		return nil, fmt.Errorf("%w: %s is not valid for %s", ErrUnsupportedBackend, id, backend)
	}
	desc := e.desc
	return &desc, nil
}

// ListForSession returns the backend-compatible subset of activeIDs in
// registration order. Unknown ids are skipped: the session's active set is
// a view over the catalog, not a contract about it.
func (r *Registry) ListForSession(activeIDs []string, backend models.Provider) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	ordered := make([]*entry, 0, len(active))
	for id, e := range r.entries {
		if !active[id] || !e.desc.SupportsBackend(backend) {
			continue
		}
		ordered = append(ordered, e)
	}
	sortByOrder(ordered)

	out := make([]Descriptor, len(ordered))
	for i, e := range ordered {
		out[i] = e.desc
	}
	return out
}

// All returns every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sortByOrder(ordered)

	out := make([]Descriptor, len(ordered))
	for i, e := range ordered {
		out[i] = e.desc
	}
	return out
}

// ValidateArguments checks args against the tool's input schema.
func (r *Registry) ValidateArguments(id string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	if e.input == nil {
		return nil
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchema, id, err)
	}
	if err := e.input.Validate(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchema, id, err)
	}
	return nil
}

// Execute runs the tool's runner with the given parameters.
func (r *Registry) Execute(ctx context.Context, id string, params json.RawMessage) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return e.runner.Execute(ctx, params)
}

// ScrubParameters reduces raw arguments to the descriptor's declared
// loggable subset. Unknown tools and malformed payloads yield nil.
func (r *Registry) ScrubParameters(id string, args json.RawMessage) map[string]any {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || len(e.desc.LogParams) == 0 || len(args) == 0 {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(args, &raw); err != nil {
		return nil
	}
	scrubbed := make(map[string]any)
	for _, key := range e.desc.LogParams {
		if v, ok := raw[key]; ok {
			scrubbed[key] = v
		}
	}
	if len(scrubbed) == 0 {
		return nil
	}
	return scrubbed
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := jsonschema.CompileString(name, string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, name, err)
	}
	return schema, nil
}

func sortByOrder(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})
}
