// Package models defines the shared data model for the assistant
// orchestration engine: sessions, conversation turns, tool calls, pending
// actions, telemetry records, and the normalized provider result shape.
package models

import (
	"encoding/json"
	"time"
)

// Provider identifies an LLM backend kind. The set is closed: adding a
// backend means adding a constant here and an adapter variant, not touching
// the session manager.
type Provider string

const (
	ProviderAzureOpenAI Provider = "azure-openai"
	ProviderOllama      Provider = "ollama"
)

// Valid reports whether p names a known backend.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAzureOpenAI, ProviderOllama:
		return true
	}
	return false
}

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single conversation turn. Once finalized it is immutable;
// content may be empty only while a stream is in flight.
type Turn struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is one conversation's full state across turns.
type Session struct {
	ID           string    `json:"id"`
	Provider     Provider  `json:"provider"`
	SystemPrompt string    `json:"system_prompt"`
	Turns        []Turn    `json:"turns"`
	ActiveTools  []string  `json:"active_tools,omitempty"`
	PendingIDs   []string  `json:"pending_ids,omitempty"`
	StreamID     string    `json:"stream_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCall is an LLM's request to execute a tool, normalized across
// backends: the same intent always yields the same {ToolID, Arguments}
// pair regardless of wire format.
type ToolCall struct {
	ID        string          `json:"id"`
	ToolID    string          `json:"tool_id"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Capability classifies what a tool is allowed to touch.
type Capability string

const (
	CapabilityRead    Capability = "read"
	CapabilityWrite   Capability = "write"
	CapabilityExecute Capability = "execute"
	CapabilityGit     Capability = "git"
)

// FinishReason is the normalized completion outcome across backends.
type FinishReason string

const (
	FinishContent     FinishReason = "content"
	FinishToolCalls   FinishReason = "tool_calls"
	FinishLengthLimit FinishReason = "length_limit"
	FinishError       FinishReason = "error"
)

// Usage is normalized token accounting. Absent backend fields are zero,
// never omitted, so aggregation code does not branch on presence.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates counts from another usage report.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// NormalizedResult is the backend-agnostic shape of one completion.
type NormalizedResult struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`

	// ToolCallOnly is set when the response carries tool calls and no
	// prose, so callers do not render empty bubbles.
	ToolCallOnly bool `json:"tool_call_only,omitempty"`
}

// InvocationStatus tracks a telemetry record through its lifecycle.
// Transitions are monotonic: pending is the only non-terminal status.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationAborted   InvocationStatus = "aborted"
)

// Terminal reports whether s is a terminal status.
func (s InvocationStatus) Terminal() bool {
	return s == InvocationSucceeded || s == InvocationFailed || s == InvocationAborted
}

// InvocationRecord is the durable audit entry for one tool invocation
// attempt. Parameters are the scrubbed subset the tool declared safe to
// record, never the raw payload.
type InvocationRecord struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	ToolID     string           `json:"tool_id"`
	Status     InvocationStatus `json:"status"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`
}

// ActionState tracks a pending action through its single terminal
// resolution.
type ActionState string

const (
	ActionCreated  ActionState = "created"
	ActionApproved ActionState = "approved"
	ActionRejected ActionState = "rejected"
	ActionExpired  ActionState = "expired"
)

// Terminal reports whether s is a terminal state.
func (s ActionState) Terminal() bool {
	return s != ActionCreated
}

// PendingAction is a tool invocation awaiting human approval. Sessions and
// actions relate by id lookup only; neither embeds the other.
type PendingAction struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolID    string          `json:"tool_id"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Preview   string          `json:"preview,omitempty"`
	State     ActionState     `json:"state"`
	Notes     string          `json:"notes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	DecidedAt time.Time       `json:"decided_at,omitzero"`
}

// Expired reports whether the action's approval window has elapsed at now.
func (a *PendingAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
