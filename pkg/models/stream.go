package models

import "time"

// StreamEventType classifies events delivered on a session's stream.
// Subscribers see zero or more chunk events followed by exactly one
// terminal event.
type StreamEventType string

const (
	StreamChunk     StreamEventType = "chunk"
	StreamStatus    StreamEventType = "status"
	StreamCompleted StreamEventType = "completed"
	StreamError     StreamEventType = "error"
	StreamCancelled StreamEventType = "cancelled"
)

// Terminal reports whether t ends a stream.
func (t StreamEventType) Terminal() bool {
	return t == StreamCompleted || t == StreamError || t == StreamCancelled
}

// StreamEvent is one event on an in-flight completion stream.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	Seq       int             `json:"seq"`
	Text      string          `json:"text,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PipelineResult is the structured result of one deterministic pipeline
// run. The engine treats the output as opaque.
type PipelineResult struct {
	Pipeline string `json:"pipeline"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code"`
	Duration int64  `json:"duration_ms"`
	Error    string `json:"error,omitempty"`
}
