// Package telemetry is the append-only invocation log. Every tool invocation
// opens a pending record before execution and closes it exactly once with a
// terminal status; closed records never change.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Sentinel errors for log operations.
var (
	// ErrRecordNotFound indicates no record exists with the given id.
	ErrRecordNotFound = errors.New("invocation record not found")

	// ErrAlreadyClosed indicates a second close attempt; the first close
	// wins and the record keeps its original outcome.
	ErrAlreadyClosed = errors.New("invocation record already closed")

	// ErrNotTerminal indicates a close attempt with a non-terminal status.
	ErrNotTerminal = errors.New("close requires a terminal status")
)

// Store persists invocation records. Implementations enforce the
// close-exactly-once rule themselves so it holds regardless of which store
// is configured.
type Store interface {
	Insert(ctx context.Context, record *models.InvocationRecord) error
	Close(ctx context.Context, id string, status models.InvocationStatus, summary string, finishedAt time.Time) (*models.InvocationRecord, error)
	Get(ctx context.Context, id string) (*models.InvocationRecord, error)
	List(ctx context.Context, sessionID string) ([]*models.InvocationRecord, error)
	Shutdown() error
}

// Log is the telemetry API the rest of the engine uses.
type Log struct {
	store  Store
	now    func() time.Time
	logger *observability.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *observability.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates a telemetry log over the given store.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open appends a pending record for an invocation that is about to execute.
// Parameters must already be scrubbed to the tool's loggable subset.
func (l *Log) Open(ctx context.Context, sessionID, toolID string, parameters map[string]any) (*models.InvocationRecord, error) {
	if sessionID == "" || toolID == "" {
		return nil, fmt.Errorf("session id and tool id are required")
	}
	record := &models.InvocationRecord{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolID:     toolID,
		Status:     models.InvocationPending,
		Parameters: parameters,
		StartedAt:  l.now(),
	}
	if err := l.store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("open invocation record: %w", err)
	}
	if l.logger != nil {
		l.logger.Debug(ctx, "invocation record opened",
			"record_id", record.ID, "session_id", sessionID, "tool_id", toolID)
	}
	return record, nil
}

// CloseRecord finalizes a pending record with a terminal status. The first
// close wins; later attempts fail with ErrAlreadyClosed and leave the record
// untouched. The close lands even when ctx is already cancelled.
func (l *Log) CloseRecord(ctx context.Context, id string, status models.InvocationStatus, summary string) (*models.InvocationRecord, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	// Aborted executions close their record with the context that was just
	// cancelled. Detach so the store write still lands and the record does
	// not stay pending forever.
	ctx = context.WithoutCancel(ctx)
	record, err := l.store.Close(ctx, id, status, summary, l.now())
	if err != nil {
		return nil, err
	}
	if l.logger != nil {
		l.logger.Debug(ctx, "invocation record closed",
			"record_id", id, "status", status)
	}
	return record, nil
}

// Get returns one record by id.
func (l *Log) Get(ctx context.Context, id string) (*models.InvocationRecord, error) {
	return l.store.Get(ctx, id)
}

// List returns a session's records ordered by start time.
func (l *Log) List(ctx context.Context, sessionID string) ([]*models.InvocationRecord, error) {
	return l.store.List(ctx, sessionID)
}

// Shutdown releases store resources.
func (l *Log) Shutdown() error {
	return l.store.Shutdown()
}
