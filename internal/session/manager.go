// Package session implements the conversation engine: session state, the
// per-session serialization guard, the provider call loop with gated tool
// execution, and streaming fan-out.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Lukeus/context-kit-engine/internal/approval"
	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/internal/providers"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/internal/telemetry"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// DefaultSystemPrompt is used when a session is created without one.
const DefaultSystemPrompt = "You are a guard-railed operator for context repository pipelines. " +
	"Confirm scope, execute only allowlisted commands, and summarize results for humans."

// defaultMaxToolRounds bounds the provider/tool loop so a misbehaving model
// cannot spin forever.
const defaultMaxToolRounds = 8

// Config wires the manager's collaborators.
type Config struct {
	Store       *Store
	Registry    *registry.Registry
	Gate        *approval.Gate
	Telemetry   *telemetry.Log
	Adapters    map[models.Provider]providers.Adapter
	Broadcaster *Broadcaster

	SystemPrompt  string
	MaxToolRounds int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// Manager owns sessions and drives the request/response cycle. Each session
// behaves as a single-threaded actor: a busy flag serializes operations, and
// concurrent calls fail with ErrSessionBusy instead of interleaving.
type Manager struct {
	store       *Store
	registry    *registry.Registry
	gate        *approval.Gate
	telemetry   *telemetry.Log
	adapters    map[models.Provider]providers.Adapter
	broadcaster *Broadcaster

	systemPrompt  string
	maxToolRounds int

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	busyMu sync.Mutex
	busy   map[string]bool
}

// NewManager creates a manager from cfg, failing when a required
// collaborator is missing.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Gate == nil || cfg.Telemetry == nil {
		return nil, fmt.Errorf("store, registry, gate, and telemetry are required")
	}
	if len(cfg.Adapters) == 0 {
		return nil, fmt.Errorf("at least one provider adapter is required")
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewBroadcaster(cfg.Metrics)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		store:         cfg.Store,
		registry:      cfg.Registry,
		gate:          cfg.Gate,
		telemetry:     cfg.Telemetry,
		adapters:      cfg.Adapters,
		broadcaster:   cfg.Broadcaster,
		systemPrompt:  cfg.SystemPrompt,
		maxToolRounds: cfg.MaxToolRounds,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           cfg.Clock,
		busy:          make(map[string]bool),
	}, nil
}

// Broadcaster exposes the stream fan-out for subscription surfaces.
func (m *Manager) Broadcaster() *Broadcaster {
	return m.broadcaster
}

// ProviderFeatures reports the runtime features of every configured backend.
func (m *Manager) ProviderFeatures() map[models.Provider]models.ProviderFeatures {
	features := make(map[models.Provider]models.ProviderFeatures, len(m.adapters))
	for kind, adapter := range m.adapters {
		features[kind] = adapter.Features()
	}
	return features
}

// CreateSession opens a session for the given backend. The system prompt is
// immutable afterwards and always forms the first turn.
func (m *Manager) CreateSession(ctx context.Context, provider models.Provider, systemPrompt string, activeTools []string) (*models.Session, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, provider)
	}
	if _, ok := m.adapters[provider]; !ok {
		return nil, fmt.Errorf("%w: provider %s is not configured", ErrValidation, provider)
	}
	if systemPrompt == "" {
		systemPrompt = m.systemPrompt
	}

	now := m.now()
	session := &models.Session{
		ID:           uuid.NewString(),
		Provider:     provider,
		SystemPrompt: systemPrompt,
		Turns: []models.Turn{
			{Role: models.RoleSystem, Content: systemPrompt, CreatedAt: now},
		},
		ActiveTools: append([]string(nil), activeTools...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	if m.logger != nil {
		m.logger.Info(ctx, "session created",
			"session_id", session.ID, "provider", provider, "active_tools", len(activeTools))
	}
	return session, nil
}

// GetSession returns the session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.store.Get(ctx, id)
}

// ListSessions returns all open sessions.
func (m *Manager) ListSessions(ctx context.Context) []*models.Session {
	return m.store.List(ctx)
}

// CloseSession cancels any in-flight stream and removes the session. Its
// telemetry records survive: audit history outlives session lifetime.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	if stream, ok := m.broadcaster.Get(id); ok {
		stream.CancelStream()
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
	if m.logger != nil {
		m.logger.Info(ctx, "session closed", "session_id", id)
	}
	return nil
}

// Shutdown cancels all in-flight streams and flushes telemetry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.broadcaster.Shutdown()
	return m.telemetry.Shutdown()
}

// SendMessage appends a user turn, runs the provider/tool loop to
// completion, and returns the finished task envelope.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*models.TaskEnvelope, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message content", ErrValidation)
	}
	if err := m.acquire(sessionID); err != nil {
		return nil, err
	}
	defer m.release(sessionID)

	session, err := m.prepareUserTurn(ctx, sessionID, content)
	if err != nil {
		return nil, err
	}

	envelope := m.newEnvelope(session.ID, models.ActionPrompt)
	err = m.runConversation(ctx, session, nil, envelope)
	m.finishEnvelope(envelope, err)
	if err != nil {
		return envelope, err
	}
	return envelope, nil
}

// StreamMessage appends a user turn and runs the provider/tool loop in the
// background, publishing events on the returned stream. The envelope comes
// back immediately in streaming state; cancellation keeps the partial turn
// tagged partial.
func (m *Manager) StreamMessage(ctx context.Context, sessionID, content string) (*models.TaskEnvelope, *Stream, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("%w: empty message content", ErrValidation)
	}
	if err := m.acquire(sessionID); err != nil {
		return nil, nil, err
	}

	session, err := m.prepareUserTurn(ctx, sessionID, content)
	if err != nil {
		m.release(sessionID)
		return nil, nil, err
	}

	envelope := m.newEnvelope(session.ID, models.ActionPrompt)
	envelope.Status = models.TaskStreaming

	// The stream detaches from the request context: the HTTP call that
	// started it returns while the completion keeps flowing.
	stream, err := m.broadcaster.Start(context.WithoutCancel(ctx), session.ID, envelope.TaskID)
	if err != nil {
		m.release(sessionID)
		return nil, nil, err
	}

	session.StreamID = envelope.TaskID
	if err := m.store.Save(ctx, session); err != nil {
		stream.Fail(err)
		m.release(sessionID)
		return nil, nil, err
	}

	go func() {
		defer m.release(sessionID)
		runErr := m.runConversation(stream.Context(), session, stream, envelope)
		m.clearStreamID(context.WithoutCancel(ctx), session.ID)
		switch {
		case runErr == nil:
			stream.Complete()
		case stream.Context().Err() != nil:
			// Cooperative cancel: the terminal cancelled event was already
			// emitted by CancelStream.
			stream.CancelStream()
		default:
			stream.Fail(runErr)
		}
	}()

	return envelope, stream, nil
}

// CancelStream cancels the session's in-flight stream.
func (m *Manager) CancelStream(sessionID, taskID string) error {
	return m.broadcaster.Cancel(sessionID, taskID)
}

// ExecuteTool runs a tool directly on behalf of the session. Guarded tools
// park as a pending action; everything else executes with full telemetry.
func (m *Manager) ExecuteTool(ctx context.Context, sessionID, toolID string, params json.RawMessage) (*models.TaskEnvelope, error) {
	if err := m.acquire(sessionID); err != nil {
		return nil, err
	}
	defer m.release(sessionID)

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	envelope := m.newEnvelope(session.ID, models.ActionToolExecution)
	desc, err := m.registry.Resolve(toolID, session.Provider)
	if err != nil {
		m.finishEnvelope(envelope, err)
		return envelope, err
	}
	if err := m.registry.ValidateArguments(toolID, params); err != nil {
		parseErr := &providers.ArgumentParseError{ToolID: toolID, Raw: string(params), Cause: err}
		m.finishEnvelope(envelope, parseErr)
		return envelope, parseErr
	}

	if desc.RequiresApproval {
		action, err := m.parkForApproval(ctx, session, desc, params)
		if err != nil {
			m.finishEnvelope(envelope, err)
			return envelope, err
		}
		envelope.PendingActionID = action.ID
		envelope.Status = models.TaskPending
		envelope.Timestamps.Completed = m.now()
		return envelope, nil
	}

	result, err := m.executeRecorded(ctx, session, desc, params)
	if err != nil {
		m.finishEnvelope(envelope, err)
		return envelope, err
	}
	envelope.Outputs = append(envelope.Outputs, models.TaskOutput{
		Type: "tool-result", Content: result.Content, Timestamp: m.now(),
	})
	m.finishEnvelope(envelope, nil)
	return envelope, nil
}

// ResolvePendingAction forwards a human decision to the approval gate and,
// on approval, executes the parked tool synchronously with the decision.
func (m *Manager) ResolvePendingAction(ctx context.Context, sessionID, actionID string, approve bool, notes string) (*models.PendingAction, *models.TaskEnvelope, error) {
	if err := m.acquire(sessionID); err != nil {
		return nil, nil, err
	}
	defer m.release(sessionID)

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	// Actions are resolvable only through the session that parked them.
	// Another session's id gets NotFound, never a peek at the action.
	owned, err := m.gate.Get(ctx, actionID)
	if err != nil {
		return nil, nil, err
	}
	if owned.SessionID != session.ID {
		return nil, nil, fmt.Errorf("%w: %s", approval.ErrNotFound, actionID)
	}

	action, resolveErr := m.gate.Resolve(ctx, actionID, approve, notes)
	if action != nil && action.State.Terminal() {
		m.removePendingID(ctx, session, actionID)
	}
	if resolveErr != nil {
		return action, nil, resolveErr
	}

	if action.State != models.ActionApproved {
		return action, nil, nil
	}

	envelope := m.newEnvelope(session.ID, models.ActionApproval)
	desc, err := m.registry.Resolve(action.ToolID, session.Provider)
	if err != nil {
		m.finishEnvelope(envelope, err)
		return action, envelope, err
	}
	result, err := m.executeRecorded(ctx, session, desc, action.Arguments)
	if err != nil {
		m.finishEnvelope(envelope, err)
		return action, envelope, err
	}
	envelope.Outputs = append(envelope.Outputs, models.TaskOutput{
		Type: "tool-result", Content: result.Content, Timestamp: m.now(),
	})
	m.finishEnvelope(envelope, nil)
	return action, envelope, nil
}

// ListPendingActions returns the session's undecided actions.
func (m *Manager) ListPendingActions(ctx context.Context, sessionID string) ([]*models.PendingAction, error) {
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.gate.ListPending(ctx, sessionID), nil
}

// prepareUserTurn validates role sequencing, appends the user turn, and
// saves the session. Invalid input mutates nothing.
func (m *Manager) prepareUserTurn(ctx context.Context, sessionID, content string) (*models.Session, error) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := validateNextRole(session, models.RoleUser); err != nil {
		return nil, err
	}
	session.Turns = append(session.Turns, models.Turn{
		Role: models.RoleUser, Content: content, CreatedAt: m.now(),
	})
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// validateNextRole enforces the invariant that turns start with system and
// user/assistant strictly alternate afterwards.
func validateNextRole(session *models.Session, next models.Role) error {
	if len(session.Turns) == 0 {
		if next != models.RoleSystem {
			return fmt.Errorf("%w: first turn must be system, got %s", ErrSequence, next)
		}
		return nil
	}
	last := session.Turns[len(session.Turns)-1].Role
	switch next {
	case models.RoleUser:
		if last == models.RoleUser {
			return fmt.Errorf("%w: user turn cannot follow user", ErrSequence)
		}
	case models.RoleAssistant:
		if last != models.RoleUser {
			return fmt.Errorf("%w: assistant turn must follow user, got %s", ErrSequence, last)
		}
	case models.RoleSystem:
		return fmt.Errorf("%w: system turn only opens a session", ErrSequence)
	}
	return nil
}

// runConversation drives the provider/tool loop for one user turn. Tool
// calls and tool results live only in the transient provider message list;
// the session records prose turns.
func (m *Manager) runConversation(ctx context.Context, session *models.Session, stream *Stream, envelope *models.TaskEnvelope) error {
	adapter, ok := m.adapters[session.Provider]
	if !ok {
		return fmt.Errorf("%w: provider %s is not configured", ErrValidation, session.Provider)
	}

	messages := historyMessages(session)
	tools := m.toolSpecs(session)
	var streamed strings.Builder

	for round := 0; round < m.maxToolRounds; round++ {
		result, err := m.completeOnce(ctx, adapter, session, stream, envelope, &streamed, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				m.savePartialTurn(context.WithoutCancel(ctx), session, streamed.String())
				envelope.Status = models.TaskCancelled
				return ctx.Err()
			}
			return err
		}
		envelope.Usage.Add(result.Usage)

		if len(result.ToolCalls) == 0 {
			return m.finalizeAssistantTurn(ctx, session, result.Content, envelope)
		}

		assistantMsg := providers.Message{
			Role: "assistant", Content: result.Content, ToolCalls: result.ToolCalls,
		}
		toolMsg := providers.Message{Role: "tool"}

		// Providers may emit several calls in one batch. Guarded calls park
		// without cutting the batch short, so an unguarded sibling still runs.
		var parked []*models.PendingAction
		var parkedIDs []string

		for _, call := range result.ToolCalls {
			if err := m.registry.ValidateArguments(call.ToolID, call.Arguments); err != nil {
				// No invocation record opens for an unparseable call.
				return &providers.ArgumentParseError{ToolID: call.ToolID, Raw: string(call.Arguments), Cause: err}
			}
			desc, err := m.registry.Resolve(call.ToolID, session.Provider)
			if err != nil {
				return err
			}

			if desc.RequiresApproval {
				action, parkErr := m.parkForApproval(ctx, session, desc, call.Arguments)
				if parkErr != nil {
					return parkErr
				}
				parked = append(parked, action)
				parkedIDs = append(parkedIDs, desc.ID)
				if stream != nil {
					stream.PublishStatus("approval-required:" + desc.ID)
				}
				continue
			}

			if stream != nil {
				stream.PublishStatus("tool-executing:" + desc.ID)
			}
			toolResult, execErr := m.executeRecorded(ctx, session, desc, call.Arguments)
			resultMsg := models.ToolResult{ToolCallID: call.ID}
			if execErr != nil {
				// The failure is captured in the record; the loop continues
				// so the model can react to it.
				resultMsg.Content = fmt.Sprintf("tool %s failed: %s", desc.ID, summarizeError(execErr))
				resultMsg.IsError = true
			} else {
				resultMsg.Content = toolResult.Content
				resultMsg.IsError = toolResult.IsError
				envelope.Outputs = append(envelope.Outputs, models.TaskOutput{
					Type: "tool-result", Content: toolResult.Content, Timestamp: m.now(),
				})
			}
			toolMsg.ToolResults = append(toolMsg.ToolResults, resultMsg)
		}

		if len(parked) > 0 {
			envelope.PendingActionID = parked[0].ID
			content := result.Content
			if content == "" {
				content = fmt.Sprintf("Requested approval to run %s.", strings.Join(parkedIDs, ", "))
			}
			return m.finalizeAssistantTurn(ctx, session, content, envelope)
		}

		messages = append(messages, assistantMsg, toolMsg)
	}
	return fmt.Errorf("tool round limit reached after %d rounds", m.maxToolRounds)
}

// completeOnce performs one provider call, relaying chunks to the stream
// when present, and returns the normalized result. Streamed text also
// accumulates into streamed so a cancelled turn keeps its partial content.
func (m *Manager) completeOnce(ctx context.Context, adapter providers.Adapter, session *models.Session, stream *Stream, envelope *models.TaskEnvelope, streamed *strings.Builder, messages []providers.Message, tools []providers.ToolSpec) (*models.NormalizedResult, error) {
	req := &providers.Request{
		System:   session.SystemPrompt,
		Messages: messages,
		Tools:    tools,
	}

	start := m.now()
	chunks, err := adapter.Complete(ctx, req)
	if err != nil {
		m.observeProviderCall(adapter, start, "error")
		return nil, err
	}

	relay := chunks
	if stream != nil {
		tapped := make(chan *providers.Chunk)
		go func() {
			defer close(tapped)
			for chunk := range chunks {
				if chunk.Text != "" {
					if envelope.Timestamps.FirstResponse.IsZero() {
						envelope.Timestamps.FirstResponse = m.now()
					}
					streamed.WriteString(chunk.Text)
					stream.PublishChunk(chunk.Text)
				}
				select {
				case tapped <- chunk:
				case <-ctx.Done():
					// Collect stopped reading; drain the adapter so its
					// goroutine can exit.
					for range chunks {
					}
					return
				}
			}
		}()
		relay = tapped
	}

	result, err := providers.Collect(ctx, relay)
	if err != nil {
		m.observeProviderCall(adapter, start, "error")
		return nil, err
	}
	if envelope.Timestamps.FirstResponse.IsZero() {
		envelope.Timestamps.FirstResponse = m.now()
	}
	m.observeProviderCall(adapter, start, "success")
	m.observeUsage(adapter, result.Usage)
	return result, nil
}

// parkForApproval opens a pending action for a guarded tool and links it to
// the session. No invocation record opens until the action is approved.
func (m *Manager) parkForApproval(ctx context.Context, session *models.Session, desc *registry.Descriptor, args json.RawMessage) (*models.PendingAction, error) {
	preview := fmt.Sprintf("%s %s", desc.ID, previewArgs(m.registry.ScrubParameters(desc.ID, args)))
	action, err := m.gate.Create(ctx, session.ID, desc.ID, args, strings.TrimSpace(preview))
	if err != nil {
		return nil, err
	}
	session.PendingIDs = append(session.PendingIDs, action.ID)
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}
	return action, nil
}

// executeRecorded opens a telemetry record, runs the tool, and closes the
// record with the outcome. Only the tool's declared loggable parameters
// reach the record.
func (m *Manager) executeRecorded(ctx context.Context, session *models.Session, desc *registry.Descriptor, args json.RawMessage) (*registry.Result, error) {
	scrubbed := m.registry.ScrubParameters(desc.ID, args)
	record, err := m.telemetry.Open(ctx, session.ID, desc.ID, scrubbed)
	if err != nil {
		return nil, err
	}

	start := m.now()
	result, execErr := m.registry.Execute(ctx, desc.ID, args)

	status := models.InvocationSucceeded
	summary := ""
	switch {
	case ctx.Err() != nil:
		status = models.InvocationAborted
		summary = "aborted: " + ctx.Err().Error()
	case execErr != nil:
		status = models.InvocationFailed
		summary = summarizeError(execErr)
	case result != nil && result.IsError:
		status = models.InvocationFailed
		summary = summarize(result.Content)
	case result != nil:
		summary = summarize(result.Content)
	}

	if _, closeErr := m.telemetry.CloseRecord(ctx, record.ID, status, summary); closeErr != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to close invocation record",
			"record_id", record.ID, "error", closeErr)
	}
	m.observeTool(desc.ID, string(status), m.now().Sub(start))

	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// finalizeAssistantTurn appends the assistant's prose turn with usage
// metadata and saves the session.
func (m *Manager) finalizeAssistantTurn(ctx context.Context, session *models.Session, content string, envelope *models.TaskEnvelope) error {
	if err := validateNextRole(session, models.RoleAssistant); err != nil {
		return err
	}
	session.Turns = append(session.Turns, models.Turn{
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: m.now(),
		Metadata: map[string]any{
			"provider":          string(session.Provider),
			"prompt_tokens":     envelope.Usage.PromptTokens,
			"completion_tokens": envelope.Usage.CompletionTokens,
		},
	})
	session.UpdatedAt = m.now()
	if content != "" {
		envelope.Outputs = append(envelope.Outputs, models.TaskOutput{
			Type: "text", Content: content, Timestamp: m.now(),
		})
	}
	return m.store.Save(ctx, session)
}

// savePartialTurn keeps whatever content streamed before cancellation,
// tagged partial rather than discarded. An empty partial turn still closes
// the alternation so the next user turn is accepted.
func (m *Manager) savePartialTurn(ctx context.Context, session *models.Session, content string) {
	if validateNextRole(session, models.RoleAssistant) != nil {
		return
	}
	session.Turns = append(session.Turns, models.Turn{
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: m.now(),
		Metadata:  map[string]any{"partial": true, "provider": string(session.Provider)},
	})
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to save partial turn", "session_id", session.ID, "error", err)
	}
}

func (m *Manager) clearStreamID(ctx context.Context, sessionID string) {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	session.StreamID = ""
	if err := m.store.Save(ctx, session); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to clear stream id", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) removePendingID(ctx context.Context, session *models.Session, actionID string) {
	kept := session.PendingIDs[:0]
	for _, id := range session.PendingIDs {
		if id != actionID {
			kept = append(kept, id)
		}
	}
	session.PendingIDs = kept
	session.UpdatedAt = m.now()
	if err := m.store.Save(ctx, session); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to update pending ids", "session_id", session.ID, "error", err)
	}
}

func (m *Manager) toolSpecs(session *models.Session) []providers.ToolSpec {
	descs := m.registry.ListForSession(session.ActiveTools, session.Provider)
	specs := make([]providers.ToolSpec, len(descs))
	for i, desc := range descs {
		specs[i] = providers.ToolSpec{
			Name:        desc.ID,
			Description: desc.Description,
			Parameters:  desc.InputSchema,
		}
	}
	return specs
}

// historyMessages rebuilds the provider message list from finalized turns.
// The system turn travels in Request.System, not the message list.
func historyMessages(session *models.Session) []providers.Message {
	messages := make([]providers.Message, 0, len(session.Turns))
	for _, turn := range session.Turns {
		if turn.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, providers.Message{
			Role: string(turn.Role), Content: turn.Content,
		})
	}
	return messages
}

func (m *Manager) newEnvelope(sessionID string, action models.TaskActionType) *models.TaskEnvelope {
	return &models.TaskEnvelope{
		TaskID:     uuid.NewString(),
		SessionID:  sessionID,
		Status:     models.TaskPending,
		ActionType: action,
		Timestamps: models.TaskTimestamps{Created: m.now()},
	}
}

func (m *Manager) finishEnvelope(envelope *models.TaskEnvelope, err error) {
	envelope.Timestamps.Completed = m.now()
	if err != nil {
		envelope.Status = models.TaskFailed
		envelope.Outputs = append(envelope.Outputs, models.TaskOutput{
			Type: "error", Content: summarizeError(err), Timestamp: m.now(),
		})
		return
	}
	if envelope.Status == models.TaskPending || envelope.Status == models.TaskStreaming {
		envelope.Status = models.TaskSucceeded
	}
}

func (m *Manager) acquire(sessionID string) error {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	if m.busy[sessionID] {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	m.busy[sessionID] = true
	return nil
}

func (m *Manager) release(sessionID string) {
	m.busyMu.Lock()
	delete(m.busy, sessionID)
	m.busyMu.Unlock()
}

func (m *Manager) observeProviderCall(adapter providers.Adapter, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	provider := string(adapter.Kind())
	m.metrics.ProviderRequestCounter.WithLabelValues(provider, "", status).Inc()
	m.metrics.ProviderRequestDuration.WithLabelValues(provider, "").Observe(m.now().Sub(start).Seconds())
}

func (m *Manager) observeUsage(adapter providers.Adapter, usage models.Usage) {
	if m.metrics == nil {
		return
	}
	provider := string(adapter.Kind())
	m.metrics.TokensUsed.WithLabelValues(provider, "", "prompt").Add(float64(usage.PromptTokens))
	m.metrics.TokensUsed.WithLabelValues(provider, "", "completion").Add(float64(usage.CompletionTokens))
}

func (m *Manager) observeTool(toolID, status string, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.ToolExecutionCounter.WithLabelValues(toolID, status).Inc()
	m.metrics.ToolExecutionDuration.WithLabelValues(toolID).Observe(elapsed.Seconds())
}

func previewArgs(scrubbed map[string]any) string {
	if len(scrubbed) == 0 {
		return ""
	}
	raw, err := json.Marshal(scrubbed)
	if err != nil {
		return ""
	}
	return string(raw)
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	const max = 200
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so a multi-byte character is never split.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func summarizeError(err error) string {
	if err == nil {
		return ""
	}
	return summarize(err.Error())
}
