package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Lukeus/context-kit-engine/internal/approval"
	"github.com/Lukeus/context-kit-engine/internal/pipeline"
	"github.com/Lukeus/context-kit-engine/internal/providers"
	"github.com/Lukeus/context-kit-engine/internal/registry"
	"github.com/Lukeus/context-kit-engine/internal/session"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil && s.logger != nil {
			s.logger.Warn(context.Background(), "response encode failed", "error", err)
		}
	}
}

// writeError maps engine sentinel errors onto HTTP statuses so clients can
// branch without parsing messages.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, registry.ErrUnknownTool),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, session.ErrStreamNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrStreamActive),
		errors.Is(err, approval.ErrAlreadyResolved):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, approval.ErrExpired):
		status, code = http.StatusGone, "expired"
	case errors.Is(err, session.ErrSequence),
		errors.Is(err, session.ErrValidation),
		errors.Is(err, registry.ErrSchema),
		errors.Is(err, registry.ErrUnsupportedBackend),
		errors.Is(err, pipeline.ErrUnknownPipeline),
		providers.IsArgumentParse(err):
		status, code = http.StatusBadRequest, "invalid_request"
	}

	s.writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: err.Error()}})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(session.ErrValidation, err)
	}
	return nil
}

type createSessionRequest struct {
	Provider     models.Provider `json:"provider"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	ActiveTools  []string        `json:"active_tools,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.manager.CreateSession(r.Context(), req.Provider, req.SystemPrompt, req.ActiveTools)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.manager.ListSessions(r.Context()),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sessionID := r.PathValue("id")

	if req.Stream {
		envelope, _, err := s.manager.StreamMessage(r.Context(), sessionID, req.Content)
		if err != nil {
			s.writeError(w, err)
			return
		}
		// Events flow over /ws; the accepted envelope carries the task id
		// the client subscribes with.
		s.writeJSON(w, http.StatusAccepted, envelope)
		return
	}

	envelope, err := s.manager.SendMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope)
}

type executeToolRequest struct {
	ToolID     string          `json:"tool_id"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	envelope, err := s.manager.ExecuteTool(r.Context(), r.PathValue("id"), req.ToolID, req.Parameters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if envelope.Status == models.TaskPending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, envelope)
}

func (s *Server) handleListPendingActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.manager.ListPendingActions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type resolveActionRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

type resolveActionResponse struct {
	Action   *models.PendingAction `json:"action"`
	Envelope *models.TaskEnvelope  `json:"envelope,omitempty"`
}

func (s *Server) handleResolvePendingAction(w http.ResponseWriter, r *http.Request) {
	var req resolveActionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	action, envelope, err := s.manager.ResolvePendingAction(
		r.Context(), r.PathValue("id"), r.PathValue("aid"), req.Approve, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolveActionResponse{Action: action, Envelope: envelope})
}

func (s *Server) handleListTelemetry(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	// Telemetry survives session closure, so existence of the session is
	// deliberately not checked here.
	records, err := s.telemetry.List(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCancelTaskStream(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelStream(r.PathValue("id"), r.PathValue("tid")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

type runPipelineRequest struct {
	Pipeline  string         `json:"pipeline"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: apiError{
			Code:    "unavailable",
			Message: "no context repository configured; pipelines are disabled",
		}})
		return
	}
	var req runPipelineRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.pipelines.Run(r.Context(), req.Pipeline, req.Arguments)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	capabilities := make(map[string]models.CapabilityEntry)
	for _, desc := range s.registry.All() {
		entry := models.CapabilityEntry{Status: models.CapabilityEnabled}
		if s.pipelines == nil && desc.Capability == models.CapabilityExecute {
			entry.Status = models.CapabilityDisabled
			entry.Fallback = "run the pipeline from the desktop tool"
		}
		capabilities[desc.ID] = entry
	}

	s.writeJSON(w, http.StatusOK, &models.CapabilityProfile{
		ProfileID:    s.profileID,
		LastUpdated:  s.startTime.UTC(),
		Capabilities: capabilities,
		Providers:    s.manager.ProviderFeatures(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.healthStatus()
	status := http.StatusOK
	if health.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}
