package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// ErrMissingCredential is returned at construction time when a backend's
// required credentials are absent. Adapters fail fast rather than surface
// auth errors on the first completion.
var ErrMissingCredential = errors.New("missing provider credential")

// FailReason categorizes why a provider request failed, driving retry
// decisions and the status label on provider metrics.
type FailReason string

const (
	FailAuth           FailReason = "auth"
	FailRateLimit      FailReason = "rate_limit"
	FailTimeout        FailReason = "timeout"
	FailServerError    FailReason = "server_error"
	FailInvalidRequest FailReason = "invalid_request"
	FailUnknown        FailReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r FailReason) IsRetryable() bool {
	switch r {
	case FailRateLimit, FailTimeout, FailServerError:
		return true
	}
	return false
}

// ProviderError is a structured backend failure carrying enough context for
// classification without string matching at call sites.
type ProviderError struct {
	Reason   FailReason
	Provider models.Provider
	Model    string
	Status   int
	Cause    error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason), string(e.Provider))
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps err with provider context, classifying it from the
// message when no status code is available.
func NewProviderError(provider models.Provider, model string, err error) *ProviderError {
	pe := &ProviderError{
		Reason:   classifyMessage(err),
		Provider: provider,
		Model:    model,
		Cause:    err,
	}
	return pe
}

// WithStatus attaches an HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatus(status, e.Reason)
	return e
}

// AsProviderError extracts a ProviderError from err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func classifyStatus(status int, fallback FailReason) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusRequestTimeout:
		return FailTimeout
	case status >= 500:
		return FailServerError
	case status >= 400:
		return FailInvalidRequest
	}
	return fallback
}

func classifyMessage(err error) FailReason {
	if err == nil {
		return FailUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return FailAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "throttl"):
		return FailRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return FailTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return FailServerError
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return FailInvalidRequest
	}
	return FailUnknown
}

// ArgumentParseError indicates a model emitted a tool call whose arguments
// are not valid JSON, or whose arguments fail the tool's input schema. It is
// raised before any invocation record is opened.
type ArgumentParseError struct {
	ToolID string
	Raw    string
	Cause  error
}

// Error implements the error interface.
func (e *ArgumentParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: arguments unparseable: %v", e.ToolID, e.Cause)
	}
	return fmt.Sprintf("tool %s: arguments unparseable", e.ToolID)
}

// Unwrap returns the underlying cause.
func (e *ArgumentParseError) Unwrap() error {
	return e.Cause
}

// IsArgumentParse reports whether err's chain contains an ArgumentParseError.
func IsArgumentParse(err error) bool {
	var ape *ArgumentParseError
	return errors.As(err, &ape)
}
