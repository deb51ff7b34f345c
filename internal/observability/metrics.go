package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level Prometheus metrics: provider calls, token
// usage, tool execution, approval outcomes, and stream delivery.
type Metrics struct {
	// ProviderRequestDuration measures completion call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts completion calls.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// TokensUsed tracks normalized token accounting.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_id, status (succeeded|failed|aborted)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_id
	ToolExecutionDuration *prometheus.HistogramVec

	// PendingActionCounter counts pending-action resolutions.
	// Labels: outcome (approved|rejected|expired)
	PendingActionCounter *prometheus.CounterVec

	// StreamEventCounter counts stream events delivered to subscribers.
	// Labels: type (chunk|status|completed|error|cancelled)
	StreamEventCounter *prometheus.CounterVec

	// ActiveSessions tracks currently open sessions.
	ActiveSessions prometheus.Gauge

	// PipelineRunDuration measures pipeline runs in seconds.
	// Labels: pipeline, status (success|error)
	PipelineRunDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all engine metrics with reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ckengine_provider_request_duration_seconds",
				Help:    "Duration of LLM completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ckengine_provider_requests_total",
				Help: "Total LLM completion requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ckengine_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ckengine_tool_executions_total",
				Help: "Total tool invocations by tool and terminal status",
			},
			[]string{"tool_id", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ckengine_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_id"},
		),
		PendingActionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ckengine_pending_actions_total",
				Help: "Total pending-action resolutions by outcome",
			},
			[]string{"outcome"},
		),
		StreamEventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ckengine_stream_events_total",
				Help: "Total stream events delivered by type",
			},
			[]string{"type"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ckengine_active_sessions",
				Help: "Number of currently open assistant sessions",
			},
		),
		PipelineRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ckengine_pipeline_run_duration_seconds",
				Help:    "Duration of deterministic pipeline runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"pipeline", "status"},
		),
	}
}
