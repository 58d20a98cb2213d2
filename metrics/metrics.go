// Package metrics defines the Prometheus collectors for the run engine.
//
// All collectors live on a dedicated registry so multiple engines in one
// process (or in tests) do not collide. A nil *Metrics is a valid no-op
// recorder, which keeps the engine free of conditional instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// RunsStarted counts run claims (first starts and resumes both).
	RunsStarted prometheus.Counter

	// RunsFinished counts terminal outcomes.
	// Labels: status (completed|failed|cancelled)
	RunsFinished *prometheus.CounterVec

	// RunsSuspended counts suspensions for tool approval.
	RunsSuspended prometheus.Counter

	// RunsResumed counts approval decisions applied to runs.
	// Labels: decision (approved|rejected)
	RunsResumed *prometheus.CounterVec

	// JournalEntries counts appended journal entries.
	// Labels: kind
	JournalEntries *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ModelRequests counts model calls.
	// Labels: status (success|error)
	ModelRequests *prometheus.CounterVec

	// ModelRetries counts transient model errors that were retried.
	ModelRetries prometheus.Counter

	// Subscribers gauges live event bus subscribers.
	Subscribers prometheus.GaugeFunc
}

// New creates the collectors on a fresh registry. subscribers reports the
// current live subscriber count; pass nil to skip the gauge.
func New(subscribers func() int) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,

		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "durarun_runs_started_total",
			Help: "Total run claims by this instance",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "durarun_runs_finished_total",
			Help: "Total runs reaching a terminal state, by status",
		}, []string{"status"}),
		RunsSuspended: factory.NewCounter(prometheus.CounterOpts{
			Name: "durarun_runs_suspended_total",
			Help: "Total run suspensions awaiting tool approval",
		}),
		RunsResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "durarun_runs_resumed_total",
			Help: "Total approval decisions applied, by decision",
		}, []string{"decision"}),
		JournalEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "durarun_journal_entries_total",
			Help: "Total journal entries appended, by kind",
		}, []string{"kind"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "durarun_tool_executions_total",
			Help: "Total tool invocations, by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "durarun_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ModelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "durarun_model_requests_total",
			Help: "Total model calls, by status",
		}, []string{"status"}),
		ModelRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "durarun_model_retries_total",
			Help: "Total model calls retried after a transient error",
		}),
	}

	if subscribers != nil {
		m.Subscribers = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "durarun_event_subscribers",
			Help: "Live event bus subscribers",
		}, func() float64 { return float64(subscribers()) })
	}

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Recording helpers. All are safe on a nil receiver.

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) RunSuspended() {
	if m == nil {
		return
	}
	m.RunsSuspended.Inc()
}

func (m *Metrics) RunResumed(decision string) {
	if m == nil {
		return
	}
	m.RunsResumed.WithLabelValues(decision).Inc()
}

func (m *Metrics) EntryAppended(kind string) {
	if m == nil {
		return
	}
	m.JournalEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) ToolExecuted(tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ModelRequest(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ModelRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) ModelRetry() {
	if m == nil {
		return
	}
	m.ModelRetries.Inc()
}
