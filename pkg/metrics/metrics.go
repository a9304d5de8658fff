// Package metrics registers the Prometheus collectors of the workflow engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for lexflow. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	StepOutcomes       *prometheus.CounterVec
	StepEscalations    *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	DispatchRetries    *prometheus.CounterVec
	TriggerMatches     *prometheus.CounterVec
	ConcurrencyRetries prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	EventsPublished    *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all collectors once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			ExecutionsStarted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_executions_started_total",
					Help: "Total number of workflow executions started",
				},
				[]string{"tenant_id", "trigger"},
			),
			ExecutionsFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_executions_finished_total",
					Help: "Total number of workflow executions reaching a terminal status",
				},
				[]string{"tenant_id", "status"},
			),
			ExecutionDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lexflow_execution_duration_seconds",
					Help:    "Time from start to terminal status",
					Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
				},
				[]string{"status"},
			),
			StepOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_step_outcomes_total",
					Help: "Total number of finished step instances by status",
				},
				[]string{"status"},
			),
			StepEscalations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_step_escalations_total",
					Help: "Total number of step timeouts handled by escalation",
				},
				[]string{"tenant_id"},
			),
			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lexflow_action_dispatch_duration_seconds",
					Help:    "Duration of action dispatches",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"action_type", "outcome"},
			),
			DispatchRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_action_dispatch_retries_total",
					Help: "Total number of action dispatch retries",
				},
				[]string{"action_type"},
			),
			TriggerMatches: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_trigger_matches_total",
					Help: "Total number of definitions matched by incoming events",
				},
				[]string{"event"},
			),
			ConcurrencyRetries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lexflow_concurrency_conflicts_total",
					Help: "Total number of optimistic versioning conflicts",
				},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lexflow_definition_cache_hits_total",
					Help: "Total number of definition cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lexflow_definition_cache_misses_total",
					Help: "Total number of definition cache misses",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lexflow_events_published_total",
					Help: "Total number of events published to the bus",
				},
				[]string{"event_type"},
			),
		}
	})

	return sharedMetrics
}

func (m *Metrics) RecordExecutionStarted(tenantID, trigger string) {
	if m == nil {
		return
	}

	m.ExecutionsStarted.WithLabelValues(tenantID, trigger).Inc()
}

func (m *Metrics) RecordExecutionFinished(tenantID, status string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.ExecutionsFinished.WithLabelValues(tenantID, status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordStep(status string) {
	if m == nil {
		return
	}

	m.StepOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEscalation(tenantID string) {
	if m == nil {
		return
	}

	m.StepEscalations.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordDispatch(actionType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.DispatchDuration.WithLabelValues(actionType, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRetry(actionType string) {
	if m == nil {
		return
	}

	m.DispatchRetries.WithLabelValues(actionType).Inc()
}

func (m *Metrics) RecordTriggerMatches(event string, count int) {
	if m == nil || count == 0 {
		return
	}

	m.TriggerMatches.WithLabelValues(event).Add(float64(count))
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}

	m.ConcurrencyRetries.Inc()
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}

	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}

	m.EventsPublished.WithLabelValues(eventType).Inc()
}
