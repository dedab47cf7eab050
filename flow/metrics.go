package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects execution metrics for Prometheus scraping.
//
// Metrics exposed (all namespaced "dagflow_"):
//
//  1. inflight_nodes (gauge): nodes currently executing.
//     Labels: workflow_id.
//  2. node_duration_ms (histogram): handler execution duration.
//     Labels: workflow_id, node_type, status (completed/failed/timeout).
//  3. node_retries_total (counter): scheduled retries.
//     Labels: workflow_id, node_id, failure_type.
//  4. workflow_rounds_total (counter): completed scheduler rounds.
//     Labels: workflow_id.
//  5. workflows_total (counter): finished start/resume calls.
//     Labels: status.
//  6. dead_letters_total (counter): items parked in the DLQ.
//     Labels: workflow_id.
//  7. circuit_transitions_total (counter): breaker state changes.
//     Labels: workflow_id, node_id, to_state.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	exec, _ := flow.NewExecutor(flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics is a valid no-op collector, so executor code
// calls it unconditionally.
type PrometheusMetrics struct {
	inflightNodes      *prometheus.GaugeVec
	nodeDuration       *prometheus.HistogramVec
	nodeRetries        *prometheus.CounterVec
	workflowRounds     *prometheus.CounterVec
	workflows          *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all executor metrics with the
// given registry (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dagflow",
			Name:      "inflight_nodes",
			Help:      "Number of node handlers currently executing.",
		}, []string{"workflow_id"}),

		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagflow",
			Name:      "node_duration_ms",
			Help:      "Node handler execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"workflow_id", "node_type", "status"}),

		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "node_retries_total",
			Help:      "Total node retries scheduled.",
		}, []string{"workflow_id", "node_id", "failure_type"}),

		workflowRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "workflow_rounds_total",
			Help:      "Total completed scheduler rounds.",
		}, []string{"workflow_id"}),

		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "workflows_total",
			Help:      "Total finished start/resume calls by terminal status.",
		}, []string{"status"}),

		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "dead_letters_total",
			Help:      "Total items parked in the dead-letter queue.",
		}, []string{"workflow_id"}),

		circuitTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"workflow_id", "node_id", "to_state"}),
	}
}

func (p *PrometheusMetrics) nodeStarted(workflowID string) {
	if p == nil {
		return
	}
	p.inflightNodes.WithLabelValues(workflowID).Inc()
}

func (p *PrometheusMetrics) nodeFinished(workflowID, nodeType, status string, duration time.Duration) {
	if p == nil {
		return
	}
	p.inflightNodes.WithLabelValues(workflowID).Dec()
	p.nodeDuration.WithLabelValues(workflowID, nodeType, status).
		Observe(float64(duration.Milliseconds()))
}

func (p *PrometheusMetrics) retryScheduled(workflowID, nodeID string, failureType FailureType) {
	if p == nil {
		return
	}
	p.nodeRetries.WithLabelValues(workflowID, nodeID, string(failureType)).Inc()
}

func (p *PrometheusMetrics) roundCompleted(workflowID string) {
	if p == nil {
		return
	}
	p.workflowRounds.WithLabelValues(workflowID).Inc()
}

func (p *PrometheusMetrics) workflowFinished(status WorkflowStatus) {
	if p == nil {
		return
	}
	p.workflows.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusMetrics) deadLettered(workflowID string) {
	if p == nil {
		return
	}
	p.deadLetters.WithLabelValues(workflowID).Inc()
}

func (p *PrometheusMetrics) circuitTransition(workflowID, nodeID string, to BreakerPhase) {
	if p == nil {
		return
	}
	p.circuitTransitions.WithLabelValues(workflowID, nodeID, string(to)).Inc()
}
