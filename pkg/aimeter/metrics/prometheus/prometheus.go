package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Metrics implements aimeter.Metrics using Prometheus.
type Metrics struct {
	admissionsTotal            *prometheus.CounterVec
	estimatedTokens            *prometheus.HistogramVec
	degradedEstimatesTotal     *prometheus.CounterVec
	reconciliationsTotal       *prometheus.CounterVec
	reconciliationDelta        *prometheus.HistogramVec
	windowResetsTotal          *prometheus.CounterVec
	failOpenTotal              *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ aimeter.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of admission decisions.",
		}, []string{"tier", "operation", "allowed", "reason"}),

		estimatedTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimated_tokens",
			Help:      "Distribution of pre-flight token estimates.",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 10),
		}, []string{"operation"}),

		degradedEstimatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_estimates_total",
			Help:      "Total number of estimates made with the approximate tokenizer.",
		}, []string{"operation"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliations applied.",
		}, []string{"operation", "usage_reported"}),

		reconciliationDelta: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_delta_tokens",
			Help:      "Actual charge minus estimate; negative values are refunds.",
			Buckets:   []float64{-5000, -2000, -1000, -500, -100, 0, 100, 500, 1000, 2000, 5000},
		}, []string{"operation"}),

		windowResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_resets_total",
			Help:      "Total number of usage windows replenished.",
		}, []string{"tier"}),

		failOpenTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Total number of requests admitted while the store was unavailable.",
		}, []string{"operation"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordAdmission(tier aimeter.Tier, op aimeter.Operation, allowed bool,
	reason aimeter.RejectReason, _ int64) {
	m.admissionsTotal.WithLabelValues(string(tier), string(op), strconv.FormatBool(allowed), string(reason)).Inc()
}

func (m *Metrics) RecordEstimate(op aimeter.Operation, estimatedTokens int64, degraded bool) {
	m.estimatedTokens.WithLabelValues(string(op)).Observe(float64(estimatedTokens))
	if degraded {
		m.degradedEstimatesTotal.WithLabelValues(string(op)).Inc()
	}
}

func (m *Metrics) RecordReconciliation(op aimeter.Operation, delta int64, actualReported bool) {
	m.reconciliationsTotal.WithLabelValues(string(op), strconv.FormatBool(actualReported)).Inc()
	m.reconciliationDelta.WithLabelValues(string(op)).Observe(float64(delta))
}

func (m *Metrics) RecordWindowReset(tier aimeter.Tier) {
	m.windowResetsTotal.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) RecordFailOpen(op aimeter.Operation) {
	m.failOpenTotal.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
