package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coreerrors "agentmarket/core/errors"
)

const namespace = "agentmarket"

type operationMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle *prometheus.CounterVec
}

// MarketMetrics tracks escrow, fraud, dispute, trust and audit activity.
type MarketMetrics struct {
	transitions   *prometheus.CounterVec
	held          prometheus.Counter
	fraudTriggers *prometheus.CounterVec
	disputes      *prometheus.CounterVec
	trustScore    prometheus.Histogram
	auditFailures *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

var (
	operationMetricsOnce sync.Once
	operationRegistry    *operationMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Operations returns the lazily-initialised registry recording coordinator
// operations.
func Operations() *operationMetrics {
	operationMetricsOnce.Do(func() {
		operationRegistry = &operationMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "requests_total",
				Help:      "Total coordinator operations segmented by module, operation and error kind.",
			}, []string{"module", "operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "duration_seconds",
				Help:      "Latency distribution for coordinator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "operation"}),
			throttle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "throttles_total",
				Help:      "Count of operations rejected by per-agent quotas.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			operationRegistry.requests,
			operationRegistry.latency,
			operationRegistry.throttle,
		)
	})
	return operationRegistry
}

// Observe records the outcome of an operation. The error is reduced to its
// taxonomy kind.
func (m *operationMetrics) Observe(module, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	m.requests.WithLabelValues(module, operation, coreerrors.Kind(err)).Inc()
	m.latency.WithLabelValues(module, operation).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for module and reason.
// Reasons should be stable strings such as "requests" or "sats_cap".
func (m *operationMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttle.WithLabelValues(module, reason).Inc()
}

// Market returns the singleton registry for the marketplace core.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow state transitions segmented by destination status.",
			}, []string{"status"}),
			held: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "held_total",
				Help:      "Funded escrows held by a blocking fraud rule.",
			}),
			fraudTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fraud",
				Name:      "triggers_total",
				Help:      "Triggered fraud rules segmented by rule and action.",
			}, []string{"rule", "action"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispute",
				Name:      "total",
				Help:      "Dispute lifecycle events segmented by outcome.",
			}, []string{"outcome"}),
			trustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "trust",
				Name:      "score",
				Help:      "Distribution of computed overall trust scores.",
				Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 0.9, 1},
			}),
			auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "failures_total",
				Help:      "Audit emission failures segmented by sink.",
			}, []string{"sink"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "alerts_total",
				Help:      "Security alerts raised segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			marketRegistry.transitions,
			marketRegistry.held,
			marketRegistry.fraudTriggers,
			marketRegistry.disputes,
			marketRegistry.trustScore,
			marketRegistry.auditFailures,
			marketRegistry.alerts,
		)
	})
	return marketRegistry
}

// RecordTransition counts an escrow entering status.
func (m *MarketMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(status)).Inc()
}

// RecordHeld counts an escrow held by fraud screening.
func (m *MarketMetrics) RecordHeld() {
	if m == nil {
		return
	}
	m.held.Inc()
}

// RecordFraudTrigger counts a triggered rule.
func (m *MarketMetrics) RecordFraudTrigger(rule, action string) {
	if m == nil {
		return
	}
	m.fraudTriggers.WithLabelValues(normalizeLabel(rule), normalizeLabel(action)).Inc()
}

// RecordDispute counts a dispute lifecycle outcome such as "opened",
// "release" or "refund".
func (m *MarketMetrics) RecordDispute(outcome string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveTrustScore records a computed overall score.
func (m *MarketMetrics) ObserveTrustScore(score float64) {
	if m == nil {
		return
	}
	m.trustScore.Observe(score)
}

// RecordAuditFailure counts an audit emission failure for sink.
func (m *MarketMetrics) RecordAuditFailure(sink string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(normalizeLabel(sink)).Inc()
}

// RecordAlert counts a raised alert of kind.
func (m *MarketMetrics) RecordAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(normalizeLabel(kind)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
