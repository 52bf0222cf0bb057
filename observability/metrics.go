package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerOpMetrics records mutation activity on the accounting engine.
type LedgerOpMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	emergency  prometheus.Counter
	invariants prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerOpMetrics
)

// LedgerMetrics returns the lazily-initialised ledger metrics registry.
func LedgerMetrics() *LedgerOpMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerOpMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "zhype",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger mutations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "zhype",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger mutations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			emergency: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zhype",
				Subsystem: "ledger",
				Name:      "emergency_withdrawals_total",
				Help:      "Times the privileged emergency withdrawal drained custody.",
			}),
			invariants: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "zhype",
				Subsystem: "ledger",
				Name:      "invariant_violations_total",
				Help:      "Detected accounting invariant violations. Any nonzero value halts the ledger.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.emergency,
			ledgerRegistry.invariants,
		)
	})
	return ledgerRegistry
}

// Observe records one mutation attempt.
func (m *LedgerOpMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordEmergencyWithdraw counts an emergency custody drain.
func (m *LedgerOpMetrics) RecordEmergencyWithdraw() {
	if m == nil {
		return
	}
	m.emergency.Inc()
}

// RecordInvariantViolation counts a fatal accounting mismatch.
func (m *LedgerOpMetrics) RecordInvariantViolation() {
	if m == nil {
		return
	}
	m.invariants.Inc()
}
