package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the decryption engine.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Attestation gate failures by gate number
	GateFailures *prometheus.CounterVec

	// Redundancy vote outcomes
	RedundancyOutcomes *prometheus.CounterVec

	// Decrypt results by error kind ("ok" on success)
	DecryptResults *prometheus.CounterVec

	ConfidenceScore prometheus.Histogram
	DecryptLatency  prometheus.Histogram

	QuenchedSlots prometheus.Gauge
	Baseline      prometheus.Gauge

	AuditFailures    prometheus.Counter
	AdvisoryFailures prometheus.Counter
}

// New registers every engine metric on reg. A nil reg
// uses a private registry so tests and multiple engines
// never collide on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		GateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_attestation_gate_failures_total",
			Help: "Attestation gate failures by gate number",
		}, []string{"gate"}),

		RedundancyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_redundancy_outcomes_total",
			Help: "Redundant execution vote outcomes",
		}, []string{"outcome"}), // consensus, degraded_consensus, full_failure

		DecryptResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_decrypt_results_total",
			Help: "Decrypt calls by result kind",
		}, []string{"result"}),

		ConfidenceScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_confidence_score",
			Help:    "Post-decryption confidence scores",
			Buckets: []float64{0.5, 0.8, 0.9, 0.95, 0.97, 0.99, 1},
		}),

		DecryptLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_decrypt_duration_seconds",
			Help:    "Duration of full decrypt calls including key derivation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		QuenchedSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_redundancy_quenched_slots",
			Help: "Number of currently quenched execution slots",
		}),

		Baseline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_confidence_baseline",
			Help: "Rolling confidence baseline",
		}),

		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_audit_append_failures_total",
			Help: "Audit chain appends that failed after a successful decrypt",
		}),

		AdvisoryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_advisory_failures_total",
			Help: "Failed advisory deliveries and polls",
		}),
	}
}

// IncrementGateFailure records a failing attestation gate.
func (m *Metrics) IncrementGateFailure(gate string) {
	if m != nil {
		m.GateFailures.WithLabelValues(gate).Inc()
	}
}

// IncrementOutcome records a redundancy vote outcome.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.RedundancyOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncrementResult records the result of a decrypt call.
func (m *Metrics) IncrementResult(result string) {
	if m != nil {
		m.DecryptResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveConfidence(score float64) {
	if m != nil {
		m.ConfidenceScore.Observe(score)
	}
}

func (m *Metrics) ObserveDecryptLatency(d time.Duration) {
	if m != nil {
		m.DecryptLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetQuenchedSlots(n int) {
	if m != nil {
		m.QuenchedSlots.Set(float64(n))
	}
}

func (m *Metrics) SetBaseline(v float64) {
	if m != nil {
		m.Baseline.Set(v)
	}
}

func (m *Metrics) IncrementAuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

func (m *Metrics) IncrementAdvisoryFailure() {
	if m != nil {
		m.AdvisoryFailures.Inc()
	}
}
