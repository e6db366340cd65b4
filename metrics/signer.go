// Package metrics exposes Prometheus collectors for stateful signers.
//
// A nil *SignerMetrics is valid and records nothing, so callers that do not
// export metrics can pass nil instead of wiring a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Verification results used as the "result" label.
const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// SignerMetrics groups the collectors of one signer pool.
type SignerMetrics struct {
	Signatures      prometheus.Counter
	Rotations       prometheus.Counter
	ExhaustedShards prometheus.Counter
	PersistFailures prometheus.Counter
	Remaining       prometheus.Gauge
	SignDuration    prometheus.Histogram
	Verifications   *prometheus.CounterVec
}

// NewSignerMetrics creates the collectors under namespace and registers them
// with reg. A nil reg leaves them unregistered.
func NewSignerMetrics(reg prometheus.Registerer, namespace string) (*SignerMetrics, error) {
	m := &SignerMetrics{
		Signatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "signatures_total",
			Help:      "Signatures released to callers.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "rotations_total",
			Help:      "Signatures that started a new leaf subtree.",
		}),
		ExhaustedShards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "exhausted_shards_total",
			Help:      "Shards retired because their index range was used up.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "persist_failures_total",
			Help:      "Signatures withheld because the key state could not be saved.",
		}),
		Remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "remaining_signatures",
			Help:      "Signatures left across all shards.",
		}),
		SignDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signer",
			Name:      "sign_duration_seconds",
			Help:      "Time to sign and persist one signature.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "verifications_total",
			Help:      "Signature verifications by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Signatures, m.Rotations, m.ExhaustedShards, m.PersistFailures,
		m.Remaining, m.SignDuration, m.Verifications,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveSign records one released signature and the number of subtrees
// rotated to produce it.
func (m *SignerMetrics) ObserveSign(start time.Time, rotated int) {
	if m == nil {
		return
	}
	m.Signatures.Inc()
	m.Rotations.Add(float64(rotated))
	m.SignDuration.Observe(time.Since(start).Seconds())
}

// ShardExhausted records a retired shard.
func (m *SignerMetrics) ShardExhausted() {
	if m != nil {
		m.ExhaustedShards.Inc()
	}
}

// PersistFailed records a signature withheld after a failed save.
func (m *SignerMetrics) PersistFailed() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

// SetRemaining sets the remaining-signature gauge.
func (m *SignerMetrics) SetRemaining(n uint64) {
	if m != nil {
		m.Remaining.Set(float64(n))
	}
}

// ObserveVerify records a verification outcome.
func (m *SignerMetrics) ObserveVerify(ok bool, err error) {
	if m == nil {
		return
	}
	result := ResultValid
	switch {
	case err != nil:
		result = ResultError
	case !ok:
		result = ResultInvalid
	}
	m.Verifications.WithLabelValues(result).Inc()
}
