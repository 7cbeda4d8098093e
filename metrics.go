package authcore

import "sync/atomic"

// MetricID identifies one of the engine's in-process counters.
type MetricID int

const (
	// MetricSignInSuccess counts sign-ins that issued a credential pair.
	MetricSignInSuccess MetricID = iota
	// MetricSignInFailure counts rejected sign-ins.
	MetricSignInFailure
	// MetricSignInRateLimited counts sign-ins denied by the admission window.
	MetricSignInRateLimited
	// MetricSignUpSuccess counts created accounts.
	MetricSignUpSuccess
	// MetricRefreshSuccess counts successful refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshConflict counts rotations lost to the compare-and-swap.
	MetricRefreshConflict
	// MetricLogout counts logouts.
	MetricLogout
	// MetricMfaChallengeIssued counts challenge tokens handed out.
	MetricMfaChallengeIssued
	// MetricMfaVerifySuccess counts completed second factors.
	MetricMfaVerifySuccess
	// MetricMfaVerifyFailure counts rejected second factors.
	MetricMfaVerifyFailure
	// MetricMfaReplay counts challenge tokens consumed twice.
	MetricMfaReplay
	// MetricOtpRequested counts dispatched one-time codes.
	MetricOtpRequested
	// MetricOtpConfirmed counts approved one-time codes.
	MetricOtpConfirmed
	// MetricOtpFailed counts rejected one-time codes.
	MetricOtpFailed
	// MetricResetIssued counts password-reset tokens issued.
	MetricResetIssued
	// MetricResetConsumed counts password resets completed.
	MetricResetConsumed
	// MetricResetRejected counts reset tokens that failed to consume.
	MetricResetRejected
	// MetricProviderFailure counts verification-provider faults.
	MetricProviderFailure
	// MetricWatermarkFailOpen counts watermark lookups that degraded to allow.
	MetricWatermarkFailOpen

	metricIDCount
)

// Metrics holds the engine's atomic counters. All methods are safe for
// concurrent use; a disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func newMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc increments the counter for id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id < 0 || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// Get returns the current value for id.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || !m.enabled || id < 0 || id >= metricIDCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot copies every counter into a map.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
