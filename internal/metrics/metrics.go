// Package metrics defines the Prometheus instrumentation shared by the
// NTS-KE server and the rotation engine, following the same
// nil-receiver-safe pattern as net/ntpserver's Metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks NTS-KE session outcomes and rotation tick outcomes.
// All methods handle a nil receiver gracefully.
type Metrics struct {
	// KESessions counts completed NTS-KE sessions by outcome.
	// Labels: outcome=[ok, policy_reject, handshake_failed]
	KESessions *prometheus.CounterVec

	// CookiesIssued counts cookies minted by the NTS-KE server. Cookies
	// minted by the NTP responder are not counted here.
	CookiesIssued prometheus.Counter

	// RotationTicks counts, by outcome, the per-epoch key resolutions a
	// rotation tick performs (one per epoch in the window).
	// Labels: outcome=[derived, cache_hit, cache_miss]
	RotationTicks *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// New creates and registers the shared metrics. If registerer is nil,
// prometheus.DefaultRegisterer is used. Idempotent.
func New(registerer prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m := &Metrics{
			KESessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nts_ntske_sessions_total",
				Help: "Completed NTS-KE sessions by outcome.",
			}, []string{"outcome"}),
			CookiesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nts_cookies_issued_total",
				Help: "Cookies minted by the NTS-KE server.",
			}),
			RotationTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nts_rotation_ticks_total",
				Help: "Per-epoch key resolutions during rotation ticks, by outcome.",
			}, []string{"outcome"}),
		}
		registerer.MustRegister(m.KESessions, m.CookiesIssued, m.RotationTicks)
		instance = m
	})
	return instance
}

func (m *Metrics) keSession(outcome string) {
	if m == nil {
		return
	}
	m.KESessions.WithLabelValues(outcome).Inc()
}

// RecordKESessionOK records a successfully completed NTS-KE session.
func (m *Metrics) RecordKESessionOK() { m.keSession("ok") }

// RecordKESessionPolicyReject records an NTS-KE session rejected on policy grounds.
func (m *Metrics) RecordKESessionPolicyReject() { m.keSession("policy_reject") }

// RecordKESessionHandshakeFailed records a TLS handshake failure.
func (m *Metrics) RecordKESessionHandshakeFailed() { m.keSession("handshake_failed") }

// RecordCookiesIssued adds n to the cookies-issued counter.
func (m *Metrics) RecordCookiesIssued(n int) {
	if m == nil {
		return
	}
	m.CookiesIssued.Add(float64(n))
}

func (m *Metrics) rotationTick(outcome string) {
	if m == nil {
		return
	}
	m.RotationTicks.WithLabelValues(outcome).Inc()
}

// RecordRotationDerived records one epoch whose key was derived locally
// without consulting the cache.
func (m *Metrics) RecordRotationDerived() { m.rotationTick("derived") }

// RecordRotationCacheHit records one epoch whose key was found in cache.
func (m *Metrics) RecordRotationCacheHit() { m.rotationTick("cache_hit") }

// RecordRotationCacheMiss records one epoch whose key was derived and
// written through after a cache miss.
func (m *Metrics) RecordRotationCacheMiss() { m.rotationTick("cache_miss") }

// Handler returns the promhttp handler to mount on a daemon's metrics
// bind address.
func Handler() http.Handler {
	return promhttp.Handler()
}
