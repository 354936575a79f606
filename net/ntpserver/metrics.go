package ntpserver

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus counters for the UDP responder. All methods
// handle a nil receiver gracefully, so a nil *Metrics acts as a no-op.
type Metrics struct {
	// Dropped counts datagrams rejected before any reply was sent.
	// Labels: reason=[malformed]
	Dropped *prometheus.CounterVec

	// KissOfDeath counts kiss-of-death replies sent.
	// Labels: reason=[mode, nts]
	KissOfDeath *prometheus.CounterVec

	// PlainReplies counts unauthenticated NTP replies sent.
	PlainReplies prometheus.Counter

	// NTSReplies counts NTS-authenticated replies sent.
	NTSReplies prometheus.Counter

	// CookiesConsumed counts cookies successfully unsealed from an
	// inbound NTS request.
	CookiesConsumed prometheus.Counter

	// AuthFailures counts NTS requests that failed cookie or AEAD
	// authentication, by stage.
	// Labels: stage=[cookie, aead]
	AuthFailures *prometheus.CounterVec

	// HandleLatency tracks wall-clock time spent in HandleDatagram, from
	// parse through reply serialization.
	HandleLatency prometheus.Histogram
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics creates and registers the responder's Prometheus metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// repeated calls return the same registered instance.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		m := &Metrics{
			Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nts_ntpserver_dropped_total",
				Help: "Datagrams dropped before any reply was sent, by reason.",
			}, []string{"reason"}),
			KissOfDeath: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nts_ntpserver_kiss_of_death_total",
				Help: "Kiss-of-death replies sent, by reason.",
			}, []string{"reason"}),
			PlainReplies: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nts_ntpserver_plain_replies_total",
				Help: "Unauthenticated NTP replies sent.",
			}),
			NTSReplies: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nts_ntpserver_nts_replies_total",
				Help: "NTS-authenticated replies sent.",
			}),
			CookiesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "nts_ntpserver_cookies_consumed_total",
				Help: "Cookies successfully unsealed from an inbound NTS request.",
			}),
			AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "nts_ntpserver_auth_failures_total",
				Help: "NTS requests that failed authentication, by stage.",
			}, []string{"stage"}),
			HandleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "nts_ntpserver_handle_latency_seconds",
				Help:    "Time spent handling one inbound datagram, from parse through reply.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		registerer.MustRegister(m.Dropped, m.KissOfDeath, m.PlainReplies, m.NTSReplies, m.CookiesConsumed, m.AuthFailures, m.HandleLatency)
		metricsInstance = m
	})
	return metricsInstance
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) kod(reason string) {
	if m == nil {
		return
	}
	m.KissOfDeath.WithLabelValues(reason).Inc()
}

func (m *Metrics) plainReply() {
	if m == nil {
		return
	}
	m.PlainReplies.Inc()
}

func (m *Metrics) ntsReply() {
	if m == nil {
		return
	}
	m.NTSReplies.Inc()
}

func (m *Metrics) cookieConsumed() {
	if m == nil {
		return
	}
	m.CookiesConsumed.Inc()
}

func (m *Metrics) authFailure(stage string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) observeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.HandleLatency.Observe(d.Seconds())
}

func (r *Responder) metrics() *Metrics {
	return r.Metrics
}
