// Package metrics exposes the federation engine's Prometheus collectors.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stegofed"

type Metrics struct {
	registry *prometheus.Registry

	admissions       *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	slotEvictions    *prometheus.CounterVec
	watchdogRestarts *prometheus.CounterVec
	queueClears      prometheus.Counter
	keyFetches       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "admissions_total",
			Help:      "Inbox POSTs by response status code.",
		}, []string{"code"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "verifications_total",
			Help:      "Signature verifications by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Outbound delivery attempts by result.",
		}, []string{"result"}),
		slotEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sendpool",
			Name:      "slot_evictions_total",
			Help:      "Live send workers terminated to reuse their slot.",
		}, []string{"mode"}),
		watchdogRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Supervised worker restarts.",
		}, []string{"worker"}),
		queueClears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "queue_clears_total",
			Help:      "Times the inbox queue was flushed on overflow.",
		}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keycache",
			Name:      "fetches_total",
			Help:      "Remote public key fetches by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.verifications,
		m.deliveries,
		m.slotEvictions,
		m.watchdogRestarts,
		m.queueClears,
		m.keyFetches,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterQueueLength exposes fn as the current inbox queue length gauge.
func (m *Metrics) RegisterQueueLength(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inbox",
		Name:      "queue_length",
		Help:      "Activities waiting in the durable inbox queue.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) Admission(code int) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SlotEviction(mode string) {
	if m == nil {
		return
	}
	m.slotEvictions.WithLabelValues(mode).Inc()
}

func (m *Metrics) WatchdogRestart(worker string) {
	if m == nil {
		return
	}
	m.watchdogRestarts.WithLabelValues(worker).Inc()
}

func (m *Metrics) QueueCleared() {
	if m == nil {
		return
	}
	m.queueClears.Inc()
}

func (m *Metrics) KeyFetch(result string) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(result).Inc()
}
