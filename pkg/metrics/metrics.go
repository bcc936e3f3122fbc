// Package metrics exposes Prometheus instruments for the oracle. A nil
// *Metrics is valid and records nothing, so tests and one-shot commands can
// skip registration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one process.
type Metrics struct {
	// Publisher loop
	CyclesTotal    *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	LastSequence   prometheus.Gauge
	LastCapturedAt prometheus.Gauge

	// Subscription fan-out
	Subscribers     prometheus.Gauge
	Deliveries      prometheus.Counter
	BundledReads    prometheus.Counter
	TransportErrors prometheus.Counter

	// Consumer side
	FollowerReconnects prometheus.Counter
	TrailSize          prometheus.Gauge
	RelayProduced      *prometheus.CounterVec
}

// New registers every instrument on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer, instance string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"instance_id": instance}

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "publisher",
			Name:        "cycles_total",
			Help:        "Publish cycles by outcome (ok or the failure kind)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "orbit",
			Subsystem:   "publisher",
			Name:        "cycle_duration_seconds",
			Help:        "Wall time of one fetch, encode and append cycle",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		LastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "orbit",
			Subsystem:   "publisher",
			Name:        "last_sequence",
			Help:        "Sequence of the last appended record",
			ConstLabels: labels,
		}),
		LastCapturedAt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "orbit",
			Subsystem:   "publisher",
			Name:        "last_captured_at_seconds",
			Help:        "Capture time of the last appended record",
			ConstLabels: labels,
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "orbit",
			Subsystem:   "subscription",
			Name:        "active",
			Help:        "Currently active subscriptions",
			ConstLabels: labels,
		}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "subscription",
			Name:        "deliveries_total",
			Help:        "Records handed to subscribers",
			ConstLabels: labels,
		}),
		BundledReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "subscription",
			Name:        "bundled_reads_total",
			Help:        "Latest-record queries executed on behalf of notifications",
			ConstLabels: labels,
		}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "subscription",
			Name:        "transport_errors_total",
			Help:        "Subscriptions terminated by a transport failure",
			ConstLabels: labels,
		}),
		FollowerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "follower",
			Name:        "reconnects_total",
			Help:        "Times the follower tore down and rebuilt its subscription",
			ConstLabels: labels,
		}),
		TrailSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "orbit",
			Subsystem:   "follower",
			Name:        "trail_size",
			Help:        "Records currently held in the trail cache",
			ConstLabels: labels,
		}),
		RelayProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "orbit",
			Subsystem:   "relay",
			Name:        "messages_total",
			Help:        "Relay messages by delivery result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
}

// ObserveCycle records the outcome of one publish cycle.
func (m *Metrics) ObserveCycle(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(took.Seconds())
}

// ObserveAppend tracks the newest appended record.
func (m *Metrics) ObserveAppend(sequence uint64, capturedAtMillis int64) {
	if m == nil {
		return
	}
	m.LastSequence.Set(float64(sequence))
	m.LastCapturedAt.Set(float64(capturedAtMillis) / 1000)
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.Subscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.Subscribers.Dec()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}

func (m *Metrics) BundledRead() {
	if m != nil {
		m.BundledReads.Inc()
	}
}

func (m *Metrics) TransportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}

func (m *Metrics) Reconnected() {
	if m != nil {
		m.FollowerReconnects.Inc()
	}
}

func (m *Metrics) SetTrailSize(n int) {
	if m != nil {
		m.TrailSize.Set(float64(n))
	}
}

func (m *Metrics) Relayed(result string) {
	if m != nil {
		m.RelayProduced.WithLabelValues(result).Inc()
	}
}
