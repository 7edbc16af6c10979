package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/richardliu001/permissions-service/internal/model"
)

// Metrics records relay outcomes per destination. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	dispatched   *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	purged       prometheus.Counter
}

// NewMetrics registers the relay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permissions_outbox_dispatched_total",
			Help: "Outbox messages delivered to their sink.",
		}, []string{"destination"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permissions_outbox_retried_total",
			Help: "Outbox dispatch failures scheduled for retry.",
		}, []string{"destination"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permissions_outbox_dead_lettered_total",
			Help: "Outbox messages marked failed and no longer retried.",
		}, []string{"destination", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permissions_outbox_dispatch_duration_seconds",
			Help:    "Duration of single outbox dispatch attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination", "outcome"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permissions_outbox_purged_total",
			Help: "Dispatched outbox rows removed by the retention janitor.",
		}),
	}
	reg.MustRegister(m.dispatched, m.retried, m.deadLettered, m.duration, m.purged)
	return m
}

func (m *Metrics) observe(dest model.Destination, outcome string, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(label(dest), outcome).Observe(d.Seconds())
}

func (m *Metrics) incDispatched(dest model.Destination) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(label(dest)).Inc()
}

func (m *Metrics) incRetried(dest model.Destination) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.WithLabelValues(label(dest)).Inc()
}

func (m *Metrics) incDeadLettered(dest model.Destination, class Class) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(label(dest), class.String()).Inc()
}

func (m *Metrics) addPurged(n int64) {
	if m == nil || m.purged == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func label(dest model.Destination) string {
	if dest == "" {
		return "unknown"
	}
	return string(dest)
}
