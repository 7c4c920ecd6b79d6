package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the service's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry prometheus.Gatherer

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BookingsTotal      *prometheus.CounterVec
	CancellationsTotal *prometheus.CounterVec
	RefundsTotal       *prometheus.CounterVec
	PaymentEvents      *prometheus.CounterVec
	LifecycleSweeps    *prometheus.CounterVec

	RemindersScheduled *prometheus.CounterVec
	RemindersDelivered *prometheus.CounterVec
}

func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		BookingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by result.",
		}, []string{"result"}),

		CancellationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by result.",
		}, []string{"result"}),

		RefundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "refunds_total",
			Help:      "Refund calls by outcome.",
		}, []string{"outcome"}),

		PaymentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "webhook_events_total",
			Help:      "Payment webhook notifications by resolved status.",
		}, []string{"status"}),

		LifecycleSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "sweep_transitions_total",
			Help:      "Appointments moved by the lifecycle worker, by target status.",
		}, []string{"status"}),

		RemindersScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "scheduled_total",
			Help:      "Reminder jobs enqueued by kind.",
		}, []string{"kind"}),

		RemindersDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "deliveries_total",
			Help:      "Reminder delivery attempts by result (sent, retried, failed).",
		}, []string{"result"}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Request(method, route string, status int, took time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (c *Collector) Booking(result string) {
	if c == nil {
		return
	}
	c.BookingsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Cancellation(result string) {
	if c == nil {
		return
	}
	c.CancellationsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Refund(outcome string) {
	if c == nil {
		return
	}
	c.RefundsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) PaymentEvent(status string) {
	if c == nil {
		return
	}
	c.PaymentEvents.WithLabelValues(status).Inc()
}

func (c *Collector) Swept(status string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.LifecycleSweeps.WithLabelValues(status).Add(float64(n))
}

func (c *Collector) ReminderScheduled(kind string) {
	if c == nil {
		return
	}
	c.RemindersScheduled.WithLabelValues(kind).Inc()
}

func (c *Collector) ReminderDelivery(result string) {
	if c == nil {
		return
	}
	c.RemindersDelivered.WithLabelValues(result).Inc()
}
