// Package telemetry exposes the service's Prometheus metrics. A nil *Metrics
// is valid and records nothing.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics holds the service collectors.
type Metrics struct {
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	bookingsCreated    *prometheus.CounterVec
	bookingTransitions *prometheus.CounterVec
	chainCalls         *prometheus.CounterVec
	chainLatency       *prometheus.HistogramVec
	violationReports   *prometheus.CounterVec
	alertsRaised       *prometheus.CounterVec
	subscribers        prometheus.Gauge
	pushDropped        prometheus.Counter
	jobRuns            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "api", Name: "http_requests_total",
			Help: "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rentgrid", Subsystem: "api", Name: "http_request_duration_seconds",
			Help: "Latency distribution of HTTP handlers", Buckets: histogramBuckets,
		}, []string{"method", "route", "status"}),
		bookingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "ledger", Name: "booking_create_total",
			Help: "Booking creation attempts by outcome",
		}, []string{"outcome"}),
		bookingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "ledger", Name: "booking_transitions_total",
			Help: "Committed booking status transitions",
		}, []string{"from", "to"}),
		chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "escrow", Name: "chain_calls_total",
			Help: "Escrow contract calls by operation and outcome",
		}, []string{"op", "outcome"}),
		chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rentgrid", Subsystem: "escrow", Name: "chain_call_duration_seconds",
			Help: "Time until an escrow transaction is confirmed", Buckets: histogramBuckets,
		}, []string{"op"}),
		violationReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "escrow", Name: "violation_reports_total",
			Help: "SLA violation reports by outcome",
		}, []string{"outcome"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "monitor", Name: "alerts_raised_total",
			Help: "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rentgrid", Subsystem: "realtime", Name: "subscribers",
			Help: "Connected realtime subscribers",
		}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "realtime", Name: "dropped_messages_total",
			Help: "Messages dropped because a subscriber queue was full",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rentgrid", Subsystem: "jobs", Name: "runs_total",
			Help: "Background job runs by outcome",
		}, []string{"job", "outcome"}),
	}

	m.requestTotal = register(reg, m.requestTotal)
	m.requestLatency = register(reg, m.requestLatency)
	m.bookingsCreated = register(reg, m.bookingsCreated)
	m.bookingTransitions = register(reg, m.bookingTransitions)
	m.chainCalls = register(reg, m.chainCalls)
	m.chainLatency = register(reg, m.chainLatency)
	m.violationReports = register(reg, m.violationReports)
	m.alertsRaised = register(reg, m.alertsRaised)
	m.subscribers = register(reg, m.subscribers)
	m.pushDropped = register(reg, m.pushDropped)
	m.jobRuns = register(reg, m.jobRuns)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// BookingCreated records a booking creation attempt.
func (m *Metrics) BookingCreated(result string) {
	if m == nil {
		return
	}
	m.bookingsCreated.WithLabelValues(result).Inc()
}

// BookingTransition records a committed status change.
func (m *Metrics) BookingTransition(from, to string) {
	if m == nil {
		return
	}
	m.bookingTransitions.WithLabelValues(from, to).Inc()
}

// ChainCall records an escrow contract call.
func (m *Metrics) ChainCall(op string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.chainCalls.WithLabelValues(op, outcome(err)).Inc()
	m.chainLatency.WithLabelValues(op).Observe(took.Seconds())
}

// ViolationReport records the fate of a violation report: sent, failed or dropped.
func (m *Metrics) ViolationReport(result string) {
	if m == nil {
		return
	}
	m.violationReports.WithLabelValues(result).Inc()
}

// AlertRaised records a raised alert.
func (m *Metrics) AlertRaised(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(alertType, severity).Inc()
}

// SubscriberDelta adjusts the connected subscriber gauge.
func (m *Metrics) SubscriberDelta(delta float64) {
	if m == nil {
		return
	}
	m.subscribers.Add(delta)
}

// PushDropped records a dropped realtime message.
func (m *Metrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushDropped.Inc()
}

// JobRun records a background job run.
func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome(err)).Inc()
}

// Middleware records request count and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": r.Method, "route": route, "status": strconv.Itoa(status)}
		m.requestTotal.With(labels).Inc()
		m.requestLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}
