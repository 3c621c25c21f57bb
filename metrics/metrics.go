// Package metrics exposes Prometheus collectors for check-in outcomes and
// HTTP traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics groups the collectors.
type Metrics struct {
	checkins        *prometheus.CounterVec
	creditRepairs   prometheus.Counter
	creditFailures  prometheus.Counter
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors already
// registered by an earlier call are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ikoot",
			Subsystem: "checkin",
			Name:      "outcomes_total",
			Help:      "Check-in attempts by outcome",
		}, []string{"outcome"}),
		creditRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ikoot",
			Subsystem: "checkin",
			Name:      "credit_repairs_total",
			Help:      "Credits reconciliation applied for records older than the repair grace window",
		}),
		creditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ikoot",
			Subsystem: "checkin",
			Name:      "credit_failures_total",
			Help:      "Credits that failed after the ledger record was written",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ikoot",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ikoot",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
	}
	if reg == nil {
		return m
	}

	m.checkins = register(reg, m.checkins)
	m.creditRepairs = register(reg, m.creditRepairs)
	m.creditFailures = register(reg, m.creditFailures)
	m.requestTotal = register(reg, m.requestTotal)
	m.requestDuration = register(reg, m.requestDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// CheckinOutcome counts one check-in attempt. Outcome is "success",
// "conflict" or an error kind.
func (m *Metrics) CheckinOutcome(outcome string) {
	if m == nil {
		return
	}
	m.checkins.WithLabelValues(outcome).Inc()
}

// CreditRepaired counts credits applied by reconciliation.
func (m *Metrics) CreditRepaired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditRepairs.Add(float64(n))
}

// CreditFailed counts a credit left pending after its ledger write.
func (m *Metrics) CreditFailed() {
	if m == nil {
		return
	}
	m.creditFailures.Inc()
}

// Request records one handled HTTP request.
func (m *Metrics) Request(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}
