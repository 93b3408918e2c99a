package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and
// the domain workflows.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	paymentsTotal   *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	activePeriods   prometheus.Gauge
}

// NewMetricsService registers the collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_transitions_total",
		Help: "Enrollment status transitions by target status",
	}, []string{"to"})

	paymentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_recorded_total",
		Help: "Ledger entries recorded, split by kind",
	}, []string{"kind"})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_sweep_runs_total",
		Help: "Scheduler sweep executions by outcome",
	}, []string{"sweep", "outcome"})

	activePeriods := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enrollment_periods_active",
		Help: "Number of currently active enrollment periods",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, paymentsTotal, sweepRuns, activePeriods, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		paymentsTotal:   paymentsTotal,
		sweepRuns:       sweepRuns,
		activePeriods:   activePeriods,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts an enrollment status transition.
func (m *MetricsService) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// RecordLedgerEntry counts a payment or refund.
func (m *MetricsService) RecordLedgerEntry(kind string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(kind).Inc()
}

// RecordSweep counts one sweep execution.
func (m *MetricsService) RecordSweep(sweep, outcome string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep, outcome).Inc()
}

// SetActivePeriods publishes the active period count.
func (m *MetricsService) SetActivePeriods(count int) {
	if m == nil {
		return
	}
	m.activePeriods.Set(float64(count))
}
