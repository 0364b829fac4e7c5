package portal

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/resibo/internal/action"
	"github.com/zombor/resibo/internal/invoice"
	"github.com/zombor/resibo/internal/review"
)

// Metrics holds the portal's prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	actionTotal     *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	pendingInvoices prometheus.Gauge
	intakeTotal     *prometheus.CounterVec
	intakeDuration  prometheus.Histogram
}

// NewMetrics registers every collector on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resibo",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed.",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "resibo",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		actionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resibo",
				Subsystem: "action",
				Name:      "requests_total",
				Help:      "Commit and discard calls to the action executor by outcome.",
			},
			[]string{"action", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "resibo",
				Subsystem: "action",
				Name:      "duration_seconds",
				Help:      "Action executor call duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resibo",
				Subsystem: "pending",
				Name:      "refresh_total",
				Help:      "Pending invoice list fetches by outcome.",
			},
			[]string{"outcome"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "resibo",
				Subsystem: "pending",
				Name:      "refresh_duration_seconds",
				Help:      "Pending invoice list fetch duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		pendingInvoices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "resibo",
				Subsystem: "pending",
				Name:      "invoices",
				Help:      "Invoices awaiting confirmation at the last successful fetch.",
			},
		),
		intakeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resibo",
				Subsystem: "intake",
				Name:      "uploads_total",
				Help:      "Invoice uploads by outcome.",
			},
			[]string{"outcome"},
		),
		intakeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "resibo",
				Subsystem: "intake",
				Name:      "duration_seconds",
				Help:      "Upload, extraction and save duration in seconds.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestDuration,
		m.actionTotal,
		m.actionDuration,
		m.refreshTotal,
		m.refreshDuration,
		m.pendingInvoices,
		m.intakeTotal,
		m.intakeDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRefresh implements review.RefreshObserver
func (m *Metrics) ObserveRefresh(duration time.Duration, count int, err error) {
	m.refreshTotal.WithLabelValues(outcome(err)).Inc()
	m.refreshDuration.Observe(duration.Seconds())
	if err == nil {
		m.pendingInvoices.Set(float64(count))
	}
}

// ObserveIntake implements IntakeObserver
func (m *Metrics) ObserveIntake(duration time.Duration, err error) {
	m.intakeTotal.WithLabelValues(outcome(err)).Inc()
	m.intakeDuration.Observe(duration.Seconds())
}

func (m *Metrics) observeAction(name string, start time.Time, res action.Result) {
	result := "success"
	if !res.Success {
		result = "failure"
	}
	m.actionTotal.WithLabelValues(name, result).Inc()
	m.actionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// InstrumentActions wraps next so every commit and discard is counted and timed
func (m *Metrics) InstrumentActions(next review.Actions) review.Actions {
	return &instrumentedActions{next: next, metrics: m}
}

type instrumentedActions struct {
	next    review.Actions
	metrics *Metrics
}

func (a *instrumentedActions) Commit(ctx context.Context, pendingID string, record invoice.Record, token string) action.Result {
	start := time.Now()
	res := a.next.Commit(ctx, pendingID, record, token)
	a.metrics.observeAction("commit", start, res)
	return res
}

func (a *instrumentedActions) Discard(ctx context.Context, pendingID, fileID, token string) action.Result {
	start := time.Now()
	res := a.next.Discard(ctx, pendingID, fileID, token)
	a.metrics.observeAction("discard", start, res)
	return res
}

// Middleware counts and times every request. Requests are labelled with the
// route pattern the mux matched, so label values stay bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		method, path := routeLabels(r)
		m.requestTotal.WithLabelValues(method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabels reads the pattern ServeMux stored on the request, e.g.
// "POST /api/invoices/{id}/commit". Anything the mux did not match is "unmatched".
func routeLabels(r *http.Request) (string, string) {
	method := r.Method
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		method = "OTHER"
	}

	if r.Pattern == "" {
		return method, "unmatched"
	}
	path := r.Pattern
	if _, p, ok := strings.Cut(path, " "); ok {
		path = p
	}
	return method, path
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
