// Package metrics exposes Prometheus collectors for the knowledge-base service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kbchat/internal/util"
)

// Metrics owns a private registry so tests can build independent instances.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	quotaDenials     *prometheus.CounterVec
	queries          prometheus.Counter
	uploads          *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	cleanupJobs      *prometheus.CounterVec
	limiterEntries   prometheus.Gauge
}

// New registers every collector. runtime adds the Go and process collectors.
func New(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kb_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_quota_denials_total",
			Help: "Requests rejected by a quota check",
		}, []string{"kind"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kb_chat_queries_total",
			Help: "Chat queries forwarded to the model",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_file_uploads_total",
			Help: "File uploads by outcome",
		}, []string{"result"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_provider_requests_total",
			Help: "Calls to the file search provider",
		}, []string{"op", "result"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_saga_compensations_total",
			Help: "Compensating actions run after a partial failure",
		}, []string{"saga", "result"}),
		cleanupJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kb_cleanup_jobs_total",
			Help: "Deferred provider cleanup jobs",
		}, []string{"kind", "result"}),
		limiterEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kb_daily_limiter_entries",
			Help: "Users tracked by the in-process daily query limiter",
		}),
	}
	if runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.quotaDenials, m.queries, m.uploads,
		m.providerRequests, m.compensations, m.cleanupJobs, m.limiterEntries,
	)
	return m
}

// Handler renders the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) QuotaDenied(kind string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(kind).Inc()
}

func (m *Metrics) QueryServed() {
	if m == nil {
		return
	}
	m.queries.Inc()
}

func (m *Metrics) UploadFinished(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) ProviderCall(op string, err error) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Metrics) Compensation(saga string, err error) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(saga, resultLabel(err)).Inc()
}

func (m *Metrics) CleanupJob(kind string, err error) {
	if m == nil {
		return
	}
	m.cleanupJobs.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) SetLimiterEntries(n int) {
	if m == nil {
		return
	}
	m.limiterEntries.Set(float64(n))
}

// Instrument records request count and latency per normalized route.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := RouteLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RouteLabel replaces record IDs in a path with a placeholder to bound label
// cardinality.
func RouteLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if util.IsRecordID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
