package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frontgate"

// Collector holds the gateway's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	forwardsTotal   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	rpcTotal        *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
}

// NewCollector creates a collector backed by its own registry, with the Go
// and process collectors registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by listener, method and status",
		}, []string{"listener", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"listener"}),
		forwardsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_forwards_total",
			Help:      "Backend forwards by app, outcome and error code",
		}, []string{"app", "outcome", "code"}),
		forwardDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_forward_duration_seconds",
			Help:      "Backend forward duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app"}),
		rpcTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_rpc_total",
			Help:      "Payments RPC calls by operation and result kind",
		}, []string{"operation", "kind"}),
		rpcDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payments_rpc_duration_seconds",
			Help:      "Payments RPC duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordRequest records a completed inbound request.
func (c *Collector) RecordRequest(listener, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(listener, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(listener).Observe(d.Seconds())
}

// RecordForward records one backend forward. code is empty unless the
// outcome is an error.
func (c *Collector) RecordForward(app, outcome, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.forwardsTotal.WithLabelValues(app, outcome, code).Inc()
	c.forwardDuration.WithLabelValues(app).Observe(d.Seconds())
}

// RecordRPC records one payments RPC; kind is "ok" on success.
func (c *Collector) RecordRPC(operation, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.rpcTotal.WithLabelValues(operation, kind).Inc()
	c.rpcDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// WatchBreaker exports a gauge that is 1 while the backend circuit is open.
func (c *Collector) WatchBreaker(state func() string) {
	if c == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_circuit_open",
		Help:      "1 while the backend circuit breaker is open",
	}, func() float64 {
		if state() == "open" {
			return 1
		}
		return 0
	})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records every request passing through a listener.
func (c *Collector) Middleware(listener string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordRequest(listener, r.Method, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
