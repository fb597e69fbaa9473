package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koltyakov/keygate/internal/domain"
)

// Telemetry owns the Prometheus registry and the admin event hub. It is the
// authority's event sink: every published event is counted and forwarded to
// connected admin streams.
type Telemetry struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	rateLimited     prometheus.Counter
	hub             *eventHub
	log             *slog.Logger
}

func NewTelemetry(logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keygate_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_license_events_total",
				Help: "License events by kind and internal denial reason.",
			},
			[]string{"kind", "reason"},
		),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keygate_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		hub: newEventHub(),
		log: logger,
	}
	t.registry.MustRegister(
		t.requests,
		t.requestDuration,
		t.events,
		t.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keygate_admin_event_streams",
			Help: "Connected admin event stream clients.",
		}, func() float64 { return float64(t.hub.count()) }),
	)
	return t
}

// Registry is served on the ops listener.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// RegisterStoreGauges exports the record count and storage health.
func (t *Telemetry) RegisterStoreGauges(records func() int, healthy func() bool) error {
	return errors.Join(
		t.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keygate_licenses",
			Help: "License records held by the store.",
		}, func() float64 { return float64(records()) })),
		t.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "keygate_storage_healthy",
			Help: "1 when the last durable write succeeded.",
		}, func() float64 {
			if healthy() {
				return 1
			}
			return 0
		})),
	)
}

// Publish implements authority.EventSink.
func (t *Telemetry) Publish(ev domain.Event) {
	t.events.WithLabelValues(ev.Kind, string(ev.Reason)).Inc()
	t.hub.broadcast(ev)
}

// Close disconnects admin event streams.
func (t *Telemetry) Close() {
	t.hub.closeAll()
}

// instrument records request metrics and writes one access log line per
// request, labelled by the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		elapsed := time.Since(start)
		status := strconv.Itoa(sw.status)
		s.telemetry.requests.WithLabelValues(r.Method, route, status).Inc()
		s.telemetry.requestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		s.log.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", sw.status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
