// ABOUTME: Prometheus collectors for message lifecycle, event bus and HTTP traffic
// ABOUTME: All methods are nil-safe so callers can run with metrics disabled

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	recomputes      prometheus.Counter
	seenMarked      prometheus.Counter
	realtimeConns   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector, plus Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_total",
			Help: "Message lifecycle operations by outcome",
		}, []string{"op", "outcome"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_events_published_total",
			Help: "Events published to the bus by event name",
		}, []string{"event"}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_event_publish_failures_total",
			Help: "Events that failed to publish by event name",
		}, []string{"event"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_events_dropped_total",
			Help: "Events dropped for subscribers with full buffers",
		}),
		recomputes: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_last_message_recomputes_total",
			Help: "Deletes that moved a conversation's lastMessageAt to a remaining message",
		}),
		seenMarked: f.NewCounter(prometheus.CounterOpts{
			Name: "parley_seen_marked_total",
			Help: "Seen entries added to messages",
		}),
		realtimeConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_realtime_connections",
			Help: "Open realtime WebSocket connections",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageOp counts one lifecycle operation ("create", "edit", "delete", "seen").
func (m *Metrics) MessageOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.messages.WithLabelValues(op, outcome).Inc()
}

// EventPublished counts a publish attempt for the named event.
func (m *Metrics) EventPublished(event string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailures.WithLabelValues(event).Inc()
		return
	}
	m.eventsPublished.WithLabelValues(event).Inc()
}

// EventDropped counts an event dropped for a slow subscriber.
func (m *Metrics) EventDropped(string) {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Recomputed counts a lastMessageAt recompute.
func (m *Metrics) Recomputed() {
	if m == nil {
		return
	}
	m.recomputes.Inc()
}

// SeenMarked adds n new seen entries.
func (m *Metrics) SeenMarked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.seenMarked.Add(float64(n))
}

// ConnOpened and ConnClosed track live realtime connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.realtimeConns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.realtimeConns.Dec()
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
