// Package telemetry exposes Prometheus instrumentation for the console.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without guarding every call.
package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opsconsole"

// Metrics holds every collector the console registers.
type Metrics struct {
	channelState   *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	routerMessages *prometheus.CounterVec
	polls          *prometheus.CounterVec
	trackedTasks   prometheus.Gauge
	logEntries     prometheus.Counter
	apiRequests    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Current connection state (0 connecting, 1 open, 2 closed, 3 reconnecting)",
		}, []string{"channel"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts after a failed dial or dropped connection",
		}, []string{"channel"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before reaching subscribers",
		}, []string{"channel", "reason"}),
		routerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Push messages dispatched, by type and result",
		}, []string{"type", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "polls_total",
			Help:      "Status polls issued by the task monitor, by result",
		}, []string{"result"}),
		trackedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "tracked",
			Help:      "Tasks currently being polled",
		}),
		logEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logstream",
			Name:      "entries_total",
			Help:      "Log entries received from live streams",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apiclient",
			Name:      "requests_total",
			Help:      "Backend REST requests, by operation and outcome",
		}, []string{"operation", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Local state API requests",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of local state API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.channelState, m.reconnects, m.framesDropped, m.routerMessages,
			m.polls, m.trackedTasks, m.logEntries, m.apiRequests,
			m.httpRequests, m.httpDuration,
		)
	}
	return m
}

// ChannelState records the numeric state of a named channel.
func (m *Metrics) ChannelState(channel string, state int) {
	if m == nil {
		return
	}
	m.channelState.WithLabelValues(channel).Set(float64(state))
}

// ChannelReconnect counts one reconnect attempt.
func (m *Metrics) ChannelReconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

// FrameDropped counts a frame that never reached subscribers.
func (m *Metrics) FrameDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(channel, reason).Inc()
}

// RouterMessage counts a dispatched message. result is "ok", "unknown" or "error".
func (m *Metrics) RouterMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.routerMessages.WithLabelValues(msgType, result).Inc()
}

// Poll counts a task status poll. result is "ok", "error" or "discarded".
func (m *Metrics) Poll(result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
}

// SetTracked sets the number of live task trackers.
func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.trackedTasks.Set(float64(n))
}

// LogEntry counts a live log line.
func (m *Metrics) LogEntry() {
	if m == nil {
		return
	}
	m.logEntries.Inc()
}

// APIRequest counts a backend REST call.
func (m *Metrics) APIRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(operation, outcome).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware instruments requests served by a chi router.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		m.httpRequests.WithLabelValues(path, r.Method, status).Inc()
		m.httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
