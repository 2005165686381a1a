package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by the service.
type Metrics struct {
	registry prometheus.Gatherer

	loginAttempts       *prometheus.CounterVec
	lockouts            *prometheus.CounterVec
	sessionEvictions    *prometheus.CounterVec
	tokenVerifications  *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_lockouts_total",
			Help: "Lockout stages entered.",
		}, []string{"stage"}),
		sessionEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_session_evictions_total",
			Help: "Sessions deactivated by reason.",
		}, []string{"reason"}),
		tokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_token_verifications_total",
			Help: "Token verifications by kind and result.",
		}, []string{"kind", "result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "authgate build information.",
		}, []string{"version", "commit"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(
		m.loginAttempts,
		m.lockouts,
		m.sessionEvictions,
		m.tokenVerifications,
		m.buildInfo,
		m.httpInFlight,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LoginAttempt counts a login outcome.
func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}

// LockoutEntered counts a lockout stage transition.
func (m *Metrics) LockoutEntered(stage int) {
	if m == nil {
		return
	}
	m.lockouts.WithLabelValues(strconv.Itoa(stage)).Inc()
}

// SessionEvicted counts a session deactivation.
func (m *Metrics) SessionEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionEvictions.WithLabelValues(reason).Add(float64(n))
}

// TokenVerified counts a token verification result.
func (m *Metrics) TokenVerified(kind, result string) {
	if m == nil {
		return
	}
	m.tokenVerifications.WithLabelValues(kind, result).Inc()
}

// Instrument measures request count, latency and in-flight requests. label maps a
// finished request to its path label so cardinality stays bounded.
func (m *Metrics) Instrument(label func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := CanonicalPath(r.URL.Path)
			if label != nil {
				if l := label(r); l != "" {
					path = l
				}
			}
			status := strconv.Itoa(sw.code)
			m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// CanonicalPath is the fallback path label when no route pattern is known.
func CanonicalPath(path string) string {
	switch path {
	case "", "/":
		return "/"
	case "/healthz", "/readyz", "/metrics":
		return path
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
