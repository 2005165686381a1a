// Package httpapi exposes the auth core over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"authgate.org/internal/auth"
	"authgate.org/internal/obs"
)

const (
	serviceName      = "authgate"
	defaultAdminArea = "auth:admin"
)

// ReadyProbe checks readiness by pinging the database. A nil DB is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	auth         *auth.Service
	readyProbe   ReadyProbe
	version      string
	log          *slog.Logger
	metrics      *obs.Metrics
	limiter      *RateLimiter
	maxBodyBytes int64
	adminArea    string
	proxies      proxyTrust
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the access and error logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics instruments requests and serves /metrics.
func WithMetrics(m *obs.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithRateLimit limits /v1/auth requests per client IP. Zero values disable the limit.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond <= 0 || burst <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = NewRateLimiter(perSecond, burst)
	}
}

// WithTrustedProxies honors X-Forwarded-For only on requests from these prefixes.
// Without it the client address is always the TCP peer.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = append(proxyTrust(nil), prefixes...) }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) { a.maxBodyBytes = n }
}

// WithAdminArea sets the capability area required by /v1/admin routes.
func WithAdminArea(area string) Option {
	return func(a *API) {
		if area = strings.TrimSpace(area); area != "" {
			a.adminArea = area
		}
	}
}

// New builds the HTTP API around svc.
func New(svc *auth.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		auth:         svc,
		readyProbe:   rp,
		version:      version,
		log:          obs.DiscardLogger(),
		maxBodyBytes: 1 << 20,
		adminArea:    defaultAdminArea,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.limiter != nil {
		a.limiter.proxies = a.proxies
	}
	return a
}

// Handler returns the routed handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument(routePattern))
	}
	r.Use(LoggingJSON(a.log))
	r.Use(Recover(a.log))
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(a.maxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	r.Route("/v1/auth", func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.Middleware)
		}
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.With(a.authorize).Get("/me", a.handleMe)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(a.authorize)
		r.Use(RequireCapability(a.adminArea))
		r.Use(a.requireAction(a.adminArea, auth.ActionUpdate))
		r.Post("/lockouts/reset", a.handleResetLockout)
		r.Put("/principals/{principalID}/primary-grant", a.handleSetPrimaryGrant)
		r.Post("/principals/{principalID}/logout", a.handleLogoutPrincipal)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// routePattern labels metrics by chi route so request paths never become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.log.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
