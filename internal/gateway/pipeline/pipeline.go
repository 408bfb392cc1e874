// Package pipeline assembles the per-route-class middleware chains and the
// top-level handler that dispatches to them.
package pipeline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/apierror"
	"edgegate/internal/gateway/clientip"
	"edgegate/internal/gateway/fallback"
	"edgegate/internal/gateway/middleware"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/gateway/ratekey"
	"edgegate/internal/platform/telemetry"
)

// Rate limit tiers per route class.
const (
	TierPublic        = "auth"
	TierAuthenticated = "api"
	TierAdmin         = "admin"
)

// AdminRole is required on the admin class.
const AdminRole = "ADMIN"

// DefaultMaxBodyBytes applies when Deps.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 10 << 20

// KeyResolvers picks the rate limit partition key per class.
type KeyResolvers struct {
	Public        ratekey.Resolver
	Authenticated ratekey.Resolver
	Admin         ratekey.Resolver
}

// Deps are the collaborators the chains are built from.
type Deps struct {
	Policies  *pathpolicy.Store
	ClientIPs *clientip.Resolver
	Validator middleware.TokenValidator
	// Limiter may be nil, which disables rate limiting.
	Limiter gw.RateLimiter
	Keys    KeyResolvers
	// Backend receives requests that passed their chain.
	Backend  http.Handler
	Fallback *fallback.Responder
	Errors   *apierror.Formatter
	Metrics  *telemetry.GatewayMetrics
	Logger   *slog.Logger
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	Security     middleware.SecurityHeaderConfig
	Tracing      middleware.TracingConfig
	Timeout      middleware.TimeoutConfig
	CSRF         middleware.CSRFConfig
	MaxBodyBytes int64
}

type gateway struct {
	policies *pathpolicy.Store
	chains   map[pathpolicy.RouteClass]http.Handler
	notFound http.Handler
}

// New builds every chain once and returns the gateway handler.
func New(d Deps) (http.Handler, error) {
	switch {
	case d.Validator == nil:
		return nil, errors.New("pipeline: validator is required")
	case d.Backend == nil:
		return nil, errors.New("pipeline: backend is required")
	}
	if d.Policies == nil {
		d.Policies = pathpolicy.NewStore(nil)
	}
	if d.ClientIPs == nil {
		d.ClientIPs = clientip.New(nil, clientip.Options{})
	}
	if d.Errors == nil {
		d.Errors = apierror.New(apierror.Options{})
	}
	if d.Fallback == nil {
		d.Fallback = fallback.New(d.Errors, d.Metrics, 0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = DefaultMaxBodyBytes
	}
	keys := ratekey.New(func(r *http.Request) string { return gw.FromContext(r.Context()).ClientIP() })
	if d.Keys.Public.Name() == "" {
		d.Keys.Public = keys.IP()
	}
	if d.Keys.Authenticated.Name() == "" {
		d.Keys.Authenticated = keys.User()
	}
	if d.Keys.Admin.Name() == "" {
		d.Keys.Admin = keys.User()
	}
	if d.Limiter == nil {
		slog.Warn("no rate limiter configured, requests are not rate limited")
	}

	// Recovery through Metrics is shared by every class.
	stages := func(metrics middleware.Middleware) []middleware.Middleware {
		return []middleware.Middleware{
			middleware.Recovery(d.Errors),
			middleware.RequestScope(d.ClientIPs),
			middleware.SecurityHeaders(d.Security, d.Policies),
			middleware.Tracing(d.Tracing, d.Policies),
			middleware.Logging(d.Logger),
			metrics,
		}
	}
	outer := stages(middleware.Metrics(d.Metrics))
	guarded := func(tier string, keys ratekey.Resolver, extra ...middleware.Middleware) []middleware.Middleware {
		mw := append([]middleware.Middleware{}, outer...)
		mw = append(mw,
			middleware.Timeout(d.Timeout, d.Policies, d.Metrics),
			middleware.MaxBodySize(d.MaxBodyBytes, d.Errors),
		)
		mw = append(mw, extra...)
		mw = append(mw, middleware.CSRF(d.CSRF, d.Policies, d.Errors, d.Metrics))
		if d.Limiter != nil {
			mw = append(mw, middleware.RateLimit(d.Limiter, tier, keys, d.Errors, d.Metrics))
		}
		return mw
	}
	auth := middleware.Auth(d.Validator, d.Errors, d.Metrics)

	g := &gateway{
		policies: d.Policies,
		chains: map[pathpolicy.RouteClass]http.Handler{
			pathpolicy.ClassPublic: middleware.Chain(d.Backend,
				guarded(TierPublic, d.Keys.Public)...),
			pathpolicy.ClassAuthenticated: middleware.Chain(d.Backend,
				guarded(TierAuthenticated, d.Keys.Authenticated, auth)...),
			pathpolicy.ClassAdmin: middleware.Chain(d.Backend,
				guarded(TierAdmin, d.Keys.Admin, auth, middleware.RequireRole(AdminRole, d.Errors))...),
			pathpolicy.ClassHealth: middleware.Chain(healthHandler(d.Backend),
				append(append([]middleware.Middleware{}, outer...), middleware.Timeout(d.Timeout, d.Policies, d.Metrics))...),
		},
		notFound: middleware.Chain(http.HandlerFunc(d.Errors.NotFound),
			stages(middleware.MetricsTagged(d.Metrics, unmatchedTag))...),
	}

	mux := http.NewServeMux()
	if d.MetricsHandler != nil {
		mux.Handle("GET /metrics", d.MetricsHandler)
	}
	mux.Handle("/fallback/", middleware.Chain(d.Fallback.Handler(),
		stages(middleware.MetricsTagged(d.Metrics, fallbackTag))...))
	mux.Handle("/", g)
	return mux, nil
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class, ok := g.policies.Load().ClassOf(r.URL.Path)
	if !ok {
		g.notFound.ServeHTTP(w, r)
		return
	}
	g.chains[class].ServeHTTP(w, r)
}

func unmatchedTag(*http.Request) string { return telemetry.UnmatchedPath }

// fallbackTag keeps the path of known fallback services only.
func fallbackTag(r *http.Request) string {
	if _, ok := fallback.Lookup(strings.TrimPrefix(r.URL.Path, "/fallback/")); ok {
		return r.URL.Path
	}
	return telemetry.UnmatchedPath
}

// healthHandler answers the gateway's own liveness paths and forwards the
// rest of the health class to the backends.
func healthHandler(backend http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if p == "/health" || p == "/status" || strings.HasPrefix(p, "/health/") {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(map[string]string{"status": "UP"}); err != nil {
				slog.ErrorContext(r.Context(), "encoding health response", "error", err)
			}
			return
		}
		backend.ServeHTTP(w, r)
	})
}
