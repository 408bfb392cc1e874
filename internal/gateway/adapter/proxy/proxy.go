// Package proxy forwards requests that passed the gateway chain to the
// backend service owning the path.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/fallback"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/platform/telemetry"
)

// Route assigns path patterns to a backend service. Service is a fallback
// key such as "user" or "auth".
type Route struct {
	Service  string
	Patterns []string
}

// DefaultRoutes returns the built-in service map. More specific patterns win
// regardless of order.
func DefaultRoutes() []Route {
	return []Route{
		{Service: "auth", Patterns: []string{"/api/auth/**", "/api/internal/auth/**", "/api/health/**", "/actuator/**"}},
		{Service: "user", Patterns: []string{"/api/users/**"}},
		{Service: "admin", Patterns: []string{"/api/admin-server/**", "/api/admin/**"}},
		{Service: "config", Patterns: []string{"/api/config/**"}},
		{Service: "cms", Patterns: []string{"/api/contents/**"}},
		{Service: fallback.DefaultKey, Patterns: []string{"/**"}},
	}
}

// Options configures a Router.
type Options struct {
	Routes []Route
	// Backends maps a service key to its base URL. A routed service without a
	// URL is answered by the fallback.
	Backends  map[string]string
	Fallback  *fallback.Responder
	Breaker   gw.CircuitBreaker
	Metrics   *telemetry.GatewayMetrics
	Transport http.RoundTripper
}

type backend struct {
	key   string
	label string
	proxy *httputil.ReverseProxy
}

// Router routes requests to backend services.
type Router struct {
	table    pathpolicy.Table[*backend]
	fallback *fallback.Responder
	breaker  gw.CircuitBreaker
	metrics  *telemetry.GatewayMetrics
}

// NewRouter creates a router that dispatches to the given backend URLs.
// The metrics parameter is optional; pass nil to skip metric recording.
func NewRouter(opts Options) (*Router, error) {
	if opts.Fallback == nil {
		return nil, errors.New("proxy: fallback responder is required")
	}
	routes := opts.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport = otelhttp.NewTransport(transport)

	r := &Router{fallback: opts.Fallback, breaker: opts.Breaker, metrics: opts.Metrics}

	backends := make(map[string]*backend)
	var entries []pathpolicy.Entry[*backend]
	for _, rt := range routes {
		be, ok := backends[rt.Service]
		if !ok {
			var err error
			be, err = r.newBackend(rt.Service, opts.Backends[rt.Service], transport)
			if err != nil {
				return nil, err
			}
			backends[rt.Service] = be
		}
		for _, p := range rt.Patterns {
			entries = append(entries, pathpolicy.Entry[*backend]{Pattern: p, Value: be})
		}
	}

	table, err := pathpolicy.NewTable(entries...)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	r.table = table
	return r, nil
}

func (r *Router) newBackend(key, rawURL string, transport http.RoundTripper) (*backend, error) {
	be := &backend{key: key, label: key}
	if svc, ok := fallback.Lookup(key); ok {
		be.label = svc.ID
	}
	if rawURL == "" {
		return be, nil
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s backend URL: %w", key, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%s backend URL %q must be absolute", key, rawURL)
	}

	be.proxy = &httputil.ReverseProxy{
		Transport: transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			rc := gw.FromContext(req.Context())
			if _, ok := rc.Identity(); ok {
				// backends trust the identity headers instead
				req.Header.Del("Authorization")
			} else {
				gw.StripIdentityHeaders(req.Header)
			}
			if cid := rc.CorrelationID(); cid != "" {
				req.Header.Set(gw.HeaderCorrelationID, cid)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			var err error
			if resp.StatusCode >= http.StatusInternalServerError {
				err = fmt.Errorf("%w: %s answered %d", domain.ErrServiceUnavailable, key, resp.StatusCode)
			}
			r.report(key, err)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				// The timeout stage or the departed client owns the response.
				// A deadline counts against the backend, a cancellation does not.
				slog.DebugContext(req.Context(), "proxy request abandoned", "backend", be.label, "error", ctxErr)
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					r.report(key, fmt.Errorf("%w: %s timed out: %w", domain.ErrServiceUnavailable, key, ctxErr))
				}
				return
			}
			slog.WarnContext(req.Context(), "backend request failed", "backend", be.label, "error", err)
			r.report(key, err)
			r.fallback.Respond(w, req, key, err)
		},
	}
	return be, nil
}

func (r *Router) report(key string, err error) {
	if r.breaker != nil {
		r.breaker.Report(key, err)
	}
}

// Service returns the service key that owns urlPath.
func (r *Router) Service(urlPath string) (string, bool) {
	be, ok := r.table.Lookup(urlPath)
	if !ok {
		return "", false
	}
	return be.key, true
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	be, ok := r.table.Lookup(req.URL.Path)
	if !ok {
		r.fallback.Respond(w, req, fallback.DefaultKey, fmt.Errorf("%w: no backend for %s", domain.ErrNotFound, req.URL.Path))
		return
	}
	if be.proxy == nil {
		r.fallback.Respond(w, req, be.key, fmt.Errorf("%w: %s backend not configured", domain.ErrServiceUnavailable, be.key))
		return
	}
	if r.breaker != nil && !r.breaker.Allow(be.key) {
		r.fallback.Respond(w, req, be.key, fmt.Errorf("%w: circuit open for %s", domain.ErrServiceUnavailable, be.key))
		return
	}

	start := time.Now()
	sw := gw.NewStatusWriter(w)
	be.proxy.ServeHTTP(sw, req)

	if r.metrics != nil && !errors.Is(req.Context().Err(), context.Canceled) {
		r.metrics.RecordProxyRequest(req.Context(), be.label, sw.Code, time.Since(start).Seconds())
	}
}
