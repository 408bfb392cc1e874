package middleware

import (
	"net/http"
	"time"

	gw "edgegate/internal/gateway"
	"edgegate/internal/platform/telemetry"
)

// Metrics returns middleware that records HTTP request metrics.
func Metrics(m *telemetry.GatewayMetrics) Middleware {
	return MetricsTagged(m, nil)
}

// MetricsTagged is Metrics with the path tag chosen by tag. A nil tag uses
// the request path.
func MetricsTagged(m *telemetry.GatewayMetrics, tag func(*http.Request) string) Middleware {
	if tag == nil {
		tag = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := gw.NewStatusWriter(w)

			next.ServeHTTP(sw, r)

			m.RecordHTTPRequest(r.Context(), r.Method, tag(r), sw.Code, time.Since(start).Seconds())
		})
	}
}
