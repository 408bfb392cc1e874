package middleware

import (
	"log/slog"
	"net/http"
	"time"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/clientip"
	"edgegate/internal/gateway/redact"
)

// Logging returns a middleware that logs each request using slog. The client
// address is logged as a per-process pseudonym.
func Logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := gw.NewStatusWriter(w)

			next.ServeHTTP(sw, r)

			rc := gw.FromContext(r.Context())
			traceID, _ := rc.Trace()
			id, _ := rc.Identity()
			ip := rc.ClientIP()
			if ip != clientip.Unknown {
				ip = redact.Pseudonym(ip)
			}

			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.Code,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"correlation_id", rc.CorrelationID(),
				"trace_id", traceID,
				"client_ip", ip,
				"user_id", id.UserID,
			)
		})
	}
}
