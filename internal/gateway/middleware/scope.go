package middleware

import (
	"net/http"
	"time"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/clientip"
)

// RequestScope creates the request's RequestContext, records the resolved
// client address and drops identity headers the client tried to supply.
func RequestScope(ips *clientip.Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := gw.NewRequestContext(r.Method, r.URL.Path, time.Now())
			rc.SetClientIP(ips.Resolve(r))
			gw.StripIdentityHeaders(r.Header)

			next.ServeHTTP(w, r.WithContext(gw.WithRequestContext(r.Context(), rc)))
		})
	}
}
