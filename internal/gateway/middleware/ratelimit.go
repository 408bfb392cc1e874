package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/apierror"
	"edgegate/internal/gateway/ratekey"
	"edgegate/internal/platform/telemetry"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// RateLimit consults the limiter for the request's partition key in tier.
// A limiter failure lets the request through.
// The metrics parameter is optional; pass nil to skip metric recording.
func RateLimit(limiter gw.RateLimiter, tier string, keys ratekey.Resolver, f *apierror.Formatter, m *telemetry.GatewayMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *domain.Identity
			if v, ok := gw.FromContext(r.Context()).Identity(); ok {
				id = &v
			}
			key := keys.Resolve(r, id)

			decision, err := limiter.Check(r.Context(), tier, key)
			if err != nil {
				slog.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					"tier", tier, "resolver", keys.Name(), "error", err)
				recordDecision(m, r, tier, "error")
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(max(decision.Remaining, 0)))
			if !decision.ResetAt.IsZero() {
				h.Set(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			if !decision.Allowed {
				recordDecision(m, r, tier, "denied")
				retry := decision.RetryAfter
				if retry <= 0 && !decision.ResetAt.IsZero() {
					retry = int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
				}
				f.TooManyRequests(w, r, retry)
				return
			}

			recordDecision(m, r, tier, "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func recordDecision(m *telemetry.GatewayMetrics, r *http.Request, tier, result string) {
	if m != nil {
		m.RecordRateLimitDecision(r.Context(), tier, result)
	}
}
