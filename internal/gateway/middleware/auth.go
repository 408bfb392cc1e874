package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"edgegate/internal/domain"
	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/apierror"
	"edgegate/internal/platform/telemetry"
)

// TokenValidator checks an Authorization header value.
type TokenValidator interface {
	Validate(ctx context.Context, header string) domain.AuthResult
}

// Auth requires a valid bearer token. On success the identity is stored in
// the RequestContext and forwarded to backends as identity headers, marked
// with X-Gateway-Validated. A rejection is answered with 401 and an
// unavailable key source or internal fault with 503; either way nothing
// downstream runs. Exactly one auth metric is recorded per request.
// The metrics parameter is optional; pass nil to skip metric recording.
func Auth(v TokenValidator, f *apierror.Formatter, m *telemetry.GatewayMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := v.Validate(r.Context(), r.Header.Get("Authorization"))
			if m != nil {
				m.RecordAuth(r.Context(), res.Outcome.String(), r.URL.Path, string(res.Reason))
			}

			switch res.Outcome {
			case domain.AuthAuthenticated:
			case domain.AuthUnavailable:
				slog.ErrorContext(r.Context(), "authentication unavailable", "error", res.Err, "path", r.URL.Path)
				f.ServiceUnavailable(w, r, "Authentication service temporarily unavailable", 0, res.Err)
				return
			default:
				slog.DebugContext(r.Context(), "authentication rejected", "reason", res.Reason, "error", res.Err)
				f.Unauthorized(w, r, res.Reason)
				return
			}

			id := res.Identity
			gw.FromContext(r.Context()).SetIdentity(id)

			r.Header.Set(gw.HeaderUserID, id.UserID)
			r.Header.Set(gw.HeaderUsername, id.Username)
			r.Header.Set(gw.HeaderUserRoles, id.RolesHeader())
			r.Header.Set(gw.HeaderGatewayValidated, "true")

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole lets through identities holding role (a ROLE_ prefix is
// ignored); everyone else gets 403.
func RequireRole(role string, f *apierror.Formatter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := gw.FromContext(r.Context()).Identity()
			if !ok || !id.HasRole(role) {
				f.AccessDenied(w, r, "Insufficient permissions: "+strings.ToUpper(role)+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
