package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/csrf"
	"github.com/gorilla/securecookie"

	"edgegate/internal/gateway/apierror"
	"edgegate/internal/gateway/pathpolicy"
	"edgegate/internal/platform/telemetry"
)

const (
	CSRFCookieName = "XSRF-TOKEN"
	// CSRFHeaderName carries the masked token: clients read it from a safe
	// response and send it back on unsafe requests.
	CSRFHeaderName = "X-XSRF-TOKEN"
)

// CSRFConfig configures the CSRF stage.
type CSRFConfig struct {
	Enabled bool
	// Key authenticates the token cookie. Empty selects a random per-process
	// key, so tokens do not survive a restart or span replicas.
	Key []byte
	// InsecureCookie drops the Secure flag, for plain-HTTP development.
	InsecureCookie bool
}

// CSRF enforces the cookie/header token check on unsafe methods for
// protected paths. Exempt and unprotected paths bypass the check entirely.
func CSRF(cfg CSRFConfig, policies *pathpolicy.Store, f *apierror.Formatter, m *telemetry.GatewayMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		key := cfg.Key
		if len(key) == 0 {
			slog.Warn("no CSRF key configured, using a random per-process key")
			key = securecookie.GenerateRandomKey(32)
		}

		pass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) {
				w.Header().Set(CSRFHeaderName, csrf.Token(r))
				if _, err := r.Cookie(CSRFCookieName); err != nil {
					record(m, r, "issued")
				}
			} else {
				record(m, r, "accepted")
			}
			next.ServeHTTP(w, r)
		})

		protect := csrf.Protect(key,
			csrf.CookieName(CSRFCookieName),
			csrf.RequestHeader(CSRFHeaderName),
			csrf.Path("/"),
			csrf.SameSite(csrf.SameSiteStrictMode),
			csrf.Secure(!cfg.InsecureCookie),
			csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				record(m, r, "rejected")
				slog.WarnContext(r.Context(), "CSRF validation failed",
					"method", r.Method, "path", r.URL.Path, "reason", csrf.FailureReason(r))
				f.AccessDenied(w, r, "Invalid or missing CSRF token")
			})),
		)(pass)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !policies.Load().CSRFRequired(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if r.TLS == nil {
				r = csrf.PlaintextHTTPRequest(r)
			}
			protect.ServeHTTP(w, r)
		})
	}
}

func record(m *telemetry.GatewayMetrics, r *http.Request, result string) {
	if m != nil {
		m.RecordCSRF(r.Context(), result)
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
