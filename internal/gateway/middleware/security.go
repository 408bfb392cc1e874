package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gw "edgegate/internal/gateway"
	"edgegate/internal/gateway/pathpolicy"
)

const (
	HeaderCSP           = "Content-Security-Policy"
	HeaderCSPReportOnly = "Content-Security-Policy-Report-Only"

	nonceBytes = 32
)

// DefaultCSPTemplate has one %s verb for the per-request nonce.
const DefaultCSPTemplate = "default-src 'self'; script-src 'self' 'nonce-%s'; style-src 'self' 'unsafe-inline'; " +
	"img-src 'self' data: https:; font-src 'self'; connect-src 'self'; frame-ancestors 'none'; " +
	"base-uri 'self'; form-action 'self'"

// SecurityHeaderConfig selects the response headers to inject.
type SecurityHeaderConfig struct {
	Enabled bool

	CSPEnabled    bool
	CSPTemplate   string
	CSPReportOnly bool

	HSTSEnabled           bool
	HSTSMaxAge            int
	HSTSIncludeSubDomains bool
	HSTSPreload           bool

	FrameOptions              string
	ContentTypeOptions        string
	ReferrerPolicy            string
	CrossOriginEmbedderPolicy string
	CrossOriginOpenerPolicy   string
	CrossOriginResourcePolicy string
	PermissionsPolicy         string
}

func DefaultSecurityHeaders() SecurityHeaderConfig {
	return SecurityHeaderConfig{
		Enabled:                   true,
		CSPEnabled:                true,
		CSPTemplate:               DefaultCSPTemplate,
		HSTSEnabled:               true,
		HSTSMaxAge:                31536000,
		HSTSIncludeSubDomains:     true,
		FrameOptions:              "DENY",
		ContentTypeOptions:        "nosniff",
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		CrossOriginEmbedderPolicy: "require-corp",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
		PermissionsPolicy:         "geolocation=(), microphone=(), camera=()",
	}
}

func (c SecurityHeaderConfig) static() [][2]string {
	var hs [][2]string
	add := func(name, value string) {
		if value != "" {
			hs = append(hs, [2]string{name, value})
		}
	}
	if c.HSTSEnabled && c.HSTSMaxAge > 0 {
		v := "max-age=" + strconv.Itoa(c.HSTSMaxAge)
		if c.HSTSIncludeSubDomains {
			v += "; includeSubDomains"
		}
		if c.HSTSPreload {
			v += "; preload"
		}
		add("Strict-Transport-Security", v)
	}
	add("X-Frame-Options", c.FrameOptions)
	add("X-Content-Type-Options", c.ContentTypeOptions)
	add("Referrer-Policy", c.ReferrerPolicy)
	add("Cross-Origin-Embedder-Policy", c.CrossOriginEmbedderPolicy)
	add("Cross-Origin-Opener-Policy", c.CrossOriginOpenerPolicy)
	add("Cross-Origin-Resource-Policy", c.CrossOriginResourcePolicy)
	add("Permissions-Policy", c.PermissionsPolicy)
	return hs
}

// SecurityHeaders sets the configured headers just before the response is
// committed. A header that is already present is left alone, so applying the
// stage twice, or letting a backend choose its own value, never duplicates a
// header. Paths in the header exclusion table are skipped.
func SecurityHeaders(cfg SecurityHeaderConfig, policies *pathpolicy.Store) Middleware {
	static := cfg.static()
	cspName := HeaderCSP
	if cfg.CSPReportOnly {
		cspName = HeaderCSPReportOnly
	}
	tmpl := cfg.CSPTemplate
	if tmpl == "" {
		tmpl = DefaultCSPTemplate
	}
	if strings.Count(tmpl, "%s") != 1 {
		slog.Warn("CSP template must contain exactly one %s, using default", "template", tmpl)
		tmpl = DefaultCSPTemplate
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policies.Load().IsExcluded(r.URL.Path, pathpolicy.TableHeaders) {
				next.ServeHTTP(w, r)
				return
			}

			var csp string
			if cfg.CSPEnabled {
				nonce, err := newNonce()
				if err != nil {
					slog.ErrorContext(r.Context(), "generating CSP nonce", "error", err)
				} else {
					gw.FromContext(r.Context()).SetCSPNonce(nonce)
					csp = fmt.Sprintf(tmpl, nonce)
				}
			}

			hw := &hookWriter{ResponseWriter: w, before: func(h http.Header) {
				if csp != "" && h.Get(cspName) == "" {
					h.Set(cspName, csp)
				}
				for _, kv := range static {
					if h.Get(kv[0]) == "" {
						h.Set(kv[0], kv[1])
					}
				}
			}}
			next.ServeHTTP(hw, r)
		})
	}
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
