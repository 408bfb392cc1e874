// Package fallback answers for backends that are down or whose circuit is
// open.
package fallback

import (
	"net/http"

	"edgegate/internal/domain"
	"edgegate/internal/gateway/apierror"
	"edgegate/internal/platform/telemetry"
)

const (
	DefaultRetryAfter = 30
	DefaultKey        = "default"
)

// Service is a backend the gateway can answer for.
type Service struct {
	Key         string
	ID          string
	DisplayName string
}

var services = map[string]Service{
	"auth":     {Key: "auth", ID: "auth-service", DisplayName: "Authentication Service"},
	"user":     {Key: "user", ID: "user-service", DisplayName: "User Service"},
	"admin":    {Key: "admin", ID: "admin-server", DisplayName: "Admin Server"},
	"config":   {Key: "config", ID: "zookeeper-service", DisplayName: "Configuration Service"},
	"cms":      {Key: "cms", ID: "cms-service", DisplayName: "Content Service"},
	DefaultKey: {Key: DefaultKey, ID: "unknown", DisplayName: "Downstream Service"},
}

// Lookup returns the service registered under key.
func Lookup(key string) (Service, bool) {
	s, ok := services[key]
	return s, ok
}

// Responder writes the 503 clients see in place of a backend response.
type Responder struct {
	errors     *apierror.Formatter
	metrics    *telemetry.GatewayMetrics
	retryAfter int
}

// New creates a Responder. retryAfter <= 0 selects DefaultRetryAfter.
// The metrics parameter is optional; pass nil to skip metric recording.
func New(f *apierror.Formatter, m *telemetry.GatewayMetrics, retryAfter int) *Responder {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Responder{errors: f, metrics: m, retryAfter: retryAfter}
}

// Respond writes the fallback for key. Unknown keys answer as the default
// service. cause is only ever shown redacted and when details are exposed.
func (rs *Responder) Respond(w http.ResponseWriter, r *http.Request, key string, cause error) {
	svc, ok := services[key]
	if !ok {
		svc = services[DefaultKey]
	}
	if rs.metrics != nil {
		rs.metrics.RecordFallback(r.Context(), svc.ID, r.Method, http.StatusServiceUnavailable)
	}
	rs.errors.ServiceUnavailable(w, r, svc.DisplayName+" is temporarily unavailable", rs.retryAfter, cause)
}

// Handler serves GET and POST /fallback/{service}.
func (rs *Responder) Handler() http.Handler {
	mux := http.NewServeMux()
	serve := func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("service")
		if _, ok := services[key]; !ok {
			rs.errors.Write(w, r, apierror.Problem{
				Status:   http.StatusNotFound,
				Code:     apierror.CodeNotFound,
				Message:  "Fallback service '" + key + "' not found",
				Category: domain.CategoryRouting,
			})
			return
		}
		rs.Respond(w, r, key, nil)
	}
	mux.HandleFunc("GET /fallback/{service}", serve)
	mux.HandleFunc("POST /fallback/{service}", serve)
	return mux
}
