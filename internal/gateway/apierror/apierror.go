// Package apierror turns every failure class into the same JSON envelope and
// writes it with the headers clients and backends rely on.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"edgegate/internal/domain"
	"edgegate/internal/gateway"
	"edgegate/internal/gateway/redact"
)

const (
	HeaderCorrelationID   = "X-Correlation-ID"
	HeaderRetryAfter      = "Retry-After"
	HeaderWWWAuthenticate = "WWW-Authenticate"

	contentTypeJSON = "application/json;charset=UTF-8"
	noCache         = "no-cache, no-store, must-revalidate"

	DefaultRealm          = "api"
	DefaultSupportContact = "support@mysillydreams.com"
)

// Error codes.
const (
	CodeUnauthorized       = "unauthorized"
	CodeAccessDenied       = "access_denied"
	CodeNotFound           = "not_found"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeGatewayTimeout     = "gateway_timeout"
	CodeServiceUnavailable = "service_unavailable"
	CodeInvalidParameter   = "invalid_parameter"
	CodePayloadTooLarge    = "payload_too_large"
	CodeSystemError        = "system_error"
)

// fallbackBody is written when an envelope cannot be built or encoded.
const fallbackBody = `{"error":"system_error","message":"An unexpected error occurred","status":500,"path":"/unknown","category":"system"}`

// Problem describes one failure before it is rendered.
type Problem struct {
	Status     int
	Code       string
	Message    string
	Category   string
	Details    string
	RetryAfter int
	Support    bool
	// Cause is logged and, when details are exposed, echoed in redacted form.
	Cause error
}

// Options configures a Formatter.
type Options struct {
	ExposeDetails  bool
	Realm          string
	SupportContact string
	Logger         *slog.Logger
}

// Formatter writes error envelopes.
type Formatter struct {
	exposeDetails  bool
	realm          string
	supportContact string
	logger         *slog.Logger
}

func New(opts Options) *Formatter {
	f := &Formatter{
		exposeDetails:  opts.ExposeDetails,
		realm:          opts.Realm,
		supportContact: opts.SupportContact,
		logger:         opts.Logger,
	}
	if f.realm == "" {
		f.realm = DefaultRealm
	}
	if f.supportContact == "" {
		f.supportContact = DefaultSupportContact
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// ExposeDetails reports whether internal error detail reaches clients.
func (f *Formatter) ExposeDetails() bool { return f.exposeDetails }

// SupportContact is the address advertised in service-class errors.
func (f *Formatter) SupportContact() string { return f.supportContact }

// Build assembles and validates the envelope for p without writing it.
func (f *Formatter) Build(r *http.Request, p Problem) (*domain.ErrorResponse, error) {
	rc := gateway.FromContext(r.Context())

	resp, err := domain.NewErrorResponse(p.Status, p.Code, redact.Message(p.Message))
	if err != nil {
		return nil, err
	}
	resp.WithPath(r.URL.Path).
		WithCorrelationID(rc.CorrelationID()).
		WithCategory(p.Category).
		WithRetryAfter(p.RetryAfter)

	details := p.Details
	if details == "" && f.exposeDetails && p.Cause != nil {
		details = redact.String(p.Cause.Error())
	}
	resp.WithDetails(details)

	if p.Support {
		resp.WithSupportContact(f.supportContact)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Write renders p to w. An envelope that fails validation or encoding
// degrades to a fixed minimal body; Write never panics on bad input.
func (f *Formatter) Write(w http.ResponseWriter, r *http.Request, p Problem) {
	resp, err := f.Build(r, p)
	if err != nil {
		f.writeFallback(w, r, p, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		f.writeFallback(w, r, p, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeJSON)
	h.Set("Cache-Control", noCache)
	h.Set(HeaderCorrelationID, resp.CorrelationID)
	if resp.Status == http.StatusUnauthorized {
		h.Set(HeaderWWWAuthenticate, `Bearer realm="`+f.realm+`"`)
	}
	if resp.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.Itoa(resp.RetryAfter))
	}
	h.Del("Content-Length")

	f.log(r.Context(), resp, p.Cause)

	w.WriteHeader(resp.Status)
	if _, err := w.Write(body); err != nil {
		f.logger.Debug("writing error response", "error", err)
	}
}

func (f *Formatter) writeFallback(w http.ResponseWriter, r *http.Request, p Problem, buildErr error) {
	rc := gateway.FromContext(r.Context())
	f.logger.ErrorContext(r.Context(), "error response degraded to fallback body",
		"error", buildErr,
		"status", p.Status,
		"code", p.Code,
		"correlation_id", domain.SafeCorrelationID(rc.CorrelationID()),
	)
	h := w.Header()
	h.Set("Content-Type", contentTypeJSON)
	h.Set("Cache-Control", noCache)
	h.Del("Content-Length")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(fallbackBody))
}

// LevelFor maps a status to its log level.
func LevelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (f *Formatter) log(ctx context.Context, resp *domain.ErrorResponse, cause error) {
	attrs := []any{
		"status", resp.Status,
		"code", resp.Error,
		"path", resp.Path,
		"correlation_id", resp.CorrelationID,
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	f.logger.Log(ctx, LevelFor(resp.Status), "request failed", attrs...)
}

// Unauthorized writes a 401 carrying the rejection reason in details.
func (f *Formatter) Unauthorized(w http.ResponseWriter, r *http.Request, reason domain.RejectReason) {
	f.Write(w, r, Problem{
		Status:   http.StatusUnauthorized,
		Code:     CodeUnauthorized,
		Message:  "Authentication required",
		Category: domain.CategoryAuthentication,
		Details:  string(reason),
	})
}

// AccessDenied writes a 403.
func (f *Formatter) AccessDenied(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "Access denied"
	}
	f.Write(w, r, Problem{
		Status:   http.StatusForbidden,
		Code:     CodeAccessDenied,
		Message:  message,
		Category: domain.CategoryAuthorization,
	})
}

// NotFound writes a 404 for paths no route claims.
func (f *Formatter) NotFound(w http.ResponseWriter, r *http.Request) {
	f.Write(w, r, Problem{
		Status:   http.StatusNotFound,
		Code:     CodeNotFound,
		Message:  "No route matches the requested path",
		Category: domain.CategoryRouting,
	})
}

// TooManyRequests writes a 429 with a Retry-After hint.
func (f *Formatter) TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	f.Write(w, r, Problem{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "Rate limit exceeded. Please try again later.",
		Category:   domain.CategoryRateLimit,
		RetryAfter: retryAfter,
	})
}

// ServiceUnavailable writes a 503 for infrastructure failures.
func (f *Formatter) ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string, retryAfter int, cause error) {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	f.Write(w, r, Problem{
		Status:     http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    message,
		Category:   domain.CategoryService,
		RetryAfter: retryAfter,
		Support:    true,
		Cause:      cause,
	})
}

// InvalidParameter writes a 400.
func (f *Formatter) InvalidParameter(w http.ResponseWriter, r *http.Request, cause error) {
	f.Write(w, r, Problem{
		Status:   http.StatusBadRequest,
		Code:     CodeInvalidParameter,
		Message:  "Invalid parameter provided",
		Category: domain.CategoryValidation,
		Cause:    cause,
	})
}

// PayloadTooLarge writes a 413.
func (f *Formatter) PayloadTooLarge(w http.ResponseWriter, r *http.Request, limit int64) {
	f.Write(w, r, Problem{
		Status:   http.StatusRequestEntityTooLarge,
		Code:     CodePayloadTooLarge,
		Message:  "Request body exceeds " + strconv.FormatInt(limit, 10) + " bytes",
		Category: domain.CategoryValidation,
	})
}

// SystemError writes a generic 500. The cause never reaches the client unless
// details are exposed.
func (f *Formatter) SystemError(w http.ResponseWriter, r *http.Request, cause error) {
	f.Write(w, r, Problem{
		Status:   http.StatusInternalServerError,
		Code:     CodeSystemError,
		Message:  "A system error occurred. Please try again later.",
		Category: domain.CategorySystem,
		Support:  true,
		Cause:    cause,
	})
}

// Error classifies err by its sentinel and writes the matching envelope.
// Anything unrecognised is a system error.
func (f *Formatter) Error(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		f.Write(w, r, Problem{Status: http.StatusUnauthorized, Code: CodeUnauthorized,
			Message: "Authentication required", Category: domain.CategoryAuthentication, Cause: err})
	case errors.Is(err, domain.ErrForbidden):
		f.Write(w, r, Problem{Status: http.StatusForbidden, Code: CodeAccessDenied,
			Message: "Access denied", Category: domain.CategoryAuthorization, Cause: err})
	case errors.Is(err, domain.ErrNotFound):
		f.Write(w, r, Problem{Status: http.StatusNotFound, Code: CodeNotFound,
			Message: "Resource not found", Category: domain.CategoryRouting, Cause: err})
	case errors.Is(err, domain.ErrRateLimited):
		f.TooManyRequests(w, r, 1)
	case errors.Is(err, domain.ErrTimeout):
		f.Write(w, r, Problem{Status: http.StatusGatewayTimeout, Code: CodeGatewayTimeout,
			Message: "The request timed out", Category: domain.CategoryTimeout, Cause: err})
	case errors.Is(err, domain.ErrServiceUnavailable), errors.Is(err, domain.ErrKeySourceUnavailable):
		f.ServiceUnavailable(w, r, "", 0, err)
	case errors.Is(err, domain.ErrInvalidParameter):
		f.InvalidParameter(w, r, err)
	case errors.Is(err, domain.ErrPayloadTooLarge):
		f.Write(w, r, Problem{Status: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge,
			Message: "Request body too large", Category: domain.CategoryValidation, Cause: err})
	default:
		f.SystemError(w, r, err)
	}
}
