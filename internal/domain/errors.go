package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors used across stage boundaries. apierror maps each one to a
// status class.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrTimeout              = errors.New("gateway timeout")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrKeySourceUnavailable = errors.New("key source unavailable")
	ErrInvalidErrorResponse = errors.New("invalid error response")
)

// Error categories reported in the category field.
const (
	CategoryAuthentication = "authentication"
	CategoryAuthorization  = "authorization"
	CategoryRateLimit      = "rate_limit"
	CategoryTimeout        = "timeout"
	CategoryService        = "service"
	CategoryValidation     = "validation"
	CategorySystem         = "system"
	CategoryRouting        = "routing"
)

const (
	// MaxMessageLength bounds ErrorResponse.Message.
	MaxMessageLength = 1000

	// TimestampLayout is millisecond ISO-8601 with offset, always rendered in UTC.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

	// MissingCorrelationID stands in for an absent correlation id.
	MissingCorrelationID = "missing-correlation-id"

	// UnknownPath stands in for an absent or blank request path.
	UnknownPath = "/unknown"

	maxRawPathLength  = 2048
	maxSafePathLength = 200
)

// ErrorResponse is the JSON error envelope returned to clients for every
// failure class.
type ErrorResponse struct {
	Timestamp      string `json:"timestamp"`
	Status         int    `json:"status"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	Path           string `json:"path"`
	CorrelationID  string `json:"correlationId,omitempty"`
	Details        string `json:"details,omitempty"`
	Category       string `json:"category,omitempty"`
	RetryAfter     int    `json:"retryAfter,omitempty"`
	SupportContact string `json:"supportContact,omitempty"`
}

// NewErrorResponse builds a validated envelope stamped with the current UTC
// time. Path defaults to UnknownPath until WithPath is called.
func NewErrorResponse(status int, code, message string) (*ErrorResponse, error) {
	e := &ErrorResponse{
		Timestamp: time.Now().UTC().Format(TimestampLayout),
		Status:    status,
		Error:     code,
		Message:   message,
		Path:      UnknownPath,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the envelope invariants.
func (e *ErrorResponse) Validate() error {
	switch {
	case strings.TrimSpace(e.Error) == "":
		return fmt.Errorf("%w: error code is blank", ErrInvalidErrorResponse)
	case strings.TrimSpace(e.Message) == "":
		return fmt.Errorf("%w: message is blank", ErrInvalidErrorResponse)
	case len(e.Message) > MaxMessageLength:
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidErrorResponse, MaxMessageLength)
	case e.Status < 100 || e.Status > 599:
		return fmt.Errorf("%w: status %d outside 100-599", ErrInvalidErrorResponse, e.Status)
	}
	return nil
}

func (e *ErrorResponse) WithPath(path string) *ErrorResponse {
	e.Path = SafePath(path)
	return e
}

func (e *ErrorResponse) WithCorrelationID(id string) *ErrorResponse {
	e.CorrelationID = SafeCorrelationID(id)
	return e
}

func (e *ErrorResponse) WithDetails(details string) *ErrorResponse {
	e.Details = details
	return e
}

func (e *ErrorResponse) WithCategory(category string) *ErrorResponse {
	e.Category = category
	return e
}

// WithRetryAfter sets the retry hint in whole seconds.
func (e *ErrorResponse) WithRetryAfter(seconds int) *ErrorResponse {
	e.RetryAfter = seconds
	return e
}

func (e *ErrorResponse) WithSupportContact(contact string) *ErrorResponse {
	e.SupportContact = contact
	return e
}

var (
	unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9/\-_.?&=]`)
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
	repeatedDots    = regexp.MustCompile(`\.{2,}`)
)

// SafePath reduces a request path to a bounded, traversal-free string
// suitable for echoing back to a client.
func SafePath(path string) string {
	if strings.TrimSpace(path) == "" {
		return UnknownPath
	}
	if len(path) > maxRawPathLength {
		path = path[:maxRawPathLength]
	}
	path = unsafePathChars.ReplaceAllString(path, "")
	path = repeatedSlashes.ReplaceAllString(path, "/")
	path = repeatedDots.ReplaceAllString(path, ".")
	if len(path) > maxSafePathLength {
		path = path[:maxSafePathLength]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// SafeCorrelationID returns id, or MissingCorrelationID when it is blank.
func SafeCorrelationID(id string) string {
	if strings.TrimSpace(id) == "" {
		return MissingCorrelationID
	}
	return id
}
