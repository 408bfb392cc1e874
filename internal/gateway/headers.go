package gateway

import "net/http"

// Headers the gateway reads or sets.
const (
	HeaderCorrelationID    = "X-Correlation-ID"
	HeaderUserID           = "X-User-Id"
	HeaderUsername         = "X-Username"
	HeaderUserRoles        = "X-User-Roles"
	HeaderGatewayValidated = "X-Gateway-Validated"
	HeaderTraceID          = "X-Trace-Id"
	HeaderSpanID           = "X-Span-Id"
)

// IdentityHeaders are only ever set by the authentication stage. Copies sent
// by a client are removed at chain entry.
var IdentityHeaders = []string{HeaderUserID, HeaderUsername, HeaderUserRoles, HeaderGatewayValidated}

// StripIdentityHeaders deletes every identity header from h.
func StripIdentityHeaders(h http.Header) {
	for _, name := range IdentityHeaders {
		h.Del(name)
	}
}
