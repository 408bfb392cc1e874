package domain

// RejectReason tags why a request failed authentication. The value is used as
// a metric tag and returned in the error details.
type RejectReason string

const (
	ReasonMissingHeader RejectReason = "missing_or_malformed_header"
	ReasonExpired       RejectReason = "jwt_expired"
	ReasonInvalidClaim  RejectReason = "jwt_invalid_claim"
	ReasonInvalid       RejectReason = "jwt_invalid"
	ReasonUnavailable   RejectReason = "auth_unavailable"
)

// AuthOutcome is the terminal state of token validation.
type AuthOutcome int

const (
	AuthRejected AuthOutcome = iota
	AuthAuthenticated
	// AuthUnavailable means validation could not complete for reasons that
	// are not the caller's fault (key source outage, internal fault).
	AuthUnavailable
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthAuthenticated:
		return "success"
	case AuthUnavailable:
		return "unavailable"
	default:
		return "failure"
	}
}

// AuthResult is the explicit result of validating a bearer credential.
type AuthResult struct {
	Outcome  AuthOutcome
	Identity Identity
	Reason   RejectReason
	Err      error
}

func Authenticated(id Identity) AuthResult {
	return AuthResult{Outcome: AuthAuthenticated, Identity: id}
}

func Rejected(reason RejectReason, err error) AuthResult {
	return AuthResult{Outcome: AuthRejected, Reason: reason, Err: err}
}

func Unavailable(err error) AuthResult {
	return AuthResult{Outcome: AuthUnavailable, Reason: ReasonUnavailable, Err: err}
}
