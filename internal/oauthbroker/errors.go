package oauthbroker

import "fmt"

// InvalidStateError reports a callback whose state parameter does not match
// a pending authorization.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string { return "invalid or expired state: " + e.Reason }

// IdPProtocolError reports an HTTP or structural failure talking to the IdP
// — non-2xx status, malformed JSON, unexpected shape.
type IdPProtocolError struct {
	Endpoint string
	Err      error
}

func (e *IdPProtocolError) Error() string {
	return fmt.Sprintf("idp protocol error calling %s: %v", e.Endpoint, e.Err)
}

func (e *IdPProtocolError) Unwrap() error { return e.Err }

// IdPError reports an IdP-level error code returned inside a well-formed
// envelope — the IdP understood the request and rejected it.
type IdPError struct {
	Code    int
	Message string
}

func (e *IdPError) Error() string {
	return fmt.Sprintf("idp reported error code %d: %s", e.Code, e.Message)
}

// NoCredentialsError indicates no usable credentials exist for a user
// — callers fall through to the default worker.
type NoCredentialsError struct {
	UserID string
}

func (e *NoCredentialsError) Error() string { return "no credentials for user " + e.UserID }
