package oauth

import "net/http"

// Error is an OAuth 2.1 protocol error. Code is the machine-readable
// error string returned in the JSON body per RFC 6749 §5.2.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// WithDescription returns a copy of the error with a different description.
func (e *Error) WithDescription(desc string) *Error {
	return &Error{Code: e.Code, Description: desc, Status: e.Status}
}

var (
	// ErrInvalidClient covers unknown client ids and failed client
	// authentication at the token endpoint.
	ErrInvalidClient = &Error{Code: "invalid_client", Description: "client authentication failed", Status: http.StatusUnauthorized}

	// ErrInvalidGrant covers bad, consumed, or mismatched authorization
	// codes and refresh tokens.
	ErrInvalidGrant = &Error{Code: "invalid_grant", Description: "invalid or already consumed grant", Status: http.StatusBadRequest}

	// ErrExpiredToken is returned when an authorization code is presented
	// after its expiry.
	ErrExpiredToken = &Error{Code: "expired_token", Description: "authorization code expired", Status: http.StatusBadRequest}

	// ErrInvalidRequest covers malformed requests, including a missing
	// code_verifier for a PKCE-bound code.
	ErrInvalidRequest = &Error{Code: "invalid_request", Description: "malformed request", Status: http.StatusBadRequest}

	// ErrUnauthorized is returned for absent, invalid, or expired bearer
	// tokens on protected endpoints.
	ErrUnauthorized = &Error{Code: "unauthorized", Description: "invalid or expired access token", Status: http.StatusUnauthorized}
)
