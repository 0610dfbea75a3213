package auth

import "errors"

var (
	// ErrSessionExpired is returned to refresh waiters when the refresh token
	// was rejected or missing. The stored credentials have been removed.
	ErrSessionExpired = errors.New("session expired, sign in again")

	// ErrNotAuthenticated indicates that no refresh token is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInsecureTransport prevents secure credentials from being sent over a
	// connection that is neither TLS nor loopback.
	ErrInsecureTransport = errors.New("credentials require an https backend")
)
