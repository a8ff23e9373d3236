package service

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches the token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when the session outlived its TTL. The
	// session is deleted as a side effect.
	ErrSessionExpired = errors.New("session expired")
	// ErrCodeRejected covers every failed code submission: wrong code, no
	// pending code, consumed code or unknown session.
	ErrCodeRejected = errors.New("confirmation code rejected")
	// ErrNotAuthenticated is returned for sessions that have not completed a
	// second factor.
	ErrNotAuthenticated = errors.New("session not authenticated")
)
