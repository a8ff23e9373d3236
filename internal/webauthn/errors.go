package webauthn

import "errors"

var (
	ErrChallengeNotFound          = errors.New("challenge not found or expired")
	ErrClientDataMismatch         = errors.New("client data mismatch")
	ErrMalformedInput             = errors.New("malformed input")
	ErrMalformedAuthenticatorData = errors.New("malformed authenticator data")
	ErrUserPresence               = errors.New("user presence or verification missing")
	ErrReplayDetected             = errors.New("signature counter replay detected")
	ErrInvalidSignature           = errors.New("invalid signature")
	ErrCredentialExists           = errors.New("credential already registered")
	ErrCredentialNotFound         = errors.New("credential not found")
)

// Reason returns a short machine-readable code for a verification error,
// "internal" when err is not a verification failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrClientDataMismatch):
		return "client_data_mismatch"
	case errors.Is(err, ErrMalformedInput), errors.Is(err, ErrMalformedAuthenticatorData):
		return "malformed_input"
	case errors.Is(err, ErrUserPresence):
		return "user_presence_required"
	case errors.Is(err, ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrCredentialNotFound):
		return "invalid_signature"
	case errors.Is(err, ErrCredentialExists):
		return "credential_exists"
	}
	return "internal"
}
