// Package models defines the core data structures for sessions, biometric
// credentials and WebAuthn challenges.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Session is a login session identified by an opaque token stored in the
// sessionId cookie.
type Session struct {
	// ID is the opaque, high-entropy session token.
	ID string `json:"sessionId"`
	// Code is the pending one-time confirmation code. It is nil when no code
	// was issued or after it has been consumed.
	Code *string `json:"code"`
	// Valid reports whether the session completed a second factor.
	Valid bool `json:"valid"`
	// CreatedAt is when the session was minted.
	CreatedAt time.Time `json:"createdAt"`
	// LastActivityAt is refreshed on every access; TTL is measured from it.
	LastActivityAt time.Time `json:"time"`
}

// Expired reports whether the session has been idle for longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivityAt) > ttl
}

// UnmarshalJSON also accepts "time" as unix milliseconds, the layout of
// sessions written before timestamps were RFC 3339.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
		Time      json.RawMessage `json:"time"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if s.LastActivityAt, err = parseTimestamp(aux.Time); err != nil {
		return fmt.Errorf("session time: %w", err)
	}
	if s.CreatedAt, err = parseTimestamp(aux.CreatedAt); err != nil {
		return fmt.Errorf("session createdAt: %w", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.LastActivityAt
	}
	return nil
}

// BiometricCredential is a registered WebAuthn public-key credential.
type BiometricCredential struct {
	// ID is the base64url (unpadded) credential id reported by the authenticator.
	ID string `json:"id"`
	// PublicKey holds the COSE-encoded credential public key.
	PublicKey []byte `json:"publicKey"`
	// SignatureCounter is the last verified authenticator signature counter.
	SignatureCounter uint32 `json:"counter"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"createdAt"`
	// OwnerSessionID is the authenticated session that registered the credential.
	OwnerSessionID string `json:"sessionId"`
	// DeviceLabel is a free-form label, usually the registering User-Agent.
	DeviceLabel string `json:"userAgent,omitempty"`
}

// Challenge is a single-use WebAuthn challenge.
type Challenge struct {
	// Value is the 32 random bytes sent to the client.
	Value []byte `json:"challenge"`
	// Subject is the session id (or standalone id) the challenge belongs to.
	Subject string `json:"sessionId"`
	// CreatedAt is when the challenge was issued.
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the challenge is older than ttl.
func (c *Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}

// UnmarshalJSON also accepts createdAt as unix milliseconds.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	type plain Challenge
	aux := struct {
		*plain
		CreatedAt json.RawMessage `json:"createdAt"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if c.CreatedAt, err = parseTimestamp(aux.CreatedAt); err != nil {
		return fmt.Errorf("challenge createdAt: %w", err)
	}
	return nil
}

// parseTimestamp reads an RFC 3339 string or a unix-millisecond number.
// Absent or null values give the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		err := json.Unmarshal(raw, &t)
		return t, err
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
