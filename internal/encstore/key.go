package encstore

import "fmt"

const (
	// MinKeyLength is the shortest accepted secret, in characters.
	MinKeyLength = 16
	// PlaceholderKey is the value shipped in sample configs. It is always rejected.
	PlaceholderKey = "default-key-change-me-in-production"
)

// CheckKey returns ErrWeakKey if secret is the placeholder or shorter than
// MinKeyLength characters.
func CheckKey(secret string) error {
	if secret == PlaceholderKey {
		return fmt.Errorf("%w: placeholder value in use", ErrWeakKey)
	}
	if n := len([]rune(secret)); n < MinKeyLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrWeakKey, n, MinKeyLength)
	}
	return nil
}

// KeyIsValid is the boolean form of CheckKey.
func KeyIsValid(secret string) bool {
	return CheckKey(secret) == nil
}
