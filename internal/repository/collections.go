package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// Record keys of the collections kept in the encrypted store.
const (
	KeySessions   = "sessions"
	KeyBiometric  = "biometric"
	KeyChallenges = "challenges"
	KeyVault      = "my-passwords"
)

// Keys lists every collection key, in the order they are migrated at startup.
var Keys = []string{KeySessions, KeyBiometric, KeyChallenges, KeyVault}

var (
	// ErrNotFound is returned when a session or credential does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when saving a credential id that is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCounterRegression is returned when a signature counter would go backwards.
	ErrCounterRegression = errors.New("signature counter regression")
)

// RecordStore is the encrypted blob store the collections persist through.
// *encstore.Store implements it.
type RecordStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, plaintext []byte) error
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

// updateJSON decodes the current document into a fresh map, applies fn and
// encodes the result. fn returns false to skip the write.
func updateJSON[V any](ctx context.Context, store RecordStore, key string, fn func(doc map[string]V) (bool, error)) error {
	return store.Update(ctx, key, func(current []byte) ([]byte, error) {
		doc := make(map[string]V)
		if len(bytes.TrimSpace(current)) > 0 && !bytes.Equal(bytes.TrimSpace(current), []byte("null")) {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		changed, err := fn(doc)
		if err != nil || !changed {
			return nil, err
		}
		return json.Marshal(doc)
	})
}

// readJSON decodes the document under key. A missing record is an empty map.
func readJSON[V any](ctx context.Context, store RecordStore, key string) (map[string]V, error) {
	doc := make(map[string]V)
	raw, err := store.Read(ctx, key)
	if errors.Is(err, encstore.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if doc == nil {
		doc = make(map[string]V)
	}
	return doc, nil
}
