package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kirill-eremin-production/my-passwords/internal/models"
)

// BiometricRepository stores WebAuthn credentials (keyed by credential id)
// and pending challenges (keyed by subject) in two encrypted records.
type BiometricRepository struct {
	store RecordStore
}

func NewBiometricRepository(store RecordStore) *BiometricRepository {
	return &BiometricRepository{store: store}
}

// SaveCredential stores a new credential. An existing id gives ErrAlreadyExists.
func (r *BiometricRepository) SaveCredential(ctx context.Context, c models.BiometricCredential) error {
	return updateJSON(ctx, r.store, KeyBiometric, func(doc map[string]*models.BiometricCredential) (bool, error) {
		if _, ok := doc[c.ID]; ok {
			return false, fmt.Errorf("credential %s: %w", c.ID, ErrAlreadyExists)
		}
		doc[c.ID] = &c
		return true, nil
	})
}

// GetCredential returns the credential with the given id or ErrNotFound.
func (r *BiometricRepository) GetCredential(ctx context.Context, id string) (*models.BiometricCredential, error) {
	doc, err := readJSON[*models.BiometricCredential](ctx, r.store, KeyBiometric)
	if err != nil {
		return nil, err
	}
	c, ok := doc[id]
	if !ok || c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListCredentials returns all credentials ordered by registration time.
func (r *BiometricRepository) ListCredentials(ctx context.Context) ([]models.BiometricCredential, error) {
	doc, err := readJSON[*models.BiometricCredential](ctx, r.store, KeyBiometric)
	if err != nil {
		return nil, err
	}
	out := make([]models.BiometricCredential, 0, len(doc))
	for _, c := range doc {
		if c != nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RemoveCredential deletes a credential or returns ErrNotFound.
func (r *BiometricRepository) RemoveCredential(ctx context.Context, id string) error {
	return updateJSON(ctx, r.store, KeyBiometric, func(doc map[string]*models.BiometricCredential) (bool, error) {
		if _, ok := doc[id]; !ok {
			return false, ErrNotFound
		}
		delete(doc, id)
		return true, nil
	})
}

// UpdateCounter stores a new signature counter. The counter may stay equal
// but never decrease; a lower value gives ErrCounterRegression.
func (r *BiometricRepository) UpdateCounter(ctx context.Context, id string, counter uint32) error {
	return updateJSON(ctx, r.store, KeyBiometric, func(doc map[string]*models.BiometricCredential) (bool, error) {
		c, ok := doc[id]
		if !ok || c == nil {
			return false, ErrNotFound
		}
		if counter < c.SignatureCounter {
			return false, fmt.Errorf("%w: stored %d, got %d", ErrCounterRegression, c.SignatureCounter, counter)
		}
		if counter == c.SignatureCounter {
			return false, nil
		}
		c.SignatureCounter = counter
		return true, nil
	})
}

// PutChallenge stores a challenge, replacing any earlier one for the same subject.
func (r *BiometricRepository) PutChallenge(ctx context.Context, c models.Challenge) error {
	return updateJSON(ctx, r.store, KeyChallenges, func(doc map[string]*models.Challenge) (bool, error) {
		doc[c.Subject] = &c
		return true, nil
	})
}

// TakeChallenge removes and returns the subject's challenge. A missing or
// expired challenge gives ErrNotFound; an expired one is removed as well.
func (r *BiometricRepository) TakeChallenge(ctx context.Context, subject string, now time.Time, ttl time.Duration) (*models.Challenge, error) {
	var taken *models.Challenge
	err := updateJSON(ctx, r.store, KeyChallenges, func(doc map[string]*models.Challenge) (bool, error) {
		c, ok := doc[subject]
		if !ok {
			return false, nil
		}
		delete(doc, subject)
		if c != nil && !c.Expired(now, ttl) {
			taken = c
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if taken == nil {
		return nil, ErrNotFound
	}
	return taken, nil
}

// DeleteExpiredChallenges removes challenges older than ttl.
func (r *BiometricRepository) DeleteExpiredChallenges(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	removed := 0
	err := updateJSON(ctx, r.store, KeyChallenges, func(doc map[string]*models.Challenge) (bool, error) {
		for subject, c := range doc {
			if c == nil || c.Expired(now, ttl) {
				delete(doc, subject)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
