package repository

import (
	"context"
	"time"

	"github.com/kirill-eremin-production/my-passwords/internal/models"
)

// Change tells SessionRepository.Update what to persist after the callback ran.
type Change int

const (
	// Keep leaves the stored collection untouched.
	Keep Change = iota
	// Store writes the (possibly modified) session back.
	Store
	// Remove deletes the session.
	Remove
)

// SessionRepository keeps all sessions in one encrypted record keyed by
// session id.
type SessionRepository struct {
	store RecordStore
}

func NewSessionRepository(store RecordStore) *SessionRepository {
	return &SessionRepository{store: store}
}

// Get returns the session with the given id or ErrNotFound.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	doc, err := readJSON[*models.Session](ctx, r.store, KeySessions)
	if err != nil {
		return nil, err
	}
	s, ok := doc[id]
	if !ok || s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// Save inserts or replaces a session.
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	return updateJSON(ctx, r.store, KeySessions, func(doc map[string]*models.Session) (bool, error) {
		doc[s.ID] = s
		return true, nil
	})
}

// Update loads the session, runs fn and applies the returned Change in the
// same locked read-modify-write. The Change is applied even when fn also
// returns an error, which is then passed through. A missing session gives
// ErrNotFound without calling fn.
func (r *SessionRepository) Update(ctx context.Context, id string, fn func(s *models.Session) (Change, error)) error {
	var fnErr error
	err := updateJSON(ctx, r.store, KeySessions, func(doc map[string]*models.Session) (bool, error) {
		s, ok := doc[id]
		if !ok || s == nil {
			return false, ErrNotFound
		}
		change, err := fn(s)
		fnErr = err
		switch change {
		case Store:
			doc[id] = s
			return true, nil
		case Remove:
			delete(doc, id)
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		return err
	}
	return fnErr
}

// Delete removes a session. Deleting an unknown id is not an error.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	return updateJSON(ctx, r.store, KeySessions, func(doc map[string]*models.Session) (bool, error) {
		if _, ok := doc[id]; !ok {
			return false, nil
		}
		delete(doc, id)
		return true, nil
	})
}

// DeleteExpired removes every session idle for longer than ttl and reports
// how many were removed.
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	removed := 0
	err := updateJSON(ctx, r.store, KeySessions, func(doc map[string]*models.Session) (bool, error) {
		for id, s := range doc {
			if s == nil || s.Expired(now, ttl) {
				delete(doc, id)
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

// Count returns the number of stored sessions.
func (r *SessionRepository) Count(ctx context.Context) (int, error) {
	doc, err := readJSON[*models.Session](ctx, r.store, KeySessions)
	if err != nil {
		return 0, err
	}
	return len(doc), nil
}
