// Package service holds the login session lifecycle and vault business
// logic, delegating persistence to repository interfaces.
package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/logger"
	"github.com/kirill-eremin-production/my-passwords/internal/metrics"
	"github.com/kirill-eremin-production/my-passwords/internal/models"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
)

const (
	// DefaultSessionTTL is how long a session lives without activity.
	DefaultSessionTTL = time.Hour
	// DefaultCodeSendTimeout bounds a single code delivery attempt.
	DefaultCodeSendTimeout = 10 * time.Second
)

// SessionRepository defines the persistence operations needed by SessionService.
type SessionRepository interface {
	// Get returns repository.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
	// Update runs fn under the collection lock and applies its Change.
	Update(ctx context.Context, id string, fn func(s *models.Session) (repository.Change, error)) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// CodeSender delivers the one-time code message to the operator.
type CodeSender interface {
	Send(ctx context.Context, message string) error
}

// State is the position of a session in the login state machine.
type State int

const (
	StateUnauthenticated State = iota
	StatePendingCode
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StatePendingCode:
		return "pending_code"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// BootstrapResult is the outcome of resolving a request's session token.
type BootstrapResult struct {
	Session *models.Session
	State   State
	// Issued is true when a new session was minted and the caller must set
	// the cookie.
	Issued bool
}

// SessionService implements the login session lifecycle.
type SessionService struct {
	repo        SessionRepository
	sender      CodeSender
	log         *zap.Logger
	ttl         time.Duration
	sendTimeout time.Duration
	now         func() time.Time
	random      io.Reader
}

// SessionOption configures a SessionService.
type SessionOption func(*SessionService)

func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithCodeSendTimeout(d time.Duration) SessionOption {
	return func(s *SessionService) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionService) { s.now = now }
}

func WithSessionRandom(r io.Reader) SessionOption {
	return func(s *SessionService) { s.random = r }
}

// NewSessionService constructs a SessionService. sender receives code
// messages; log must not be nil.
func NewSessionService(repo SessionRepository, sender CodeSender, log *zap.Logger, opts ...SessionOption) *SessionService {
	s := &SessionService{
		repo:        repo,
		sender:      sender,
		log:         log,
		ttl:         DefaultSessionTTL,
		sendTimeout: DefaultCodeSendTimeout,
		now:         time.Now,
		random:      rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the idle lifetime of a session.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// NewSessionID returns "<base36 unix-ms>-<64 hex chars>" built from 32 random bytes.
func NewSessionID(now time.Time, random io.Reader) (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + hex.EncodeToString(b), nil
}

// newCode returns a uniformly random code in 100000..999999.
func newCode(random io.Reader) (string, error) {
	n, err := rand.Int(random, big.NewInt(900_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return strconv.FormatInt(100_000+n.Int64(), 10), nil
}

func (s *SessionService) create(ctx context.Context, valid bool) (*models.Session, error) {
	now := s.now()
	id, err := NewSessionID(now, s.random)
	if err != nil {
		return nil, err
	}
	sess := &models.Session{ID: id, Valid: valid, CreatedAt: now, LastActivityAt: now}
	if err := s.repo.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// touch loads a live session, deleting it if expired. Authenticated
// sessions get their activity time refreshed.
func (s *SessionService) touch(ctx context.Context, token string) (*models.Session, error) {
	var out models.Session
	err := s.repo.Update(ctx, token, func(sess *models.Session) (repository.Change, error) {
		now := s.now()
		if sess.Expired(now, s.ttl) {
			return repository.Remove, ErrSessionExpired
		}
		out = *sess
		if !sess.Valid {
			return repository.Keep, nil
		}
		sess.LastActivityAt = now
		out.LastActivityAt = now
		return repository.Store, nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Bootstrap resolves the token from a request. Missing, unknown or expired
// tokens yield a fresh pending session with Issued set.
func (s *SessionService) Bootstrap(ctx context.Context, token string) (*BootstrapResult, error) {
	if token != "" {
		sess, err := s.touch(ctx, token)
		switch {
		case err == nil:
			state := StatePendingCode
			if sess.Valid {
				state = StateAuthenticated
			}
			return &BootstrapResult{Session: sess, State: state}, nil
		case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionExpired):
		default:
			return nil, err
		}
	}

	sess, err := s.create(ctx, false)
	if err != nil {
		return nil, err
	}
	s.log.Info("session created", zap.String("session", logger.ShortID(sess.ID)))
	return &BootstrapResult{Session: sess, State: StatePendingCode, Issued: true}, nil
}

// IssueCode stores a fresh code on a pending session and delivers it.
// Delivery errors are logged, not returned. Sessions that are already
// authenticated are left untouched.
func (s *SessionService) IssueCode(ctx context.Context, token, userAgent string) error {
	var code string
	err := s.repo.Update(ctx, token, func(sess *models.Session) (repository.Change, error) {
		if sess.Expired(s.now(), s.ttl) {
			return repository.Remove, ErrSessionExpired
		}
		if sess.Valid {
			return repository.Keep, nil
		}
		c, err := newCode(s.random)
		if err != nil {
			return repository.Keep, err
		}
		code = c
		sess.Code = &c
		return repository.Store, nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if code == "" {
		return nil
	}

	if userAgent == "" {
		userAgent = "Unknown User Agent"
	}
	message := fmt.Sprintf("Your my-passwords login code: *%s*\n\n`%s`", code, userAgent)

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.sender.Send(sendCtx, message); err != nil {
		s.log.Warn("failed to deliver confirmation code",
			zap.String("session", logger.ShortID(token)),
			zap.Error(err),
		)
		return nil
	}
	s.log.Info("confirmation code issued", zap.String("session", logger.ShortID(token)))
	return nil
}

// SubmitCode authenticates a pending session when code matches its stored
// code. The code is cleared in the same write that marks the session valid,
// so a code works at most once. All failures are ErrCodeRejected.
func (s *SessionService) SubmitCode(ctx context.Context, token, code string) error {
	if token == "" || code == "" {
		metrics.RecordLogin(metrics.MethodCode, "rejected")
		return ErrCodeRejected
	}

	err := s.repo.Update(ctx, token, func(sess *models.Session) (repository.Change, error) {
		now := s.now()
		if sess.Expired(now, s.ttl) {
			return repository.Remove, ErrCodeRejected
		}
		if sess.Code == nil || subtle.ConstantTimeCompare([]byte(*sess.Code), []byte(code)) != 1 {
			return repository.Keep, ErrCodeRejected
		}
		sess.Valid = true
		sess.Code = nil
		sess.LastActivityAt = now
		return repository.Store, nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		err = ErrCodeRejected
	}

	switch {
	case err == nil:
		metrics.RecordLogin(metrics.MethodCode, "success")
		s.log.Info("session authenticated by code", zap.String("session", logger.ShortID(token)))
	case errors.Is(err, ErrCodeRejected):
		metrics.RecordLogin(metrics.MethodCode, "rejected")
		s.log.Warn("confirmation code rejected", zap.String("session", logger.ShortID(token)))
	}
	return err
}

// Authorize returns the session when it is authenticated and live.
func (s *SessionService) Authorize(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := s.touch(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Valid {
		return nil, ErrNotAuthenticated
	}
	return sess, nil
}

// CreateAuthenticated mints a session that is valid from the start. It is
// used after a successful WebAuthn assertion.
func (s *SessionService) CreateAuthenticated(ctx context.Context) (*models.Session, error) {
	sess, err := s.create(ctx, true)
	if err != nil {
		return nil, err
	}
	s.log.Info("authenticated session created", zap.String("session", logger.ShortID(sess.ID)))
	return sess, nil
}

// Logout deletes the session.
func (s *SessionService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.repo.Delete(ctx, token)
}

// Sweep removes every session past its TTL.
func (s *SessionService) Sweep(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now(), s.ttl)
	if err != nil {
		return 0, err
	}
	metrics.SessionsPurgedTotal.Add(float64(n))
	return n, nil
}
