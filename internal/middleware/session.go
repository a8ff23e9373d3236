// Package middleware provides HTTP middlewares for session gating, rate
// limiting and request logging.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/models"
	"github.com/kirill-eremin-production/my-passwords/internal/service"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "sessionId"

type ctxKey string

const sessionKey ctxKey = "session"

// SessionResolver resolves request tokens to sessions.
type SessionResolver interface {
	Bootstrap(ctx context.Context, token string) (*service.BootstrapResult, error)
	Authorize(ctx context.Context, token string) (*models.Session, error)
}

// Cookies writes the session cookie. Secure is set in production, where the
// app is served over HTTPS.
type Cookies struct {
	Secure bool
}

func (c Cookies) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Token returns the session token from the request cookie, or "".
func Token(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// Sessions gates handlers on the state of the caller's session.
type Sessions struct {
	resolver SessionResolver
	cookies  Cookies
	log      *zap.Logger
}

func NewSessions(resolver SessionResolver, cookies Cookies, log *zap.Logger) *Sessions {
	return &Sessions{resolver: resolver, cookies: cookies, log: log}
}

// RequireSession lets through any request with a live session, pending or
// authenticated. Requests without one get a fresh session cookie and 401.
func (s *Sessions) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.resolver.Bootstrap(r.Context(), Token(r))
		if err != nil {
			s.log.Error("failed to resolve session", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if res.Issued {
			s.cookies.Set(w, res.Session.ID)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), res.Session)))
	})
}

// RequireAuthorized lets through only authenticated sessions. Unknown and
// expired sessions get 401 with the cookie cleared, pending ones 403.
func (s *Sessions) RequireAuthorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.resolver.Authorize(r.Context(), Token(r))
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		case errors.Is(err, service.ErrNotAuthenticated):
			w.WriteHeader(http.StatusForbidden)
		case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrSessionExpired):
			s.cookies.Clear(w)
			w.WriteHeader(http.StatusUnauthorized)
		default:
			s.log.Error("failed to authorize session", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}

// WithSession stores the resolved session in ctx.
func WithSession(ctx context.Context, sess *models.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the session stored by a gate, or nil.
func SessionFromContext(ctx context.Context) *models.Session {
	sess, _ := ctx.Value(sessionKey).(*models.Session)
	return sess
}
