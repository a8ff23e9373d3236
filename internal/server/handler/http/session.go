// Package http provides the HTTP handlers and routing for the my-passwords
// API.
package http

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/middleware"
	"github.com/kirill-eremin-production/my-passwords/internal/service"
)

// SessionService defines the login operations required by SessionHandler.
type SessionService interface {
	Bootstrap(ctx context.Context, token string) (*service.BootstrapResult, error)
	IssueCode(ctx context.Context, token, userAgent string) error
	SubmitCode(ctx context.Context, token, code string) error
	Logout(ctx context.Context, token string) error
}

// SessionHandler handles session bootstrap, code login and logout.
type SessionHandler struct {
	SessionService SessionService
	Cookies        middleware.Cookies
	Log            *zap.Logger
}

// Session handles GET /api/session. It answers 200 for authenticated
// sessions, 403 for sessions waiting for a code, and 401 with a new session
// cookie otherwise.
func (h *SessionHandler) Session(w http.ResponseWriter, r *http.Request) {
	res, err := h.SessionService.Bootstrap(r.Context(), middleware.Token(r))
	if err != nil {
		h.Log.Error("failed to bootstrap session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case res.Issued:
		h.Cookies.Set(w, res.Session.ID)
		w.WriteHeader(http.StatusUnauthorized)
	case res.State == service.StateAuthenticated:
		writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
	default:
		w.WriteHeader(http.StatusForbidden)
	}
}

// Code handles POST /api/code: a new code is generated for the session and
// sent to the operator.
func (h *SessionHandler) Code(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	err := h.SessionService.IssueCode(r.Context(), sess.ID, r.UserAgent())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrSessionExpired):
		h.Cookies.Clear(w)
		w.WriteHeader(http.StatusUnauthorized)
	default:
		h.Log.Error("failed to issue code", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type authRequest struct {
	Data struct {
		Code string `json:"code"`
	} `json:"data"`
}

// Auth handles POST /api/auth with body {"data":{"code":"123456"}}.
func (h *SessionHandler) Auth(w http.ResponseWriter, r *http.Request) {
	token := middleware.Token(r)
	if token == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var req authRequest
	if err := decodeBody(w, r, &req); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	err := h.SessionService.SubmitCode(r.Context(), token, req.Data.Code)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrCodeRejected):
		w.WriteHeader(http.StatusForbidden)
	default:
		h.Log.Error("failed to check code", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Logout handles POST /api/logout.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.SessionService.Logout(r.Context(), middleware.Token(r)); err != nil {
		h.Log.Error("failed to delete session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.Cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}
