package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/logger"
	"github.com/kirill-eremin-production/my-passwords/internal/middleware"
	"github.com/kirill-eremin-production/my-passwords/internal/models"
	"github.com/kirill-eremin-production/my-passwords/internal/webauthn"
)

// BiometricProtocol defines the WebAuthn operations required by
// BiometricHandler.
type BiometricProtocol interface {
	IssueChallenge(ctx context.Context, subject string) (string, error)
	VerifyRegistration(ctx context.Context, subject, ownerSessionID string, req webauthn.RegistrationRequest, deviceLabel string) (*models.BiometricCredential, error)
	Authenticate(ctx context.Context, subject string, req webauthn.AssertionRequest) (*models.Session, error)
	Credentials(ctx context.Context) ([]models.BiometricCredential, error)
	RemoveCredential(ctx context.Context, id string) error
}

// BiometricHandler handles WebAuthn challenge, registration and login.
type BiometricHandler struct {
	Protocol BiometricProtocol
	Cookies  middleware.Cookies
	Log      *zap.Logger
}

type registerRequest struct {
	Data        *webauthn.RegistrationRequest `json:"data"`
	DeviceLabel string                        `json:"deviceLabel"`
}

type authenticateRequest struct {
	Data *webauthn.AssertionRequest `json:"data"`
}

// CredentialView is the public listing of a registered credential.
type CredentialView struct {
	ID          string    `json:"id"`
	DeviceLabel string    `json:"deviceLabel"`
	CreatedAt   time.Time `json:"createdAt"`
	Counter     uint32    `json:"counter"`
}

// Challenge handles GET /api/biometric/challenge.
func (h *BiometricHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	challenge, err := h.Protocol.IssueChallenge(r.Context(), sess.ID)
	if err != nil {
		h.Log.Error("failed to issue challenge", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "challenge": challenge})
}

// Register handles POST /api/biometric/register for authenticated sessions.
func (h *BiometricHandler) Register(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil || req.Data == nil {
		h.fail(w, "register", webauthn.ErrMalformedInput)
		return
	}
	label := req.DeviceLabel
	if label == "" {
		label = r.UserAgent()
	}

	cred, err := h.Protocol.VerifyRegistration(r.Context(), sess.ID, sess.ID, *req.Data, label)
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "biometric credential registered",
		"credentialId": cred.ID,
	})
}

// Authenticate handles POST /api/biometric/authenticate. On success the
// caller receives a new authenticated session cookie.
func (h *BiometricHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req authenticateRequest
	if err := decodeBody(w, r, &req); err != nil || req.Data == nil {
		h.fail(w, "authenticate", webauthn.ErrMalformedInput)
		return
	}

	fresh, err := h.Protocol.Authenticate(r.Context(), sess.ID, *req.Data)
	if err != nil {
		h.fail(w, "authenticate", err)
		return
	}
	h.Cookies.Set(w, fresh.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "valid": true})
}

// Credentials handles GET /api/biometric/credentials.
func (h *BiometricHandler) Credentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Protocol.Credentials(r.Context())
	if err != nil {
		h.Log.Error("failed to list credentials", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]CredentialView, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialView{
			ID:          c.ID,
			DeviceLabel: c.DeviceLabel,
			CreatedAt:   c.CreatedAt,
			Counter:     c.SignatureCounter,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

// RemoveCredential handles DELETE /api/biometric/credentials/{id}.
func (h *BiometricHandler) RemoveCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Protocol.RemoveCredential(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, webauthn.ErrCredentialNotFound):
		http.Error(w, "credential not found", http.StatusNotFound)
	default:
		h.Log.Error("failed to remove credential", zap.String("credential", logger.ShortID(id)), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// fail maps a protocol error to a status and a stable reason string.
func (h *BiometricHandler) fail(w http.ResponseWriter, op string, err error) {
	reason := webauthn.Reason(err)
	status := http.StatusBadRequest
	switch reason {
	case "internal":
		h.Log.Error("biometric "+op+" failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
		return
	case "credential_exists":
		status = http.StatusConflict
	case "invalid_signature", "replay_detected", "user_presence_required":
		status = http.StatusUnauthorized
	}
	h.Log.Warn("biometric "+op+" rejected", zap.String("reason", reason))
	writeJSON(w, status, map[string]any{"success": false, "error": reason})
}
