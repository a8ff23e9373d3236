package http

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// VaultService defines the vault operations required by VaultHandler.
type VaultService interface {
	Get(ctx context.Context) (string, error)
	Save(ctx context.Context, data json.RawMessage) error
}

// VaultHandler serves the password vault blob.
type VaultHandler struct {
	VaultService VaultService
	Log          *zap.Logger
}

// Get handles GET /api/passwords.
func (h *VaultHandler) Get(w http.ResponseWriter, r *http.Request) {
	blob, err := h.VaultService.Get(r.Context())
	if err != nil {
		h.Log.Error("failed to read vault", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": blob})
}

// Save handles POST /api/passwords with body {"data": <any JSON>}.
func (h *VaultHandler) Save(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := decodeBody(w, r, &req); err != nil || len(req.Data) == 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.VaultService.Save(r.Context(), req.Data); err != nil {
		h.Log.Error("failed to save vault", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
