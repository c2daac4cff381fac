package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/delegate"
)

func (h *Handler) handleBackendCredentialUserIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.backendCredentials.UserIDs(r.Context())
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeUnknown, "list backend credential users", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"user_ids": ids})
}

type backendCredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) handleBackendCredentialSet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req backendCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Username == "" {
		h.writeBadRequest(w, "username is required")
		return
	}

	err := h.backendCredentials.Set(r.Context(), userID, delegate.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeUnknown, "store backend credentials", err))
		return
	}
	h.logf("updated backend credentials for user %s", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBackendCredentialRemove(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	removed, err := h.backendCredentials.Remove(r.Context(), userID)
	if err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.CodeUnknown, "remove backend credentials", err))
		return
	}
	if !removed {
		h.writeError(w, apperrors.New(apperrors.CodeNotFound, "no backend credentials for user"))
		return
	}
	h.logf("removed backend credentials for user %s", userID)
	w.WriteHeader(http.StatusNoContent)
}
