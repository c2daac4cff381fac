package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/storage"
)

// credentialView is the wire shape for an enrolled credential. The public
// key stays server-side.
type credentialView struct {
	CredentialID string     `json:"credential_id"`
	UserID       string     `json:"user_id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name,omitempty"`
	SignCount    uint32     `json:"sign_count"`
	DeviceType   string     `json:"device_type"`
	BackedUp     bool       `json:"backed_up"`
	Transports   []string   `json:"transports,omitempty"`
	Platform     string     `json:"platform"`
	Origin       string     `json:"origin"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

func toCredentialView(record storage.Credential) credentialView {
	return credentialView{
		CredentialID: record.CredentialID,
		UserID:       record.UserID,
		Username:     record.Username,
		DisplayName:  record.DisplayName,
		SignCount:    record.SignCount,
		DeviceType:   record.DeviceType,
		BackedUp:     record.BackedUp,
		Transports:   record.Transports,
		Platform:     record.Platform,
		Origin:       record.Origin,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		LastUsedAt:   record.LastUsedAt,
	}
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeBadRequest(w, "user id is required")
		return
	}

	records, err := h.credentials.ListCredentials(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]credentialView, 0, len(records))
	for _, record := range records {
		views = append(views, toCredentialView(record))
	}
	writeJSON(w, http.StatusOK, map[string][]credentialView{"credentials": views})
}

func (h *Handler) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")

	record, err := h.credentials.GetCredential(r.Context(), credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, apperrors.New(apperrors.CodeCredentialNotFound, "credential is not enrolled"))
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialView(record))
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")

	deleted, err := h.credentials.DeleteCredential(r.Context(), credentialID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !deleted {
		h.writeError(w, apperrors.New(apperrors.CodeCredentialNotFound, "credential is not enrolled"))
		return
	}
	h.logf("deleted credential %s", credentialID)
	w.WriteHeader(http.StatusNoContent)
}
