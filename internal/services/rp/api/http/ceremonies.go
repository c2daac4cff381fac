package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/quellauth/quell/internal/services/rp/ceremony"
	"github.com/quellauth/quell/internal/services/rp/delegate"
)

type registrationBeginRequest struct {
	UserID      string `json:"user_id,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

type registrationBeginResponse struct {
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id"`
	Platform        string          `json:"platform"`
	CreationOptions json.RawMessage `json:"creation_options"`
}

func (h *Handler) handleRegistrationBegin(w http.ResponseWriter, r *http.Request) {
	var req registrationBeginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Username == "" {
		h.writeBadRequest(w, "username is required")
		return
	}

	out, err := h.ceremonies.BeginRegistration(r.Context(), ceremony.BeginRegistrationInput{
		UserID:      req.UserID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Platform:    req.Platform,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registrationBeginResponse{
		SessionID:       out.SessionID,
		UserID:          out.UserID,
		Platform:        string(out.Platform),
		CreationOptions: out.CreationOptionsJSON,
	})
}

type registrationCompleteRequest struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	Credential json.RawMessage `json:"credential"`
}

type registrationCompleteResponse struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	CredentialID string   `json:"credential_id"`
	DeviceType   string   `json:"device_type"`
	BackedUp     bool     `json:"backed_up"`
	Transports   []string `json:"transports"`
}

func (h *Handler) handleRegistrationComplete(w http.ResponseWriter, r *http.Request) {
	var req registrationCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.SessionID == "" {
		h.writeBadRequest(w, "session_id is required")
		return
	}
	if len(req.Credential) == 0 {
		h.writeBadRequest(w, "credential is required")
		return
	}

	out, err := h.ceremonies.FinishRegistration(r.Context(), ceremony.FinishRegistrationInput{
		SessionID:              req.SessionID,
		UserID:                 req.UserID,
		Origin:                 req.Origin,
		Platform:               req.Platform,
		CredentialResponseJSON: req.Credential,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registrationCompleteResponse{
		UserID:       out.UserID,
		Username:     out.Username,
		CredentialID: out.CredentialID,
		DeviceType:   out.DeviceType,
		BackedUp:     out.BackedUp,
		Transports:   out.Transports,
	})
}

type authenticationBeginRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type authenticationBeginResponse struct {
	SessionID      string          `json:"session_id"`
	Platform       string          `json:"platform"`
	Discoverable   bool            `json:"discoverable"`
	RequestOptions json.RawMessage `json:"request_options"`
}

func (h *Handler) handleAuthenticationBegin(w http.ResponseWriter, r *http.Request) {
	var req authenticationBeginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}

	out, err := h.ceremonies.BeginAuthentication(r.Context(), ceremony.BeginAuthenticationInput{
		UserID:    req.UserID,
		Platform:  req.Platform,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authenticationBeginResponse{
		SessionID:      out.SessionID,
		Platform:       string(out.Platform),
		Discoverable:   out.Discoverable,
		RequestOptions: out.RequestOptionsJSON,
	})
}

type authenticationCompleteRequest struct {
	SessionID      string          `json:"session_id"`
	Origin         string          `json:"origin,omitempty"`
	Credential     json.RawMessage `json:"credential"`
	SkipDelegation bool            `json:"skip_delegation,omitempty"`
}

type authenticationCompleteResponse struct {
	UserID       string            `json:"user_id"`
	Username     string            `json:"username"`
	CredentialID string            `json:"credential_id"`
	GrantToken   string            `json:"grant_token,omitempty"`
	Delegation   *delegate.Outcome `json:"delegation,omitempty"`
}

func (h *Handler) handleAuthenticationComplete(w http.ResponseWriter, r *http.Request) {
	var req authenticationCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, "invalid request body")
		return
	}
	if req.SessionID == "" {
		h.writeBadRequest(w, "session_id is required")
		return
	}
	if len(req.Credential) == 0 {
		h.writeBadRequest(w, "credential is required")
		return
	}

	out, err := h.ceremonies.FinishAuthentication(r.Context(), ceremony.FinishAuthenticationInput{
		SessionID:              req.SessionID,
		Origin:                 req.Origin,
		CredentialResponseJSON: req.Credential,
		SkipDelegation:         req.SkipDelegation,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authenticationCompleteResponse{
		UserID:       out.UserID,
		Username:     out.Username,
		CredentialID: out.CredentialID,
		GrantToken:   out.GrantToken,
		Delegation:   out.Delegation,
	})
}
