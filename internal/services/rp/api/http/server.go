// Package httpapi exposes the relying-party operations over HTTP.
//
// Routing and JSON shape validation live here; ceremony policy stays in
// the orchestrator. Errors cross the boundary as coded domain errors and
// are mapped to HTTP statuses at the edge.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	apperrors "github.com/quellauth/quell/internal/platform/errors"
	"github.com/quellauth/quell/internal/services/rp/ceremony"
	"github.com/quellauth/quell/internal/services/rp/delegate"
	"github.com/quellauth/quell/internal/services/rp/storage"
)

// CeremonyService is the orchestrator surface the handlers call.
type CeremonyService interface {
	BeginRegistration(ctx context.Context, in ceremony.BeginRegistrationInput) (ceremony.BeginRegistrationOutput, error)
	FinishRegistration(ctx context.Context, in ceremony.FinishRegistrationInput) (ceremony.FinishRegistrationOutput, error)
	BeginAuthentication(ctx context.Context, in ceremony.BeginAuthenticationInput) (ceremony.BeginAuthenticationOutput, error)
	FinishAuthentication(ctx context.Context, in ceremony.FinishAuthenticationInput) (ceremony.FinishAuthenticationOutput, error)
}

// Handler wires the HTTP routes to the ceremony orchestrator and stores.
type Handler struct {
	ceremonies         CeremonyService
	credentials        storage.CredentialStore
	backendCredentials delegate.CredentialSource
	allowedOrigins     []string
	logger             *log.Logger
}

// NewHandler builds the HTTP surface. backendCredentials may be nil; the
// backend admin routes then respond 404.
func NewHandler(ceremonies CeremonyService, credentials storage.CredentialStore, backendCredentials delegate.CredentialSource, allowedOrigins []string, logger *log.Logger) *Handler {
	return &Handler{
		ceremonies:         ceremonies,
		credentials:        credentials,
		backendCredentials: backendCredentials,
		allowedOrigins:     allowedOrigins,
		logger:             logger,
	}
}

// Router assembles the chi router with CORS for the configured origins.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/registration/begin", h.handleRegistrationBegin)
		r.Post("/registration/complete", h.handleRegistrationComplete)
		r.Post("/authentication/begin", h.handleAuthenticationBegin)
		r.Post("/authentication/complete", h.handleAuthenticationComplete)

		r.Get("/users/{userID}/credentials", h.handleListCredentials)
		r.Get("/credentials/{credentialID}", h.handleGetCredential)
		r.Delete("/credentials/{credentialID}", h.handleDeleteCredential)

		if h.backendCredentials != nil {
			r.Route("/backend/credentials", func(r chi.Router) {
				r.Get("/", h.handleBackendCredentialUserIDs)
				r.Put("/{userID}", h.handleBackendCredentialSet)
				r.Delete("/{userID}", h.handleBackendCredentialRemove)
			})
		}
	})

	return r
}

func (h *Handler) corsOrigins() []string {
	if len(h.allowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.allowedOrigins
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "decode request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape for failed requests.
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logf("http request failed: %v", err)
	}
	body := errorBody{
		Code:     string(code),
		Message:  apperrors.GetMessage(err),
		Metadata: apperrors.GetMetadata(err),
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]errorBody{"error": {
		Code:    string(apperrors.CodeUnknown),
		Message: message,
	}})
}
