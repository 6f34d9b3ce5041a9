// Package handler exposes the HTTP API. Handlers validate and translate;
// all domain work happens in the services or in queue jobs.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/service"
	"github.com/kilnhq/kiln/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store             *store.Store
	cfg               *config.Config
	gitProvider       git.Provider
	workspaceService  *service.WorkspaceService
	sessionService    *service.SessionService
	sandboxService    *service.SandboxService
	credentialService *service.CredentialService
	enqueuer          service.JobEnqueuer
	eventBroker       *events.Broker
}

// Options bundles the dependencies for New.
type Options struct {
	Store             *store.Store
	Config            *config.Config
	GitProvider       git.Provider
	WorkspaceService  *service.WorkspaceService
	SessionService    *service.SessionService
	SandboxService    *service.SandboxService
	CredentialService *service.CredentialService
	Enqueuer          service.JobEnqueuer
	EventBroker       *events.Broker
}

// New creates a Handler over already-wired services.
func New(opts Options) *Handler {
	return &Handler{
		store:             opts.Store,
		cfg:               opts.Config,
		gitProvider:       opts.GitProvider,
		workspaceService:  opts.WorkspaceService,
		sessionService:    opts.SessionService,
		sandboxService:    opts.SandboxService,
		credentialService: opts.CredentialService,
		enqueuer:          opts.Enqueuer,
		eventBroker:       opts.EventBroker,
	}
}

// JSON writes a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes an error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// serviceError maps service/store errors to HTTP responses.
func (h *Handler) serviceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrConflict):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrSessionNotReady):
		h.Error(w, http.StatusServiceUnavailable, "Session is not ready")
	default:
		h.Error(w, http.StatusInternalServerError, fallback)
	}
}
