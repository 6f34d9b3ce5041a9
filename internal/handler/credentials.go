package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListCredentials returns the provider names with stored credentials. Values
// never leave the server.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	providers, err := h.credentialService.ListProviders(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"providers": providers})
}

// SetCredential stores the environment variables for one provider.
func (h *Handler) SetCredential(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	provider := chi.URLParam(r, "provider")

	var req struct {
		Env map[string]string `json:"env"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || len(req.Env) == 0 {
		h.Error(w, http.StatusBadRequest, "env is required")
		return
	}

	if err := h.credentialService.Set(r.Context(), projectID, provider, req.Env); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteCredential removes one provider's credential.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	provider := chi.URLParam(r, "provider")

	if err := h.credentialService.Delete(r.Context(), projectID, provider); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
