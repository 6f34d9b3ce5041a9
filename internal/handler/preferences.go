package handler

import (
	"net/http"

	"github.com/kilnhq/kiln/internal/model"
)

// ListPreferences returns the anonymous user's preferences as a flat map.
func (h *Handler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.ListUserPreferences(r.Context(), model.AnonymousUserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list preferences")
		return
	}

	out := make(map[string]string, len(prefs))
	for _, p := range prefs {
		out[p.Key] = p.Value
	}
	h.JSON(w, http.StatusOK, map[string]any{"preferences": out})
}

// SetPreferences upserts one or more preference keys.
func (h *Handler) SetPreferences(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := h.DecodeJSON(r, &req); err != nil || len(req) == 0 {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for key, value := range req {
		if err := h.store.SetUserPreference(r.Context(), model.AnonymousUserID, key, value); err != nil {
			h.Error(w, http.StatusInternalServerError, "Failed to save preference")
			return
		}
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
