package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/model"
)

// ListProjects returns the anonymous user's projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjectsForUser(r.Context(), model.AnonymousUserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// CreateProject creates a project owned by the anonymous user.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.Name == "" {
		h.Error(w, http.StatusBadRequest, "Name is required")
		return
	}

	project := &model.Project{
		Name:    req.Name,
		OwnerID: model.AnonymousUserID,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create project")
		return
	}
	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns a single project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Project not found")
		return
	}
	h.JSON(w, http.StatusOK, project)
}
