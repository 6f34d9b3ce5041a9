package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// ListAgents returns all agents of a project.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	agents, err := h.store.ListAgents(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list agents")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// CreateAgent creates an agent configuration.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	var req struct {
		Type      string          `json:"type"`
		Prompt    string          `json:"prompt"`
		Model     string          `json:"model"`
		Options   json.RawMessage `json:"options"`
		IsDefault bool            `json:"isDefault"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Type == "" {
		h.Error(w, http.StatusBadRequest, "Type is required")
		return
	}

	agent := &model.Agent{
		ProjectID: projectID,
		Type:      req.Type,
		Options:   req.Options,
		IsDefault: req.IsDefault,
	}
	if req.Prompt != "" {
		agent.Prompt = &req.Prompt
	}
	if req.Model != "" {
		agent.Model = &req.Model
	}
	if err := h.store.CreateAgent(r.Context(), agent); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to create agent")
		return
	}
	h.JSON(w, http.StatusCreated, agent)
}

// GetAgent returns a single agent.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	agent, err := h.store.GetAgent(r.Context(), agentID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Agent not found")
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// SetDefaultAgent marks one agent as the project default.
func (h *Handler) SetDefaultAgent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.AgentID == "" {
		h.Error(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := h.store.SetDefaultAgent(r.Context(), projectID, req.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Agent not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to set default agent")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteAgent deletes an agent.
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	if err := h.store.DeleteAgent(r.Context(), agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusInternalServerError, "Failed to delete agent")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
