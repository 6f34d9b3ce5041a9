package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/store"
)

// ListWorkspaces returns all workspaces for a project.
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	workspaces, err := h.workspaceService.List(r.Context(), projectID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list workspaces")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// CreateWorkspace creates a workspace and enqueues its clone.
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	var req struct {
		Source      string `json:"source"`
		DisplayName string `json:"displayName"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Source == "" {
		h.Error(w, http.StatusBadRequest, "Source is required")
		return
	}

	workspace, err := h.workspaceService.Create(r.Context(), projectID, req.Source, req.DisplayName)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.Error(w, http.StatusConflict, "A workspace for this source already exists")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to create workspace")
		return
	}

	if err := h.enqueuer.EnqueueWorkspaceInit(r.Context(), projectID, workspace.ID); err != nil && !errors.Is(err, store.ErrJobAlreadyQueued) {
		log.Printf("Failed to enqueue workspace init for %s: %v", workspace.ID, err)
	}
	h.JSON(w, http.StatusCreated, workspace)
}

// GetWorkspace returns a single workspace.
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	workspace, err := h.workspaceService.Get(r.Context(), workspaceID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Workspace not found")
		return
	}
	h.JSON(w, http.StatusOK, workspace)
}

// DeleteWorkspace deletes a workspace without sessions.
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	if err := h.workspaceService.Delete(r.Context(), workspaceID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.Error(w, http.StatusConflict, "Workspace still has sessions")
			return
		}
		h.Error(w, http.StatusInternalServerError, "Failed to delete workspace")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListSessionsByWorkspace returns all sessions attached to a workspace.
func (h *Handler) ListSessionsByWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	sessions, err := h.sessionService.ListByWorkspace(r.Context(), workspaceID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetWorkspaceGitStatus returns the porcelain status of the shared clone.
func (h *Handler) GetWorkspaceGitStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	status, err := h.gitProvider.Status(r.Context(), workspaceID)
	if err != nil {
		h.gitError(w, err, "Failed to get git status")
		return
	}
	h.JSON(w, http.StatusOK, status)
}

// FetchWorkspace fetches the clone's remotes.
func (h *Handler) FetchWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	if err := h.workspaceService.Refresh(r.Context(), workspaceID); err != nil {
		h.gitError(w, err, "Failed to fetch")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CheckoutWorkspace checks out a ref in the shared clone.
func (h *Handler) CheckoutWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Ref string `json:"ref"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.Ref == "" {
		h.Error(w, http.StatusBadRequest, "Ref is required")
		return
	}

	if err := h.gitProvider.Checkout(r.Context(), workspaceID, req.Ref); err != nil {
		h.gitError(w, err, "Failed to checkout")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetWorkspaceBranches lists the clone's branches.
func (h *Handler) GetWorkspaceBranches(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	branches, err := h.gitProvider.Branches(r.Context(), workspaceID)
	if err != nil {
		h.gitError(w, err, "Failed to list branches")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"branches": branches})
}

// GetWorkspaceDiff returns the clone's working-tree diff.
func (h *Handler) GetWorkspaceDiff(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	opts := git.DiffOptions{
		Staged:  r.URL.Query().Get("staged") == "true",
		BaseRef: r.URL.Query().Get("base"),
		HeadRef: r.URL.Query().Get("head"),
	}
	diffs, err := h.gitProvider.Diff(r.Context(), workspaceID, opts)
	if err != nil {
		h.gitError(w, err, "Failed to diff")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"files": diffs})
}

// GetWorkspaceFileContent reads a file from the clone at an optional ref.
func (h *Handler) GetWorkspaceFileContent(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}

	content, err := h.gitProvider.ReadFile(r.Context(), workspaceID, r.URL.Query().Get("ref"), path)
	if err != nil {
		h.gitError(w, err, "Failed to read file")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"path": path, "content": string(content)})
}

// WriteWorkspaceFile writes a file into the clone's working tree.
func (h *Handler) WriteWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.Path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}

	if err := h.gitProvider.WriteFile(r.Context(), workspaceID, req.Path, []byte(req.Content)); err != nil {
		h.gitError(w, err, "Failed to write file")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StageWorkspaceFiles stages paths in the clone.
func (h *Handler) StageWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Paths []string `json:"paths"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.gitProvider.Stage(r.Context(), workspaceID, req.Paths); err != nil {
		h.gitError(w, err, "Failed to stage files")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CommitWorkspace commits staged changes in the clone.
func (h *Handler) CommitWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Message     string `json:"message"`
		AuthorName  string `json:"authorName"`
		AuthorEmail string `json:"authorEmail"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.Message == "" {
		h.Error(w, http.StatusBadRequest, "Message is required")
		return
	}

	commit, err := h.gitProvider.Commit(r.Context(), workspaceID, req.Message, req.AuthorName, req.AuthorEmail)
	if err != nil {
		h.gitError(w, err, "Failed to commit")
		return
	}
	h.JSON(w, http.StatusOK, commit)
}

// GetWorkspaceLog returns the clone's commit log.
func (h *Handler) GetWorkspaceLog(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceId")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	commits, err := h.gitProvider.Log(r.Context(), workspaceID, git.LogOptions{
		Ref:   r.URL.Query().Get("ref"),
		Limit: limit,
		Skip:  skip,
	})
	if err != nil {
		h.gitError(w, err, "Failed to get log")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"commits": commits})
}

// gitError maps git provider errors to HTTP responses.
func (h *Handler) gitError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, git.ErrNotFound), errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Workspace not found")
	case errors.Is(err, git.ErrNotARepository):
		h.Error(w, http.StatusConflict, "Workspace is not a git repository")
	case errors.Is(err, git.ErrCheckoutFailed), errors.Is(err, git.ErrFetchFailed):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		h.Error(w, http.StatusInternalServerError, fallback)
	}
}
