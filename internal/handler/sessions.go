package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
	"github.com/kilnhq/kiln/internal/store"
)

// CreateSession creates a session in a workspace and enqueues its init.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	workspaceID := chi.URLParam(r, "workspaceId")

	var req struct {
		Name    string `json:"name"`
		AgentID string `json:"agentId"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.sessionService.Create(r.Context(), projectID, workspaceID, req.Name, req.AgentID)
	if err != nil {
		h.serviceError(w, err, "Failed to create session")
		return
	}
	h.JSON(w, http.StatusCreated, session)
}

// GetSession returns a single session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	session, err := h.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	h.JSON(w, http.StatusOK, session)
}

// DeleteSession marks the session for removal; the delete job does the rest.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.sessionService.Delete(r.Context(), sessionID); err != nil {
		h.serviceError(w, err, "Failed to delete session")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CommitSession requests a commit of the session's work. 409 when a commit
// is already pending or running.
func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.sessionService.RequestCommit(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.Error(w, http.StatusConflict, "A commit is already in progress")
			return
		}
		h.serviceError(w, err, "Failed to request commit")
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"commitStatus": string(model.CommitStatusPending)})
}

// ListMessages returns the session's chat transcript.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	messages, err := h.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// Chat forwards a user message to the session's agent. The gatekeeper blocks
// until the sandbox is running, reviving it if needed.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req struct {
		Message string `json:"message"`
	}
	if err := h.DecodeJSON(r, &req); err != nil || req.Message == "" {
		h.Error(w, http.StatusBadRequest, "Message is required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.PostChat(r.Context(), req.Message); err != nil {
		h.Error(w, http.StatusBadGateway, "Agent rejected the message")
		return
	}
	h.sessionService.MarkRunning(r.Context(), sessionID)
	if err := h.store.CreateMessage(r.Context(), &model.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   req.Message,
	}); err != nil {
		// The transcript is best effort; the agent already has the message.
		h.JSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ChatStream proxies the agent's SSE stream to the client. Without an SSE
// Accept header it returns the transcript as JSON instead.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		messages, err := client.ListChatMessages(r.Context())
		if err != nil {
			h.Error(w, http.StatusBadGateway, "Failed to list chat messages")
			return
		}
		h.JSON(w, http.StatusOK, messages)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := client.GetChatStream(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to open agent stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-stream:
			if !open {
				h.sessionService.MarkIdle(r.Context(), sessionID)
				return
			}
			if line.Done {
				fmt.Fprintf(w, "data: %s\n\n", agentapi.SSEDoneMarker)
				flusher.Flush()
				h.sessionService.MarkIdle(r.Context(), sessionID)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line.Data)
			flusher.Flush()
		}
	}
}

// ClearChat wipes the session's transcript, in the sandbox and in the store.
func (h *Handler) ClearChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.ClearChat(r.Context()); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to clear chat")
		return
	}
	if err := h.store.DeleteMessages(r.Context(), sessionID); err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to clear transcript")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetChatQuestion returns the agent's pending question, 204 when none.
func (h *Handler) GetChatQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	question, err := client.GetQuestion(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to get question")
		return
	}
	if question == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.JSON(w, http.StatusOK, question)
}

// AnswerChatQuestion answers the agent's pending question.
func (h *Handler) AnswerChatQuestion(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req agentapi.AnswerRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.ID == "" {
		h.Error(w, http.StatusBadRequest, "Question id is required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.PostAnswer(r.Context(), req.ID, req.Answer); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to post answer")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ChatStatus reports whether the agent is mid-completion.
func (h *Handler) ChatStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	status, err := client.GetChatStatus(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to get chat status")
		return
	}
	h.JSON(w, http.StatusOK, status)
}

// GetSessionFiles lists a directory inside the session's sandbox.
func (h *Handler) GetSessionFiles(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	files, err := client.ListFiles(r.Context(), path)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to list files")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"files": files})
}

// GetSessionFileContent reads a file inside the session's sandbox.
func (h *Handler) GetSessionFileContent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	content, err := client.ReadFile(r.Context(), path)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to read file")
		return
	}
	h.JSON(w, http.StatusOK, content)
}

// GetSessionDiff returns the sandbox working-tree diff.
func (h *Handler) GetSessionDiff(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	diff, err := client.GetDiff(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to get diff")
		return
	}
	h.JSON(w, http.StatusOK, diff)
}

// ListSessionModels returns the models the session's agent supports.
func (h *Handler) ListSessionModels(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	models, err := client.ListModels(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to list models")
		return
	}
	h.JSON(w, http.StatusOK, models)
}

// ListSessionServices returns the long-running processes in the sandbox.
func (h *Handler) ListSessionServices(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	services, err := client.ListServices(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to list services")
		return
	}
	h.JSON(w, http.StatusOK, services)
}

// WriteSessionFile creates or overwrites a file in the sandbox.
func (h *Handler) WriteSessionFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req agentapi.FileWriteRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.Path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.WriteFile(r.Context(), req.Path, req.Content); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to write file")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteSessionFile removes a file in the sandbox.
func (h *Handler) DeleteSessionFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req agentapi.FileDeleteRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.Path == "" {
		h.Error(w, http.StatusBadRequest, "Path is required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.DeleteFile(r.Context(), req.Path); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to delete file")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RenameSessionFile moves a file in the sandbox.
func (h *Handler) RenameSessionFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req agentapi.FileRenameRequest
	if err := h.DecodeJSON(r, &req); err != nil || req.From == "" || req.To == "" {
		h.Error(w, http.StatusBadRequest, "From and to are required")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.RenameFile(r.Context(), req.From, req.To); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to rename file")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StartSessionService starts one of the sandbox's services.
func (h *Handler) StartSessionService(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.StartService(r.Context(), serviceID); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to start service")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StopSessionService stops one of the sandbox's services.
func (h *Handler) StopSessionService(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.StopService(r.Context(), serviceID); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to stop service")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StreamSessionServiceOutput proxies a service's output SSE stream.
func (h *Handler) StreamSessionServiceOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	stream, err := client.GetServiceOutput(r.Context(), serviceID)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to open service output stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-stream:
			if !open {
				return
			}
			if line.Done {
				fmt.Fprintf(w, "data: %s\n\n", agentapi.SSEDoneMarker)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line.Data)
			flusher.Flush()
		}
	}
}

// GetSessionHooks returns the sandbox's lifecycle hooks and their last runs.
func (h *Handler) GetSessionHooks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	hooks, err := client.GetHooksStatus(r.Context())
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to get hooks")
		return
	}
	h.JSON(w, http.StatusOK, hooks)
}

// GetSessionHookOutput returns the captured output of a hook's last run.
func (h *Handler) GetSessionHookOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	hookID := chi.URLParam(r, "hookId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	output, err := client.GetHookOutput(r.Context(), hookID)
	if err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to get hook output")
		return
	}
	h.JSON(w, http.StatusOK, output)
}

// RerunSessionHook re-executes a hook in the sandbox.
func (h *Handler) RerunSessionHook(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	hookID := chi.URLParam(r, "hookId")

	client, err := h.sandboxService.GetClient(r.Context(), sessionID)
	if err != nil {
		h.serviceError(w, err, "Failed to reach session")
		return
	}

	if err := client.RerunHook(r.Context(), hookID); err != nil {
		h.Error(w, http.StatusBadGateway, "Failed to rerun hook")
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
