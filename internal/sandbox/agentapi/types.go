// Package agentapi holds the wire types of the agent sidecar HTTP API that
// runs inside every sandbox.
package agentapi

import "time"

// InfoResponse is returned by GET /.
type InfoResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// UserResponse is returned by GET /user.
type UserResponse struct {
	LoggedIn bool   `json:"loggedIn"`
	Email    string `json:"email,omitempty"`
	Method   string `json:"method,omitempty"`
}

// Model describes one model the agent can use.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ChatMessage is one transcript entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatRequest starts or continues a conversation via POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// ChatResponse acknowledges an accepted chat request.
type ChatResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ChatStatusResponse is returned by GET /chat/status.
type ChatStatusResponse struct {
	IsRunning    bool   `json:"isRunning"`
	MessageCount int    `json:"messageCount"`
	LastActivity string `json:"lastActivity,omitempty"`
}

// Question is a pending agent question from GET /chat/question.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

// AnswerRequest answers a pending question via POST /chat/answer.
type AnswerRequest struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

// MessagesResponse is the JSON form of GET /chat.
type MessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// CommitsResponse is returned by GET /commits?parent=<sha> when the sandbox
// has commits on top of the requested parent. Patches is an mbox-format
// series suitable for git am.
type CommitsResponse struct {
	Patches     string `json:"patches"`
	CommitCount int    `json:"commitCount"`
	Parent      string `json:"parent"`
	Head        string `json:"head,omitempty"`
}

// Error codes returned by GET /commits.
const (
	CommitsErrParentMismatch = "parent_mismatch"
	CommitsErrNoCommits      = "no_commits"
	CommitsErrInvalidParent  = "invalid_parent"
	CommitsErrNotGitRepo     = "not_git_repo"
)

// CommitsErrorResponse is the error body of a failed GET /commits.
type CommitsErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// FileEntry is one directory listing entry from GET /files.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// FileContentResponse is returned by GET /files/content.
type FileContentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Binary  bool   `json:"binary"`
}

// FileWriteRequest creates or overwrites a file via POST /files/write.
type FileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileDeleteRequest removes a file via POST /files/delete.
type FileDeleteRequest struct {
	Path string `json:"path"`
}

// FileRenameRequest moves a file via POST /files/rename.
type FileRenameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DiffFile is one file in GET /diff output.
type DiffFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// DiffResponse is returned by GET /diff.
type DiffResponse struct {
	Files []DiffFile `json:"files"`
}

// Service describes one long-running process the sandbox exposes.
type Service struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Port   int    `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ServicesResponse is returned by GET /services.
type ServicesResponse struct {
	Services []Service `json:"services"`
}

// Hook is one lifecycle hook configured in the sandbox.
type Hook struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Event   string `json:"event"`
	Command string `json:"command"`
	Enabled bool   `json:"enabled"`

	// Last run, when the hook has fired at least once.
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// HooksResponse is returned by GET /hooks/status.
type HooksResponse struct {
	Hooks []Hook `json:"hooks"`
}

// HookOutputResponse is returned by GET /hooks/:id/output.
type HookOutputResponse struct {
	ID     string `json:"id"`
	Output string `json:"output"`
}

// SSE event names emitted on the GET /chat stream.
const (
	SSEEventConnected = "connected"
	SSEEventMessage   = "message"
	SSEEventDone      = "done"
	SSEEventError     = "error"
)

// SSEDoneMarker terminates a chat stream's data frames.
const SSEDoneMarker = "[DONE]"
