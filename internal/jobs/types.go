// Package jobs defines the queue payloads and the executors that process
// them. Executors are registered on the dispatcher; everything else enqueues
// through the Queue.
package jobs

import "github.com/kilnhq/kiln/internal/model"

// Payload is implemented by all job payloads. The payload struct itself is
// JSON-marshaled into the job row.
type Payload interface {
	Kind() model.JobKind
	FifoKey() string
	Project() string
	Target() string
}

// MaxAttempter is an optional interface payloads implement to override the
// configured max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// DuplicateAllower is an optional interface payloads implement to allow
// multiple queued jobs on the same fifo key. Execution stays serialized per
// key; only the enqueue-time dedup is bypassed.
type DuplicateAllower interface {
	AllowDuplicates() bool
}

// SessionInitPayload drives the session_init executor.
type SessionInitPayload struct {
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId,omitempty"`
}

func (p SessionInitPayload) Kind() model.JobKind { return model.JobKindSessionInit }
func (p SessionInitPayload) FifoKey() string     { return model.SessionFifoKey(p.SessionID) }
func (p SessionInitPayload) Project() string     { return p.ProjectID }
func (p SessionInitPayload) Target() string      { return p.SessionID }

// WorkspaceInitPayload drives the workspace_init executor.
type WorkspaceInitPayload struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

func (p WorkspaceInitPayload) Kind() model.JobKind { return model.JobKindWorkspaceInit }
func (p WorkspaceInitPayload) FifoKey() string     { return model.WorkspaceFifoKey(p.WorkspaceID) }
func (p WorkspaceInitPayload) Project() string     { return p.ProjectID }
func (p WorkspaceInitPayload) Target() string      { return p.WorkspaceID }

// SessionDeletePayload drives the session_delete executor.
type SessionDeletePayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

func (p SessionDeletePayload) Kind() model.JobKind { return model.JobKindSessionDelete }
func (p SessionDeletePayload) FifoKey() string     { return model.SessionFifoKey(p.SessionID) }
func (p SessionDeletePayload) Project() string     { return p.ProjectID }
func (p SessionDeletePayload) Target() string      { return p.SessionID }

// SessionCommitPayload drives the session_commit executor. Commits share the
// session fifo key so no init or delete interleaves with them, and several
// commit requests may queue up behind each other.
type SessionCommitPayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

func (p SessionCommitPayload) Kind() model.JobKind   { return model.JobKindSessionCommit }
func (p SessionCommitPayload) FifoKey() string       { return model.SessionFifoKey(p.SessionID) }
func (p SessionCommitPayload) Project() string       { return p.ProjectID }
func (p SessionCommitPayload) Target() string        { return p.SessionID }
func (p SessionCommitPayload) AllowDuplicates() bool { return true }
