// Package sandbox abstracts the container runtime that hosts session
// sandboxes and their agent sidecar.
package sandbox

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Status is a sandbox lifecycle state.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// AgentPort is the port the agent sidecar listens on inside every sandbox.
const AgentPort = 3002

// AssignedPort maps a container port to its host binding.
type AssignedPort struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	HostIP        string `json:"hostIp"`
	Protocol      string `json:"protocol"`
}

// Sandbox describes one sandbox instance.
type Sandbox struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Status    Status            `json:"status"`
	Image     string            `json:"image"`
	Ports     []AssignedPort    `json:"ports,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	StoppedAt *time.Time        `json:"stoppedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AgentPortBinding returns the host binding of the agent sidecar port, or nil.
func (s *Sandbox) AgentPortBinding() *AssignedPort {
	for i := range s.Ports {
		if s.Ports[i].ContainerPort == AgentPort {
			return &s.Ports[i]
		}
	}
	return nil
}

// Resources bounds a sandbox.
type Resources struct {
	CPULimit    float64       `json:"cpuLimit,omitempty"`
	MemoryLimit int64         `json:"memoryLimit,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// CreateOptions configures sandbox creation.
type CreateOptions struct {
	// SharedSecret authenticates backend calls to the agent sidecar. Passed
	// to the sandbox as an environment variable, never stored.
	SharedSecret string

	// WorkspacePath is the host directory mounted as the sandbox workspace.
	WorkspacePath string

	// WorkspaceSource and WorkspaceCommit tell the sidecar what the
	// workspace was cloned from and which commit it was snapshotted at.
	WorkspaceSource string
	WorkspaceCommit string

	Env       map[string]string
	Labels    map[string]string
	Resources Resources
}

// ExecOptions configures a one-shot command in a sandbox.
type ExecOptions struct {
	Cmd     []string
	WorkDir string
	Env     map[string]string
	Stdin   io.Reader
}

// ExecResult is the outcome of an Exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// AttachOptions configures an interactive terminal attach.
type AttachOptions struct {
	Cmd     []string
	WorkDir string
	Env     map[string]string
	Cols    int
	Rows    int
}

// PTY is an attached interactive terminal.
type PTY interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, rows, cols int) error
	Wait(ctx context.Context) (int, error)
}

// StateEvent reports a sandbox state change observed by the provider.
type StateEvent struct {
	SandboxID string
	SessionID string
	Status    Status
	Error     string
}

// Provider is the container runtime surface the services depend on.
type Provider interface {
	// Image returns the image sandboxes are created from.
	Image() string

	// ImageExists reports whether the sandbox image is available locally.
	ImageExists(ctx context.Context) (bool, error)

	// PullImage fetches the sandbox image. Safe to call when already present.
	PullImage(ctx context.Context) error

	// Create creates a sandbox for a session. Returns ErrAlreadyExists when
	// a sandbox for the session is already present.
	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error)

	// Start starts a created or stopped sandbox.
	Start(ctx context.Context, sessionID string) (*Sandbox, error)

	// Stop stops a running sandbox, waiting up to grace for a clean exit.
	Stop(ctx context.Context, sessionID string, grace time.Duration) error

	// Remove deletes a sandbox. When removeVolumes is true its data volume
	// is deleted too; otherwise the volume survives recreation.
	Remove(ctx context.Context, sessionID string, removeVolumes bool) error

	// Get returns the sandbox for a session, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Sandbox, error)

	// List returns all sandboxes this provider manages.
	List(ctx context.Context) ([]*Sandbox, error)

	// Exec runs a command to completion inside a running sandbox.
	Exec(ctx context.Context, sessionID string, opts ExecOptions) (*ExecResult, error)

	// Attach opens an interactive terminal inside a running sandbox.
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// GetSecret returns the shared secret recorded on the sandbox.
	GetSecret(ctx context.Context, sessionID string) (string, error)

	// HTTPClient returns a client whose transport reaches the agent sidecar
	// of the session's sandbox. The base URL scheme/host are provider
	// specific; callers use it with the sidecar's relative paths.
	HTTPClient(ctx context.Context, sessionID string) (*http.Client, string, error)

	// Close releases provider resources.
	Close() error
}
