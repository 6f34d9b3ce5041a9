// Package model defines the database entities shared by the store and the
// services. All IDs are UUIDs assigned in BeforeCreate hooks.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Well-known IDs used when authentication is disabled.
const (
	AnonymousUserID  = "00000000-0000-0000-0000-000000000001"
	DefaultProjectID = "00000000-0000-0000-0000-000000000002"
)

// User represents an account. In no-auth mode a single anonymous user owns
// everything.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex" json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// NewAnonymousUser returns the singleton user for no-auth mode.
func NewAnonymousUser() *User {
	return &User{
		ID:    AnonymousUserID,
		Email: "anonymous@localhost",
		Name:  "Anonymous",
	}
}

// Project groups workspaces, sessions, agents and credentials.
type Project struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `gorm:"index" json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// NewDefaultProject returns the singleton project for no-auth mode.
func NewDefaultProject() *Project {
	return &Project{
		ID:      DefaultProjectID,
		Name:    "Default Project",
		OwnerID: AnonymousUserID,
	}
}

// ProjectMember links users to projects with a role.
type ProjectMember struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectID string    `gorm:"index:idx_project_user,unique" json:"projectId"`
	UserID    string    `gorm:"index:idx_project_user,unique" json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (ProjectMember) TableName() string { return "project_members" }

// WorkspaceSourceType distinguishes local paths from remote git URLs.
type WorkspaceSourceType string

const (
	WorkspaceSourceLocal WorkspaceSourceType = "local"
	WorkspaceSourceGit   WorkspaceSourceType = "git"
)

// WorkspaceStatus is the workspace lifecycle state.
type WorkspaceStatus string

const (
	WorkspaceStatusInitializing WorkspaceStatus = "initializing"
	WorkspaceStatusReady        WorkspaceStatus = "ready"
	WorkspaceStatusError        WorkspaceStatus = "error"
)

// Workspace is a git clone shared by all sessions in a project.
type Workspace struct {
	ID           string              `gorm:"primaryKey" json:"id"`
	ProjectID    string              `gorm:"index" json:"projectId"`
	Path         string              `gorm:"uniqueIndex" json:"path"`
	SourceType   WorkspaceSourceType `json:"sourceType"`
	Source       string              `json:"source"`
	DisplayName  *string             `json:"displayName,omitempty"`
	Status       WorkspaceStatus     `gorm:"index" json:"status"`
	Commit       *string             `json:"commit,omitempty"`
	Branches     *string             `json:"branches,omitempty"`
	ErrorMessage *string             `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

func (Workspace) TableName() string { return "workspaces" }

func (w *Workspace) BeforeCreate(_ *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WorkspaceStatusInitializing
	}
	return nil
}

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionStatusInitializing    SessionStatus = "initializing"
	SessionStatusReinitializing  SessionStatus = "reinitializing"
	SessionStatusCloning         SessionStatus = "cloning"
	SessionStatusPullingImage    SessionStatus = "pulling_image"
	SessionStatusCreatingSandbox SessionStatus = "creating_sandbox"
	SessionStatusReady           SessionStatus = "ready"
	SessionStatusRunning         SessionStatus = "running"
	SessionStatusStopped         SessionStatus = "stopped"
	SessionStatusError           SessionStatus = "error"
	SessionStatusRemoving        SessionStatus = "removing"
)

// InitializingStatuses are the transient states an init job moves through.
func InitializingStatuses() []SessionStatus {
	return []SessionStatus{
		SessionStatusInitializing,
		SessionStatusReinitializing,
		SessionStatusCloning,
		SessionStatusPullingImage,
		SessionStatusCreatingSandbox,
	}
}

// CommitStatus tracks the commit pipeline for a session.
type CommitStatus string

const (
	CommitStatusNone       CommitStatus = "none"
	CommitStatusPending    CommitStatus = "pending"
	CommitStatusCommitting CommitStatus = "committing"
	CommitStatusCompleted  CommitStatus = "completed"
	CommitStatusFailed     CommitStatus = "failed"
)

// Session is an ephemeral workbench: a sandbox attached to a per-session
// working copy of a workspace.
//
// WorkspacePath and WorkspaceCommit are set exactly once during the first
// successful init and must never be overwritten afterwards.
type Session struct {
	ID              string        `gorm:"primaryKey" json:"id"`
	ProjectID       string        `gorm:"index" json:"projectId"`
	WorkspaceID     string        `gorm:"index" json:"workspaceId"`
	AgentID         *string       `gorm:"index" json:"agentId,omitempty"`
	Name            string        `json:"name"`
	DisplayName     *string       `json:"displayName,omitempty"`
	Status          SessionStatus `gorm:"index" json:"status"`
	WorkspacePath   *string       `json:"workspacePath,omitempty"`
	WorkspaceCommit *string       `json:"workspaceCommit,omitempty"`
	BaseCommit      *string       `json:"baseCommit,omitempty"`
	AppliedCommit   *string       `json:"appliedCommit,omitempty"`
	CommitStatus    CommitStatus  `gorm:"default:none" json:"commitStatus"`
	CommitError     *string       `json:"commitError,omitempty"`
	ErrorMessage    *string       `json:"errorMessage,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = SessionStatusInitializing
	}
	if s.CommitStatus == "" {
		s.CommitStatus = CommitStatusNone
	}
	return nil
}

// Agent is a recipe for materialising the in-sandbox coding agent: its type,
// an optional system prompt, the model and free-form options.
type Agent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"index" json:"projectId"`
	Type      string    `json:"type"`
	Prompt    *string   `gorm:"type:text" json:"prompt,omitempty"`
	Model     *string   `json:"model,omitempty"`
	Options   []byte    `gorm:"type:text" json:"options,omitempty"`
	IsDefault bool      `gorm:"index" json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Agent) TableName() string { return "agents" }

func (a *Agent) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Credential stores an AI-provider credential, encrypted at rest.
type Credential struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"index:idx_project_provider,unique" json:"projectId"`
	Provider  string    `gorm:"index:idx_project_provider,unique" json:"provider"`
	Data      []byte    `json:"-"` // AES-256-GCM ciphertext
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Credential) TableName() string { return "credentials" }

func (c *Credential) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// UserPreference is a per-user key/value setting.
type UserPreference struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID    string    `gorm:"index:idx_user_pref,unique" json:"userId"`
	Key       string    `gorm:"index:idx_user_pref,unique" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (UserPreference) TableName() string { return "user_preferences" }

// Message is one entry of a session's chat transcript.
type Message struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index" json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// TerminalHistory persists terminal output so a reconnecting client can
// replay the scrollback.
type TerminalHistory struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"index" json:"sessionId"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

func (TerminalHistory) TableName() string { return "terminal_history" }

// Event is an append-only change-log row consumed by the event poller. Seq is
// a DB-assigned monotone sequence used as the replay cursor.
type Event struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Seq       int64     `gorm:"autoIncrement;uniqueIndex" json:"seq"`
	ProjectID string    `gorm:"index" json:"projectId"`
	Kind      string    `json:"kind"`
	TargetID  string    `gorm:"index" json:"targetId"`
	Status    *string   `json:"status,omitempty"`
	Message   *string   `json:"message,omitempty"`
	Data      []byte    `gorm:"type:text" json:"data,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (Event) TableName() string { return "events" }

func (e *Event) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// AllModels returns every model for AutoMigrate, parents before children.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Project{},
		&ProjectMember{},
		&Workspace{},
		&Session{},
		&Agent{},
		&Credential{},
		&UserPreference{},
		&Message{},
		&TerminalHistory{},
		&Job{},
		&Event{},
	}
}
