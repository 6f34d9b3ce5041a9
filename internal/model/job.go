package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobKind identifies the executor responsible for a job.
type JobKind string

const (
	JobKindWorkspaceInit JobKind = "workspace_init"
	JobKindSessionInit   JobKind = "session_init"
	JobKindSessionCommit JobKind = "session_commit"
	JobKindSessionDelete JobKind = "session_delete"
)

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusLeased    JobStatus = "leased"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// immutable.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a row in the durable work queue.
//
// Jobs sharing a FifoKey execute in strict enqueue order: the claim query
// never leases a job whose FifoKey has another leased job or an older queued
// job.
type Job struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Kind           JobKind   `gorm:"index" json:"kind"`
	FifoKey        string    `gorm:"index" json:"fifoKey"`
	ProjectID      string    `gorm:"index" json:"projectId"`
	TargetID       string    `gorm:"index" json:"targetId"`
	Payload        []byte    `gorm:"type:text" json:"payload"`
	Status         JobStatus `gorm:"index" json:"status"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"maxAttempts"`
	NotBefore      time.Time `gorm:"index" json:"notBefore"`
	LeaseOwner     *string   `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"leaseExpiresAt,omitempty"`
	LastError      *string   `json:"lastError,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.NotBefore.IsZero() {
		j.NotBefore = time.Now()
	}
	return nil
}

// SessionFifoKey returns the FIFO key serialising all jobs for a session.
func SessionFifoKey(sessionID string) string { return "session:" + sessionID }

// WorkspaceFifoKey returns the FIFO key serialising all jobs for a workspace.
func WorkspaceFifoKey(workspaceID string) string { return "workspace:" + workspaceID }
