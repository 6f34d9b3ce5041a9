package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/service"
)

// SessionCommitExecutor handles session_commit jobs.
type SessionCommitExecutor struct {
	sessionService *service.SessionService
}

// NewSessionCommitExecutor creates a session commit executor.
func NewSessionCommitExecutor(sessionSvc *service.SessionService) *SessionCommitExecutor {
	return &SessionCommitExecutor{sessionService: sessionSvc}
}

// Kind returns the job kind this executor handles.
func (e *SessionCommitExecutor) Kind() model.JobKind {
	return model.JobKindSessionCommit
}

// Execute processes the job.
func (e *SessionCommitExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload SessionCommitPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	err := e.sessionService.PerformCommit(ctx, payload.ProjectID, payload.SessionID)
	if err != nil && !errkind.IsFatal(err) && job.Attempt+1 >= job.MaxAttempts {
		// Final attempt. Fatal errors already marked the commit failed;
		// surface the transient one too instead of leaving the session
		// stuck in committing.
		e.sessionService.AbandonCommit(ctx, payload.ProjectID, payload.SessionID, err)
	}
	return err
}
