package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/service"
)

// SessionDeleteExecutor handles session_delete jobs.
type SessionDeleteExecutor struct {
	sessionService *service.SessionService
}

// NewSessionDeleteExecutor creates a session delete executor.
func NewSessionDeleteExecutor(sessionSvc *service.SessionService) *SessionDeleteExecutor {
	return &SessionDeleteExecutor{sessionService: sessionSvc}
}

// Kind returns the job kind this executor handles.
func (e *SessionDeleteExecutor) Kind() model.JobKind {
	return model.JobKindSessionDelete
}

// Execute processes the job.
func (e *SessionDeleteExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload SessionDeletePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	return e.sessionService.PerformDeletion(ctx, payload.ProjectID, payload.SessionID)
}
