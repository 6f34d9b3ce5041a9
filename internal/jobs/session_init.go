package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/service"
)

// SessionInitExecutor handles session_init jobs.
type SessionInitExecutor struct {
	sessionService *service.SessionService
}

// NewSessionInitExecutor creates a session init executor.
func NewSessionInitExecutor(sessionSvc *service.SessionService) *SessionInitExecutor {
	return &SessionInitExecutor{sessionService: sessionSvc}
}

// Kind returns the job kind this executor handles.
func (e *SessionInitExecutor) Kind() model.JobKind {
	return model.JobKindSessionInit
}

// Execute processes the job.
func (e *SessionInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload SessionInitPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}

	return e.sessionService.Initialize(ctx, payload.ProjectID, payload.SessionID, payload.AgentID)
}
