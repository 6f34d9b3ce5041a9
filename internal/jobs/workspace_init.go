package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/service"
)

// WorkspaceInitExecutor handles workspace_init jobs.
type WorkspaceInitExecutor struct {
	workspaceService *service.WorkspaceService
}

// NewWorkspaceInitExecutor creates a workspace init executor.
func NewWorkspaceInitExecutor(workspaceSvc *service.WorkspaceService) *WorkspaceInitExecutor {
	return &WorkspaceInitExecutor{workspaceService: workspaceSvc}
}

// Kind returns the job kind this executor handles.
func (e *WorkspaceInitExecutor) Kind() model.JobKind {
	return model.JobKindWorkspaceInit
}

// Execute processes the job.
func (e *WorkspaceInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload WorkspaceInitPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.WorkspaceID == "" {
		return fmt.Errorf("workspaceId is required")
	}

	return e.workspaceService.Initialize(ctx, payload.WorkspaceID)
}
