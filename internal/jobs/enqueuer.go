package jobs

import "context"

// Enqueuer adapts the Queue to the services' JobEnqueuer interface. It
// exists so the service package never imports jobs, which imports the
// services for its executors.
type Enqueuer struct {
	queue *Queue
}

// NewEnqueuer wraps a queue.
func NewEnqueuer(q *Queue) *Enqueuer {
	return &Enqueuer{queue: q}
}

// EnqueueWorkspaceInit queues a workspace clone.
func (e *Enqueuer) EnqueueWorkspaceInit(ctx context.Context, projectID, workspaceID string) error {
	return e.queue.Enqueue(ctx, WorkspaceInitPayload{
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
	})
}

// EnqueueSessionInit queues a session initialization.
func (e *Enqueuer) EnqueueSessionInit(ctx context.Context, projectID, sessionID, workspaceID, agentID string) error {
	return e.queue.Enqueue(ctx, SessionInitPayload{
		ProjectID:   projectID,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
	})
}

// EnqueueSessionCommit queues a commit run for the session.
func (e *Enqueuer) EnqueueSessionCommit(ctx context.Context, projectID, sessionID string) error {
	return e.queue.Enqueue(ctx, SessionCommitPayload{
		ProjectID: projectID,
		SessionID: sessionID,
	})
}

// EnqueueSessionDelete queues a session teardown.
func (e *Enqueuer) EnqueueSessionDelete(ctx context.Context, projectID, sessionID string) error {
	return e.queue.Enqueue(ctx, SessionDeletePayload{
		ProjectID: projectID,
		SessionID: sessionID,
	})
}
