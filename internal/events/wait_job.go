package events

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// jobFifoKey maps a job kind and target to its fifo key.
func jobFifoKey(kind model.JobKind, targetID string) string {
	if kind == model.JobKindWorkspaceInit {
		return model.WorkspaceFifoKey(targetID)
	}
	return model.SessionFifoKey(targetID)
}

// JobResult is the terminal outcome of a job.
type JobResult struct {
	Status model.JobStatus
	Error  string
}

// WaitForJobCompletion blocks until the latest (kind, targetID) job reaches a
// terminal state, the context is cancelled, or no such job exists.
//
// It subscribes to the broker before checking the database so a completion
// that lands in between is not missed, and additionally re-checks the
// database on a slow ticker in case the matching event was dropped for a
// slow subscriber.
func WaitForJobCompletion(ctx context.Context, b *Broker, s *store.Store, projectID string, kind model.JobKind, targetID string) (*JobResult, error) {
	sub := b.Subscribe(projectID)
	defer b.Unsubscribe(sub)

	check := func() (*JobResult, error) {
		job, err := s.GetLatestJob(ctx, jobFifoKey(kind, targetID), kind)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			result := &JobResult{Status: job.Status}
			if job.LastError != nil {
				result.Error = *job.LastError
			}
			return result, nil
		}
		return nil, nil
	}

	if result, err := check(); err != nil || result != nil {
		return result, err
	}

	// Fallback poll covers dropped events.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s on %s: %w", kind, targetID, ctx.Err())

		case event, ok := <-sub.C:
			if !ok {
				return nil, fmt.Errorf("event subscription closed while waiting for %s on %s", kind, targetID)
			}
			if event.Kind != KindJobCompleted {
				continue
			}
			if event.Data["targetId"] != targetID || event.Data["kind"] != string(kind) {
				continue
			}
			result := &JobResult{}
			if status, ok := event.Data["status"].(string); ok {
				result.Status = model.JobStatus(status)
			}
			if msg, ok := event.Data["errorMessage"].(string); ok {
				result.Error = msg
			}
			return result, nil

		case <-ticker.C:
			if result, err := check(); err != nil || result != nil {
				return result, err
			}
		}
	}
}
