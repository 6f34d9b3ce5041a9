package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// ErrJobAlreadyQueued is returned when an equivalent job is already pending;
// the enqueue was a no-op.
var ErrJobAlreadyQueued = store.ErrJobAlreadyQueued

// Queue enqueues jobs and pokes the dispatcher.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	notifyFunc func() // typically dispatcher.NotifyNewJob
}

// NewQueue creates a queue over the store.
func NewQueue(s *store.Store, cfg *config.Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// SetNotifyFunc sets the function called after each successful enqueue.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

// Enqueue writes a job row for the payload. Duplicate enqueues on the same
// (fifoKey, kind) while one is non-terminal return ErrJobAlreadyQueued,
// unless the payload allows duplicates.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	maxAttempts := q.cfg.DispatcherMaxAttempts
	if m, ok := payload.(MaxAttempter); ok {
		maxAttempts = m.MaxAttempts()
	}

	job := &model.Job{
		Kind:        payload.Kind(),
		FifoKey:     payload.FifoKey(),
		ProjectID:   payload.Project(),
		TargetID:    payload.Target(),
		Payload:     data,
		MaxAttempts: maxAttempts,
	}

	if d, ok := payload.(DuplicateAllower); ok && d.AllowDuplicates() {
		err = q.store.CreateJobAllowingDuplicates(ctx, job)
	} else {
		err = q.store.EnqueueJob(ctx, job)
	}
	if err != nil {
		if errors.Is(err, store.ErrJobAlreadyQueued) {
			return ErrJobAlreadyQueued
		}
		return err
	}

	if q.notifyFunc != nil {
		q.notifyFunc()
	}
	return nil
}
