// Package dispatcher runs the durable job queue: a pool of workers that
// claim jobs with leases, heartbeat while executing, retry transient
// failures with backoff, and recover jobs orphaned by crashed workers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// Executor processes jobs of one kind.
type Executor interface {
	Kind() model.JobKind
	Execute(ctx context.Context, job *model.Job) error
}

// Service is the dispatcher. One Service runs per process; multiple
// processes sharing a database are safe because claims are compare-and-swap
// on the job row.
type Service struct {
	store   *store.Store
	cfg     *config.Config
	ownerID string

	executors map[model.JobKind]Executor

	// notifyEvents pokes the event poller after a job_completed row is
	// written, so waiters see it without a full poll interval.
	notifyEvents func()

	// notifyCh wakes workers ahead of the poll ticker when a job is
	// enqueued locally.
	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a dispatcher with a fresh owner identity.
func NewService(s *store.Store, cfg *config.Config) *Service {
	return &Service{
		store:     s,
		cfg:       cfg,
		ownerID:   uuid.NewString(),
		executors: make(map[model.JobKind]Executor),
		notifyCh:  make(chan struct{}, 100),
	}
}

// OwnerID returns the lease-owner identity of this dispatcher.
func (d *Service) OwnerID() string { return d.ownerID }

// RegisterExecutor registers the executor for a job kind. Must be called
// before Start.
func (d *Service) RegisterExecutor(ex Executor) {
	d.executors[ex.Kind()] = ex
}

// SetEventNotify registers a callback invoked after the dispatcher writes an
// event row.
func (d *Service) SetEventNotify(fn func()) {
	d.notifyEvents = fn
}

// NotifyNewJob wakes a worker to look for work immediately. Safe from any
// goroutine; redundant notifications coalesce in the channel.
func (d *Service) NotifyNewJob() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the worker pool and the lease reaper. The reaper sweeps
// once immediately so jobs orphaned by a crash restart promptly.
func (d *Service) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if n, err := d.store.StealExpiredLeases(d.ctx, d.cfg.DispatcherStaleJobTimeout); err != nil {
		log.Printf("dispatcher: startup lease sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("dispatcher: recovered %d orphaned jobs at startup", n)
	}

	workers := d.cfg.DispatcherWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}

	d.wg.Add(1)
	go d.reaperLoop()

	log.Printf("dispatcher: started %d workers (owner %s)", workers, d.ownerID)
}

// Stop cancels all loops and waits for in-flight jobs to finish or release.
func (d *Service) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Service) workerLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.notifyCh:
		}

		// Drain the queue: keep claiming until nothing is ready.
		for {
			if d.ctx.Err() != nil {
				return
			}
			job, err := d.store.ClaimReadyJob(d.ctx, d.ownerID, d.cfg.DispatcherHeartbeatTimeout)
			if err != nil {
				log.Printf("dispatcher: claim failed: %v", err)
				break
			}
			if job == nil {
				break
			}
			d.run(job)
		}
	}
}

func (d *Service) reaperLoop() {
	defer d.wg.Done()

	interval := d.cfg.DispatcherStaleJobTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.StealExpiredLeases(d.ctx, d.cfg.DispatcherStaleJobTimeout)
			if err != nil {
				if d.ctx.Err() == nil {
					log.Printf("dispatcher: lease sweep failed: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("dispatcher: recovered %d stale jobs", n)
				d.NotifyNewJob()
			}
		}
	}
}

// run executes one claimed job through its registered executor, holding the
// lease alive with a heartbeat goroutine until the executor returns.
func (d *Service) run(job *model.Job) {
	ex, ok := d.executors[job.Kind]
	if !ok {
		d.finish(job, fmt.Errorf("no executor registered for kind %q", job.Kind), true)
		return
	}

	jobCtx, cancel := context.WithTimeout(d.ctx, d.cfg.DispatcherJobTimeout)
	defer cancel()

	// Heartbeat until done. Losing the lease (stolen after expiry) cancels
	// the execution so two workers never run the same fifo key.
	hbDone := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(d.cfg.DispatcherHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				err := d.store.HeartbeatJob(jobCtx, job.ID, d.ownerID, d.cfg.DispatcherHeartbeatTimeout)
				if errors.Is(err, store.ErrNotFound) {
					log.Printf("dispatcher: lost lease on job %s, cancelling", job.ID)
					cancel()
					return
				}
			}
		}
	}()

	log.Printf("dispatcher: executing %s job %s (fifo %s, attempt %d)", job.Kind, job.ID, job.FifoKey, job.Attempt+1)
	err := ex.Execute(jobCtx, job)

	close(hbDone)
	hbWG.Wait()

	// Shutdown cancellation releases the lease without consuming an attempt.
	if err != nil && d.ctx.Err() != nil {
		if releaseErr := d.store.ReleaseJob(context.Background(), job.ID, d.ownerID); releaseErr != nil && !errors.Is(releaseErr, store.ErrNotFound) {
			log.Printf("dispatcher: failed to release job %s: %v", job.ID, releaseErr)
		}
		return
	}

	// Timeouts count as transient: the retry path handles them.
	d.finish(job, err, err != nil && errkind.IsFatal(err))
}

// finish records the job outcome: complete, retry with backoff, or fail.
// A job_completed event is emitted for the final state only.
func (d *Service) finish(job *model.Job, execErr error, fatal bool) {
	ctx := context.Background()

	if execErr == nil {
		if err := d.store.CompleteJob(ctx, job.ID, d.ownerID); err != nil {
			log.Printf("dispatcher: failed to complete job %s: %v", job.ID, err)
			return
		}
		d.emitJobCompleted(ctx, job, model.JobStatusCompleted, "")
		return
	}

	attempt := job.Attempt + 1
	if !fatal && attempt < job.MaxAttempts {
		delay := d.backoff(attempt)
		log.Printf("dispatcher: job %s failed (attempt %d/%d), retrying in %s: %v", job.ID, attempt, job.MaxAttempts, delay, execErr)
		if err := d.store.RequeueJob(ctx, job.ID, d.ownerID, execErr.Error(), time.Now().Add(delay)); err != nil {
			log.Printf("dispatcher: failed to requeue job %s: %v", job.ID, err)
		}
		return
	}

	log.Printf("dispatcher: job %s failed permanently: %v", job.ID, execErr)
	if err := d.store.FailJob(ctx, job.ID, d.ownerID, execErr.Error()); err != nil {
		log.Printf("dispatcher: failed to fail job %s: %v", job.ID, err)
		return
	}
	d.emitJobCompleted(ctx, job, model.JobStatusFailed, execErr.Error())
}

// backoff returns the retry delay for the given attempt: exponential with
// ±20% jitter, capped at the job timeout.
func (d *Service) backoff(attempt int) time.Duration {
	base := 2 * time.Second
	delay := base << uint(attempt-1)
	if delay > d.cfg.DispatcherJobTimeout {
		delay = d.cfg.DispatcherJobTimeout
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}

func (d *Service) emitJobCompleted(ctx context.Context, job *model.Job, status model.JobStatus, errMsg string) {
	statusStr := string(status)
	event := &model.Event{
		ProjectID: job.ProjectID,
		Kind:      "job_completed",
		TargetID:  job.TargetID,
		Status:    &statusStr,
	}
	if errMsg != "" {
		event.Message = &errMsg
	}
	data, _ := json.Marshal(map[string]string{"kind": string(job.Kind)})
	event.Data = data

	if err := d.store.AppendEvent(ctx, event); err != nil {
		log.Printf("dispatcher: failed to emit job_completed for %s: %v", job.ID, err)
		return
	}
	if d.notifyEvents != nil {
		d.notifyEvents()
	}
}
