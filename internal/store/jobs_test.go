package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/database"
	"github.com/kilnhq/kiln/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		DatabaseDSN:    "sqlite3://" + filepath.Join(t.TempDir(), "test.db"),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db.DB)
}

func makeJob(fifoKey string, kind model.JobKind) *model.Job {
	return &model.Job{
		Kind:        kind,
		FifoKey:     fifoKey,
		ProjectID:   model.DefaultProjectID,
		TargetID:    "target",
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
	}
}

func TestEnqueueJobDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := makeJob("session:a", model.JobKindSessionInit)
	if err := s.EnqueueJob(ctx, first); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	// Same (fifoKey, kind) while queued is a no-op.
	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); !errors.Is(err, ErrJobAlreadyQueued) {
		t.Errorf("expected ErrJobAlreadyQueued, got %v", err)
	}
	// A different kind on the same key is allowed.
	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionDelete)); err != nil {
		t.Errorf("different kind dedup: %v", err)
	}

	// Once the first job reaches a terminal state the key/kind pair frees up.
	claimed, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimReadyJob = (%v, %v)", claimed, err)
	}
	if err := s.CompleteJob(ctx, claimed.ID, "w1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Errorf("enqueue after completion: %v", err)
	}
}

func TestClaimReadyJobFIFOPerKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeJob("session:a", model.JobKindSessionCommit)
	if err := s.CreateJobAllowingDuplicates(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	b := makeJob("session:a", model.JobKindSessionCommit)
	b.CreatedAt = a.CreatedAt.Add(time.Millisecond)
	if err := s.CreateJobAllowingDuplicates(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	c := makeJob("session:c", model.JobKindSessionCommit)
	c.CreatedAt = a.CreatedAt.Add(2 * time.Millisecond)
	if err := s.CreateJobAllowingDuplicates(ctx, c); err != nil {
		t.Fatalf("create c: %v", err)
	}

	// Oldest job first.
	first, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first claim = (%v, %v)", first, err)
	}
	if first.ID != a.ID {
		t.Errorf("claimed %s, want %s", first.ID, a.ID)
	}

	// The key is busy while a is leased, so only c is claimable.
	second, err := s.ClaimReadyJob(ctx, "w2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("second claim = (%v, %v)", second, err)
	}
	if second.ID != c.ID {
		t.Errorf("claimed %s, want %s", second.ID, c.ID)
	}

	// Nothing else is claimable until a finishes.
	if third, err := s.ClaimReadyJob(ctx, "w3", time.Minute); err != nil || third != nil {
		t.Errorf("third claim = (%v, %v), want nothing", third, err)
	}

	if err := s.CompleteJob(ctx, a.ID, "w1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	fourth, err := s.ClaimReadyJob(ctx, "w3", time.Minute)
	if err != nil || fourth == nil {
		t.Fatalf("fourth claim = (%v, %v)", fourth, err)
	}
	if fourth.ID != b.ID {
		t.Errorf("claimed %s, want %s", fourth.ID, b.ID)
	}
}

func TestClaimHonorsNotBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := makeJob("session:a", model.JobKindSessionInit)
	job.NotBefore = time.Now().Add(time.Hour)
	if err := s.CreateJobAllowingDuplicates(ctx, job); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if claimed, err := s.ClaimReadyJob(ctx, "w1", time.Minute); err != nil || claimed != nil {
		t.Errorf("claim = (%v, %v), want nothing before not_before", claimed, err)
	}
}

// An older queued job delayed by retry backoff still blocks newer jobs on the
// same key, so FIFO order survives requeues.
func TestFIFOBlocksOnDelayedRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeJob("session:a", model.JobKindSessionCommit)
	if err := s.CreateJobAllowingDuplicates(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	b := makeJob("session:a", model.JobKindSessionCommit)
	b.CreatedAt = a.CreatedAt.Add(time.Millisecond)
	if err := s.CreateJobAllowingDuplicates(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	claimed, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || claimed == nil || claimed.ID != a.ID {
		t.Fatalf("claim = (%v, %v), want %s", claimed, err, a.ID)
	}
	if err := s.RequeueJob(ctx, a.ID, "w1", "transient failure", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RequeueJob failed: %v", err)
	}

	// b is ready but a, though delayed, is older on the same key.
	if claimed, err := s.ClaimReadyJob(ctx, "w1", time.Minute); err != nil || claimed != nil {
		t.Errorf("claim = (%v, %v), want nothing while the retry is pending", claimed, err)
	}

	requeued, err := s.GetJob(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if requeued.Status != model.JobStatusQueued || requeued.Attempt != 1 {
		t.Errorf("requeued job = %s attempt %d", requeued.Status, requeued.Attempt)
	}
	if requeued.LastError == nil || *requeued.LastError != "transient failure" {
		t.Errorf("last error = %v", requeued.LastError)
	}
}

func TestHeartbeatAndLeaseOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v)", job, err)
	}

	if err := s.HeartbeatJob(ctx, job.ID, "w1", time.Minute); err != nil {
		t.Errorf("heartbeat failed: %v", err)
	}
	// Another worker never extends someone else's lease.
	if err := s.HeartbeatJob(ctx, job.ID, "w2", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign heartbeat = %v, want ErrNotFound", err)
	}
	if err := s.CompleteJob(ctx, job.ID, "w2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign complete = %v, want ErrNotFound", err)
	}

	if err := s.CompleteJob(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	// Terminal statuses are immutable.
	if err := s.HeartbeatJob(ctx, job.ID, "w1", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat after completion = %v, want ErrNotFound", err)
	}
	if err := s.FailJob(ctx, job.ID, "w1", "late"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fail after completion = %v, want ErrNotFound", err)
	}
}

func TestFailJobIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v)", job, err)
	}
	if err := s.FailJob(ctx, job.ID, "w1", "boom"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	failed, err := s.GetLatestJob(ctx, "session:a", model.JobKindSessionInit)
	if err != nil {
		t.Fatalf("GetLatestJob failed: %v", err)
	}
	if failed.Status != model.JobStatusFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}
	if failed.LastError == nil || *failed.LastError != "boom" {
		t.Errorf("last error = %v", failed.LastError)
	}
	if !failed.Status.IsTerminal() {
		t.Error("failed must be terminal")
	}

	// The key is free again.
	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Errorf("enqueue after failure: %v", err)
	}
}

func TestReleaseJobKeepsAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.ClaimReadyJob(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v)", job, err)
	}
	if err := s.ReleaseJob(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("ReleaseJob failed: %v", err)
	}

	released, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if released.Status != model.JobStatusQueued || released.Attempt != 0 {
		t.Errorf("released job = %s attempt %d, want queued attempt 0", released.Status, released.Attempt)
	}
}

func TestStealExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, makeJob("session:a", model.JobKindSessionInit)); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.ClaimReadyJob(ctx, "dead-worker", 10*time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("claim = (%v, %v)", job, err)
	}

	// A live lease is never stolen.
	if n, err := s.StealExpiredLeases(ctx, time.Hour); err != nil || n != 0 {
		t.Errorf("steal live = (%d, %v)", n, err)
	}

	time.Sleep(30 * time.Millisecond)
	n, err := s.StealExpiredLeases(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("StealExpiredLeases failed: %v", err)
	}
	if n != 1 {
		t.Errorf("stole %d jobs, want 1", n)
	}

	reclaimed, err := s.ClaimReadyJob(ctx, "w2", time.Minute)
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim = (%v, %v)", reclaimed, err)
	}
	if reclaimed.ID != job.ID {
		t.Errorf("reclaimed %s, want %s", reclaimed.ID, job.ID)
	}

	// The old owner's lease is gone.
	if err := s.HeartbeatJob(ctx, job.ID, "dead-worker", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale heartbeat = %v, want ErrNotFound", err)
	}
}

func TestClaimBreaksCreatedAtTiesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two queued jobs on one fifo key with the same timestamp; the id
	// decides the order so every worker sees the same head.
	created := time.Now().Add(-time.Second).Truncate(time.Second)
	first := makeJob("session:tie", model.JobKindSessionInit)
	first.ID = "job-a"
	first.CreatedAt = created
	if err := s.EnqueueJob(ctx, first); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	second := makeJob("session:tie", model.JobKindSessionCommit)
	second.ID = "job-b"
	second.CreatedAt = created
	if err := s.EnqueueJob(ctx, second); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	claimed, err := s.ClaimReadyJob(ctx, "owner-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimReadyJob failed: %v", err)
	}
	if claimed == nil || claimed.ID != "job-a" {
		t.Fatalf("claimed %+v, want job-a", claimed)
	}

	// The tied sibling stays blocked behind the lease.
	blocked, err := s.ClaimReadyJob(ctx, "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimReadyJob failed: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed %s while job-a holds the fifo key", blocked.ID)
	}

	if err := s.CompleteJob(ctx, "job-a", "owner-1"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	next, err := s.ClaimReadyJob(ctx, "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimReadyJob failed: %v", err)
	}
	if next == nil || next.ID != "job-b" {
		t.Fatalf("claimed %+v, want job-b", next)
	}
}
