package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kilnhq/kiln/internal/model"
)

// EnqueueJob inserts a queued job row. While a non-terminal job with the
// same (fifoKey, kind) exists the call is deduplicated and returns
// ErrJobAlreadyQueued.
func (s *Store) EnqueueJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.Job{}).
			Where("fifo_key = ? AND kind = ? AND status IN ?",
				job.FifoKey, job.Kind,
				[]model.JobStatus{model.JobStatusQueued, model.JobStatusLeased}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrJobAlreadyQueued
		}
		return tx.Create(job).Error
	})
}

// CreateJobAllowingDuplicates inserts a queued job row without the
// (fifoKey, kind) dedup check. The claim query still serializes execution
// per fifo key.
func (s *Store) CreateJobAllowingDuplicates(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &job, nil
}

// GetLatestJob returns the most recent job for a (fifoKey, kind) pair.
func (s *Store) GetLatestJob(ctx context.Context, fifoKey string, kind model.JobKind) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("fifo_key = ? AND kind = ?", fifoKey, kind).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &job, nil
}

// ClaimReadyJob leases at most one ready job for the given owner.
//
// A job is ready when it is queued, its not_before has passed, no other job
// on its fifo key is leased, and no older queued job on the key exists
// (FIFO per key, even across retry delays). The lease itself is a
// compare-and-swap on the job row, so concurrent workers never claim the
// same job and never claim two jobs sharing a fifo key.
//
// Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimReadyJob(ctx context.Context, owner string, lease time.Duration) (*model.Job, error) {
	now := Now()

	var candidates []model.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND not_before <= ?", model.JobStatusQueued, now).
		Order("created_at ASC, id ASC").
		Limit(50).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i := range candidates {
		job := &candidates[i]
		if seen[job.FifoKey] {
			continue
		}
		seen[job.FifoKey] = true

		// The key is busy if another job holds a live lease, or an older
		// queued job (possibly delayed by backoff) is still ahead of us.
		// Same-timestamp rows are ordered by id so the tie breaks the same
		// way for every worker.
		var busy int64
		err := s.db.WithContext(ctx).Model(&model.Job{}).
			Where("fifo_key = ? AND id <> ? AND (status = ? OR (status = ? AND (created_at < ? OR (created_at = ? AND id < ?))))",
				job.FifoKey, job.ID,
				model.JobStatusLeased, model.JobStatusQueued,
				job.CreatedAt, job.CreatedAt, job.ID).
			Count(&busy).Error
		if err != nil {
			return nil, err
		}
		if busy > 0 {
			continue
		}

		expires := now.Add(lease)
		result := s.db.WithContext(ctx).Model(&model.Job{}).
			Where("id = ? AND status = ?", job.ID, model.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":           model.JobStatusLeased,
				"lease_owner":      owner,
				"lease_expires_at": expires,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race; try the next key.
			continue
		}

		job.Status = model.JobStatusLeased
		job.LeaseOwner = &owner
		job.LeaseExpiresAt = &expires
		return job, nil
	}

	return nil, nil
}

// HeartbeatJob extends a live lease. Returns ErrNotFound when the lease is
// no longer held by the owner (stolen or completed).
func (s *Store) HeartbeatJob(ctx context.Context, jobID, owner string, extension time.Duration) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, model.JobStatusLeased, owner).
		Update("lease_expires_at", Now().Add(extension))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a leased job completed. Terminal statuses are immutable,
// so the update is guarded on the current lease.
func (s *Store) CompleteJob(ctx context.Context, jobID, owner string) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, model.JobStatusLeased, owner).
		Updates(map[string]interface{}{
			"status":           model.JobStatusCompleted,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a leased job terminally failed with the error message.
func (s *Store) FailJob(ctx context.Context, jobID, owner, errMsg string) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, model.JobStatusLeased, owner).
		Updates(map[string]interface{}{
			"status":           model.JobStatusFailed,
			"attempt":          gorm.Expr("attempt + 1"),
			"last_error":       errMsg,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob returns a leased job to the queue for another attempt after
// notBefore, recording the error that caused the retry.
func (s *Store) RequeueJob(ctx context.Context, jobID, owner, errMsg string, notBefore time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, model.JobStatusLeased, owner).
		Updates(map[string]interface{}{
			"status":           model.JobStatusQueued,
			"attempt":          gorm.Expr("attempt + 1"),
			"last_error":       errMsg,
			"not_before":       notBefore,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseJob returns a leased job to the queue without bumping the attempt
// counter. Used when execution was cancelled rather than failed.
func (s *Store) ReleaseJob(ctx context.Context, jobID, owner string) error {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, model.JobStatusLeased, owner).
		Updates(map[string]interface{}{
			"status":           model.JobStatusQueued,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StealExpiredLeases resets leased jobs whose lease expired more than
// staleGrace ago back to queued, making them claimable again. Returns the
// number of jobs recovered.
func (s *Store) StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int64, error) {
	cutoff := Now().Add(-staleGrace)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND lease_expires_at < ?", model.JobStatusLeased, cutoff).
		Updates(map[string]interface{}{
			"status":           model.JobStatusQueued,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	return result.RowsAffected, result.Error
}
