// Package store is the persistence layer. All entity mutations go through
// the Store; services never touch GORM directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kilnhq/kiln/internal/model"
)

// Sentinel errors returned by the store.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")

	// ErrJobAlreadyQueued indicates a non-terminal job with the same fifo key
	// and kind already exists; the enqueue was a no-op.
	ErrJobAlreadyQueued = errors.New("job already queued")
)

// Store provides transactional access to all entities.
type Store struct {
	db *gorm.DB
}

// New creates a store over the given GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// translateError maps GORM errors to store sentinels.
func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// --- Users & projects ---

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &project, nil
}

// CreateProject creates a project and adds the owner as a member.
func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return translateError(err)
		}
		member := &model.ProjectMember{
			ProjectID: project.ID,
			UserID:    project.OwnerID,
			Role:      "owner",
		}
		return translateError(tx.Create(member).Error)
	})
}

// ListProjectsForUser returns all projects the user is a member of.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]model.Project, error) {
	var projects []model.Project
	err := s.db.WithContext(ctx).
		Joins("JOIN project_members ON project_members.project_id = projects.id").
		Where("project_members.user_id = ?", userID).
		Find(&projects).Error
	return projects, err
}

// IsProjectMember reports whether the user belongs to the project.
func (s *Store) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ProjectMember{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	return count > 0, err
}

// --- Workspaces ---

// CreateWorkspace creates a workspace row.
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	return translateError(s.db.WithContext(ctx).Create(ws).Error)
}

// GetWorkspace returns a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := s.db.WithContext(ctx).First(&ws, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &ws, nil
}

// ListWorkspaces returns all workspaces for a project.
func (s *Store) ListWorkspaces(ctx context.Context, projectID string) ([]model.Workspace, error) {
	var workspaces []model.Workspace
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&workspaces).Error
	return workspaces, err
}

// UpdateWorkspaceStatus transitions the workspace status and appends a
// workspace_updated event row in the same transaction.
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errorMessage *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ws model.Workspace
		if err := tx.First(&ws, "id = ?", id).Error; err != nil {
			return translateError(err)
		}
		updates := map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		}
		if err := tx.Model(&model.Workspace{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		statusStr := string(status)
		event := &model.Event{
			ProjectID: ws.ProjectID,
			Kind:      "workspace_updated",
			TargetID:  id,
			Status:    &statusStr,
			Message:   errorMessage,
		}
		return tx.Create(event).Error
	})
}

// UpdateWorkspaceGitInfo records the clone's HEAD commit and branch list.
func (s *Store) UpdateWorkspaceGitInfo(ctx context.Context, id string, commit, branches string) error {
	result := s.db.WithContext(ctx).Model(&model.Workspace{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"commit":   commit,
			"branches": branches,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWorkspace removes a workspace. It fails with ErrConflict while any
// session under it is in a non-terminal state.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&model.Session{}).
			Where("workspace_id = ? AND status NOT IN ?", id,
				[]model.SessionStatus{model.SessionStatusStopped, model.SessionStatusError}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: workspace has %d active sessions", ErrConflict, active)
		}
		result := tx.Delete(&model.Workspace{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Sessions ---

// CreateSession creates a session row.
func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return translateError(s.db.WithContext(ctx).Create(session).Error)
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &session, nil
}

// ListSessionsByWorkspace returns sessions for a workspace, newest first.
func (s *Store) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// ListSessionsByProject returns sessions for a project, newest first.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// ListSessionsByStatuses returns all sessions in any of the given states.
func (s *Store) ListSessionsByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Find(&sessions).Error
	return sessions, err
}

// UpdateSessionStatus transitions the session status and appends a
// session_updated event row in the same transaction.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errorMessage *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.Session
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			return translateError(err)
		}
		updates := map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		}
		if err := tx.Model(&model.Session{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		statusStr := string(status)
		event := &model.Event{
			ProjectID: session.ProjectID,
			Kind:      "session_updated",
			TargetID:  id,
			Status:    &statusStr,
			Message:   errorMessage,
		}
		return tx.Create(event).Error
	})
}

// SetSessionWorkspaceInfo records the per-session working directory and the
// workspace commit snapshot. Both fields are written at most once: rows where
// workspace_path is already set are left untouched.
func (s *Store) SetSessionWorkspaceInfo(ctx context.Context, id, workspacePath, workspaceCommit string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND workspace_path IS NULL", id).
		Updates(map[string]interface{}{
			"workspace_path":   workspacePath,
			"workspace_commit": workspaceCommit,
		})
	return result.Error
}

// SetSessionAgent persists the resolved agent for a session.
func (s *Store) SetSessionAgent(ctx context.Context, id, agentID string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("agent_id", agentID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionCommitStatus transitions the commit pipeline state.
func (s *Store) UpdateSessionCommitStatus(ctx context.Context, id string, status model.CommitStatus, commitError *string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"commit_status": status,
			"commit_error":  commitError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionBaseCommit records the workspace commit the agent treats as the
// parent of its patches.
func (s *Store) SetSessionBaseCommit(ctx context.Context, id, baseCommit string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("base_commit", baseCommit)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionAppliedCommit records the SHA produced by applying the agent's
// patches to the shared workspace.
func (s *Store) SetSessionAppliedCommit(ctx context.Context, id, appliedCommit string) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("applied_commit", appliedCommit)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestSessionCommit moves the commit pipeline to pending and records the
// base commit. It fails with ErrConflict while a commit is already in flight.
func (s *Store) RequestSessionCommit(ctx context.Context, id, baseCommit string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.Session
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			return translateError(err)
		}
		if session.CommitStatus == model.CommitStatusPending || session.CommitStatus == model.CommitStatusCommitting {
			return fmt.Errorf("%w: commit already in progress", ErrConflict)
		}
		return tx.Model(&model.Session{}).Where("id = ?", id).Updates(map[string]interface{}{
			"commit_status": model.CommitStatusPending,
			"commit_error":  nil,
			"base_commit":   baseCommit,
		}).Error
	})
}

// DeleteSession removes the session row and its transcript.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Message{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.TerminalHistory{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		result := tx.Delete(&model.Session{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Now is a small indirection for tests that need deterministic time.
var Now = time.Now
