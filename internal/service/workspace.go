package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// WorkspaceService owns workspace rows and the shared clone lifecycle.
type WorkspaceService struct {
	store       *store.Store
	gitProvider git.Provider

	// notify nudges the event poller after a state transition. May be nil.
	notify func()
}

// NewWorkspaceService creates a workspace service.
func NewWorkspaceService(s *store.Store, gitProv git.Provider) *WorkspaceService {
	return &WorkspaceService{store: s, gitProvider: gitProv}
}

// SetNotify registers the event poller nudge.
func (s *WorkspaceService) SetNotify(fn func()) {
	s.notify = fn
}

func (s *WorkspaceService) notifyEvents() {
	if s.notify != nil {
		s.notify()
	}
}

// Create inserts a workspace row in initializing state. The clone itself is
// performed by the workspace_init job.
func (s *WorkspaceService) Create(ctx context.Context, projectID, source, displayName string) (*model.Workspace, error) {
	sourceType := model.WorkspaceSourceLocal
	if git.IsGitURL(source) {
		sourceType = model.WorkspaceSourceGit
	}

	ws := &model.Workspace{
		ProjectID:  projectID,
		Path:       source,
		Source:     source,
		SourceType: sourceType,
		Status:     model.WorkspaceStatusInitializing,
	}
	if displayName != "" {
		ws.DisplayName = &displayName
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// Get returns one workspace.
func (s *WorkspaceService) Get(ctx context.Context, id string) (*model.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// List returns all workspaces of a project.
func (s *WorkspaceService) List(ctx context.Context, projectID string) ([]model.Workspace, error) {
	return s.store.ListWorkspaces(ctx, projectID)
}

// Initialize performs the workspace_init work: ensure the shared clone
// exists, record its git info, and transition the row to ready.
func (s *WorkspaceService) Initialize(ctx context.Context, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("workspace not found: %w", err)
	}

	_, commit, err := s.gitProvider.EnsureWorkspace(ctx, ws.ProjectID, ws.ID, ws.Source, "")
	if err != nil {
		msg := "clone failed: " + err.Error()
		if updateErr := s.store.UpdateWorkspaceStatus(ctx, workspaceID, model.WorkspaceStatusError, &msg); updateErr != nil {
			log.Printf("Failed to mark workspace %s as error: %v", workspaceID, updateErr)
		}
		s.notifyEvents()
		return fmt.Errorf("failed to ensure workspace %s: %w", workspaceID, err)
	}

	if err := s.store.UpdateWorkspaceGitInfo(ctx, workspaceID, commit, s.localBranches(ctx, workspaceID)); err != nil {
		return fmt.Errorf("failed to record workspace git info: %w", err)
	}
	if err := s.store.UpdateWorkspaceStatus(ctx, workspaceID, model.WorkspaceStatusReady, nil); err != nil {
		return fmt.Errorf("failed to mark workspace ready: %w", err)
	}
	s.notifyEvents()

	log.Printf("Workspace %s initialized at commit %s", workspaceID, commit)
	return nil
}

// Refresh fetches the clone and updates the recorded commit and branches.
func (s *WorkspaceService) Refresh(ctx context.Context, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if _, _, err := s.gitProvider.EnsureWorkspace(ctx, ws.ProjectID, ws.ID, ws.Source, ""); err != nil {
		return err
	}
	if ws.SourceType == model.WorkspaceSourceGit {
		if err := s.gitProvider.Fetch(ctx, workspaceID); err != nil {
			return err
		}
	}
	commit, err := s.gitProvider.HeadCommit(ctx, workspaceID)
	if err != nil {
		return err
	}
	return s.store.UpdateWorkspaceGitInfo(ctx, workspaceID, commit, s.localBranches(ctx, workspaceID))
}

// localBranches returns the clone's local branch names as a comma-separated
// list, or "" when they cannot be read.
func (s *WorkspaceService) localBranches(ctx context.Context, workspaceID string) string {
	list, err := s.gitProvider.Branches(ctx, workspaceID)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(list))
	for _, b := range list {
		if !b.IsRemote {
			names = append(names, b.Name)
		}
	}
	return strings.Join(names, ",")
}

// Delete removes the workspace row and its clone. Refused with ErrConflict
// while sessions still reference the workspace.
func (s *WorkspaceService) Delete(ctx context.Context, workspaceID string) error {
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.gitProvider.RemoveWorkspace(ctx, workspaceID); err != nil {
		log.Printf("Warning: failed to remove workspace clone %s: %v", workspaceID, err)
	}
	s.notifyEvents()
	return nil
}
