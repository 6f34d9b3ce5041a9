package git

import (
	"context"
	"fmt"

	"github.com/kilnhq/kiln/internal/store"
)

// StoreWorkspaceSource resolves workspace clone sources from the store.
type StoreWorkspaceSource struct {
	store *store.Store
}

// NewStoreWorkspaceSource creates a store-backed workspace source.
func NewStoreWorkspaceSource(s *store.Store) *StoreWorkspaceSource {
	return &StoreWorkspaceSource{store: s}
}

// GetWorkspaceInfo looks up a workspace and returns its clone source.
func (s *StoreWorkspaceSource) GetWorkspaceInfo(ctx context.Context, workspaceID string) (*WorkspaceInfo, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace lookup: %w", err)
	}
	return &WorkspaceInfo{
		WorkspaceID: ws.ID,
		ProjectID:   ws.ProjectID,
		Source:      ws.Source,
		SourceType:  string(ws.SourceType),
	}, nil
}

var _ WorkspaceSource = (*StoreWorkspaceSource)(nil)
