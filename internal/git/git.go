// Package git manages workspace clones and session working copies through
// the git CLI.
package git

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for git operations.
var (
	ErrNotFound       = errors.New("workspace not found")
	ErrNotARepository = errors.New("not a git repository")
	ErrCloneFailed    = errors.New("clone failed")
	ErrFetchFailed    = errors.New("fetch failed")
	ErrCheckoutFailed = errors.New("checkout failed")
	ErrPatchConflict  = errors.New("patch conflict")
)

// WorkspaceInfo is what a WorkspaceSource resolves a workspace ID to.
type WorkspaceInfo struct {
	WorkspaceID string
	ProjectID   string
	Source      string
	SourceType  string
}

// WorkspaceSource translates workspace IDs to their clone source so callers
// of EnsureWorkspace need not carry it.
type WorkspaceSource interface {
	GetWorkspaceInfo(ctx context.Context, workspaceID string) (*WorkspaceInfo, error)
}

// FileStatus describes one changed path.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// Status is the porcelain state of a working copy.
type Status struct {
	Branch       string       `json:"branch"`
	Commit       string       `json:"commit"`
	CommitShort  string       `json:"commitShort"`
	Ahead        int          `json:"ahead"`
	Behind       int          `json:"behind"`
	IsClean      bool         `json:"isClean"`
	HasConflicts bool         `json:"hasConflicts"`
	Staged       []FileStatus `json:"staged"`
	Unstaged     []FileStatus `json:"unstaged"`
	Untracked    []string     `json:"untracked"`
}

// Branch describes one branch.
type Branch struct {
	Name      string `json:"name"`
	Commit    string `json:"commit"`
	Upstream  string `json:"upstream,omitempty"`
	IsRemote  bool   `json:"isRemote"`
	IsCurrent bool   `json:"isCurrent"`
}

// Commit describes one commit.
type Commit struct {
	SHA         string    `json:"sha"`
	ShortSHA    string    `json:"shortSha"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"authorEmail"`
	AuthorDate  time.Time `json:"authorDate"`
	Committer   string    `json:"committer"`
	CommitDate  time.Time `json:"commitDate"`
	Parents     []string  `json:"parents,omitempty"`
}

// FileDiff is one file's unified diff.
type FileDiff struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary"`
	Patch     string `json:"patch"`
}

// DiffOptions selects what Diff compares.
type DiffOptions struct {
	Staged  bool
	BaseRef string
	HeadRef string
	Context int
	Paths   []string
}

// LogOptions selects what Log returns.
type LogOptions struct {
	Ref   string
	Limit int
	Skip  int
	Paths []string
}

// ApplyResult reports a patch application.
type ApplyResult struct {
	// Branch the patches were applied on (session/<id>).
	Branch string
	// HeadCommit is the branch HEAD after application.
	HeadCommit string
}

// Provider is the git surface consumed by the services.
type Provider interface {
	// EnsureWorkspace guarantees a working copy exists for the workspace and
	// returns its directory and current HEAD commit. When source is empty it
	// is resolved through the WorkspaceSource.
	EnsureWorkspace(ctx context.Context, projectID, workspaceID, source, ref string) (workDir string, commit string, err error)

	// EnsureSessionWorkDir allocates (or returns) a session's private
	// working copy cloned from the workspace, so concurrent sessions never
	// share uncommitted state.
	EnsureSessionWorkDir(ctx context.Context, projectID, workspaceID, sessionID string) (workDir string, err error)

	// ReleaseSessionWorkDir removes a session's private working copy.
	ReleaseSessionWorkDir(ctx context.Context, sessionID string) error

	// ApplyPatches applies an mbox patch series onto a session branch rooted
	// at baseCommit in the shared workspace clone. Conflicts return
	// ErrPatchConflict.
	ApplyPatches(ctx context.Context, workspaceID, sessionID, baseCommit, patches string) (*ApplyResult, error)

	HeadCommit(ctx context.Context, workspaceID string) (string, error)
	Fetch(ctx context.Context, workspaceID string) error
	Checkout(ctx context.Context, workspaceID, ref string) error
	Status(ctx context.Context, workspaceID string) (*Status, error)
	Branches(ctx context.Context, workspaceID string) ([]Branch, error)
	Diff(ctx context.Context, workspaceID string, opts DiffOptions) ([]FileDiff, error)
	ReadFile(ctx context.Context, workspaceID, ref, path string) ([]byte, error)
	WriteFile(ctx context.Context, workspaceID, path string, content []byte) error
	Stage(ctx context.Context, workspaceID string, paths []string) error
	Commit(ctx context.Context, workspaceID, message, authorName, authorEmail string) (*Commit, error)
	Log(ctx context.Context, workspaceID string, opts LogOptions) ([]Commit, error)
	GetWorkDir(ctx context.Context, workspaceID string) string
	RemoveWorkspace(ctx context.Context, workspaceID string) error
}

// IsGitURL reports whether source looks like a remote git URL rather than a
// local path.
func IsGitURL(source string) bool {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return true
	}
	if strings.HasPrefix(source, "git://") || strings.HasPrefix(source, "ssh://") {
		return true
	}
	// scp-like syntax: user@host:path
	if strings.Contains(source, "@") && strings.Contains(source, ":") && !strings.Contains(source, "://") {
		return true
	}
	return false
}
