package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalProvider implements Provider using the local git CLI.
//
// Layout under baseDir:
//
//	{baseDir}/{projectID}/workspaces/{workspaceID}   shared clone
//	{baseDir}/{projectID}/sessions/{sessionID}       per-session working copy
//
// The shared clone is only touched for commit application and workspace-level
// git operations; sessions work in their own copies.
type LocalProvider struct {
	baseDir string

	source WorkspaceSource

	// Per-workspace mutexes serialize EnsureWorkspace and ApplyPatches.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu             sync.RWMutex
	workspaceIndex map[string]*workspaceEntry
	sessionIndex   map[string]string // sessionID -> workDir
}

type workspaceEntry struct {
	projectID string
	workDir   string
	source    string
	isRemote  bool
}

// Option configures the LocalProvider.
type Option func(*LocalProvider)

// WithWorkspaceSource lets EnsureWorkspace resolve sources from the store
// when the caller does not pass one.
func WithWorkspaceSource(src WorkspaceSource) Option {
	return func(p *LocalProvider) { p.source = src }
}

// NewLocalProvider creates a provider rooted at baseDir.
func NewLocalProvider(baseDir string, opts ...Option) (*LocalProvider, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	p := &LocalProvider{
		baseDir:        baseDir,
		locks:          make(map[string]*sync.Mutex),
		workspaceIndex: make(map[string]*workspaceEntry),
		sessionIndex:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *LocalProvider) lockFor(key string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	if lock, ok := p.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.locks[key] = lock
	return lock
}

// EnsureWorkspace ensures the shared clone exists and returns its directory
// and current HEAD. When source is empty it is resolved through the
// configured WorkspaceSource.
func (p *LocalProvider) EnsureWorkspace(ctx context.Context, projectID, workspaceID, source, ref string) (string, string, error) {
	// Fast path: already indexed.
	p.mu.RLock()
	if entry, ok := p.workspaceIndex[workspaceID]; ok {
		p.mu.RUnlock()
		commit, err := p.runGitOutput(ctx, entry.workDir, "rev-parse", "HEAD")
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve HEAD for workspace %s: %w", workspaceID, err)
		}
		return entry.workDir, strings.TrimSpace(commit), nil
	}
	p.mu.RUnlock()

	if source == "" {
		if p.source == nil {
			return "", "", fmt.Errorf("no source for workspace %s and no workspace source configured", workspaceID)
		}
		info, err := p.source.GetWorkspaceInfo(ctx, workspaceID)
		if err != nil {
			return "", "", fmt.Errorf("resolving workspace %s: %w", workspaceID, err)
		}
		source = info.Source
		if projectID == "" {
			projectID = info.ProjectID
		}
	}

	lock := p.lockFor("workspace:" + workspaceID)
	lock.Lock()
	defer lock.Unlock()

	// Double-check after acquiring the lock.
	p.mu.RLock()
	if entry, ok := p.workspaceIndex[workspaceID]; ok {
		p.mu.RUnlock()
		commit, err := p.runGitOutput(ctx, entry.workDir, "rev-parse", "HEAD")
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve HEAD for workspace %s: %w", workspaceID, err)
		}
		return entry.workDir, strings.TrimSpace(commit), nil
	}
	p.mu.RUnlock()

	workspacesDir := filepath.Join(p.baseDir, projectID, "workspaces")
	if err := os.MkdirAll(workspacesDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	workDir := filepath.Join(workspacesDir, workspaceID)

	// Reuse an existing clone on disk.
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		p.index(workspaceID, &workspaceEntry{projectID: projectID, workDir: workDir, source: source, isRemote: IsGitURL(source)})
		commit, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve HEAD for workspace %s: %w", workspaceID, err)
		}
		return workDir, strings.TrimSpace(commit), nil
	}

	var entry *workspaceEntry
	if IsGitURL(source) {
		args := []string{"clone"}
		if ref != "" {
			args = append(args, "-b", ref)
		}
		args = append(args, source, workDir)
		if err := p.runGit(ctx, "", args...); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
		entry = &workspaceEntry{projectID: projectID, workDir: workDir, source: source, isRemote: true}
	} else {
		absSource, err := filepath.Abs(source)
		if err != nil {
			return "", "", fmt.Errorf("invalid path: %w", err)
		}
		if _, err := os.Stat(filepath.Join(absSource, ".git")); err != nil {
			return "", "", fmt.Errorf("%w: %s", ErrNotARepository, absSource)
		}
		if err := p.runGit(ctx, "", "clone", absSource, workDir); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
		if ref != "" {
			if err := p.runGit(ctx, workDir, "checkout", ref); err != nil {
				return "", "", fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
			}
		}
		entry = &workspaceEntry{projectID: projectID, workDir: workDir, source: absSource, isRemote: false}
	}

	p.index(workspaceID, entry)
	commit, _ := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	return workDir, strings.TrimSpace(commit), nil
}

func (p *LocalProvider) index(workspaceID string, entry *workspaceEntry) {
	p.mu.Lock()
	p.workspaceIndex[workspaceID] = entry
	p.mu.Unlock()
}

// EnsureSessionWorkDir clones the shared workspace copy into a session
// directory. Idempotent: an existing session copy is returned as-is.
func (p *LocalProvider) EnsureSessionWorkDir(ctx context.Context, projectID, workspaceID, sessionID string) (string, error) {
	p.mu.RLock()
	if dir, ok := p.sessionIndex[sessionID]; ok {
		p.mu.RUnlock()
		return dir, nil
	}
	p.mu.RUnlock()

	wsDir, _, err := p.EnsureWorkspace(ctx, projectID, workspaceID, "", "")
	if err != nil {
		return "", err
	}

	sessionsDir := filepath.Join(p.baseDir, projectID, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create sessions directory: %w", err)
	}
	workDir := filepath.Join(sessionsDir, sessionID)

	if _, err := os.Stat(filepath.Join(workDir, ".git")); err != nil {
		if err := p.runGit(ctx, "", "clone", wsDir, workDir); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
	}

	p.mu.Lock()
	p.sessionIndex[sessionID] = workDir
	p.mu.Unlock()
	return workDir, nil
}

// ReleaseSessionWorkDir removes a session's working copy. Unknown sessions
// are a no-op.
func (p *LocalProvider) ReleaseSessionWorkDir(_ context.Context, sessionID string) error {
	p.mu.Lock()
	dir, ok := p.sessionIndex[sessionID]
	delete(p.sessionIndex, sessionID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}

// ApplyPatches applies an mbox patch series on the branch session/<id>
// rooted at baseCommit in the shared clone. Conflicts abort the application
// and return ErrPatchConflict.
func (p *LocalProvider) ApplyPatches(ctx context.Context, workspaceID, sessionID, baseCommit, patches string) (*ApplyResult, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	lock := p.lockFor("workspace:" + workspaceID)
	lock.Lock()
	defer lock.Unlock()

	branch := "session/" + sessionID
	if err := p.runGit(ctx, workDir, "checkout", "-B", branch, baseCommit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}

	cmd := exec.CommandContext(ctx, "git", "am", "--3way")
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(patches)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Leave the branch clean for the next attempt.
		_ = p.runGit(ctx, workDir, "am", "--abort")
		return nil, fmt.Errorf("%w: %s", ErrPatchConflict, strings.TrimSpace(stderr.String()))
	}

	head, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	return &ApplyResult{
		Branch:     branch,
		HeadCommit: strings.TrimSpace(head),
	}, nil
}

// HeadCommit returns the shared clone's current HEAD SHA.
func (p *LocalProvider) HeadCommit(ctx context.Context, workspaceID string) (string, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return "", fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	out, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Fetch fetches updates from all remotes.
func (p *LocalProvider) Fetch(ctx context.Context, workspaceID string) error {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err := p.runGit(ctx, workDir, "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return nil
}

// Checkout checks out a ref in the shared clone.
func (p *LocalProvider) Checkout(ctx context.Context, workspaceID, ref string) error {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err := p.runGit(ctx, workDir, "checkout", ref); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	return nil
}

// Status returns the porcelain status of the shared clone.
func (p *LocalProvider) Status(ctx context.Context, workspaceID string) (*Status, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	status := &Status{
		Staged:    []FileStatus{},
		Unstaged:  []FileStatus{},
		Untracked: []string{},
	}

	if branch, err := p.runGitOutput(ctx, workDir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(branch)
	}
	if commit, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD"); err == nil {
		status.Commit = strings.TrimSpace(commit)
		if len(status.Commit) >= 7 {
			status.CommitShort = status.Commit[:7]
		}
	}
	if revList, err := p.runGitOutput(ctx, workDir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		parts := strings.Fields(strings.TrimSpace(revList))
		if len(parts) == 2 {
			status.Ahead, _ = strconv.Atoi(parts[0])
			status.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	porcelain, err := p.runGitOutput(ctx, workDir, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}

	status.IsClean = true
	for _, entry := range strings.Split(porcelain, "\x00") {
		if len(entry) < 3 {
			continue
		}
		status.IsClean = false
		index := entry[0]
		worktree := entry[1]
		path := entry[3:]

		if index == 'U' || worktree == 'U' || (index == 'A' && worktree == 'A') || (index == 'D' && worktree == 'D') {
			status.HasConflicts = true
		}
		if index != ' ' && index != '?' {
			status.Staged = append(status.Staged, FileStatus{Path: path, Status: statusCodeToString(index)})
		}
		if worktree != ' ' && worktree != '?' {
			status.Unstaged = append(status.Unstaged, FileStatus{Path: path, Status: statusCodeToString(worktree)})
		}
		if index == '?' && worktree == '?' {
			status.Untracked = append(status.Untracked, path)
		}
	}

	return status, nil
}

// Branches lists branches of the shared clone.
func (p *LocalProvider) Branches(ctx context.Context, workspaceID string) ([]Branch, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	output, err := p.runGitOutput(ctx, workDir, "branch", "-a", "--format=%(refname:short)|%(objectname:short)|%(upstream:short)|%(HEAD)")
	if err != nil {
		return nil, err
	}

	var branches []Branch
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "|")
		if len(parts) < 4 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "origin/HEAD" || strings.HasSuffix(name, "/HEAD") {
			continue
		}
		branches = append(branches, Branch{
			Name:      name,
			Commit:    strings.TrimSpace(parts[1]),
			Upstream:  strings.TrimSpace(parts[2]),
			IsRemote:  strings.Contains(name, "/") && !strings.HasPrefix(name, "session/"),
			IsCurrent: strings.TrimSpace(parts[3]) == "*",
		})
	}
	return branches, nil
}

// Diff returns file diffs from the shared clone.
func (p *LocalProvider) Diff(ctx context.Context, workspaceID string, opts DiffOptions) ([]FileDiff, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	args := []string{"diff", "--no-color"}
	if opts.Context > 0 {
		args = append(args, fmt.Sprintf("-U%d", opts.Context))
	}
	if opts.Staged {
		args = append(args, "--cached")
	}
	if opts.BaseRef != "" {
		if opts.HeadRef != "" {
			args = append(args, opts.BaseRef+".."+opts.HeadRef)
		} else {
			args = append(args, opts.BaseRef)
		}
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	output, err := p.runGitOutput(ctx, workDir, args...)
	if err != nil {
		return nil, err
	}
	return parseDiff(output), nil
}

// ReadFile reads a file at a ref, or from the working tree when ref is empty.
func (p *LocalProvider) ReadFile(ctx context.Context, workspaceID, ref, path string) ([]byte, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if ref == "" {
		return os.ReadFile(filepath.Join(workDir, path))
	}
	output, err := p.runGitOutput(ctx, workDir, "show", ref+":"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrNotFound, path, ref)
	}
	return []byte(output), nil
}

// WriteFile writes content into the shared clone's working tree.
func (p *LocalProvider) WriteFile(_ context.Context, workspaceID, path string, content []byte) error {
	workDir := p.GetWorkDir(context.Background(), workspaceID)
	if workDir == "" {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	fullPath := filepath.Join(workDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, content, 0644)
}

// Stage stages paths for commit.
func (p *LocalProvider) Stage(ctx context.Context, workspaceID string, paths []string) error {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	args := append([]string{"add"}, paths...)
	return p.runGit(ctx, workDir, args...)
}

// Commit commits staged changes.
func (p *LocalProvider) Commit(ctx context.Context, workspaceID, message, authorName, authorEmail string) (*Commit, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	args := []string{"commit", "-m", message}
	if authorName != "" && authorEmail != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", authorName, authorEmail))
	}
	if err := p.runGit(ctx, workDir, args...); err != nil {
		return nil, err
	}
	return p.getCommit(ctx, workDir, "HEAD")
}

// Log returns commit history.
func (p *LocalProvider) Log(ctx context.Context, workspaceID string, opts LogOptions) ([]Commit, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	ref := opts.Ref
	if ref == "" {
		ref = "HEAD"
	}

	args := []string{"log", ref, fmt.Sprintf("-n%d", limit), "--format=" + logFormat}
	if opts.Skip > 0 {
		args = append(args, fmt.Sprintf("--skip=%d", opts.Skip))
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	output, err := p.runGitOutput(ctx, workDir, args...)
	if err != nil {
		return nil, err
	}

	var commits []Commit
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if c := parseLogLine(scanner.Text()); c != nil {
			commits = append(commits, *c)
		}
	}
	return commits, nil
}

// GetWorkDir returns the shared clone directory, or "" when the workspace is
// not indexed. Use EnsureWorkspace to initialize from disk.
func (p *LocalProvider) GetWorkDir(_ context.Context, workspaceID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.workspaceIndex[workspaceID]; ok {
		return entry.workDir
	}
	return ""
}

// RemoveWorkspace removes the shared clone from disk and the index.
func (p *LocalProvider) RemoveWorkspace(_ context.Context, workspaceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.workspaceIndex[workspaceID]
	if !ok {
		return nil
	}
	delete(p.workspaceIndex, workspaceID)
	return os.RemoveAll(entry.workDir)
}

// --- Internal helpers ---

const logFormat = "%H|%h|%s|%an|%ae|%aI|%cn|%cI|%P"

func (p *LocalProvider) runGit(ctx context.Context, workDir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

func (p *LocalProvider) runGitOutput(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (p *LocalProvider) getCommit(ctx context.Context, workDir, ref string) (*Commit, error) {
	output, err := p.runGitOutput(ctx, workDir, "log", ref, "-1", "--format="+logFormat)
	if err != nil {
		return nil, err
	}
	c := parseLogLine(strings.TrimSpace(output))
	if c == nil {
		return nil, fmt.Errorf("unexpected log format")
	}
	return c, nil
}

func parseLogLine(line string) *Commit {
	parts := strings.Split(line, "|")
	if len(parts) < 9 {
		return nil
	}
	authorDate, _ := time.Parse(time.RFC3339, parts[5])
	commitDate, _ := time.Parse(time.RFC3339, parts[7])
	var parents []string
	if parts[8] != "" {
		parents = strings.Fields(parts[8])
	}
	return &Commit{
		SHA:         parts[0],
		ShortSHA:    parts[1],
		Message:     parts[2],
		Author:      parts[3],
		AuthorEmail: parts[4],
		AuthorDate:  authorDate,
		Committer:   parts[6],
		CommitDate:  commitDate,
		Parents:     parents,
	}
}

func statusCodeToString(code byte) string {
	switch code {
	case 'A':
		return "added"
	case 'M':
		return "modified"
	case 'D':
		return "deleted"
	case 'R':
		return "renamed"
	case 'C':
		return "copied"
	case 'U':
		return "unmerged"
	case 'T':
		return "typechanged"
	default:
		return "unknown"
	}
}

var diffHeader = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)

func parseDiff(output string) []FileDiff {
	var diffs []FileDiff
	var current *FileDiff
	var patchLines []string
	additions := 0
	deletions := 0

	flush := func() {
		if current == nil {
			return
		}
		current.Patch = strings.Join(patchLines, "\n")
		current.Additions = additions
		current.Deletions = deletions
		diffs = append(diffs, *current)
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if matches := diffHeader.FindStringSubmatch(line); matches != nil {
			flush()
			current = &FileDiff{
				OldPath: matches[1],
				Path:    matches[2],
				Status:  "modified",
			}
			patchLines = []string{line}
			additions = 0
			deletions = 0
			continue
		}

		if current == nil {
			continue
		}
		patchLines = append(patchLines, line)

		switch {
		case strings.HasPrefix(line, "new file mode"):
			current.Status = "added"
		case strings.HasPrefix(line, "deleted file mode"):
			current.Status = "deleted"
		case strings.HasPrefix(line, "rename from"):
			current.Status = "renamed"
		case strings.HasPrefix(line, "Binary files"):
			current.Binary = true
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			additions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			deletions++
		}
	}
	flush()

	return diffs
}

// Ensure LocalProvider implements Provider.
var _ Provider = (*LocalProvider)(nil)
