package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/database"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
	"github.com/kilnhq/kiln/internal/sandbox/mock"
	"github.com/kilnhq/kiln/internal/store"
)

// testEnv wires a real sqlite store, a real git provider and the mock sandbox
// provider together the way cmd/server does.
type testEnv struct {
	store    *store.Store
	git      *git.LocalProvider
	provider *mock.Provider
	cfg      *config.Config
	chat     *SandboxChatClient
	sessions *SessionService
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		DatabaseDSN:        fmt.Sprintf("sqlite3://%s", filepath.Join(root, "test.db")),
		DatabaseDriver:     "sqlite",
		WorkspaceDir:       filepath.Join(root, "workspaces"),
		SandboxImage:       mock.DefaultImage,
		SandboxIdleTimeout: 30 * time.Minute,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Seed(); err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	s := store.New(db.DB)
	gitProv, err := git.NewLocalProvider(cfg.WorkspaceDir, git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)))
	if err != nil {
		t.Fatalf("failed to create git provider: %v", err)
	}

	provider := mock.NewProvider()
	chat := NewSandboxChatClient(provider, nil)

	return &testEnv{
		store:    s,
		git:      gitProv,
		provider: provider,
		cfg:      cfg,
		chat:     chat,
		sessions: NewSessionService(s, gitProv, provider, cfg, chat),
		root:     root,
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// createSourceRepo initializes a git repository with one commit and returns
// its HEAD SHA.
func createSourceRepo(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create repo dir: %v", err)
	}
	runGit(t, dir, "init")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test repo\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return runGit(t, dir, "rev-parse", "HEAD")
}

// createWorkspace inserts a workspace row for the source repo and materializes
// the shared clone.
func (e *testEnv) createWorkspace(t *testing.T, source string) (*model.Workspace, string) {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{
		ProjectID:  model.DefaultProjectID,
		Path:       source,
		Source:     source,
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceStatusReady,
	}
	if err := e.store.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	workDir, commit, err := e.git.EnsureWorkspace(ctx, ws.ProjectID, ws.ID, source, "")
	if err != nil {
		t.Fatalf("failed to ensure workspace: %v", err)
	}
	// git am needs a committer identity in the shared clone.
	runGit(t, workDir, "config", "user.name", "test")
	runGit(t, workDir, "config", "user.email", "test@example.com")
	if err := e.store.UpdateWorkspaceGitInfo(ctx, ws.ID, commit, "main"); err != nil {
		t.Fatalf("failed to record workspace git info: %v", err)
	}
	ws.Commit = &commit
	return ws, commit
}

// createSession inserts a ready session with a pending commit and a running
// mock sandbox, so the sidecar client can reach the test handler.
func (e *testEnv) createSession(t *testing.T, ws *model.Workspace, base string) *model.Session {
	t.Helper()
	ctx := context.Background()

	session := &model.Session{
		ProjectID:    ws.ProjectID,
		WorkspaceID:  ws.ID,
		Name:         "test-session",
		Status:       model.SessionStatusReady,
		CommitStatus: model.CommitStatusPending,
	}
	if base != "" {
		session.BaseCommit = &base
		session.WorkspaceCommit = &base
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if _, err := e.provider.Create(ctx, session.ID, sandbox.CreateOptions{SharedSecret: "test-secret"}); err != nil {
		t.Fatalf("failed to create mock sandbox: %v", err)
	}
	if _, err := e.provider.Start(ctx, session.ID); err != nil {
		t.Fatalf("failed to start mock sandbox: %v", err)
	}
	return session
}

// commitPatch makes one commit in a scratch clone of repoDir and returns it
// as an mbox series suitable for git am.
func commitPatch(t *testing.T, repoDir, file, content, message string) string {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), "scratch")
	runGit(t, filepath.Dir(scratch), "clone", repoDir, scratch)
	if err := os.WriteFile(filepath.Join(scratch, file), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, scratch, "add", ".")
	runGit(t, scratch, "commit", "-m", message)
	return runGit(t, scratch, "format-patch", "--stdout", "HEAD~1") + "\n"
}

// sidecarCalls counts requests reaching the fake sidecar.
type sidecarCalls struct {
	mu       sync.Mutex
	chat     int
	commits  int
	lastChat string
}

func (c *sidecarCalls) counts() (chat, commits int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat, c.commits
}

func (c *sidecarCalls) lastChatMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChat
}

// newSidecarHandler answers like the agent sidecar: POST /chat is accepted,
// GET /chat streams an immediately finished conversation, and GET /commits is
// delegated to onCommits with a 1-based call number.
func newSidecarHandler(calls *sidecarCalls, onCommits func(call int, w http.ResponseWriter, r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat" && r.Method == http.MethodPost:
			var req agentapi.ChatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			calls.mu.Lock()
			calls.chat++
			calls.lastChat = req.Message
			calls.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		case r.URL.Path == "/chat" && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		case r.URL.Path == "/commits" && r.Method == http.MethodGet:
			calls.mu.Lock()
			calls.commits++
			n := calls.commits
			calls.mu.Unlock()
			onCommits(n, w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func writeCommits(w http.ResponseWriter, patches string, count int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentapi.CommitsResponse{
		Patches:     patches,
		CommitCount: count,
	})
}

func writeCommitsError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(agentapi.CommitsErrorResponse{
		Error:   code,
		Message: "test error",
	})
}

// The agent has not committed anything yet: the pipeline prompts it once,
// fetches the resulting patches and applies them on the session branch.
func TestPerformCommitPromptsAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	patches := commitPatch(t, srcDir, "feature.txt", "agent work\n", "add feature")

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			writeCommits(w, "", 0)
			return
		}
		writeCommits(w, patches, 1)
	})

	if err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID); err != nil {
		t.Fatalf("PerformCommit failed: %v", err)
	}

	chat, commits := calls.counts()
	if chat != 1 {
		t.Errorf("expected 1 chat request, got %d", chat)
	}
	if commits != 2 {
		t.Errorf("expected 2 commits requests, got %d", commits)
	}
	if msg := calls.lastChatMessage(); !strings.HasPrefix(msg, "/kiln-commit ") || !strings.HasSuffix(msg, base) {
		t.Errorf("unexpected commit prompt %q", msg)
	}

	got, err := env.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.CommitStatus != model.CommitStatusCompleted {
		t.Errorf("expected commit status completed, got %s (error: %v)", got.CommitStatus, got.CommitError)
	}

	workDir := env.git.GetWorkDir(ctx, ws.ID)
	branchHead := runGit(t, workDir, "rev-parse", "session/"+session.ID)
	if got.AppliedCommit == nil || *got.AppliedCommit != branchHead {
		t.Errorf("applied commit = %v, want session branch head %s", got.AppliedCommit, branchHead)
	}
	if branchHead == base {
		t.Error("session branch did not advance past the base commit")
	}
	if got.BaseCommit == nil || *got.BaseCommit != base {
		t.Errorf("base commit changed unexpectedly: %v", got.BaseCommit)
	}
}

// The agent already committed its work: no prompt is sent, and because the
// workspace advanced underneath, the base commit is moved to the new head
// after a successful application.
func TestPerformCommitExistingPatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	patches := commitPatch(t, srcDir, "feature.txt", "agent work\n", "add feature")

	// Advance the shared clone past the session's base.
	workDir := env.git.GetWorkDir(ctx, ws.ID)
	if err := os.WriteFile(filepath.Join(workDir, "server.txt"), []byte("server change\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, workDir, "add", ".")
	runGit(t, workDir, "commit", "-m", "server change")
	head := runGit(t, workDir, "rev-parse", "HEAD")

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCommits(w, patches, 1)
	})

	if err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID); err != nil {
		t.Fatalf("PerformCommit failed: %v", err)
	}

	chat, commits := calls.counts()
	if chat != 0 {
		t.Errorf("expected no chat requests, got %d", chat)
	}
	if commits != 1 {
		t.Errorf("expected 1 commits request, got %d", commits)
	}

	got, err := env.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.CommitStatus != model.CommitStatusCompleted {
		t.Errorf("expected commit status completed, got %s (error: %v)", got.CommitStatus, got.CommitError)
	}
	if got.BaseCommit == nil || *got.BaseCommit != head {
		t.Errorf("base commit = %v, want workspace head %s", got.BaseCommit, head)
	}
}

// The agent reports nothing to commit even after the prompt: the pipeline
// completes with the base as the applied commit.
func TestPerformCommitNoCommits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCommitsError(w, agentapi.CommitsErrNoCommits)
	})

	if err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID); err != nil {
		t.Fatalf("PerformCommit failed: %v", err)
	}

	chat, commits := calls.counts()
	if chat != 1 {
		t.Errorf("expected 1 chat request, got %d", chat)
	}
	if commits != 2 {
		t.Errorf("expected 2 commits requests, got %d", commits)
	}

	got, err := env.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.CommitStatus != model.CommitStatusCompleted {
		t.Errorf("expected commit status completed, got %s", got.CommitStatus)
	}
	if got.AppliedCommit == nil || *got.AppliedCommit != base {
		t.Errorf("applied commit = %v, want base %s", got.AppliedCommit, base)
	}
}

// A sidecar error that retrying cannot fix fails the commit without a prompt.
func TestPerformCommitFatalSidecarError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCommitsError(w, agentapi.CommitsErrNotGitRepo)
	})

	err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID)
	if err == nil {
		t.Fatal("expected PerformCommit to fail")
	}
	if !errkind.IsFatal(err) {
		t.Errorf("expected a fatal error, got %v", err)
	}

	chat, _ := calls.counts()
	if chat != 0 {
		t.Errorf("expected no chat requests, got %d", chat)
	}

	got, reloadErr := env.store.GetSession(ctx, session.ID)
	if reloadErr != nil {
		t.Fatalf("failed to reload session: %v", reloadErr)
	}
	if got.CommitStatus != model.CommitStatusFailed {
		t.Errorf("expected commit status failed, got %s", got.CommitStatus)
	}
	if got.CommitError == nil || !strings.Contains(*got.CommitError, agentapi.CommitsErrNotGitRepo) {
		t.Errorf("commit error = %v, want mention of %s", got.CommitError, agentapi.CommitsErrNotGitRepo)
	}
}

// Patches that no longer apply on the session's base fail the commit
// permanently; the session branch is left clean for inspection.
func TestPerformCommitPatchConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)

	// Patch rewrites README.md relative to the original commit.
	patches := commitPatch(t, srcDir, "README.md", "agent version\n", "agent edit")

	// The shared clone rewrites the same file differently; the session bases
	// itself on that commit, so the patch conflicts.
	workDir := env.git.GetWorkDir(ctx, ws.ID)
	if err := os.WriteFile(filepath.Join(workDir, "README.md"), []byte("server version\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, workDir, "add", ".")
	runGit(t, workDir, "commit", "-m", "server edit")
	head := runGit(t, workDir, "rev-parse", "HEAD")

	session := env.createSession(t, ws, head)

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCommits(w, patches, 1)
	})

	err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID)
	if err == nil {
		t.Fatal("expected PerformCommit to fail")
	}
	if !errkind.IsFatal(err) {
		t.Errorf("expected a fatal error, got %v", err)
	}
	if !errors.Is(err, git.ErrPatchConflict) {
		t.Errorf("expected a patch conflict, got %v", err)
	}

	got, reloadErr := env.store.GetSession(ctx, session.ID)
	if reloadErr != nil {
		t.Fatalf("failed to reload session: %v", reloadErr)
	}
	if got.CommitStatus != model.CommitStatusFailed {
		t.Errorf("expected commit status failed, got %s", got.CommitStatus)
	}
	if got.CommitError == nil || !strings.Contains(*got.CommitError, "patch conflict") {
		t.Errorf("commit error = %v, want patch conflict", got.CommitError)
	}
}

// A commit that already completed, or was never requested, is a no-op even if
// the job is replayed.
func TestPerformCommitIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	calls := &sidecarCalls{}
	env.provider.HTTPHandler = newSidecarHandler(calls, func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeCommits(w, "", 0)
	})

	for _, status := range []model.CommitStatus{model.CommitStatusCompleted, model.CommitStatusNone} {
		if err := env.store.UpdateSessionCommitStatus(ctx, session.ID, status, nil); err != nil {
			t.Fatalf("failed to set commit status: %v", err)
		}
		if err := env.sessions.PerformCommit(ctx, ws.ProjectID, session.ID); err != nil {
			t.Fatalf("PerformCommit with status %s failed: %v", status, err)
		}
	}

	chat, commits := calls.counts()
	if chat != 0 || commits != 0 {
		t.Errorf("expected no sidecar traffic, got %d chat / %d commits requests", chat, commits)
	}

	// Unknown sessions are tolerated too; the row may have been deleted while
	// the job sat in the queue.
	if err := env.sessions.PerformCommit(ctx, ws.ProjectID, "no-such-session"); err != nil {
		t.Fatalf("PerformCommit on missing session failed: %v", err)
	}
}
