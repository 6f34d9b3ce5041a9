package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
	"github.com/kilnhq/kiln/internal/store"
)

// commitCommandPrefix is the slash command sent to the in-sandbox agent to
// ask it to commit its outstanding work on top of a given commit.
const commitCommandPrefix = "/kiln-commit "

// sandboxStopGrace is how long PerformDeletion waits for a clean container
// exit before the runtime kills it.
const sandboxStopGrace = 10 * time.Second

// JobEnqueuer decouples the services from the jobs package, which imports
// them for its executors.
type JobEnqueuer interface {
	EnqueueWorkspaceInit(ctx context.Context, projectID, workspaceID string) error
	EnqueueSessionInit(ctx context.Context, projectID, sessionID, workspaceID, agentID string) error
	EnqueueSessionCommit(ctx context.Context, projectID, sessionID string) error
	EnqueueSessionDelete(ctx context.Context, projectID, sessionID string) error
}

// SessionService owns the session lifecycle: creation, sandbox
// initialization, the commit pipeline and deletion. The long-running parts
// execute inside queue jobs; handlers only enqueue.
type SessionService struct {
	store       *store.Store
	gitProvider git.Provider
	provider    sandbox.Provider
	cfg         *config.Config
	chat        *SandboxChatClient

	enqueuer JobEnqueuer
	notify   func()
}

// NewSessionService creates a session service.
func NewSessionService(s *store.Store, gitProv git.Provider, provider sandbox.Provider, cfg *config.Config, chat *SandboxChatClient) *SessionService {
	return &SessionService{
		store:       s,
		gitProvider: gitProv,
		provider:    provider,
		cfg:         cfg,
		chat:        chat,
	}
}

// SetEnqueuer registers the job enqueuer. Must be called before Create,
// Delete or RequestCommit.
func (s *SessionService) SetEnqueuer(e JobEnqueuer) {
	s.enqueuer = e
}

// SetNotify registers the event poller nudge.
func (s *SessionService) SetNotify(fn func()) {
	s.notify = fn
}

func (s *SessionService) notifyEvents() {
	if s.notify != nil {
		s.notify()
	}
}

// Get returns one session.
func (s *SessionService) Get(ctx context.Context, id string) (*model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListByProject returns all sessions of a project.
func (s *SessionService) ListByProject(ctx context.Context, projectID string) ([]model.Session, error) {
	return s.store.ListSessionsByProject(ctx, projectID)
}

// ListByWorkspace returns all sessions attached to a workspace.
func (s *SessionService) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	return s.store.ListSessionsByWorkspace(ctx, workspaceID)
}

// Create inserts a session row in initializing state and enqueues the init
// job. agentID may be empty; the init job falls back to the project default.
func (s *SessionService) Create(ctx context.Context, projectID, workspaceID, name, agentID string) (*model.Session, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace not found: %w", err)
	}
	if ws.ProjectID != projectID {
		return nil, store.ErrNotFound
	}

	session := &model.Session{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		Name:        name,
		Status:      model.SessionStatusInitializing,
	}
	if session.Name == "" {
		session.Name = "session-" + session.ID[:8]
	}
	if agentID != "" {
		session.AgentID = &agentID
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := s.enqueuer.EnqueueSessionInit(ctx, projectID, session.ID, workspaceID, agentID); err != nil && !errors.Is(err, store.ErrJobAlreadyQueued) {
		return nil, fmt.Errorf("failed to enqueue session init: %w", err)
	}
	s.appendSessionEvent(ctx, projectID, session.ID, strPtr(string(session.Status)), nil, nil)
	return session, nil
}

// Delete marks the session removing and enqueues the delete job. The fifo
// key guarantees no init or commit runs concurrently with the deletion.
func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusRemoving, nil); err != nil {
		return err
	}
	if err := s.enqueuer.EnqueueSessionDelete(ctx, session.ProjectID, sessionID); err != nil && !errors.Is(err, store.ErrJobAlreadyQueued) {
		return fmt.Errorf("failed to enqueue session delete: %w", err)
	}
	return nil
}

// MarkRunning promotes a ready session to running when a completion starts.
// Any other state is left alone: initialization and teardown own their own
// transitions.
func (s *SessionService) MarkRunning(ctx context.Context, sessionID string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil || session.Status != model.SessionStatusReady {
		return
	}
	if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusRunning, nil); err != nil {
		log.Printf("Failed to mark session %s running: %v", sessionID, err)
	}
}

// MarkIdle demotes a running session back to ready once its completion
// stream finishes. The state reconciler covers sessions whose stream was
// never drained.
func (s *SessionService) MarkIdle(ctx context.Context, sessionID string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil || session.Status != model.SessionStatusRunning {
		return
	}
	if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusReady, nil); err != nil {
		log.Printf("Failed to mark session %s ready: %v", sessionID, err)
	}
}

// RequestCommit transitions the commit status to pending and enqueues a
// commit job. A commit already pending or in flight returns ErrConflict.
func (s *SessionService) RequestCommit(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	base := deref(session.BaseCommit)
	if base == "" {
		base = deref(session.WorkspaceCommit)
	}
	if base == "" {
		return errkind.Conflict(fmt.Errorf("session %s has no base commit yet", sessionID))
	}

	if err := s.store.RequestSessionCommit(ctx, sessionID, base); err != nil {
		return err
	}
	s.appendSessionEvent(ctx, session.ProjectID, sessionID, nil, nil, map[string]any{
		"commitStatus": string(model.CommitStatusPending),
	})

	if err := s.enqueuer.EnqueueSessionCommit(ctx, session.ProjectID, sessionID); err != nil && !errors.Is(err, store.ErrJobAlreadyQueued) {
		return fmt.Errorf("failed to enqueue session commit: %w", err)
	}
	return nil
}

// Initialize runs the session_init job: clone, private working copy, sandbox
// creation and startup. It is idempotent; the dispatcher retries it on
// transient failure and it re-runs after a crash, so every step tolerates
// having already happened.
func (s *SessionService) Initialize(ctx context.Context, projectID, sessionID, agentID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while the init job was queued.
			return nil
		}
		return err
	}
	if session.Status == model.SessionStatusRemoving {
		return nil
	}

	if err := s.resolveAgent(ctx, session, agentID); err != nil {
		return s.failInit(ctx, sessionID, err)
	}

	ws, err := s.store.GetWorkspace(ctx, session.WorkspaceID)
	if err != nil {
		return s.failInit(ctx, sessionID, fmt.Errorf("workspace not found: %w", err))
	}

	if session.WorkspacePath == nil {
		if ws.SourceType == model.WorkspaceSourceGit {
			if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusCloning, nil); err != nil {
				return err
			}
		}
		_, commit, err := s.gitProvider.EnsureWorkspace(ctx, ws.ProjectID, ws.ID, ws.Source, "")
		if err != nil {
			return s.failInit(ctx, sessionID, fmt.Errorf("failed to prepare workspace: %w", err))
		}
		workDir, err := s.gitProvider.EnsureSessionWorkDir(ctx, ws.ProjectID, ws.ID, sessionID)
		if err != nil {
			return s.failInit(ctx, sessionID, fmt.Errorf("failed to prepare session working copy: %w", err))
		}
		// Set-once: a concurrent or replayed init never overwrites these.
		if err := s.store.SetSessionWorkspaceInfo(ctx, sessionID, workDir, commit); err != nil {
			return err
		}
		session, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
	} else if session.Status != model.SessionStatusInitializing {
		if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusReinitializing, nil); err != nil {
			return err
		}
	}

	if session.BaseCommit == nil && session.WorkspaceCommit != nil {
		if err := s.store.SetSessionBaseCommit(ctx, sessionID, *session.WorkspaceCommit); err != nil {
			return err
		}
	}

	exists, err := s.provider.ImageExists(ctx)
	if err != nil {
		return s.failInit(ctx, sessionID, fmt.Errorf("failed to check sandbox image: %w", err))
	}
	if !exists {
		if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusPullingImage, nil); err != nil {
			return err
		}
		if err := s.provider.PullImage(ctx); err != nil {
			return s.failInit(ctx, sessionID, fmt.Errorf("failed to pull sandbox image: %w", err))
		}
	}

	if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusCreatingSandbox, nil); err != nil {
		return err
	}
	if err := s.ensureSandbox(ctx, session, ws); err != nil {
		return s.failInit(ctx, sessionID, err)
	}

	if err := s.updateStatusWithEvent(ctx, sessionID, model.SessionStatusReady, nil); err != nil {
		return err
	}
	log.Printf("Session %s initialized", sessionID)
	return nil
}

// resolveAgent pins the session to an agent: the explicit one when given,
// else the project default. A project with no default agent is a
// configuration error and the job must not retry.
func (s *SessionService) resolveAgent(ctx context.Context, session *model.Session, agentID string) error {
	if agentID == "" {
		if session.AgentID != nil {
			return nil
		}
		agent, err := s.store.GetDefaultAgent(ctx, session.ProjectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errkind.Fatal(fmt.Errorf("no default agent is configured for project %s", session.ProjectID))
			}
			return err
		}
		agentID = agent.ID
	} else if session.AgentID != nil && *session.AgentID == agentID {
		return nil
	}
	return s.store.SetSessionAgent(ctx, session.ID, agentID)
}

// ensureSandbox converges the session's sandbox to a running container on
// the expected image, reusing what it can.
func (s *SessionService) ensureSandbox(ctx context.Context, session *model.Session, ws *model.Workspace) error {
	sb, err := s.provider.Get(ctx, session.ID)
	switch {
	case err == nil:
		if sb.Image == s.provider.Image() {
			switch sb.Status {
			case sandbox.StatusRunning:
				return nil
			case sandbox.StatusCreated, sandbox.StatusStopped:
				if _, err := s.provider.Start(ctx, session.ID); err != nil {
					return fmt.Errorf("failed to start sandbox: %w", err)
				}
				return nil
			}
		}
		// Failed, or running an outdated image. Recreate; the data volume
		// survives so in-sandbox state is kept.
		if err := s.provider.Remove(ctx, session.ID, false); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return fmt.Errorf("failed to remove stale sandbox: %w", err)
		}
	case errors.Is(err, sandbox.ErrNotFound):
		// Nothing to reuse.
	default:
		return fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	return s.createAndStartSandbox(ctx, session, ws)
}

func (s *SessionService) createAndStartSandbox(ctx context.Context, session *model.Session, ws *model.Workspace) error {
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate sandbox secret: %w", err)
	}

	opts := sandbox.CreateOptions{
		SharedSecret:    secret,
		WorkspacePath:   deref(session.WorkspacePath),
		WorkspaceSource: ws.Source,
		WorkspaceCommit: deref(session.WorkspaceCommit),
		Labels: map[string]string{
			"kiln.project":   session.ProjectID,
			"kiln.workspace": session.WorkspaceID,
		},
		// The runtime enforces the same idle budget the monitor uses.
		Resources: sandbox.Resources{
			Timeout: s.cfg.SandboxIdleTimeout,
		},
	}

	_, err = s.provider.Create(ctx, session.ID, opts)
	if errors.Is(err, sandbox.ErrAlreadyExists) {
		if err := s.provider.Remove(ctx, session.ID, false); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			return fmt.Errorf("failed to remove conflicting sandbox: %w", err)
		}
		_, err = s.provider.Create(ctx, session.ID, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	if _, err := s.provider.Start(ctx, session.ID); err != nil {
		// Leave no half-started container behind; the retry recreates it.
		if rmErr := s.provider.Remove(ctx, session.ID, false); rmErr != nil && !errors.Is(rmErr, sandbox.ErrNotFound) {
			log.Printf("Warning: failed to remove sandbox after start failure for session %s: %v", session.ID, rmErr)
		}
		return fmt.Errorf("failed to start sandbox: %w", err)
	}
	return nil
}

// failInit records the error on the session and returns it for the
// dispatcher's retry decision.
func (s *SessionService) failInit(ctx context.Context, sessionID string, err error) error {
	msg := err.Error()
	if updateErr := s.store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusError, &msg); updateErr != nil {
		log.Printf("Failed to mark session %s as error: %v", sessionID, updateErr)
	}
	s.notifyEvents()
	return err
}

// PerformCommit runs the session_commit job. The pipeline is at-most-once:
// re-running after a crash inspects the recorded commit status instead of
// redoing work, and a prompt is only sent when the agent has nothing
// committed on top of the base yet.
func (s *SessionService) PerformCommit(ctx context.Context, projectID, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	switch session.CommitStatus {
	case model.CommitStatusCompleted:
		return nil
	case model.CommitStatusPending, model.CommitStatusCommitting:
		// Proceed; committing means a previous attempt died mid-flight.
	default:
		return nil
	}

	if err := s.setCommitStatus(ctx, projectID, sessionID, model.CommitStatusCommitting, nil, nil); err != nil {
		return err
	}

	base := deref(session.BaseCommit)
	if base == "" {
		base = deref(session.WorkspaceCommit)
	}
	if base == "" {
		return s.failCommit(ctx, projectID, sessionID, errkind.Fatal(fmt.Errorf("session has no base commit")))
	}

	head, err := s.gitProvider.HeadCommit(ctx, session.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to read workspace head: %w", err)
	}

	// Optimistic path: the agent may already have committed its work.
	commits, err := s.chat.GetCommits(ctx, sessionID, base)
	needsPrompt, fatalErr := classifyCommitsResult(commits, err)
	if fatalErr != nil {
		return s.failCommit(ctx, projectID, sessionID, fatalErr)
	}
	if err != nil && !needsPrompt {
		return fmt.Errorf("failed to fetch commits: %w", err)
	}

	prompted := false
	if needsPrompt {
		prompted = true
		if err := s.chat.PostChat(ctx, sessionID, commitCommandPrefix+head); err != nil {
			return fmt.Errorf("failed to send commit prompt: %w", err)
		}
		if err := s.chat.WaitForChatDone(ctx, sessionID); err != nil {
			return fmt.Errorf("failed waiting for commit prompt: %w", err)
		}
		if head != base {
			if err := s.store.SetSessionBaseCommit(ctx, sessionID, head); err != nil {
				return err
			}
			base = head
		}
		commits, err = s.chat.GetCommits(ctx, sessionID, base)
		if err != nil {
			if ce := AsCommitsError(err); ce != nil {
				if ce.Code == agentapi.CommitsErrNoCommits {
					// The agent decided there was nothing to commit.
					return s.completeCommit(ctx, projectID, sessionID, base)
				}
				return s.failCommit(ctx, projectID, sessionID, errkind.Fatal(err))
			}
			return fmt.Errorf("failed to fetch commits after prompt: %w", err)
		}
	}

	if commits == nil || commits.CommitCount == 0 {
		return s.completeCommit(ctx, projectID, sessionID, base)
	}

	result, err := s.gitProvider.ApplyPatches(ctx, session.WorkspaceID, sessionID, base, commits.Patches)
	if err != nil {
		if errors.Is(err, git.ErrPatchConflict) {
			return s.failCommit(ctx, projectID, sessionID, errkind.Fatal(fmt.Errorf("patch conflict: %w", err)))
		}
		return fmt.Errorf("failed to apply patches: %w", err)
	}

	// The agent's base is still valid for its next increment; when the
	// workspace advanced underneath and we did not re-prompt, record the
	// new head so the next commit diffs against it.
	if !prompted && head != base {
		if err := s.store.SetSessionBaseCommit(ctx, sessionID, head); err != nil {
			return err
		}
	}
	return s.completeCommit(ctx, projectID, sessionID, result.HeadCommit)
}

// classifyCommitsResult decides whether the commit pipeline must prompt the
// agent, and whether the sidecar reported a non-recoverable error.
func classifyCommitsResult(commits *agentapi.CommitsResponse, err error) (needsPrompt bool, fatal error) {
	if err == nil {
		return commits != nil && commits.CommitCount == 0, nil
	}
	ce := AsCommitsError(err)
	if ce == nil {
		return false, nil
	}
	switch ce.Code {
	case agentapi.CommitsErrNoCommits, agentapi.CommitsErrParentMismatch:
		return true, nil
	default:
		// invalid_parent, not_git_repo and anything unrecognized: retrying
		// cannot help.
		return false, errkind.Fatal(err)
	}
}

func (s *SessionService) completeCommit(ctx context.Context, projectID, sessionID, appliedCommit string) error {
	if err := s.store.SetSessionAppliedCommit(ctx, sessionID, appliedCommit); err != nil {
		return err
	}
	if err := s.setCommitStatus(ctx, projectID, sessionID, model.CommitStatusCompleted, nil, map[string]any{
		"appliedCommit": appliedCommit,
	}); err != nil {
		return err
	}
	log.Printf("Session %s commit completed at %s", sessionID, appliedCommit)
	return nil
}

// failCommit marks the commit failed with the error message and returns the
// (fatal) error so the job finishes failed without retry.
func (s *SessionService) failCommit(ctx context.Context, projectID, sessionID string, err error) error {
	msg := err.Error()
	if setErr := s.setCommitStatus(ctx, projectID, sessionID, model.CommitStatusFailed, &msg, nil); setErr != nil {
		log.Printf("Failed to mark commit failed for session %s: %v", sessionID, setErr)
	}
	return err
}

// AbandonCommit marks an in-flight commit failed. Called by the commit
// executor when its retry budget is spent on transient errors, so the session
// does not sit in committing forever and a new commit can be requested.
func (s *SessionService) AbandonCommit(ctx context.Context, projectID, sessionID string, cause error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	switch session.CommitStatus {
	case model.CommitStatusPending, model.CommitStatusCommitting:
	default:
		return
	}
	msg := cause.Error()
	if err := s.setCommitStatus(ctx, projectID, sessionID, model.CommitStatusFailed, &msg, nil); err != nil {
		log.Printf("Failed to abandon commit for session %s: %v", sessionID, err)
	}
}

// setCommitStatus persists the commit status and emits a session_updated
// event carrying the commit fields, since the status column itself is
// untouched.
func (s *SessionService) setCommitStatus(ctx context.Context, projectID, sessionID string, status model.CommitStatus, commitError *string, extra map[string]any) error {
	if err := s.store.UpdateSessionCommitStatus(ctx, sessionID, status, commitError); err != nil {
		return err
	}
	data := map[string]any{"commitStatus": string(status)}
	if commitError != nil {
		data["commitError"] = *commitError
	}
	for k, v := range extra {
		data[k] = v
	}
	s.appendSessionEvent(ctx, projectID, sessionID, nil, nil, data)
	return nil
}

// PerformDeletion runs the session_delete job: tear down the sandbox and
// its volume, drop the working copy, then the row.
func (s *SessionService) PerformDeletion(ctx context.Context, projectID, sessionID string) error {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := s.provider.Stop(ctx, sessionID, sandboxStopGrace); err != nil && !errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrNotRunning) {
		log.Printf("Warning: failed to stop sandbox for session %s: %v", sessionID, err)
	}
	if err := s.provider.Remove(ctx, sessionID, true); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}
	if err := s.gitProvider.ReleaseSessionWorkDir(ctx, sessionID); err != nil {
		log.Printf("Warning: failed to remove working copy for session %s: %v", sessionID, err)
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.appendSessionEvent(ctx, projectID, sessionID, nil, nil, map[string]any{"deleted": true})
	log.Printf("Session %s deleted", sessionID)
	return nil
}

// updateStatusWithEvent transitions the session status; the store appends
// the event row in the same transaction.
func (s *SessionService) updateStatusWithEvent(ctx context.Context, sessionID string, status model.SessionStatus, errorMessage *string) error {
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status, errorMessage); err != nil {
		return err
	}
	s.notifyEvents()
	return nil
}

// appendSessionEvent writes a session_updated event row directly, for
// changes that do not go through UpdateSessionStatus.
func (s *SessionService) appendSessionEvent(ctx context.Context, projectID, sessionID string, status, message *string, data map[string]any) {
	event := &model.Event{
		ProjectID: projectID,
		Kind:      "session_updated",
		TargetID:  sessionID,
		Status:    status,
		Message:   message,
	}
	if len(data) > 0 {
		payload, err := json.Marshal(data)
		if err != nil {
			log.Printf("Failed to marshal event data for session %s: %v", sessionID, err)
		} else {
			event.Data = payload
		}
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		log.Printf("Failed to append event for session %s: %v", sessionID, err)
		return
	}
	s.notifyEvents()
}

// generateSecret returns a 256-bit hex token for sidecar authentication.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
