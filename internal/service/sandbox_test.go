package service

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/store"
)

func newSandboxService(env *testEnv) *SandboxService {
	return NewSandboxService(env.store, env.provider, env.cfg, env.chat)
}

func TestGetClientRunningSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	svc := newSandboxService(env)
	enq := &stubEnqueuer{}
	svc.SetEnqueuer(enq)

	client, err := svc.GetClient(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("expected a client")
	}
	if client.SessionID() != session.ID {
		t.Errorf("client bound to %s, want %s", client.SessionID(), session.ID)
	}
	if got := enq.initCount(); got != 0 {
		t.Errorf("expected no reinit for a running sandbox, got %d", got)
	}
}

func TestSessionClientRecordsActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	client, err := svc.GetClient(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}

	svc.mu.Lock()
	svc.lastActivity[session.ID] = time.Now().Add(-time.Hour)
	svc.mu.Unlock()

	if _, err := client.GetChatStatus(ctx); err != nil {
		t.Fatalf("GetChatStatus failed: %v", err)
	}

	svc.mu.Lock()
	last := svc.lastActivity[session.ID]
	svc.mu.Unlock()
	if !last.After(time.Now().Add(-time.Minute)) {
		t.Error("expected the sidecar call to refresh the activity clock")
	}
}

func TestGetClientRevivesStoppedSandbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	env.provider.SetStatus(session.ID, sandbox.StatusStopped)
	if err := env.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusStopped, nil); err != nil {
		t.Fatalf("failed to mark stopped: %v", err)
	}

	svc := newSandboxService(env)
	enq := &stubEnqueuer{}
	svc.SetEnqueuer(enq)

	// Stand in for the init job the gatekeeper enqueues.
	go func() {
		time.Sleep(100 * time.Millisecond)
		env.provider.SetStatus(session.ID, sandbox.StatusRunning)
	}()

	client, err := svc.GetClient(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("expected a client")
	}
	if got := enq.initCount(); got != 1 {
		t.Errorf("expected exactly 1 reinit enqueue, got %d", got)
	}
}

// rowEnqueuer persists real job rows so tests can exercise the completion
// wait the way the dispatcher drives it.
type rowEnqueuer struct {
	s *store.Store
}

func (e *rowEnqueuer) EnqueueWorkspaceInit(ctx context.Context, projectID, workspaceID string) error {
	return e.s.EnqueueJob(ctx, &model.Job{
		ProjectID: projectID,
		Kind:      model.JobKindWorkspaceInit,
		TargetID:  workspaceID,
		FifoKey:   model.WorkspaceFifoKey(workspaceID),
	})
}

func (e *rowEnqueuer) EnqueueSessionInit(ctx context.Context, projectID, sessionID, _, _ string) error {
	return e.s.EnqueueJob(ctx, &model.Job{
		ProjectID: projectID,
		Kind:      model.JobKindSessionInit,
		TargetID:  sessionID,
		FifoKey:   model.SessionFifoKey(sessionID),
	})
}

func (e *rowEnqueuer) EnqueueSessionCommit(ctx context.Context, projectID, sessionID string) error {
	return e.s.EnqueueJob(ctx, &model.Job{
		ProjectID: projectID,
		Kind:      model.JobKindSessionCommit,
		TargetID:  sessionID,
		FifoKey:   model.SessionFifoKey(sessionID),
	})
}

func (e *rowEnqueuer) EnqueueSessionDelete(ctx context.Context, projectID, sessionID string) error {
	return e.s.EnqueueJob(ctx, &model.Job{
		ProjectID: projectID,
		Kind:      model.JobKindSessionDelete,
		TargetID:  sessionID,
		FifoKey:   model.SessionFifoKey(sessionID),
	})
}

func TestGetClientWaitsForInitJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	env.provider.SetStatus(session.ID, sandbox.StatusStopped)
	if err := env.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusStopped, nil); err != nil {
		t.Fatalf("failed to mark stopped: %v", err)
	}

	poller := events.NewPoller(env.store, events.DefaultPollerConfig())
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("failed to start poller: %v", err)
	}
	defer poller.Stop()
	broker := events.NewBroker(poller)

	svc := newSandboxService(env)
	svc.SetEnqueuer(&rowEnqueuer{s: env.store})
	svc.SetBroker(broker)

	// Complete the revive job the way the dispatcher would.
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := env.store.GetLatestJob(ctx, model.SessionFifoKey(session.ID), model.JobKindSessionInit); err == nil {
				env.provider.SetStatus(session.ID, sandbox.StatusRunning)
				if claimed, err := env.store.ClaimReadyJob(ctx, "test-owner", time.Minute); err == nil && claimed != nil {
					_ = env.store.CompleteJob(ctx, claimed.ID, "test-owner")
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	client, err := svc.GetClient(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("expected a client once the revive job completed")
	}
	if client.SessionID() != session.ID {
		t.Errorf("client bound to %s, want %s", client.SessionID(), session.ID)
	}
}

func TestGetClientErrorStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	for _, tc := range []struct {
		status model.SessionStatus
		want   string
	}{
		{model.SessionStatusError, "error state"},
		{model.SessionStatusRemoving, "being removed"},
	} {
		session := env.createSession(t, ws, base)
		if err := env.store.UpdateSessionStatus(ctx, session.ID, tc.status, nil); err != nil {
			t.Fatalf("failed to set status: %v", err)
		}
		_, err := svc.GetClient(ctx, session.ID)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("status %s: got %v, want error mentioning %q", tc.status, err, tc.want)
		}
	}
}

func TestReconcileSandboxesRemovesOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.InjectSandbox(&sandbox.Sandbox{
		ID:        "mock-ghost",
		SessionID: "ghost",
		Status:    sandbox.StatusRunning,
		Image:     env.provider.Image(),
	})

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	if err := svc.ReconcileSandboxes(ctx); err != nil {
		t.Fatalf("ReconcileSandboxes failed: %v", err)
	}

	if _, ok := env.provider.GetSandboxes()["ghost"]; ok {
		t.Error("expected the orphaned sandbox to be removed")
	}
	// The data volume outlives the container; only session deletion drops it.
	for _, id := range env.provider.RemovedVolumes {
		if id == "ghost" {
			t.Error("orphan cleanup must not remove the data volume")
		}
	}
}

func TestReconcileSandboxesImageDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	env.provider.SetImage(session.ID, "old:image")

	svc := newSandboxService(env)
	enq := &stubEnqueuer{}
	svc.SetEnqueuer(enq)

	if err := svc.ReconcileSandboxes(ctx); err != nil {
		t.Fatalf("ReconcileSandboxes failed: %v", err)
	}

	if _, ok := env.provider.GetSandboxes()[session.ID]; ok {
		t.Error("expected the outdated sandbox to be removed")
	}
	// The volume survives so in-sandbox state carries over to the recreation.
	if len(env.provider.RemovedVolumes) != 0 {
		t.Errorf("image drift removed volumes: %v", env.provider.RemovedVolumes)
	}
	if got := enq.initCount(); got != 1 {
		t.Errorf("expected 1 reinit enqueue, got %d", got)
	}
}

func TestReconcileSessionStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)

	// Stranded mid-init with no sandbox at all.
	stranded := env.createSession(t, ws, base)
	if err := env.provider.Remove(ctx, stranded.ID, false); err != nil {
		t.Fatalf("failed to remove sandbox: %v", err)
	}
	if err := env.store.UpdateSessionStatus(ctx, stranded.ID, model.SessionStatusCreatingSandbox, nil); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	// Marked running but the chat is idle: demoted to ready. The default mock
	// sidecar reports isRunning false.
	idle := env.createSession(t, ws, base)
	if err := env.store.UpdateSessionStatus(ctx, idle.ID, model.SessionStatusRunning, nil); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	// Container died hard.
	failed := env.createSession(t, ws, base)
	env.provider.SetStatus(failed.ID, sandbox.StatusFailed)

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	if err := svc.ReconcileSessionStates(ctx); err != nil {
		t.Fatalf("ReconcileSessionStates failed: %v", err)
	}

	checks := []struct {
		id   string
		want model.SessionStatus
	}{
		{stranded.ID, model.SessionStatusStopped},
		{idle.ID, model.SessionStatusReady},
		{failed.ID, model.SessionStatusError},
	}
	for _, c := range checks {
		got, err := env.store.GetSession(ctx, c.id)
		if err != nil {
			t.Fatalf("failed to reload session %s: %v", c.id, err)
		}
		if got.Status != c.want {
			t.Errorf("session %s: status = %s, want %s", c.id, got.Status, c.want)
		}
	}

	failedRow, err := env.store.GetSession(ctx, failed.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if failedRow.ErrorMessage == nil || !strings.Contains(*failedRow.ErrorMessage, "Sandbox failed") {
		t.Errorf("error message = %v, want sandbox failure", failedRow.ErrorMessage)
	}
}

func TestReconcileKeepsRunningSessionWithActiveChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)
	if err := env.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusRunning, nil); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}

	env.provider.HTTPHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/status" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"isRunning":true,"messageCount":3}`))
			return
		}
		http.NotFound(w, r)
	})

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	if err := svc.ReconcileSessionStates(ctx); err != nil {
		t.Fatalf("ReconcileSessionStates failed: %v", err)
	}

	got, err := env.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.Status != model.SessionStatusRunning {
		t.Errorf("expected status to stay running, got %s", got.Status)
	}
}

func TestIdleMonitorStopsIdleSandboxes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cfg.SandboxIdleTimeout = time.Minute

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)

	idle := env.createSession(t, ws, base)
	active := env.createSession(t, ws, base)

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	svc.mu.Lock()
	svc.lastActivity[idle.ID] = time.Now().Add(-2 * time.Minute)
	svc.lastActivity[active.ID] = time.Now()
	svc.mu.Unlock()

	svc.stopIdleSandboxes(ctx)

	idleSb, err := env.provider.Get(ctx, idle.ID)
	if err != nil {
		t.Fatalf("expected the idle sandbox to still exist: %v", err)
	}
	if idleSb.Status != sandbox.StatusStopped {
		t.Errorf("idle sandbox status = %s, want stopped", idleSb.Status)
	}
	idleRow, err := env.store.GetSession(ctx, idle.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if idleRow.Status != model.SessionStatusStopped {
		t.Errorf("idle session status = %s, want stopped", idleRow.Status)
	}

	activeSb, err := env.provider.Get(ctx, active.ID)
	if err != nil {
		t.Fatalf("expected the active sandbox to still exist: %v", err)
	}
	if activeSb.Status != sandbox.StatusRunning {
		t.Errorf("active sandbox status = %s, want running", activeSb.Status)
	}
}

func TestIdleMonitorKeepsBusyChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cfg.SandboxIdleTimeout = time.Minute

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	env.provider.HTTPHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/status" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"isRunning":true,"messageCount":1}`))
			return
		}
		http.NotFound(w, r)
	})

	svc := newSandboxService(env)
	svc.SetEnqueuer(&stubEnqueuer{})

	svc.mu.Lock()
	svc.lastActivity[session.ID] = time.Now().Add(-2 * time.Minute)
	svc.mu.Unlock()

	svc.stopIdleSandboxes(ctx)

	sb, err := env.provider.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected the sandbox to still exist: %v", err)
	}
	if sb.Status != sandbox.StatusRunning {
		t.Errorf("sandbox status = %s, want running while the chat works", sb.Status)
	}

	// The in-flight completion counts as activity.
	svc.mu.Lock()
	last := svc.lastActivity[session.ID]
	svc.mu.Unlock()
	if !last.After(time.Now().Add(-time.Minute)) {
		t.Error("expected the activity clock to be refreshed")
	}
}
