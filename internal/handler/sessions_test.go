package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/database"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/sandbox/mock"
	"github.com/kilnhq/kiln/internal/service"
	"github.com/kilnhq/kiln/internal/store"
)

// noopEnqueuer satisfies the services without writing job rows.
type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueWorkspaceInit(context.Context, string, string) error { return nil }
func (noopEnqueuer) EnqueueSessionInit(context.Context, string, string, string, string) error {
	return nil
}
func (noopEnqueuer) EnqueueSessionCommit(context.Context, string, string) error { return nil }
func (noopEnqueuer) EnqueueSessionDelete(context.Context, string, string) error { return nil }

type apiEnv struct {
	store    *store.Store
	provider *mock.Provider
	sessions *service.SessionService
	router   chi.Router
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	gitProv, err := git.NewLocalProvider(cfg.WorkspaceDir)
	if err != nil {
		t.Fatalf("failed to create git provider: %v", err)
	}
	provider := mock.NewProvider()
	chat := service.NewSandboxChatClient(provider, nil)

	workspaces := service.NewWorkspaceService(s, gitProv)
	sessions := service.NewSessionService(s, gitProv, provider, cfg, chat)
	sessions.SetEnqueuer(noopEnqueuer{})
	sandboxes := service.NewSandboxService(s, provider, cfg, chat)
	sandboxes.SetEnqueuer(noopEnqueuer{})

	h := New(Options{
		Store:            s,
		Config:           cfg,
		GitProvider:      gitProv,
		WorkspaceService: workspaces,
		SessionService:   sessions,
		SandboxService:   sandboxes,
		Enqueuer:         noopEnqueuer{},
	})

	r := chi.NewRouter()
	r.Route("/api/projects/{projectId}/sessions/{sessionId}", func(r chi.Router) {
		r.Post("/chat", h.Chat)
		r.Get("/chat", h.ChatStream)
		r.Delete("/chat", h.ClearChat)
		r.Get("/chat/status", h.ChatStatus)
		r.Get("/messages", h.ListMessages)
	})
	r.Route("/api/projects/{projectId}/agents", func(r chi.Router) {
		r.Post("/", h.CreateAgent)
		r.Get("/{agentId}", h.GetAgent)
	})

	return &apiEnv{store: s, provider: provider, sessions: sessions, router: r}
}

// createReadySession inserts a ready session backed by a running mock sandbox.
func (e *apiEnv) createReadySession(t *testing.T) *model.Session {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{
		ProjectID:  model.DefaultProjectID,
		Path:       "api-test",
		SourceType: model.WorkspaceSourceLocal,
		Source:     "/tmp/api-test",
		Status:     model.WorkspaceStatusReady,
	}
	if err := e.store.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	session := &model.Session{
		ProjectID:   ws.ProjectID,
		WorkspaceID: ws.ID,
		Name:        "api-session",
		Status:      model.SessionStatusReady,
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

func (e *apiEnv) sessionURL(session *model.Session, suffix string) string {
	return fmt.Sprintf("/api/projects/%s/sessions/%s%s", session.ProjectID, session.ID, suffix)
}

func TestChatAcceptsAndMarksSessionRunning(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createReadySession(t)

	req := httptest.NewRequest(http.MethodPost, env.sessionURL(session, "/chat"),
		strings.NewReader(`{"message":"hello"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	got, err := env.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.Status != model.SessionStatusRunning {
		t.Errorf("session status = %s, want running after an accepted chat", got.Status)
	}

	messages, err := env.store.ListMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Errorf("transcript = %+v, want the user message recorded", messages)
	}
}

func TestChatStreamServesJSONWithoutSSEAccept(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createReadySession(t)

	req := httptest.NewRequest(http.MethodGet, env.sessionURL(session, "/chat"), nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"messages"`) {
		t.Errorf("body = %s, want a JSON transcript", rec.Body.String())
	}
}

func TestChatStreamMarksSessionIdleAfterDone(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createReadySession(t)
	if err := env.store.UpdateSessionStatus(context.Background(), session.ID, model.SessionStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	// The default mock sidecar finishes the stream immediately with [DONE].
	req := httptest.NewRequest(http.MethodGet, env.sessionURL(session, "/chat"), nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("body = %s, want the stream terminator", rec.Body.String())
	}

	got, err := env.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.Status != model.SessionStatusReady {
		t.Errorf("session status = %s, want ready after the stream finished", got.Status)
	}
}

func TestClearChatDropsTranscript(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createReadySession(t)
	ctx := context.Background()

	if err := env.store.CreateMessage(ctx, &model.Message{
		SessionID: session.ID,
		Role:      "user",
		Content:   "old",
	}); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, env.sessionURL(session, "/chat"), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	messages, err := env.store.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("transcript = %+v, want empty after clear", messages)
	}
}

func TestCreateAgentPersistsPrompt(t *testing.T) {
	env := newAPIEnv(t)

	url := fmt.Sprintf("/api/projects/%s/agents/", model.DefaultProjectID)
	req := httptest.NewRequest(http.MethodPost, url,
		strings.NewReader(`{"type":"claude","prompt":"always answer in haiku"}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	agents, err := env.store.ListAgents(context.Background(), model.DefaultProjectID)
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
	if agents[0].Prompt == nil || *agents[0].Prompt != "always answer in haiku" {
		t.Errorf("prompt = %v, want the system prompt persisted", agents[0].Prompt)
	}
}
