package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/database"
	"github.com/kilnhq/kiln/internal/dispatcher"
	"github.com/kilnhq/kiln/internal/encryption"
	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/git"
	"github.com/kilnhq/kiln/internal/handler"
	"github.com/kilnhq/kiln/internal/jobs"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/sandbox/docker"
	"github.com/kilnhq/kiln/internal/sandbox/mock"
	"github.com/kilnhq/kiln/internal/service"
	"github.com/kilnhq/kiln/internal/store"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Println("Running database migrations...")
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := db.Seed(); err != nil {
		log.Fatalf("Failed to seed database: %v", err)
	}

	s := store.New(db.DB)

	// Git provider over the workspace directory, resolving clone sources
	// through the store.
	gitProvider, err := git.NewLocalProvider(cfg.WorkspaceDir, git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)))
	if err != nil {
		log.Fatalf("Failed to initialize git provider: %v", err)
	}
	log.Printf("Git provider initialized at %s", cfg.WorkspaceDir)

	// Sandbox provider: Docker, or the in-memory mock when Docker is not
	// reachable so the API still works for development.
	var sandboxProvider sandbox.Provider
	if dockerProvider, dockerErr := docker.NewProvider(cfg); dockerErr != nil {
		log.Printf("Warning: Docker is not available (%v); using mock sandbox provider", dockerErr)
		sandboxProvider = mock.NewProviderWithImage(cfg.SandboxImage)
	} else {
		sandboxProvider = dockerProvider
		log.Printf("Sandbox provider initialized (docker, image %s)", cfg.SandboxImage)
	}
	defer sandboxProvider.Close()

	encryptor, err := encryption.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	// Services
	credentialSvc := service.NewCredentialService(s, encryptor)
	chatClient := service.NewSandboxChatClient(sandboxProvider, credentialSvc.Fetcher())
	workspaceSvc := service.NewWorkspaceService(s, gitProvider)
	sessionSvc := service.NewSessionService(s, gitProvider, sandboxProvider, cfg, chatClient)
	sandboxSvc := service.NewSandboxService(s, sandboxProvider, cfg, chatClient)

	// Event poller and broker for SSE
	eventPoller := events.NewPoller(s, events.DefaultPollerConfig())
	if err := eventPoller.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start event poller: %v", err)
	}
	eventBroker := events.NewBroker(eventPoller)

	workspaceSvc.SetNotify(eventPoller.Notify)
	sessionSvc.SetNotify(eventPoller.Notify)
	sandboxSvc.SetNotify(eventPoller.Notify)
	sandboxSvc.SetBroker(eventBroker)

	// Job queue and enqueuer
	jobQueue := jobs.NewQueue(s, cfg)
	enqueuer := jobs.NewEnqueuer(jobQueue)
	sessionSvc.SetEnqueuer(enqueuer)
	sandboxSvc.SetEnqueuer(enqueuer)

	// Dispatcher and executors
	var disp *dispatcher.Service
	if cfg.DispatcherEnabled {
		disp = dispatcher.NewService(s, cfg)
		disp.RegisterExecutor(jobs.NewWorkspaceInitExecutor(workspaceSvc))
		disp.RegisterExecutor(jobs.NewSessionInitExecutor(sessionSvc))
		disp.RegisterExecutor(jobs.NewSessionCommitExecutor(sessionSvc))
		disp.RegisterExecutor(jobs.NewSessionDeleteExecutor(sessionSvc))
		disp.SetEventNotify(eventPoller.Notify)
		jobQueue.SetNotifyFunc(disp.NotifyNewJob)
		disp.Start(context.Background())
		log.Printf("Job dispatcher started (owner ID: %s)", disp.OwnerID())
	} else {
		log.Println("Job dispatcher disabled")
	}

	// Converge sandbox and session state left over from a previous run.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := sandboxSvc.ReconcileSandboxes(ctx); err != nil {
			log.Printf("Warning: failed to reconcile sandboxes: %v", err)
		}
		if err := sandboxSvc.ReconcileSessionStates(ctx); err != nil {
			log.Printf("Warning: failed to reconcile session states: %v", err)
		}
		cancel()
	}
	idleCtx, idleCancel := context.WithCancel(context.Background())
	defer idleCancel()
	sandboxSvc.StartIdleMonitor(idleCtx)

	h := handler.New(handler.Options{
		Store:             s,
		Config:            cfg,
		GitProvider:       gitProvider,
		WorkspaceService:  workspaceSvc,
		SessionService:    sessionSvc,
		SandboxService:    sandboxSvc,
		CredentialService: credentialSvc,
		Enqueuer:          enqueuer,
		EventBroker:       eventBroker,
	})

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)

		r.Get("/preferences", h.ListPreferences)
		r.Put("/preferences", h.SetPreferences)

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)

			// SSE events
			r.Get("/events", h.Events)

			// Workspaces
			r.Route("/workspaces", func(r chi.Router) {
				r.Get("/", h.ListWorkspaces)
				r.Post("/", h.CreateWorkspace)
				r.Get("/{workspaceId}", h.GetWorkspace)
				r.Delete("/{workspaceId}", h.DeleteWorkspace)

				r.Get("/{workspaceId}/sessions", h.ListSessionsByWorkspace)
				r.Post("/{workspaceId}/sessions", h.CreateSession)

				// Git operations on the shared clone
				r.Get("/{workspaceId}/git/status", h.GetWorkspaceGitStatus)
				r.Post("/{workspaceId}/git/fetch", h.FetchWorkspace)
				r.Post("/{workspaceId}/git/checkout", h.CheckoutWorkspace)
				r.Get("/{workspaceId}/git/branches", h.GetWorkspaceBranches)
				r.Get("/{workspaceId}/git/diff", h.GetWorkspaceDiff)
				r.Get("/{workspaceId}/git/file", h.GetWorkspaceFileContent)
				r.Post("/{workspaceId}/git/file", h.WriteWorkspaceFile)
				r.Post("/{workspaceId}/git/stage", h.StageWorkspaceFiles)
				r.Post("/{workspaceId}/git/commit", h.CommitWorkspace)
				r.Get("/{workspaceId}/git/log", h.GetWorkspaceLog)
			})

			// Sessions
			r.Route("/sessions/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/commit", h.CommitSession)
				r.Get("/messages", h.ListMessages)

				// Agent chat
				r.Post("/chat", h.Chat)
				r.Get("/chat", h.ChatStream)
				r.Delete("/chat", h.ClearChat)
				r.Get("/chat/status", h.ChatStatus)
				r.Get("/chat/question", h.GetChatQuestion)
				r.Post("/chat/answer", h.AnswerChatQuestion)

				// Sandbox file access
				r.Get("/files", h.GetSessionFiles)
				r.Get("/files/read", h.GetSessionFileContent)
				r.Post("/files/write", h.WriteSessionFile)
				r.Post("/files/delete", h.DeleteSessionFile)
				r.Post("/files/rename", h.RenameSessionFile)
				r.Get("/diff", h.GetSessionDiff)
				r.Get("/models", h.ListSessionModels)

				// Services and hooks in the sandbox
				r.Get("/services", h.ListSessionServices)
				r.Post("/services/{serviceId}/start", h.StartSessionService)
				r.Post("/services/{serviceId}/stop", h.StopSessionService)
				r.Get("/services/{serviceId}/output", h.StreamSessionServiceOutput)
				r.Get("/hooks/status", h.GetSessionHooks)
				r.Get("/hooks/{hookId}/output", h.GetSessionHookOutput)
				r.Post("/hooks/{hookId}/rerun", h.RerunSessionHook)

				// Terminal
				r.Get("/terminal/ws", h.TerminalWebSocket)
				r.Get("/terminal/history", h.GetTerminalHistory)
				r.Get("/terminal/status", h.GetTerminalStatus)
			})

			// Agents
			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.ListAgents)
				r.Post("/", h.CreateAgent)
				r.Post("/default", h.SetDefaultAgent)
				r.Get("/{agentId}", h.GetAgent)
				r.Delete("/{agentId}", h.DeleteAgent)
			})

			// Credentials
			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", h.ListCredentials)
				r.Put("/{provider}", h.SetCredential)
				r.Delete("/{provider}", h.DeleteCredential)
			})
		})
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     r,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop the dispatcher first so in-flight jobs finish or release cleanly.
	if disp != nil {
		disp.Stop()
	}
	eventPoller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server stopped")
}
