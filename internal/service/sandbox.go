package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/store"
)

// Gatekeeper polling bounds: a caller asking for a sidecar client waits at
// most clientMaxWait for the session to become usable.
const (
	clientMaxWait      = 30 * time.Second
	clientPollInterval = 500 * time.Millisecond
)

// ErrSessionNotReady is returned when the gatekeeper times out before the
// session's sandbox is running.
var ErrSessionNotReady = errors.New("session is not ready")

// SandboxService is the gate between request handlers and session sandboxes.
// Handlers never talk to the provider directly: they ask the gatekeeper for
// a client, which transparently revives stopped sandboxes.
type SandboxService struct {
	store    *store.Store
	provider sandbox.Provider
	cfg      *config.Config
	chat     *SandboxChatClient

	enqueuer JobEnqueuer
	notify   func()
	broker   *events.Broker

	mu           sync.Mutex
	lastActivity map[string]time.Time
}

// NewSandboxService creates a sandbox service.
func NewSandboxService(s *store.Store, provider sandbox.Provider, cfg *config.Config, chat *SandboxChatClient) *SandboxService {
	return &SandboxService{
		store:        s,
		provider:     provider,
		cfg:          cfg,
		chat:         chat,
		lastActivity: make(map[string]time.Time),
	}
}

// SetEnqueuer registers the job enqueuer used to revive stopped sandboxes.
func (s *SandboxService) SetEnqueuer(e JobEnqueuer) {
	s.enqueuer = e
}

// SetNotify registers the event poller nudge.
func (s *SandboxService) SetNotify(fn func()) {
	s.notify = fn
}

// SetBroker registers the event broker. With a broker the gatekeeper blocks
// on the init job's completion event instead of pure polling.
func (s *SandboxService) SetBroker(b *events.Broker) {
	s.broker = b
}

func (s *SandboxService) notifyEvents() {
	if s.notify != nil {
		s.notify()
	}
}

// TouchActivity records user activity on a session for the idle monitor.
func (s *SandboxService) TouchActivity(sessionID string) {
	s.mu.Lock()
	s.lastActivity[sessionID] = time.Now()
	s.mu.Unlock()
}

// GetClient waits until the session's sandbox is running and returns the
// sidecar client. A stopped sandbox is revived by enqueuing a session init;
// the caller's request simply blocks through the restart, up to
// clientMaxWait.
func (s *SandboxService) GetClient(ctx context.Context, sessionID string) (*SessionClient, error) {
	s.TouchActivity(sessionID)

	deadline := time.Now().Add(clientMaxWait)
	requestedInit := false

	for {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		switch session.Status {
		case model.SessionStatusError:
			return nil, fmt.Errorf("session %s is in error state: %s", sessionID, deref(session.ErrorMessage))
		case model.SessionStatusRemoving:
			return nil, fmt.Errorf("session %s is being removed", sessionID)
		case model.SessionStatusReady, model.SessionStatusRunning, model.SessionStatusStopped:
			sb, err := s.provider.Get(ctx, sessionID)
			switch {
			case err == nil && sb.Status == sandbox.StatusRunning:
				return &SessionClient{sessionID: sessionID, raw: s.chat, touch: s.TouchActivity}, nil
			case err == nil || errors.Is(err, sandbox.ErrNotFound):
				if !requestedInit {
					requestedInit = true
					if err := s.requestReinit(ctx, session); err != nil {
						return nil, err
					}
					if s.broker != nil {
						if err := s.awaitInit(ctx, session, deadline); err != nil {
							return nil, err
						}
						continue
					}
				}
			default:
				return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
			}
		default:
			// Initialization in flight; keep waiting.
		}

		if time.Now().After(deadline) {
			return nil, ErrSessionNotReady
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(clientPollInterval):
		}
	}
}

// requestReinit enqueues a session init to revive the sandbox. An already
// queued init is fine; the gatekeeper just keeps polling.
func (s *SandboxService) requestReinit(ctx context.Context, session *model.Session) error {
	err := s.enqueuer.EnqueueSessionInit(ctx, session.ProjectID, session.ID, session.WorkspaceID, "")
	if err != nil && !errors.Is(err, store.ErrJobAlreadyQueued) {
		return fmt.Errorf("failed to enqueue session init: %w", err)
	}
	return nil
}

// awaitInit blocks on the revive job's completion event. A deadline expiry is
// not an error here; the caller's loop re-inspects and times out on its own.
func (s *SandboxService) awaitInit(ctx context.Context, session *model.Session, deadline time.Time) error {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := events.WaitForJobCompletion(waitCtx, s.broker, s.store, session.ProjectID, model.JobKindSessionInit, session.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil
		}
		return err
	}
	if result.Status == model.JobStatusFailed {
		return fmt.Errorf("session %s failed to start: %s", session.ID, result.Error)
	}
	return nil
}

// Exec runs a one-shot command inside the session's sandbox.
func (s *SandboxService) Exec(ctx context.Context, sessionID string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if _, err := s.GetClient(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.provider.Exec(ctx, sessionID, opts)
}

// Attach opens an interactive terminal inside the session's sandbox.
func (s *SandboxService) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	if _, err := s.GetClient(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.provider.Attach(ctx, sessionID, opts)
}

// ReconcileSandboxes sweeps the provider's sandboxes once: containers on an
// outdated image are recreated (volume preserved) and containers whose
// session row is gone are removed. Run at startup and periodically.
func (s *SandboxService) ReconcileSandboxes(ctx context.Context) error {
	sandboxes, err := s.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sandboxes: %w", err)
	}

	expectedImage := s.provider.Image()
	for _, sb := range sandboxes {
		if sb.SessionID == "" {
			continue
		}

		session, err := s.store.GetSession(ctx, sb.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			// The volume is kept: only an explicit session deletion discards
			// in-sandbox state.
			log.Printf("Removing orphaned sandbox for deleted session %s", sb.SessionID)
			if err := s.provider.Remove(ctx, sb.SessionID, false); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
				log.Printf("Warning: failed to remove orphaned sandbox %s: %v", sb.SessionID, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		if sb.Image != expectedImage {
			log.Printf("Recreating sandbox for session %s: image %s -> %s", sb.SessionID, sb.Image, expectedImage)
			if err := s.provider.Remove(ctx, sb.SessionID, false); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
				log.Printf("Warning: failed to remove outdated sandbox %s: %v", sb.SessionID, err)
				continue
			}
			if err := s.requestReinit(ctx, session); err != nil {
				log.Printf("Warning: failed to enqueue reinit for session %s: %v", sb.SessionID, err)
			}
		}
	}
	return nil
}

// ReconcileSessionStates aligns session rows with observed sandbox state.
// Run at startup so rows stranded by a crash (a session stuck in
// creating_sandbox, a running session whose container died) converge.
func (s *SandboxService) ReconcileSessionStates(ctx context.Context) error {
	statuses := append(model.InitializingStatuses(),
		model.SessionStatusReady,
		model.SessionStatusRunning,
		model.SessionStatusStopped,
	)
	sessions, err := s.store.ListSessionsByStatuses(ctx, statuses)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for i := range sessions {
		session := &sessions[i]
		sb, err := s.provider.Get(ctx, session.ID)

		var observed sandbox.Status
		var sbError string
		switch {
		case errors.Is(err, sandbox.ErrNotFound):
			observed = sandbox.StatusStopped
		case err != nil:
			log.Printf("Warning: failed to inspect sandbox for session %s: %v", session.ID, err)
			continue
		default:
			observed = sb.Status
			sbError = sb.Error
		}

		target, errMsg := reconcileTarget(session.Status, observed, sbError)
		if target == "" {
			continue
		}
		if target == model.SessionStatusReady && session.Status == model.SessionStatusRunning {
			// Only demote running -> ready when no completion is in flight.
			if status, err := s.chat.GetChatStatus(ctx, session.ID); err != nil || status.IsRunning {
				continue
			}
		}
		if target == session.Status {
			continue
		}
		log.Printf("Reconciling session %s: %s -> %s", session.ID, session.Status, target)
		if err := s.store.UpdateSessionStatus(ctx, session.ID, target, errMsg); err != nil {
			log.Printf("Warning: failed to reconcile session %s: %v", session.ID, err)
		}
		s.notifyEvents()
	}
	return nil
}

// reconcileTarget maps (session status, sandbox status) to the session
// status the row should converge to. Empty means leave it alone.
func reconcileTarget(current model.SessionStatus, observed sandbox.Status, sbError string) (model.SessionStatus, *string) {
	switch observed {
	case sandbox.StatusFailed:
		msg := "Sandbox failed"
		if sbError != "" {
			msg = "Sandbox failed: " + sbError
		}
		return model.SessionStatusError, &msg
	case sandbox.StatusStopped, sandbox.StatusCreated, sandbox.StatusRemoved:
		return model.SessionStatusStopped, nil
	case sandbox.StatusRunning:
		// Any session with a live sandbox is at least ready; running
		// sessions are demoted by the caller only when no chat is active.
		return model.SessionStatusReady, nil
	}
	return "", nil
}

// StartIdleMonitor stops sandboxes whose sessions saw no activity for the
// configured idle timeout. Returns immediately when the timeout is zero.
func (s *SandboxService) StartIdleMonitor(ctx context.Context) {
	if s.cfg.SandboxIdleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.stopIdleSandboxes(ctx)
			}
		}
	}()
}

func (s *SandboxService) stopIdleSandboxes(ctx context.Context) {
	sessions, err := s.store.ListSessionsByStatuses(ctx, []model.SessionStatus{
		model.SessionStatusReady,
	})
	if err != nil {
		log.Printf("Warning: idle monitor failed to list sessions: %v", err)
		return
	}

	cutoff := time.Now().Add(-s.cfg.SandboxIdleTimeout)
	for i := range sessions {
		session := &sessions[i]

		s.mu.Lock()
		last, seen := s.lastActivity[session.ID]
		if !seen {
			// First sighting; start the clock now.
			s.lastActivity[session.ID] = time.Now()
		}
		s.mu.Unlock()
		if !seen || last.After(cutoff) {
			continue
		}

		if status, err := s.chat.GetChatStatus(ctx, session.ID); err == nil && status.IsRunning {
			s.TouchActivity(session.ID)
			continue
		}

		log.Printf("Stopping idle sandbox for session %s", session.ID)
		if err := s.provider.Stop(ctx, session.ID, sandboxStopGrace); err != nil && !errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrNotRunning) {
			log.Printf("Warning: failed to stop idle sandbox %s: %v", session.ID, err)
			continue
		}
		if err := s.store.UpdateSessionStatus(ctx, session.ID, model.SessionStatusStopped, nil); err != nil {
			log.Printf("Warning: failed to mark session %s stopped: %v", session.ID, err)
		}
		s.notifyEvents()
		s.mu.Lock()
		delete(s.lastActivity, session.ID)
		s.mu.Unlock()
	}
}
