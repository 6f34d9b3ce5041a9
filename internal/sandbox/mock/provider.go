// Package mock provides an in-memory sandbox.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/sandbox"
)

// DefaultImage is the image the mock provider reports by default.
const DefaultImage = "mock:latest"

// Provider is an in-memory sandbox provider. All behaviors can be overridden
// through the *Func fields for targeted failure injection.
type Provider struct {
	mu         sync.RWMutex
	sandboxes  map[string]*sandbox.Sandbox
	secrets    map[string]string
	createOpts map[string]sandbox.CreateOptions
	image      string

	// HTTPHandler serves requests made through HTTPClient without a network.
	// Nil falls back to a handler that answers like a healthy agent sidecar.
	HTTPHandler http.Handler

	CreateFunc    func(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error)
	StartFunc     func(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	StopFunc      func(ctx context.Context, sessionID string, grace time.Duration) error
	RemoveFunc    func(ctx context.Context, sessionID string, removeVolumes bool) error
	GetFunc       func(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	GetSecretFunc func(ctx context.Context, sessionID string) (string, error)
	ExecFunc      func(ctx context.Context, sessionID string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)
	AttachFunc    func(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error)

	// RemovedVolumes records sessions whose data volume was deleted.
	RemovedVolumes []string
}

// NewProvider creates a mock provider reporting DefaultImage.
func NewProvider() *Provider {
	return NewProviderWithImage(DefaultImage)
}

// NewProviderWithImage creates a mock provider reporting a specific image.
func NewProviderWithImage(image string) *Provider {
	return &Provider{
		sandboxes:  make(map[string]*sandbox.Sandbox),
		secrets:    make(map[string]string),
		createOpts: make(map[string]sandbox.CreateOptions),
		image:      image,
	}
}

// Image returns the configured image.
func (p *Provider) Image() string {
	return p.image
}

// ImageExists always reports true.
func (p *Provider) ImageExists(_ context.Context) (bool, error) {
	return true, nil
}

// PullImage is a no-op.
func (p *Provider) PullImage(_ context.Context) error {
	return nil
}

// Create records a new mock sandbox with a deterministic port binding.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, sessionID, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[sessionID]; exists {
		return nil, sandbox.ErrAlreadyExists
	}
	if opts.SharedSecret != "" {
		p.secrets[sessionID] = opts.SharedSecret
	}
	p.createOpts[sessionID] = opts

	s := &sandbox.Sandbox{
		ID:        "mock-" + sessionID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     p.image,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"mock": "true"},
		Ports: []sandbox.AssignedPort{{
			ContainerPort: sandbox.AgentPort,
			HostPort:      40888,
			HostIP:        "127.0.0.1",
			Protocol:      "tcp",
		}},
	}
	p.sandboxes[sessionID] = s

	cpy := *s
	return &cpy, nil
}

// Start transitions a mock sandbox to running.
func (p *Provider) Start(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if s.Status == sandbox.StatusRunning {
		return nil, sandbox.ErrAlreadyRunning
	}

	s.Status = sandbox.StatusRunning
	now := time.Now()
	s.StartedAt = &now

	cpy := *s
	return &cpy, nil
}

// Stop transitions a mock sandbox to stopped.
func (p *Provider) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, sessionID, grace)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}

	s.Status = sandbox.StatusStopped
	now := time.Now()
	s.StoppedAt = &now
	return nil
}

// Remove deletes a mock sandbox. Idempotent.
func (p *Provider) Remove(ctx context.Context, sessionID string, removeVolumes bool) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sessionID, removeVolumes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if removeVolumes {
		p.RemovedVolumes = append(p.RemovedVolumes, sessionID)
	}
	if _, exists := p.sandboxes[sessionID]; !exists {
		return nil
	}
	delete(p.sandboxes, sessionID)
	delete(p.secrets, sessionID)
	return nil
}

// Get returns a copy of the mock sandbox.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	if p.GetFunc != nil {
		return p.GetFunc(ctx, sessionID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	cpy := *s
	return &cpy, nil
}

// List returns all mock sandboxes.
func (p *Provider) List(_ context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*sandbox.Sandbox, 0, len(p.sandboxes))
	for _, s := range p.sandboxes {
		cpy := *s
		result = append(result, &cpy)
	}
	return result, nil
}

// GetSecret returns the shared secret recorded at creation.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	if p.GetSecretFunc != nil {
		return p.GetSecretFunc(ctx, sessionID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, exists := p.sandboxes[sessionID]; !exists {
		return "", sandbox.ErrNotFound
	}
	secret, exists := p.secrets[sessionID]
	if !exists || secret == "" {
		return "", fmt.Errorf("shared secret not found for sandbox")
	}
	return secret, nil
}

// Exec returns a canned success.
func (p *Provider) Exec(ctx context.Context, sessionID string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sessionID, opts)
	}

	p.mu.RLock()
	_, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &sandbox.ExecResult{
		ExitCode: 0,
		Stdout:   []byte("mock output\n"),
		Stderr:   []byte{},
	}, nil
}

// Attach returns a fake PTY.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	if p.AttachFunc != nil {
		return p.AttachFunc(ctx, sessionID, opts)
	}

	p.mu.RLock()
	s, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	return &PTY{}, nil
}

// HTTPClient returns a client whose transport dispatches straight into
// HTTPHandler, no sockets involved.
func (p *Provider) HTTPClient(_ context.Context, sessionID string) (*http.Client, string, error) {
	p.mu.RLock()
	s, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, "", sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return nil, "", sandbox.ErrNotRunning
	}

	handler := p.HTTPHandler
	if handler == nil {
		handler = defaultHandler()
	}
	return &http.Client{
		Transport: &handlerRoundTripper{handler: handler},
	}, "http://sandbox", nil
}

// GetCreateOptions returns the options the sandbox was created with, for
// test assertions.
func (p *Provider) GetCreateOptions(sessionID string) sandbox.CreateOptions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.createOpts[sessionID]
}

// GetSandboxes returns a snapshot of all sandboxes for test assertions.
func (p *Provider) GetSandboxes() map[string]*sandbox.Sandbox {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*sandbox.Sandbox, len(p.sandboxes))
	for k, v := range p.sandboxes {
		cpy := *v
		result[k] = &cpy
	}
	return result
}

// SetStatus forces a sandbox into a status, bypassing transitions.
func (p *Provider) SetStatus(sessionID string, status sandbox.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, exists := p.sandboxes[sessionID]; exists {
		s.Status = status
	}
}

// SetImage rewrites a sandbox's recorded image, simulating drift against the
// configured one.
func (p *Provider) SetImage(sessionID, image string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, exists := p.sandboxes[sessionID]; exists {
		s.Image = image
	}
}

// InjectSandbox registers a sandbox directly, for orphan scenarios where no
// Create call happened.
func (p *Provider) InjectSandbox(s *sandbox.Sandbox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpy := *s
	p.sandboxes[s.SessionID] = &cpy
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}

// PTY is a fake terminal that echoes input.
type PTY struct {
	InputBuffer  []byte
	OutputBuffer []byte
	Closed       bool
	ResizeCalls  []struct{ Rows, Cols int }
	mu           sync.Mutex
}

func (p *PTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, io.EOF
	}
	if len(p.OutputBuffer) == 0 {
		p.OutputBuffer = []byte("$ ")
	}
	n := copy(b, p.OutputBuffer)
	p.OutputBuffer = p.OutputBuffer[n:]
	return n, nil
}

func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, io.ErrClosedPipe
	}
	p.InputBuffer = append(p.InputBuffer, b...)
	p.OutputBuffer = append(p.OutputBuffer, b...)
	return len(b), nil
}

func (p *PTY) Resize(_ context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResizeCalls = append(p.ResizeCalls, struct{ Rows, Cols int }{rows, cols})
	return nil
}

func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

func (p *PTY) Wait(_ context.Context) (int, error) {
	return 0, nil
}

// handlerRoundTripper dispatches requests into an http.Handler so streaming
// responses (SSE) work without network connections.
type handlerRoundTripper struct {
	handler http.Handler
}

func (m *handlerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Server handlers always see a non-nil Body; client requests may carry nil.
	if req.Body == nil {
		req.Body = http.NoBody
	}
	pr, pw := io.Pipe()
	rec := &pipeResponseWriter{
		header:      make(http.Header),
		statusCode:  http.StatusOK,
		pipe:        pw,
		headerReady: make(chan struct{}),
	}

	go func() {
		defer pw.Close()
		m.handler.ServeHTTP(rec, req)
		rec.ensureHeader()
	}()

	// Wait for the handler to commit the status line before returning the
	// response, so callers see the real code even for streaming bodies.
	<-rec.headerReady

	return &http.Response{
		StatusCode: rec.statusCode,
		Header:     rec.header,
		Body:       pr,
		Request:    req,
	}, nil
}

type pipeResponseWriter struct {
	header      http.Header
	statusCode  int
	pipe        *io.PipeWriter
	headerReady chan struct{}
	headerOnce  sync.Once
}

func (w *pipeResponseWriter) Header() http.Header {
	return w.header
}

func (w *pipeResponseWriter) WriteHeader(code int) {
	w.headerOnce.Do(func() {
		w.statusCode = code
		close(w.headerReady)
	})
}

func (w *pipeResponseWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pipe.Write(b)
}

func (w *pipeResponseWriter) ensureHeader() {
	w.WriteHeader(http.StatusOK)
}

// defaultHandler answers like a healthy agent sidecar: POST /chat is
// accepted, GET /chat streams an immediately finished conversation.
func defaultHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			switch r.Method {
			case http.MethodPost:
				w.WriteHeader(http.StatusAccepted)
			case http.MethodGet:
				if r.Header.Get("Accept") == "text/event-stream" {
					w.Header().Set("Content-Type", "text/event-stream")
					w.WriteHeader(http.StatusOK)
					_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"messages":[]}`))
			case http.MethodDelete:
				w.WriteHeader(http.StatusNoContent)
			default:
				http.NotFound(w, r)
			}
		case "/chat/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"isRunning":false,"messageCount":0}`))
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	})
}

var _ sandbox.Provider = (*Provider)(nil)
