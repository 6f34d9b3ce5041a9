package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
)

// Retry configuration for sidecar requests. The initial delay is aggressive
// so container startup is caught quickly.
const (
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryMaxAttempts  = 15
	retryMultiplier   = 2.0
)

// CredentialEnvVar is one decrypted credential forwarded to the sidecar.
type CredentialEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CredentialFetcher retrieves decrypted credentials for a session's project.
type CredentialFetcher func(ctx context.Context, sessionID string) ([]CredentialEnvVar, error)

// CommitsError is a typed sidecar error from GET /commits.
type CommitsError struct {
	Code    string
	Message string
}

func (e *CommitsError) Error() string {
	return fmt.Sprintf("commits error (%s): %s", e.Code, e.Message)
}

// AsCommitsError unwraps err into a *CommitsError, or nil.
func AsCommitsError(err error) *CommitsError {
	var ce *CommitsError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// SSELine is one raw SSE data frame from the sidecar.
type SSELine struct {
	// Data is the raw payload without the "data: " prefix.
	Data string
	// Done marks the [DONE] terminator.
	Done bool
}

// SandboxChatClient talks to the agent sidecar running inside a session's
// sandbox. All calls authenticate with the sandbox shared secret and retry
// transient connection failures with exponential backoff.
type SandboxChatClient struct {
	provider          sandbox.Provider
	credentialFetcher CredentialFetcher
}

// NewSandboxChatClient creates a sidecar client. fetcher may be nil, in which
// case credentials are not forwarded.
func NewSandboxChatClient(provider sandbox.Provider, fetcher CredentialFetcher) *SandboxChatClient {
	return &SandboxChatClient{
		provider:          provider,
		credentialFetcher: fetcher,
	}
}

// isRetryableError reports whether an error is a transient transport failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF")
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// retryWithBackoff executes fn until it succeeds, fails permanently, or the
// attempt budget is spent.
func retryWithBackoff[T any](ctx context.Context, fn func() (T, int, error)) (T, error) {
	var zero T
	delay := retryInitialDelay

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		result, statusCode, err := fn()

		if err == nil && !isRetryableStatus(statusCode) {
			return result, nil
		}

		shouldRetry := isRetryableError(err) || isRetryableStatus(statusCode)
		if !shouldRetry || attempt == retryMaxAttempts {
			if err != nil {
				return zero, err
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = min(time.Duration(float64(delay)*retryMultiplier), retryMaxDelay)
	}

	return zero, fmt.Errorf("max retry attempts exceeded")
}

// applyRequestAuth sets the Authorization and credential headers.
func (c *SandboxChatClient) applyRequestAuth(ctx context.Context, req *http.Request, sessionID string) error {
	secret, err := c.provider.GetSecret(ctx, sessionID)
	if err == nil && secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	if c.credentialFetcher != nil {
		creds, err := c.credentialFetcher(ctx, sessionID)
		if err != nil {
			// Credentials are optional; the agent just runs without them.
			log.Printf("Warning: failed to fetch credentials for session %s: %v", sessionID, err)
		} else if len(creds) > 0 {
			credJSON, err := json.Marshal(creds)
			if err != nil {
				return fmt.Errorf("failed to marshal credentials: %w", err)
			}
			req.Header.Set("X-Kiln-Credentials", string(credJSON))
		}
	}
	return nil
}

// do runs one authenticated request against the sidecar with retry.
func (c *SandboxChatClient) do(ctx context.Context, sessionID, method, path string, body []byte, accept string) (*http.Response, error) {
	return retryWithBackoff(ctx, func() (*http.Response, int, error) {
		client, baseURL, err := c.provider.HTTPClient(ctx, sessionID)
		if err != nil {
			// Sandbox not running is not retryable here; the gatekeeper owns
			// reconciliation.
			return nil, 0, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if err := c.applyRequestAuth(ctx, req, sessionID); err != nil {
			return nil, 0, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		return resp, resp.StatusCode, nil
	})
}

// decodeJSON drains and decodes a 200 response body into v.
func decodeJSON(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// PostChat starts a completion. The sidecar acknowledges with 202; the stream
// is consumed separately via GetChatStream.
func (c *SandboxChatClient) PostChat(ctx context.Context, sessionID, message string) error {
	body, err := json.Marshal(agentapi.ChatRequest{Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, sessionID, http.MethodPost, "/chat", body, "")
	if err != nil {
		return fmt.Errorf("failed to send chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetChatStream attaches to the ongoing completion's SSE stream. A 204 means
// nothing is running and yields an immediately closed channel.
func (c *SandboxChatClient) GetChatStream(ctx context.Context, sessionID string) (<-chan SSELine, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/chat", nil, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("failed to open chat stream: %w", err)
	}
	return consumeSSE(ctx, resp)
}

// consumeSSE turns an SSE response body into a channel of data frames. A 204
// yields an immediately closed channel.
func consumeSSE(ctx context.Context, resp *http.Response) (<-chan SSELine, error) {
	if resp.StatusCode == http.StatusNoContent {
		_ = resp.Body.Close()
		ch := make(chan SSELine)
		close(ch)
		return ch, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(body))
	}

	lineCh := make(chan SSELine, 100)
	go func() {
		defer close(lineCh)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := line[6:]
			if data == agentapi.SSEDoneMarker {
				select {
				case lineCh <- SSELine{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case lineCh <- SSELine{Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lineCh, nil
}

// WaitForChatDone drains the chat stream until the [DONE] marker, the stream
// closes, or the context ends.
func (c *SandboxChatClient) WaitForChatDone(ctx context.Context, sessionID string) error {
	stream, err := c.GetChatStream(ctx, sessionID)
	if err != nil {
		return err
	}
	for {
		select {
		case line, ok := <-stream:
			if !ok || line.Done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetChatStatus reports whether a completion is currently running.
func (c *SandboxChatClient) GetChatStatus(ctx context.Context, sessionID string) (*agentapi.ChatStatusResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/chat/status", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get chat status: %w", err)
	}
	var status agentapi.ChatStatusResponse
	if err := decodeJSON(resp, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ClearChat wipes the session transcript in the sidecar.
func (c *SandboxChatClient) ClearChat(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, sessionID, http.MethodDelete, "/chat", nil, "")
	if err != nil {
		return fmt.Errorf("failed to clear chat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// ListChatMessages returns the transcript as JSON, the non-streaming form of
// GET /chat.
func (c *SandboxChatClient) ListChatMessages(ctx context.Context, sessionID string) (*agentapi.MessagesResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/chat", nil, "application/json")
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	var result agentapi.MessagesResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetQuestion returns the agent's pending question, or nil when there is none.
func (c *SandboxChatClient) GetQuestion(ctx context.Context, sessionID string) (*agentapi.Question, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/chat/question", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = resp.Body.Close()
		return nil, nil
	}
	var result agentapi.Question
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PostAnswer answers a pending agent question.
func (c *SandboxChatClient) PostAnswer(ctx context.Context, sessionID, questionID, answer string) error {
	body, err := json.Marshal(agentapi.AnswerRequest{ID: questionID, Answer: answer})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := c.do(ctx, sessionID, http.MethodPost, "/chat/answer", body, "")
	if err != nil {
		return fmt.Errorf("failed to post answer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetCommits fetches the agent's commits on top of parent as an mbox patch
// series. Sidecar-reported failures come back as *CommitsError.
func (c *SandboxChatClient) GetCommits(ctx context.Context, sessionID, parent string) (*agentapi.CommitsResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/commits?parent="+parent, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get commits: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp agentapi.CommitsErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(body))
		}
		return nil, &CommitsError{Code: errResp.Error, Message: errResp.Message}
	}

	var result agentapi.CommitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// GetUserInfo returns the sandbox's default user, used for terminal sessions.
func (c *SandboxChatClient) GetUserInfo(ctx context.Context, sessionID string) (*agentapi.UserResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/user", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	var result agentapi.UserResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListModels returns the models the in-sandbox agent can use.
func (c *SandboxChatClient) ListModels(ctx context.Context, sessionID string) (*agentapi.ModelsResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/models", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	var result agentapi.ModelsResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListFiles lists a directory inside the sandbox.
func (c *SandboxChatClient) ListFiles(ctx context.Context, sessionID, path string) ([]agentapi.FileEntry, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/files?path="+path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	var result []agentapi.FileEntry
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadFile reads a file inside the sandbox.
func (c *SandboxChatClient) ReadFile(ctx context.Context, sessionID, path string) (*agentapi.FileContentResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/files/read?path="+path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var result agentapi.FileContentResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// WriteFile creates or overwrites a file inside the sandbox.
func (c *SandboxChatClient) WriteFile(ctx context.Context, sessionID, path, content string) error {
	body, err := json.Marshal(agentapi.FileWriteRequest{Path: path, Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.postFileOp(ctx, sessionID, "/files/write", body)
}

// DeleteFile removes a file inside the sandbox.
func (c *SandboxChatClient) DeleteFile(ctx context.Context, sessionID, path string) error {
	body, err := json.Marshal(agentapi.FileDeleteRequest{Path: path})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.postFileOp(ctx, sessionID, "/files/delete", body)
}

// RenameFile moves a file inside the sandbox.
func (c *SandboxChatClient) RenameFile(ctx context.Context, sessionID, from, to string) error {
	body, err := json.Marshal(agentapi.FileRenameRequest{From: from, To: to})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.postFileOp(ctx, sessionID, "/files/rename", body)
}

func (c *SandboxChatClient) postFileOp(ctx context.Context, sessionID, path string, body []byte) error {
	resp, err := c.do(ctx, sessionID, http.MethodPost, path, body, "")
	if err != nil {
		return fmt.Errorf("file operation %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetDiff returns the sandbox's working-tree diff against its base.
func (c *SandboxChatClient) GetDiff(ctx context.Context, sessionID, path string) (*agentapi.DiffResponse, error) {
	url := "/diff"
	if path != "" {
		url += "?path=" + path
	}
	resp, err := c.do(ctx, sessionID, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get diff: %w", err)
	}
	var result agentapi.DiffResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListServices lists the long-running processes the sandbox exposes.
func (c *SandboxChatClient) ListServices(ctx context.Context, sessionID string) (*agentapi.ServicesResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/services", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	var result agentapi.ServicesResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartService starts one of the sandbox's configured services.
func (c *SandboxChatClient) StartService(ctx context.Context, sessionID, serviceID string) error {
	return c.postServiceOp(ctx, sessionID, "/services/"+serviceID+"/start")
}

// StopService stops one of the sandbox's configured services.
func (c *SandboxChatClient) StopService(ctx context.Context, sessionID, serviceID string) error {
	return c.postServiceOp(ctx, sessionID, "/services/"+serviceID+"/stop")
}

func (c *SandboxChatClient) postServiceOp(ctx context.Context, sessionID, path string) error {
	resp, err := c.do(ctx, sessionID, http.MethodPost, path, nil, "")
	if err != nil {
		return fmt.Errorf("service operation %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetServiceOutput attaches to a service's output as an SSE stream. A 204
// yields an immediately closed channel.
func (c *SandboxChatClient) GetServiceOutput(ctx context.Context, sessionID, serviceID string) (<-chan SSELine, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/services/"+serviceID+"/output", nil, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("failed to open service output stream: %w", err)
	}
	return consumeSSE(ctx, resp)
}

// GetHooksStatus returns the sandbox's lifecycle hooks and their last runs.
func (c *SandboxChatClient) GetHooksStatus(ctx context.Context, sessionID string) (*agentapi.HooksResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/hooks/status", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get hooks status: %w", err)
	}
	var result agentapi.HooksResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetHookOutput returns the captured output of a hook's last run.
func (c *SandboxChatClient) GetHookOutput(ctx context.Context, sessionID, hookID string) (*agentapi.HookOutputResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/hooks/"+hookID+"/output", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get hook output: %w", err)
	}
	var result agentapi.HookOutputResponse
	if err := decodeJSON(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RerunHook re-executes a hook inside the sandbox.
func (c *SandboxChatClient) RerunHook(ctx context.Context, sessionID, hookID string) error {
	resp, err := c.do(ctx, sessionID, http.MethodPost, "/hooks/"+hookID+"/rerun", nil, "")
	if err != nil {
		return fmt.Errorf("failed to rerun hook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Health pings the sidecar.
func (c *SandboxChatClient) Health(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox health check returned status %d", resp.StatusCode)
	}
	return nil
}
