package service

import (
	"context"

	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
)

// SessionClient is a per-session view over the shared sidecar client. It pins
// the session ID and records session activity after every successful call, so
// the idle monitor sees real usage rather than just chat traffic.
type SessionClient struct {
	sessionID string
	raw       *SandboxChatClient
	touch     func(sessionID string)
}

// SessionID returns the session this client is bound to.
func (c *SessionClient) SessionID() string {
	return c.sessionID
}

// done records activity for non-error responses and passes err through.
func (c *SessionClient) done(err error) error {
	if err == nil && c.touch != nil {
		c.touch(c.sessionID)
	}
	return err
}

func (c *SessionClient) PostChat(ctx context.Context, message string) error {
	return c.done(c.raw.PostChat(ctx, c.sessionID, message))
}

func (c *SessionClient) GetChatStream(ctx context.Context) (<-chan SSELine, error) {
	stream, err := c.raw.GetChatStream(ctx, c.sessionID)
	return stream, c.done(err)
}

func (c *SessionClient) WaitForChatDone(ctx context.Context) error {
	return c.done(c.raw.WaitForChatDone(ctx, c.sessionID))
}

func (c *SessionClient) ClearChat(ctx context.Context) error {
	return c.done(c.raw.ClearChat(ctx, c.sessionID))
}

func (c *SessionClient) ListChatMessages(ctx context.Context) (*agentapi.MessagesResponse, error) {
	result, err := c.raw.ListChatMessages(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) GetQuestion(ctx context.Context) (*agentapi.Question, error) {
	result, err := c.raw.GetQuestion(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) PostAnswer(ctx context.Context, questionID, answer string) error {
	return c.done(c.raw.PostAnswer(ctx, c.sessionID, questionID, answer))
}

func (c *SessionClient) GetChatStatus(ctx context.Context) (*agentapi.ChatStatusResponse, error) {
	result, err := c.raw.GetChatStatus(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) GetUserInfo(ctx context.Context) (*agentapi.UserResponse, error) {
	result, err := c.raw.GetUserInfo(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) ListModels(ctx context.Context) (*agentapi.ModelsResponse, error) {
	result, err := c.raw.ListModels(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) ListFiles(ctx context.Context, path string) ([]agentapi.FileEntry, error) {
	result, err := c.raw.ListFiles(ctx, c.sessionID, path)
	return result, c.done(err)
}

func (c *SessionClient) ReadFile(ctx context.Context, path string) (*agentapi.FileContentResponse, error) {
	result, err := c.raw.ReadFile(ctx, c.sessionID, path)
	return result, c.done(err)
}

func (c *SessionClient) WriteFile(ctx context.Context, path, content string) error {
	return c.done(c.raw.WriteFile(ctx, c.sessionID, path, content))
}

func (c *SessionClient) DeleteFile(ctx context.Context, path string) error {
	return c.done(c.raw.DeleteFile(ctx, c.sessionID, path))
}

func (c *SessionClient) RenameFile(ctx context.Context, from, to string) error {
	return c.done(c.raw.RenameFile(ctx, c.sessionID, from, to))
}

func (c *SessionClient) GetDiff(ctx context.Context, path string) (*agentapi.DiffResponse, error) {
	result, err := c.raw.GetDiff(ctx, c.sessionID, path)
	return result, c.done(err)
}

func (c *SessionClient) ListServices(ctx context.Context) (*agentapi.ServicesResponse, error) {
	result, err := c.raw.ListServices(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) StartService(ctx context.Context, serviceID string) error {
	return c.done(c.raw.StartService(ctx, c.sessionID, serviceID))
}

func (c *SessionClient) StopService(ctx context.Context, serviceID string) error {
	return c.done(c.raw.StopService(ctx, c.sessionID, serviceID))
}

func (c *SessionClient) GetServiceOutput(ctx context.Context, serviceID string) (<-chan SSELine, error) {
	stream, err := c.raw.GetServiceOutput(ctx, c.sessionID, serviceID)
	return stream, c.done(err)
}

func (c *SessionClient) GetHooksStatus(ctx context.Context) (*agentapi.HooksResponse, error) {
	result, err := c.raw.GetHooksStatus(ctx, c.sessionID)
	return result, c.done(err)
}

func (c *SessionClient) GetHookOutput(ctx context.Context, hookID string) (*agentapi.HookOutputResponse, error) {
	result, err := c.raw.GetHookOutput(ctx, c.sessionID, hookID)
	return result, c.done(err)
}

func (c *SessionClient) RerunHook(ctx context.Context, hookID string) error {
	return c.done(c.raw.RerunHook(ctx, c.sessionID, hookID))
}

func (c *SessionClient) Health(ctx context.Context) error {
	return c.done(c.raw.Health(ctx, c.sessionID))
}
