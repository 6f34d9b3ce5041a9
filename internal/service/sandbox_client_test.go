package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilnhq/kiln/internal/sandbox/agentapi"
)

// sidecarRecorder is a fake agent sidecar that records every request it sees.
type sidecarRecorder struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
}

func (rec *sidecarRecorder) record(r *http.Request, body []byte) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	key := r.Method + " " + r.URL.Path
	rec.requests = append(rec.requests, key)
	if rec.bodies == nil {
		rec.bodies = map[string]string{}
	}
	rec.bodies[key] = string(body)
}

func (rec *sidecarRecorder) saw(key string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, k := range rec.requests {
		if k == key {
			return true
		}
	}
	return false
}

func (rec *sidecarRecorder) body(key string) string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bodies[key]
}

func newRecordingSidecar(rec *sidecarRecorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.record(r, body)

		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/chat":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/chat":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1","role":"assistant","content":"hi"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/chat/question":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"q1","prompt":"overwrite?","options":["yes","no"]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/chat/answer":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/files/write",
			r.Method == http.MethodPost && r.URL.Path == "/files/delete",
			r.Method == http.MethodPost && r.URL.Path == "/files/rename":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/services/web/start",
			r.Method == http.MethodPost && r.URL.Path == "/services/web/stop":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/services/web/output":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, "data: listening on :3000\n\ndata: [DONE]\n\n")
		case r.Method == http.MethodGet && r.URL.Path == "/hooks/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"hooks":[{"id":"h1","name":"setup","event":"post-create","command":"make deps","enabled":true,"status":"ok","exitCode":0}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/hooks/h1/output":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"h1","output":"deps installed"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/hooks/h1/rerun":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	})
}

func TestSandboxClientSidecarSurface(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	rec := &sidecarRecorder{}
	env.provider.HTTPHandler = newRecordingSidecar(rec)

	if err := env.chat.ClearChat(ctx, session.ID); err != nil {
		t.Fatalf("ClearChat failed: %v", err)
	}
	if !rec.saw("DELETE /chat") {
		t.Error("expected DELETE /chat to reach the sidecar")
	}

	messages, err := env.chat.ListChatMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListChatMessages failed: %v", err)
	}
	if len(messages.Messages) != 1 || messages.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v, want the sidecar transcript", messages.Messages)
	}

	question, err := env.chat.GetQuestion(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetQuestion failed: %v", err)
	}
	if question == nil || question.ID != "q1" || len(question.Options) != 2 {
		t.Errorf("question = %+v, want the pending question", question)
	}
	if err := env.chat.PostAnswer(ctx, session.ID, "q1", "yes"); err != nil {
		t.Fatalf("PostAnswer failed: %v", err)
	}
	var answer agentapi.AnswerRequest
	if err := json.Unmarshal([]byte(rec.body("POST /chat/answer")), &answer); err != nil {
		t.Fatalf("failed to decode answer body: %v", err)
	}
	if answer.ID != "q1" || answer.Answer != "yes" {
		t.Errorf("answer = %+v, want the posted answer", answer)
	}

	if err := env.chat.WriteFile(ctx, session.ID, "notes.txt", "hello"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	var write agentapi.FileWriteRequest
	if err := json.Unmarshal([]byte(rec.body("POST /files/write")), &write); err != nil {
		t.Fatalf("failed to decode write body: %v", err)
	}
	if write.Path != "notes.txt" || write.Content != "hello" {
		t.Errorf("write = %+v, want path and content", write)
	}
	if err := env.chat.DeleteFile(ctx, session.ID, "notes.txt"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if err := env.chat.RenameFile(ctx, session.ID, "a.txt", "b.txt"); err != nil {
		t.Fatalf("RenameFile failed: %v", err)
	}
	if !rec.saw("POST /files/delete") || !rec.saw("POST /files/rename") {
		t.Error("expected delete and rename to reach the sidecar")
	}

	if err := env.chat.StartService(ctx, session.ID, "web"); err != nil {
		t.Fatalf("StartService failed: %v", err)
	}
	if err := env.chat.StopService(ctx, session.ID, "web"); err != nil {
		t.Fatalf("StopService failed: %v", err)
	}

	stream, err := env.chat.GetServiceOutput(ctx, session.ID, "web")
	if err != nil {
		t.Fatalf("GetServiceOutput failed: %v", err)
	}
	var lines []SSELine
	for line := range stream {
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0].Data != "listening on :3000" || !lines[1].Done {
		t.Errorf("stream = %+v, want one data frame and the terminator", lines)
	}

	hooks, err := env.chat.GetHooksStatus(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetHooksStatus failed: %v", err)
	}
	if len(hooks.Hooks) != 1 || hooks.Hooks[0].ID != "h1" || hooks.Hooks[0].ExitCode == nil {
		t.Errorf("hooks = %+v, want the configured hook with its last run", hooks.Hooks)
	}
	output, err := env.chat.GetHookOutput(ctx, session.ID, "h1")
	if err != nil {
		t.Fatalf("GetHookOutput failed: %v", err)
	}
	if output.Output != "deps installed" {
		t.Errorf("hook output = %q, want the captured run output", output.Output)
	}
	if err := env.chat.RerunHook(ctx, session.ID, "h1"); err != nil {
		t.Fatalf("RerunHook failed: %v", err)
	}
	if !rec.saw("POST /hooks/h1/rerun") {
		t.Error("expected the rerun to reach the sidecar")
	}
}

func TestGetQuestionNoPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srcDir := filepath.Join(env.root, "src")
	base := createSourceRepo(t, srcDir)
	ws, _ := env.createWorkspace(t, srcDir)
	session := env.createSession(t, ws, base)

	env.provider.HTTPHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/chat/question" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	question, err := env.chat.GetQuestion(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetQuestion failed: %v", err)
	}
	if question != nil {
		t.Errorf("question = %+v, want nil when nothing is pending", question)
	}
}
