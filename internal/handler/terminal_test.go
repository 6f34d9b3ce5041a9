package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnhq/kiln/internal/sandbox/mock"
)

// terminalTestServer bridges handleTerminalSession to a real websocket so the
// protocol is exercised end to end.
type terminalTestServer struct {
	server *httptest.Server
	pty    *mock.PTY
	done   chan struct{}

	mu       sync.Mutex
	recorded []byte
}

func newTerminalTestServer(t *testing.T) *terminalTestServer {
	t.Helper()
	ts := &terminalTestServer{
		pty:  &mock.PTY{},
		done: make(chan struct{}),
	}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		recorder := func(data []byte) {
			ts.mu.Lock()
			ts.recorded = append(ts.recorded, data...)
			ts.mu.Unlock()
		}
		handleTerminalSession(r.Context(), ts.pty, conn, recorder)
		close(ts.done)
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *terminalTestServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := conn.WriteJSON(TerminalMessage{Type: msgType, Data: payload}); err != nil {
		t.Fatalf("write %s frame failed: %v", msgType, err)
	}
}

func TestTerminalSessionBridgesOutputAndExit(t *testing.T) {
	ts := newTerminalTestServer(t)
	conn := ts.dial(t)

	sendFrame(t, conn, "input", "ls -la\n")
	sendFrame(t, conn, "resize", terminalResize{Cols: 120, Rows: 40})

	// Read frames until the shell exit announcement. The fake PTY echoes
	// input, so the typed command must come back as output.
	var output strings.Builder
	var exitCode = -1
	deadline := time.Now().Add(5 * time.Second)
	for exitCode < 0 {
		if time.Now().After(deadline) {
			t.Fatal("no exit frame before the deadline")
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg TerminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame failed: %v", err)
		}
		switch msg.Type {
		case "output":
			var chunk string
			if err := json.Unmarshal(msg.Data, &chunk); err != nil {
				t.Fatalf("bad output payload: %v", err)
			}
			output.WriteString(chunk)
		case "exit":
			var exit struct {
				Code int `json:"code"`
			}
			if err := json.Unmarshal(msg.Data, &exit); err != nil {
				t.Fatalf("bad exit payload: %v", err)
			}
			exitCode = exit.Code
		}
	}

	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
	if !strings.Contains(output.String(), "ls -la") {
		t.Errorf("echoed output %q does not contain the input", output.String())
	}

	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal session did not finish")
	}

	// Safe to inspect the PTY once the bridge has returned.
	if len(ts.pty.ResizeCalls) == 0 {
		t.Fatal("resize frame never reached the PTY")
	}
	last := ts.pty.ResizeCalls[len(ts.pty.ResizeCalls)-1]
	if last.Cols != 120 || last.Rows != 40 {
		t.Errorf("resize = %+v, want 40x120", last)
	}
	if !strings.Contains(string(ts.pty.InputBuffer), "ls -la") {
		t.Errorf("PTY input %q does not contain the typed command", ts.pty.InputBuffer)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !strings.Contains(string(ts.recorded), "ls -la") {
		t.Errorf("recorded history %q does not contain the session output", ts.recorded)
	}
}

func TestTerminalSessionClientDisconnect(t *testing.T) {
	ts := newTerminalTestServer(t)
	conn := ts.dial(t)

	sendFrame(t, conn, "input", "echo hi\n")
	conn.Close()

	// The bridge must notice the disconnect and return instead of blocking
	// on the dead websocket.
	select {
	case <-ts.done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal session did not finish after client disconnect")
	}
}
