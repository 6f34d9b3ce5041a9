package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kilnhq/kiln/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is enforced at the router; the websocket endpoint accepts the
	// same origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// TerminalMessage is one frame of the terminal websocket protocol.
// Types: "input" (string), "output" (string), "resize" ({cols, rows}),
// "exit" ({code}).
type TerminalMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type terminalResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TerminalWebSocket attaches an interactive shell in the session's sandbox
// to a websocket.
func (h *Handler) TerminalWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	pty, err := h.sandboxService.Attach(r.Context(), sessionID, sandbox.AttachOptions{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		h.serviceError(w, err, "Failed to attach terminal")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = pty.Close()
		log.Printf("Terminal websocket upgrade failed for session %s: %v", sessionID, err)
		return
	}
	defer conn.Close()
	defer pty.Close()

	// Persist output so a reconnecting client can replay scrollback.
	recorder := func(data []byte) {
		if err := h.store.AppendTerminalHistory(context.Background(), sessionID, data); err != nil {
			log.Printf("Failed to record terminal history for session %s: %v", sessionID, err)
		}
	}

	handleTerminalSession(r.Context(), pty, conn, recorder)
}

// handleTerminalSession bridges a PTY and a websocket until the shell exits
// or the client disconnects. Output keeps flowing even when the client stops
// sending input.
func handleTerminalSession(ctx context.Context, pty sandbox.PTY, conn *websocket.Conn, recorder func([]byte)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	writeJSON := func(msg TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	// PTY -> websocket.
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if recorder != nil {
					recorder(data)
				}
				payload, _ := json.Marshal(string(data))
				if writeErr := writeJSON(TerminalMessage{Type: "output", Data: payload}); writeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Websocket -> PTY.
	go func() {
		for {
			var msg TerminalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				// Client went away; the shell keeps running until the PTY
				// side ends or the request context is cancelled.
				cancel()
				return
			}
			switch msg.Type {
			case "input":
				var input string
				if err := json.Unmarshal(msg.Data, &input); err != nil {
					continue
				}
				if _, err := pty.Write([]byte(input)); err != nil {
					return
				}
			case "resize":
				var size terminalResize
				if err := json.Unmarshal(msg.Data, &size); err != nil {
					continue
				}
				if err := pty.Resize(ctx, size.Rows, size.Cols); err != nil {
					log.Printf("Terminal resize failed: %v", err)
				}
			}
		}
	}()

	// Wait for the shell to exit or the output side to finish.
	exitCode, err := pty.Wait(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Terminal wait failed: %v", err)
	}

	// Drain remaining output before announcing the exit.
	select {
	case <-outputDone:
	case <-time.After(time.Second):
	}

	payload, _ := json.Marshal(map[string]int{"code": exitCode})
	_ = writeJSON(TerminalMessage{Type: "exit", Data: payload})
}

// GetTerminalHistory returns recorded terminal output for replay.
func (h *Handler) GetTerminalHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.store.ListTerminalHistory(r.Context(), sessionID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to load terminal history")
		return
	}

	var data []byte
	for _, row := range rows {
		data = append(data, row.Data...)
	}
	h.JSON(w, http.StatusOK, map[string]string{"history": string(data)})
}

// GetTerminalStatus reports the sandbox status backing the terminal.
func (h *Handler) GetTerminalStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	session, err := h.sessionService.Get(r.Context(), sessionID)
	if err != nil {
		h.Error(w, http.StatusNotFound, "Session not found")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": string(session.Status)})
}
