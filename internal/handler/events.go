package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/model"
	"github.com/kilnhq/kiln/internal/store"
)

// replayLimit caps how many historical events one SSE connection replays.
const replayLimit = 500

// Events streams a project's change events over SSE.
// GET /api/projects/{projectId}/events
// Query parameters:
//   - since: RFC3339 timestamp to replay events after
//   - after: event ID to replay events after
//
// Without either, only events from the time of connection are streamed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if projectID == "" {
		h.Error(w, http.StatusBadRequest, "missing project ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying history so nothing falls in the gap; the
	// overlap is deduplicated by event ID below.
	sub := h.eventBroker.Subscribe(projectID)
	defer h.eventBroker.Unsubscribe(sub)

	fmt.Fprintf(w, "event: connected\ndata: {\"projectId\":%q}\n\n", projectID)
	flusher.Flush()

	sentIDs := make(map[string]bool)
	for _, event := range h.replayEvents(r, projectID, flusher, w) {
		sentIDs[event.ID] = true
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if sentIDs[event.ID] {
				delete(sentIDs, event.ID)
				continue
			}
			writeSSEEvent(w, event)
			flusher.Flush()
		}
	}
}

// replayEvents sends historical events per the since/after cursor and
// returns what it sent.
func (h *Handler) replayEvents(r *http.Request, projectID string, flusher http.Flusher, w http.ResponseWriter) []events.Event {
	var rows []model.Event
	var err error

	switch {
	case r.URL.Query().Get("after") != "":
		afterID := r.URL.Query().Get("after")
		var seq int64
		seq, err = h.store.GetEventSeq(r.Context(), afterID)
		if errors.Is(err, store.ErrNotFound) {
			// Unknown cursor; stream live only.
			return nil
		}
		if err == nil {
			rows, err = h.store.ListProjectEventsAfterSeq(r.Context(), projectID, seq, replayLimit)
		}
	case r.URL.Query().Get("since") != "":
		var since time.Time
		since, err = time.Parse(time.RFC3339, r.URL.Query().Get("since"))
		if err != nil {
			fmt.Fprint(w, "event: error\ndata: {\"error\":\"invalid since parameter, use RFC3339 format\"}\n\n")
			flusher.Flush()
			return nil
		}
		rows, err = h.store.ListProjectEventsSince(r.Context(), projectID, since, replayLimit)
	default:
		return nil
	}

	if err != nil {
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"failed to get historical events\"}\n\n")
		flusher.Flush()
		return nil
	}

	sent := make([]events.Event, 0, len(rows))
	for i := range rows {
		event := events.FromRow(&rows[i])
		writeSSEEvent(w, event)
		sent = append(sent, event)
	}
	flusher.Flush()
	return sent
}

func writeSSEEvent(w http.ResponseWriter, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
}
