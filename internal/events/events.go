// Package events turns database change rows into an in-process event bus.
//
// Writers append rows to the events table inside their own transactions; the
// Poller tails the table by sequence number and hands new rows to the Broker,
// which fans them out to per-project subscribers. SSE handlers and
// WaitForJobCompletion consume the bus.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/model"
)

// Event kinds carried on the bus.
const (
	KindConnected        = "connected"
	KindSessionUpdated   = "session_updated"
	KindWorkspaceUpdated = "workspace_updated"
	KindJobCompleted     = "job_completed"
)

// Event is the bus representation of one change row.
type Event struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"-"`
	ProjectID string                 `json:"-"`
	Kind      string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// FromRow converts a persisted event row to its bus representation.
func FromRow(row *model.Event) Event {
	data := make(map[string]interface{})
	if len(row.Data) > 0 {
		// Extra fields first so the standard keys below win on collision.
		_ = json.Unmarshal(row.Data, &data)
	}
	switch row.Kind {
	case KindSessionUpdated:
		data["sessionId"] = row.TargetID
	case KindWorkspaceUpdated:
		data["workspaceId"] = row.TargetID
	case KindJobCompleted:
		data["targetId"] = row.TargetID
	}
	if row.Status != nil {
		data["status"] = *row.Status
	}
	if row.Message != nil {
		data["errorMessage"] = *row.Message
	}
	return Event{
		ID:        row.ID,
		Seq:       row.Seq,
		ProjectID: row.ProjectID,
		Kind:      row.Kind,
		Timestamp: row.CreatedAt,
		Data:      data,
	}
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events; SSE clients recover via the
// replay cursor on reconnect.
const subscriberBuffer = 64

// Subscriber receives events for one project.
type Subscriber struct {
	C chan Event

	projectID string
	closeOnce sync.Once
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.C) })
}

// Broker fans events out to per-project subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

// NewBroker creates a broker and registers it as the poller's sink.
func NewBroker(poller *Poller) *Broker {
	b := &Broker{
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
	if poller != nil {
		poller.SetSink(b.Publish)
	}
	return b
}

// Subscribe registers a subscriber for a project's events.
func (b *Broker) Subscribe(projectID string) *Subscriber {
	sub := &Subscriber{
		C:         make(chan Event, subscriberBuffer),
		projectID: projectID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[projectID] == nil {
		b.subscribers[projectID] = make(map[*Subscriber]struct{})
	}
	b.subscribers[projectID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.projectID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, sub.projectID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every subscriber of its project. Slow
// subscribers are never allowed to block the publisher: when a channel is
// full the event is dropped for that subscriber and logged.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.ProjectID] {
		select {
		case sub.C <- event:
		default:
			log.Printf("events: dropping %s event for slow subscriber (project %s)", event.Kind, event.ProjectID)
		}
	}
}

// SubscriberCount reports the number of live subscribers for a project.
func (b *Broker) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[projectID])
}
