package store

import (
	"context"
	"time"

	"github.com/kilnhq/kiln/internal/model"
)

// AppendEvent writes an event row. Seq is assigned by the database.
func (s *Store) AppendEvent(ctx context.Context, event *model.Event) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// GetMaxEventSeq returns the highest sequence number currently in the log,
// or 0 when the log is empty. Pollers start their cursor here.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var seq *int64
	err := s.db.WithContext(ctx).Model(&model.Event{}).
		Select("MAX(seq)").
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// ListEventsAfterSeq returns up to limit events with seq > after, in
// ascending sequence order.
func (s *Store) ListEventsAfterSeq(ctx context.Context, after int64, limit int) ([]model.Event, error) {
	var events []model.Event
	err := s.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ListProjectEventsSince returns a project's events created at or after t,
// ascending. Used for SSE replay with a time cursor.
func (s *Store) ListProjectEventsSince(ctx context.Context, projectID string, t time.Time, limit int) ([]model.Event, error) {
	var events []model.Event
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND created_at >= ?", projectID, t).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// GetEventSeq resolves an event ID to its sequence number. Used for SSE
// replay with an event-ID cursor.
func (s *Store) GetEventSeq(ctx context.Context, eventID string) (int64, error) {
	var event model.Event
	if err := s.db.WithContext(ctx).Select("seq").First(&event, "id = ?", eventID).Error; err != nil {
		return 0, translateError(err)
	}
	return event.Seq, nil
}

// ListProjectEventsAfterSeq returns a project's events with seq > after,
// ascending.
func (s *Store) ListProjectEventsAfterSeq(ctx context.Context, projectID string, after int64, limit int) ([]model.Event, error) {
	var events []model.Event
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND seq > ?", projectID, after).
		Order("seq ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
