package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/store"
)

// PollerConfig tunes the tail loop.
type PollerConfig struct {
	// Interval between polls when no notification arrives.
	Interval time.Duration

	// BatchSize caps how many rows one poll reads.
	BatchSize int
}

// DefaultPollerConfig returns production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:  time.Second,
		BatchSize: 100,
	}
}

// TestPollerConfig returns a tight loop for tests.
func TestPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:  10 * time.Millisecond,
		BatchSize: 100,
	}
}

// Poller tails the events table after a monotone sequence cursor and hands
// new rows to its sink in order.
type Poller struct {
	store *store.Store
	cfg   PollerConfig

	sinkMu sync.RWMutex
	sink   func(Event)

	// notify wakes the loop ahead of the ticker after a local write.
	notify chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller over the store.
func NewPoller(s *store.Store, cfg PollerConfig) *Poller {
	return &Poller{
		store:  s,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// SetSink registers the consumer of polled events. Must be called before
// Start.
func (p *Poller) SetSink(sink func(Event)) {
	p.sinkMu.Lock()
	p.sink = sink
	p.sinkMu.Unlock()
}

// Notify wakes the poll loop immediately. Safe to call from any goroutine;
// redundant notifications coalesce.
func (p *Poller) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start begins tailing from the current end of the log: events written
// before Start are not replayed onto the bus (SSE replay reads the table
// directly).
func (p *Poller) Start(ctx context.Context) error {
	cursor, err := p.store.GetMaxEventSeq(ctx)
	if err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx, cursor)
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, cursor int64) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.notify:
		}

		next, err := p.drain(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("events: poll failed: %v", err)
			continue
		}
		cursor = next
	}
}

// drain reads batches until the table is exhausted, returning the new cursor.
func (p *Poller) drain(ctx context.Context, cursor int64) (int64, error) {
	for {
		rows, err := p.store.ListEventsAfterSeq(ctx, cursor, p.cfg.BatchSize)
		if err != nil {
			return cursor, err
		}
		if len(rows) == 0 {
			return cursor, nil
		}

		p.sinkMu.RLock()
		sink := p.sink
		p.sinkMu.RUnlock()

		for i := range rows {
			if sink != nil {
				sink(FromRow(&rows[i]))
			}
			cursor = rows[i].Seq
		}

		if len(rows) < p.cfg.BatchSize {
			return cursor, nil
		}
	}
}
