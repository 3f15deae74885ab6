// Package bus is the hub's in-process event fan-out: every state change
// becomes an event.Event with a monotonically increasing sequence number,
// is appended to .orch/state.jsonl, kept in a bounded replay ring, and
// delivered to every live subscriber.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Strob0t/OrchHub/internal/domain/event"
)

const (
	subscriberQueueSize = 1000
	ringSize            = 500
)

// Bus broadcasts hub events to subscribers and persists them as JSONL.
type Bus struct {
	log       *slog.Logger
	stateFile string

	mu   sync.Mutex
	seq  uint64
	ring []event.Event
	subs map[chan event.Event]struct{}
}

// New creates a Bus persisting events under <stateDir>/state.jsonl.
// An empty stateDir disables persistence.
func New(stateDir string, log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:  log,
		subs: make(map[chan event.Event]struct{}),
	}
	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		b.stateFile = filepath.Join(stateDir, "state.jsonl")
	}
	return b, nil
}

// Subscribe registers a new subscriber and returns its event channel plus
// a cancel function. A subscriber whose queue fills up is dropped rather
// than allowed to stall the hub.
func (b *Bus) Subscribe() (<-chan event.Event, func()) {
	ch := make(chan event.Event, subscriberQueueSize)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast assigns the next sequence number to e, persists it, stores it
// in the replay ring, and delivers a copy to every subscriber.
func (b *Bus) Broadcast(e event.Event) event.Event {
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq

	b.ring = append(b.ring, e.Clone())
	if len(b.ring) > ringSize {
		b.ring = b.ring[len(b.ring)-ringSize:]
	}

	b.persistLocked(e)

	var dead []chan event.Event
	for ch := range b.subs {
		select {
		case ch <- e.Clone():
		default:
			dead = append(dead, ch)
		}
	}
	for _, ch := range dead {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()

	if len(dead) > 0 {
		b.log.Warn("dropped slow event subscribers", "count", len(dead))
	}
	return e
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns the whole ring.
func (b *Bus) Recent(limit int) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if limit > 0 && len(b.ring) > limit {
		start = len(b.ring) - limit
	}
	out := make([]event.Event, 0, len(b.ring)-start)
	for _, e := range b.ring[start:] {
		out = append(out, e.Clone())
	}
	return out
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// persistLocked appends e to the JSONL state file. Persistence failures
// are logged, never fatal.
func (b *Bus) persistLocked(e event.Event) {
	if b.stateFile == "" {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		b.log.Warn("marshal event for state file", "error", err)
		return
	}
	f, err := os.OpenFile(b.stateFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.log.Warn("open state file", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		b.log.Warn("append state file", "error", err)
	}
}
