package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/port/messagequeue"
)

// EventSource is the slice of the hub event bus the mirror consumes.
type EventSource interface {
	Subscribe() (<-chan event.Event, func())
}

// MirrorEvents forwards every broadcast hub event to NATS, one subject per
// event type. It blocks until ctx is cancelled or the source closes, so run
// it in its own goroutine. Publish failures are logged and skipped; the hub
// never stalls on the mirror.
func (q *Queue) MirrorEvents(ctx context.Context, source EventSource) {
	ch, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("event mirror marshal", "seq", e.Seq, "error", err)
				continue
			}
			subject := messagequeue.EventSubject(string(e.Type))
			if err := q.Publish(ctx, subject, data); err != nil {
				slog.Error("event mirror publish", "subject", subject, "seq", e.Seq, "error", err)
			}
		}
	}
}
