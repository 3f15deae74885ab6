package postgres

import (
	"context"
	"log/slog"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/port/eventstore"
)

// EventSource is the slice of the hub event bus the recorder consumes.
type EventSource interface {
	Subscribe() (<-chan event.Event, func())
}

// RecordEvents appends every broadcast hub event to the durable log. It
// blocks until ctx is cancelled or the source closes, so run it in its own
// goroutine. Append failures are logged and skipped; the hub never stalls
// on the recorder.
func RecordEvents(ctx context.Context, store eventstore.Store, source EventSource, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
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
			if err := store.Append(ctx, e); err != nil {
				log.Error("event recorder append", "seq", e.Seq, "type", e.Type, "error", err)
			}
		}
	}
}
