// Package eventstore defines the port interface for the durable hub event log.
package eventstore

import (
	"context"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/event"
)

// StoredEvent is one persisted hub event row. Seq is the hub-wide broadcast
// counter; ID is the database row id, which also orders events across hub
// restarts (Seq resets to 1 on restart).
type StoredEvent struct {
	ID        int64          `json:"id"`
	Seq       uint64         `json:"seq"`
	Who       string         `json:"who"`
	Type      event.Type     `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the port interface for appending and loading hub events.
type Store interface {
	// Append persists a broadcast event to the log.
	Append(ctx context.Context, e event.Event) error

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]StoredEvent, error)

	// ByAgent returns up to limit events attributed to the given agent,
	// newest first.
	ByAgent(ctx context.Context, who string, limit int) ([]StoredEvent, error)

	// CountByType returns the number of stored events per event type.
	CountByType(ctx context.Context) (map[string]int, error)
}
