package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a broadcast event into the hub_events table.
func (s *EventStore) Append(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hub_events (seq, who, event_type, payload)
		 VALUES ($1, $2, $3, $4)`,
		int64(e.Seq), e.Who, string(e.Type), payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for hub_events queries.
const eventColumns = `id, seq, who, event_type, payload, created_at`

func scanEvent(row pgx.Row) (eventstore.StoredEvent, error) {
	var (
		ev      eventstore.StoredEvent
		seq     int64
		payload []byte
	)
	if err := row.Scan(&ev.ID, &seq, &ev.Who, &ev.Type, &payload, &ev.CreatedAt); err != nil {
		return ev, err
	}
	ev.Seq = uint64(seq)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return ev, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return ev, nil
}

func collectEvents(rows pgx.Rows) ([]eventstore.StoredEvent, error) {
	defer rows.Close()

	var events []eventstore.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Recent returns up to limit events, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]eventstore.StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM hub_events ORDER BY id DESC LIMIT $1`, eventColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	return collectEvents(rows)
}

// ByAgent returns up to limit events attributed to the given agent, newest first.
func (s *EventStore) ByAgent(ctx context.Context, who string, limit int) ([]eventstore.StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM hub_events WHERE who = $1 ORDER BY id DESC LIMIT $2`, eventColumns), who, limit)
	if err != nil {
		return nil, fmt.Errorf("load events by agent %s: %w", who, err)
	}
	return collectEvents(rows)
}

// CountByType returns the number of stored events per event type.
func (s *EventStore) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM hub_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("count events by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}
