// Package oteltail tails a JSONL file written by an OTEL file exporter and
// turns log records that carry a conversation id into heartbeat events,
// keeping agent liveness fresh without parsing the full OTLP schema.
package oteltail

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Heartbeat pairs a conversation id with the OTEL event name that touched it.
type Heartbeat struct {
	ConversationID string
	Kind           string
}

// Tailer polls an OTEL JSONL log and emits Heartbeats. It starts at the
// file's current end, so historical records never replay.
type Tailer struct {
	path     string
	interval time.Duration
	log      *slog.Logger
}

// New creates a tailer for path. interval <= 0 defaults to one second.
func New(path string, interval time.Duration, log *slog.Logger) *Tailer {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tailer{path: path, interval: interval, log: log}
}

// Run tails the file until ctx is cancelled, sending each heartbeat to out.
// The file may not exist yet; Run waits for it to appear.
func (t *Tailer) Run(ctx context.Context, out chan<- Heartbeat) error {
	f, err := t.waitForFile(ctx)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			if hb, ok := ParseLine([]byte(line)); ok {
				select {
				case out <- hb:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		if err != io.EOF {
			t.log.Warn("otel tail read", "error", err)
		}
		// Partial line stays buffered in the reader; wait for more bytes.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tailer) waitForFile(ctx context.Context) (*os.File, error) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		f, err := os.Open(t.path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ParseLine decodes one JSONL record into a Heartbeat. Records without a
// recognizable conversation id are skipped.
func ParseLine(line []byte) (Heartbeat, bool) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return Heartbeat{}, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return Heartbeat{}, false
	}
	conv := extractConversationID(payload)
	if conv == "" {
		return Heartbeat{}, false
	}
	return Heartbeat{ConversationID: conv, Kind: eventKind(payload)}, true
}

// extractConversationID tries the shapes different collectors and exporters
// produce: top-level keys, then attribute blobs with dotted keys.
func extractConversationID(payload map[string]any) string {
	for _, key := range []string{"conversation_id", "session_id", "conversationId", "sessionId"} {
		if s := scalar(payload[key]); s != "" {
			return s
		}
	}
	for _, root := range []string{"attributes", "resource", "resource.attributes"} {
		blob := payload
		if nested, ok := payload[root].(map[string]any); ok {
			blob = nested
		}
		for _, key := range []string{"conversation.id", "conversation_id", "session.id", "session_id"} {
			if s := dig(blob, key); s != "" {
				return s
			}
		}
	}
	return ""
}

func eventKind(payload map[string]any) string {
	if s := scalar(payload["name"]); s != "" {
		return s
	}
	if s := scalar(payload["event_name"]); s != "" {
		return s
	}
	if body, ok := payload["body"].(map[string]any); ok {
		if s := scalar(body["name"]); s != "" {
			return s
		}
	}
	return "otel_event"
}

// dig resolves dotted as a literal key first, then as a path through
// nested maps; exporters disagree on which shape they emit.
func dig(obj map[string]any, dotted string) string {
	if s := scalar(obj[dotted]); s != "" {
		return s
	}
	parts := strings.Split(dotted, ".")
	cur := any(obj)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return scalar(cur)
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return ""
	default:
		return ""
	}
}
