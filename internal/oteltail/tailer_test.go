package oteltail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Heartbeat
		ok   bool
	}{
		{
			name: "top level snake case",
			line: `{"conversation_id":"c1","name":"task_started"}`,
			want: Heartbeat{ConversationID: "c1", Kind: "task_started"},
			ok:   true,
		},
		{
			name: "camel case session id",
			line: `{"sessionId":"s9","event_name":"turn"}`,
			want: Heartbeat{ConversationID: "s9", Kind: "turn"},
			ok:   true,
		},
		{
			name: "numeric id",
			line: `{"conversation_id":42,"name":"tick"}`,
			want: Heartbeat{ConversationID: "42", Kind: "tick"},
			ok:   true,
		},
		{
			name: "dotted attribute key",
			line: `{"attributes":{"conversation.id":"c2"}}`,
			want: Heartbeat{ConversationID: "c2", Kind: "otel_event"},
			ok:   true,
		},
		{
			name: "nested attribute path",
			line: `{"attributes":{"session":{"id":"s3"}},"body":{"name":"span_end"}}`,
			want: Heartbeat{ConversationID: "s3", Kind: "span_end"},
			ok:   true,
		},
		{
			name: "resource blob",
			line: `{"resource":{"conversation_id":"c4"}}`,
			want: Heartbeat{ConversationID: "c4", Kind: "otel_event"},
			ok:   true,
		},
		{name: "no conversation id", line: `{"name":"orphan"}`},
		{name: "not json", line: `plainly not json`},
		{name: "blank", line: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseLine = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRun_SkipsHistoryAndFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otel.jsonl")
	if err := os.WriteFile(path, []byte(`{"conversation_id":"old","name":"replayed"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan Heartbeat, 10)
	tailer := New(path, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx, out) }()

	// Give the tailer a moment to seek past the historical line.
	time.Sleep(100 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"conversation_id":"fresh","name":"task_started"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	select {
	case hb := <-out:
		if hb.ConversationID != "fresh" || hb.Kind != "task_started" {
			t.Errorf("heartbeat = %+v", hb)
		}
	case <-ctx.Done():
		t.Fatal("no heartbeat before timeout")
	}

	cancel()
	if err := <-done; err != context.Canceled && err != context.DeadlineExceeded {
		t.Errorf("Run returned %v", err)
	}
}

func TestRun_WaitsForFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.jsonl")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan Heartbeat, 1)
	tailer := New(path, 10*time.Millisecond, nil)
	go tailer.Run(ctx, out)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"session_id":"s1"}` + "\n")
	f.Close()

	select {
	case hb := <-out:
		if hb.ConversationID != "s1" {
			t.Errorf("heartbeat = %+v", hb)
		}
	case <-ctx.Done():
		t.Fatal("no heartbeat before timeout")
	}
}
