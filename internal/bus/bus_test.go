package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/OrchHub/internal/domain/event"
)

func newTestBus(t *testing.T) (*Bus, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(dir, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dir
}

func TestBroadcast_SequenceAndDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := range 5 {
		b.Broadcast(event.Event{Who: "hub", Type: event.TypeInfo, Payload: map[string]any{"i": i}})
	}

	for want := uint64(1); want <= 5; want++ {
		got := <-ch
		if got.Seq != want {
			t.Fatalf("seq = %d, want %d", got.Seq, want)
		}
	}
}

func TestBroadcast_CloneIsolation(t *testing.T) {
	b, _ := newTestBus(t)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	payload := map[string]any{"line": "original"}
	b.Broadcast(event.Event{Who: "a", Type: event.TypeAgentStderr, Payload: payload})
	payload["line"] = "mutated"

	got := <-ch
	if got.Payload["line"] != "original" {
		t.Errorf("subscriber saw mutated payload: %v", got.Payload)
	}
	if recent := b.Recent(0); recent[0].Payload["line"] != "original" {
		t.Errorf("ring saw mutated payload: %v", recent[0].Payload)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b, _ := newTestBus(t)
	defer b.Close()

	_, cancelSlow := b.Subscribe()
	defer cancelSlow()
	fast, cancelFast := b.Subscribe()
	defer cancelFast()

	// The slow subscriber never drains; once its queue fills it is removed.
	for i := range subscriberQueueSize + 10 {
		b.Broadcast(event.Event{Who: "hub", Type: event.TypeMisc, Payload: map[string]any{"i": i}})
		<-fast
	}

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
}

func TestRecent_Bounded(t *testing.T) {
	b, _ := newTestBus(t)
	defer b.Close()

	total := ringSize + 50
	for i := range total {
		b.Broadcast(event.Event{Who: "hub", Type: event.TypeMisc, Payload: map[string]any{"i": i}})
	}

	recent := b.Recent(0)
	if len(recent) != ringSize {
		t.Fatalf("ring holds %d events, want %d", len(recent), ringSize)
	}
	if recent[0].Seq != uint64(total-ringSize+1) {
		t.Errorf("oldest ring seq = %d, want %d", recent[0].Seq, total-ringSize+1)
	}
	if last := recent[len(recent)-1]; last.Seq != uint64(total) {
		t.Errorf("newest ring seq = %d, want %d", last.Seq, total)
	}

	if tail := b.Recent(10); len(tail) != 10 || tail[9].Seq != uint64(total) {
		t.Errorf("Recent(10) = %d events ending at seq %d", len(tail), tail[len(tail)-1].Seq)
	}
}

func TestStateFilePersistence(t *testing.T) {
	b, dir := newTestBus(t)
	defer b.Close()

	b.Broadcast(event.Event{Who: "orchestrator", Type: event.TypeOrchToUser, Payload: map[string]any{"text": "hello"}})
	b.Broadcast(event.Event{Who: "hub", Type: event.TypeInfo, Payload: map[string]any{"text": "world"}})

	f, err := os.Open(filepath.Join(dir, "state.jsonl"))
	if err != nil {
		t.Fatalf("open state file: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var e event.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d not JSON: %v", lines, err)
		}
		if e.Seq != uint64(lines) {
			t.Errorf("line %d has seq %d", lines, e.Seq)
		}
	}
	if lines != 2 {
		t.Errorf("state file has %d lines, want 2", lines)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	b, _ := newTestBus(t)
	defer b.Close()

	_, cancel := b.Subscribe()
	cancel()
	cancel()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestNew_NoPersistence(t *testing.T) {
	b, err := New("", slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	// No state dir means broadcast must still work.
	if e := b.Broadcast(event.Event{Who: "hub", Type: event.TypeInfo}); e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
}

func ExampleBus_Recent() {
	b, _ := New("", slog.Default())
	defer b.Close()
	b.Broadcast(event.Event{Who: "hub", Type: event.TypeInfo, Payload: map[string]any{"text": "ready"}})
	for _, e := range b.Recent(0) {
		fmt.Println(e.Seq, e.Who, e.Type)
	}
	// Output: 1 hub info
}
