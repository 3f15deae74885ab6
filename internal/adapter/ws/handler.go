// Package ws streams the hub's event feed to dashboard clients over
// WebSocket. Each connection gets a bounded replay of recent events and
// then the live stream; a client that stops reading is disconnected
// rather than allowed to stall the hub.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/OrchHub/internal/domain/event"
)

const (
	replayLimit  = 100
	writeTimeout = 5 * time.Second
)

// EventSource is the slice of the hub the WebSocket adapter consumes.
type EventSource interface {
	Subscribe() (<-chan event.Event, func())
	RecentEvents(limit int) []event.Event
}

type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub tracks active WebSocket connections.
type Hub struct {
	log    *slog.Logger
	source EventSource

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewHub creates a WebSocket hub fed by source.
func NewHub(source EventSource, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		source: source,
		conns:  make(map[*conn]struct{}),
	}
}

// HandleEvents upgrades the request and streams events until the client
// disconnects or the request context ends.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error("websocket accept", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	// Drain client frames so pings are answered and closes are noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	for _, ev := range h.source.RecentEvents(replayLimit) {
		if err := h.write(ctx, ws, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("websocket marshal", "error", err)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll disconnects every client, typically at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
		h.remove(c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
}
