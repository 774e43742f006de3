package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/avoss/crewdeck/internal/eventbus"
)

// EventsHandler mirrors the orchestrator event bus onto a WebSocket: state
// snapshots, output chunks, task and batch completions, agent errors. The
// UI drives its whole view from this stream.
type EventsHandler struct {
	bus           *eventbus.Bus
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewEventsHandler creates the event mirror handler.
func NewEventsHandler(bus *eventbus.Bus, allowedOrigin string, isDev bool, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, allowedOrigin: allowedOrigin, isDev: isDev, logger: logger}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !checkOrigin(r, h.allowedOrigin, h.isDev, h.logger) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	// Reads only serve to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	h.logger.Info("Event stream attached", "ip", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal event", "error", err, "type", string(ev.Type))
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
