// Package stream serves the WebSocket surfaces: terminal attach and the
// orchestrator event mirror.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/avoss/crewdeck/internal/core"
	"github.com/avoss/crewdeck/internal/eventbus"
)

// wsWriter adapts websocket.Conn to io.Writer. Writes use a background
// context because the library tracks connection state itself; the held
// context only reports that the session is tearing down.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	if err := w.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		return 0, err
	}
	return len(p), nil
}

// wsMessage is the client-to-server terminal message shape.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// TerminalHandler attaches a WebSocket to a session's interactive shell.
type TerminalHandler struct {
	core          *core.Core
	bus           *eventbus.Bus
	scrollback    *Scrollback
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewTerminalHandler creates the terminal attach handler.
func NewTerminalHandler(c *core.Core, bus *eventbus.Bus, scrollback *Scrollback, allowedOrigin string, isDev bool, logger *slog.Logger) *TerminalHandler {
	return &TerminalHandler{core: c, bus: bus, scrollback: scrollback, allowedOrigin: allowedOrigin, isDev: isDev, logger: logger}
}

// ServeHTTP upgrades the connection, starts the session's shell if needed,
// and pumps bytes both ways until either side closes.
func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h.logger.Info("Terminal WebSocket request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !checkOrigin(r, h.allowedOrigin, h.isDev, h.logger) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.core.StartTerminal(ctx, sessionID); err != nil {
		h.logger.Error("Failed to start terminal", "error", err, "session_id", sessionID)
		payload, _ := json.Marshal(map[string]string{"error": "terminal_unavailable"})
		_ = ws.Write(ctx, websocket.MessageText, payload)
		return
	}

	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	// Replay retained output so a re-attaching client sees the shell as
	// it currently stands.
	if replay := h.scrollback.Replay(sessionID); len(replay) > 0 {
		if err := ws.Write(ctx, websocket.MessageBinary, replay); err != nil {
			h.logger.Debug("Scrollback replay failed", "error", err, "session_id", sessionID)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> shell stdin.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, sessionID)
	}()

	// Output loop: bus -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events, sessionID)
	}()

	wg.Wait()
	h.logger.Info("Terminal WebSocket closed", "session_id", sessionID)
}

func (h *TerminalHandler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Raw bytes go straight to the shell.
			if err := h.core.WriteTerminal(sessionID, message); err != nil {
				h.logger.Warn("Terminal write failed", "error", err, "session_id", sessionID)
				return
			}
			continue
		}

		switch msg.Type {
		case "data":
			if err := h.core.WriteTerminal(sessionID, []byte(msg.Content)); err != nil {
				h.logger.Warn("Terminal write failed", "error", err, "session_id", sessionID)
				return
			}
		case "ping":
			payload, _ := json.Marshal(map[string]string{"type": "pong"})
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "terminate":
			h.logger.Info("Terminal terminate requested", "session_id", sessionID)
			return
		}
	}
}

func (h *TerminalHandler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan eventbus.Event, sessionID string) {
	out := &wsWriter{conn: ws, ctx: ctx}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.EventOutput || ev.Output == nil {
				continue
			}
			if ev.Output.SessionID != sessionID || !strings.HasSuffix(ev.Output.Channel, "-terminal") {
				continue
			}
			if _, err := out.Write([]byte(ev.Output.Data)); err != nil {
				return
			}
		}
	}
}

func checkOrigin(r *http.Request, allowedOrigin string, isDev bool, logger *slog.Logger) bool {
	if isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || allowedOrigin == "*" || origin == allowedOrigin {
		return true
	}
	logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", allowedOrigin)
	return false
}
