package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/avoss/crewdeck/internal/eventbus"
)

// scrollbackCap bounds the retained bytes per session. Older output is
// trimmed from the front once the cap is exceeded.
const scrollbackCap = 64 * 1024

// Scrollback retains recent terminal output per session so a client that
// attaches (or re-attaches) sees the shell as it currently stands instead
// of a blank screen. It consumes the event bus independently of any
// attached socket, so output produced while nobody is watching is kept.
type Scrollback struct {
	mu      sync.Mutex
	buffers map[string][]byte
	logger  *slog.Logger
}

// StartScrollback subscribes to the bus and begins retaining terminal
// output. The consumer goroutine exits when ctx is canceled.
func StartScrollback(ctx context.Context, bus *eventbus.Bus, logger *slog.Logger) *Scrollback {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scrollback{
		buffers: make(map[string][]byte),
		logger:  logger,
	}

	events, unsubscribe := bus.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch {
				case ev.Type == eventbus.EventOutput && ev.Output != nil:
					if strings.HasSuffix(ev.Output.Channel, "-terminal") {
						s.append(ev.Output.SessionID, []byte(ev.Output.Data))
					}
				case ev.Type == eventbus.EventSessionDeleted && ev.SessionDeleted != nil:
					s.Drop(ev.SessionDeleted.SessionID)
				}
			}
		}
	}()

	return s
}

func (s *Scrollback) append(sessionID string, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[sessionID], data...)
	if over := len(buf) - scrollbackCap; over > 0 {
		buf = buf[over:]
	}
	s.buffers[sessionID] = buf
}

// Replay returns a copy of the retained output for a session. The result
// is empty when the session's shell has produced nothing yet.
func (s *Scrollback) Replay(sessionID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[sessionID]
	if len(buf) == 0 {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// Drop discards a session's retained output. Called when the session is
// deleted so the map does not accumulate dead entries.
func (s *Scrollback) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[sessionID]; ok {
		delete(s.buffers, sessionID)
		s.logger.Debug("Scrollback dropped", "session_id", sessionID)
	}
}
