package stream

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/avoss/crewdeck/internal/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func publishTerminalOutput(bus *eventbus.Bus, sessionID, data string) {
	bus.Publish(eventbus.Event{
		Type: eventbus.EventOutput,
		Output: &eventbus.Output{
			SessionID: sessionID,
			Channel:   sessionID + "-terminal",
			Stream:    "stdout",
			Data:      data,
		},
	})
}

// waitReplay polls until the session's scrollback satisfies check or the
// deadline passes. The consumer goroutine is asynchronous.
func waitReplay(t *testing.T, s *Scrollback, sessionID string, check func([]byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if buf := s.Replay(sessionID); check(buf) {
			return buf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scrollback for %s never reached expected state", sessionID)
	return nil
}

func TestScrollbackRetainsTerminalOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(testLogger())
	s := StartScrollback(ctx, bus, testLogger())

	publishTerminalOutput(bus, "abc123", "$ ls\n")
	publishTerminalOutput(bus, "abc123", "main.go\n")

	got := waitReplay(t, s, "abc123", func(buf []byte) bool {
		return bytes.Contains(buf, []byte("main.go"))
	})
	if string(got) != "$ ls\nmain.go\n" {
		t.Errorf("replay = %q, want %q", got, "$ ls\nmain.go\n")
	}
}

func TestScrollbackIgnoresAgentOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(testLogger())
	s := StartScrollback(ctx, bus, testLogger())

	bus.Publish(eventbus.Event{
		Type: eventbus.EventOutput,
		Output: &eventbus.Output{
			SessionID: "abc123",
			Channel:   "abc123-ai-tab1",
			Stream:    "stdout",
			Data:      "agent chatter",
		},
	})
	publishTerminalOutput(bus, "abc123", "shell only")

	got := waitReplay(t, s, "abc123", func(buf []byte) bool {
		return len(buf) > 0
	})
	if string(got) != "shell only" {
		t.Errorf("replay = %q, want only terminal output", got)
	}
}

func TestScrollbackTrimsToCapFromFront(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(testLogger())
	s := StartScrollback(ctx, bus, testLogger())

	// Overfill, then append a marker that must survive the trim.
	filler := strings.Repeat("x", scrollbackCap)
	publishTerminalOutput(bus, "abc123", filler)
	publishTerminalOutput(bus, "abc123", "MARKER")

	got := waitReplay(t, s, "abc123", func(buf []byte) bool {
		return bytes.HasSuffix(buf, []byte("MARKER"))
	})
	if len(got) > scrollbackCap {
		t.Errorf("replay length = %d, want <= %d", len(got), scrollbackCap)
	}
	if !bytes.HasSuffix(got, []byte("MARKER")) {
		t.Errorf("newest output trimmed: %q", got[len(got)-16:])
	}
}

func TestScrollbackDroppedOnSessionDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(testLogger())
	s := StartScrollback(ctx, bus, testLogger())

	publishTerminalOutput(bus, "abc123", "some output")
	waitReplay(t, s, "abc123", func(buf []byte) bool { return len(buf) > 0 })

	bus.Publish(eventbus.Event{
		Type:           eventbus.EventSessionDeleted,
		SessionDeleted: &eventbus.SessionDeleted{SessionID: "abc123"},
	})

	waitReplay(t, s, "abc123", func(buf []byte) bool { return len(buf) == 0 })
}
