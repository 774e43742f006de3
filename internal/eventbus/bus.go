// Package eventbus fans orchestrator events out to stream subscribers.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/avoss/crewdeck/internal/domain"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTaskCompleted reports that one dispatched task finished.
	EventTaskCompleted EventType = "task_completed"
	// EventBatchCompleted reports a batch run's only externally observable
	// completion signal.
	EventBatchCompleted EventType = "batch_completed"
	// EventAgentError reports a classified agent failure.
	EventAgentError EventType = "agent_error"
	// EventState carries a session snapshot after any state transition.
	EventState EventType = "state"
	// EventOutput carries a chunk of process output.
	EventOutput EventType = "output"
	// EventSessionDeleted reports that a session and its processes are gone.
	EventSessionDeleted EventType = "session_deleted"
)

// TaskCompleted is consumed by toast/notification and history collaborators.
type TaskCompleted struct {
	SessionID  string            `json:"session_id"`
	TabID      string            `json:"tab_id"`
	DurationMs int64             `json:"duration_ms"`
	Usage      domain.UsageStats `json:"usage"`
}

// BatchCompleted is consumed by achievement/leaderboard collaborators.
type BatchCompleted struct {
	SessionID      string `json:"session_id"`
	CompletedCount int    `json:"completed_count"`
	TotalCount     int    `json:"total_count"`
	WasStopped     bool   `json:"was_stopped"`
}

// AgentErrorEvent is consumed by the error-modal collaborator.
type AgentErrorEvent struct {
	SessionID   string                `json:"session_id"`
	TabID       string                `json:"tab_id,omitempty"`
	Kind        domain.AgentErrorKind `json:"kind"`
	Recoverable bool                  `json:"recoverable"`
}

// Output is a chunk of process output addressed by its wire channel id.
type Output struct {
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	// Stream is "stdout" or "stderr".
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// SessionDeleted names the session that was torn down.
type SessionDeleted struct {
	SessionID string `json:"session_id"`
}

// Event is one bus message.
type Event struct {
	Type           EventType        `json:"type"`
	TaskCompleted  *TaskCompleted   `json:"task_completed,omitempty"`
	BatchCompleted *BatchCompleted  `json:"batch_completed,omitempty"`
	AgentError     *AgentErrorEvent `json:"agent_error,omitempty"`
	State          *domain.Session  `json:"state,omitempty"`
	Output         *Output          `json:"output,omitempty"`
	SessionDeleted *SessionDeleted  `json:"session_deleted,omitempty"`
}

const subscriberDepth = 256

// Bus fans events out to subscribers over bounded per-subscriber channels.
// A slow subscriber loses events rather than stalling the orchestrator.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	logger *slog.Logger
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. Cancel closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberDepth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("Event subscriber added", "subscribers", count)

	return ch, func() {
		b.mu.Lock()
		_, ok := b.subs[ch]
		delete(b.subs, ch)
		b.mu.Unlock()
		if ok {
			close(ch)
		}
		b.logger.Debug("Event subscriber removed")
	}
}

// Publish delivers the event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel mid-publish; they are non-blocking so the hold is short.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.logger.Warn("Dropped event for slow subscribers", "type", ev.Type, "dropped", dropped)
	}
}
