package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/launcher"
)

// TaskRequest is one unit of work addressed to a tab.
type TaskRequest struct {
	TabID string
	// Text is the prompt, or the slash command name when IsCommand is set.
	Text      string
	Images    []string
	IsCommand bool
}

// DispatchTask runs the request immediately when its tab is idle, otherwise
// appends it to the session's FIFO queue. Dispatch is refused while an
// unresolved agent error is attached to the session.
func (c *Core) DispatchTask(sessionID string, req TaskRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.AgentError != nil {
		return fmt.Errorf("session %s has an unresolved agent error: %w", sessionID, errdefs.ErrConflict)
	}
	tab := s.Tab(req.TabID)
	if tab == nil {
		return fmt.Errorf("tab %s: %w", req.TabID, errdefs.ErrNotFound)
	}
	if req.IsCommand && !s.HasSlashCommand(strings.TrimPrefix(req.Text, "/")) {
		return fmt.Errorf("unknown slash command %q: %w", req.Text, errdefs.ErrInvalidArgument)
	}

	item := domain.QueuedItem{
		Type:      domain.QueuedMessage,
		TabID:     req.TabID,
		Text:      req.Text,
		Images:    req.Images,
		CreatedAt: time.Now(),
	}
	if req.IsCommand {
		item.Type = domain.QueuedCommand
	}
	c.lastActive[sessionID] = time.Now()

	if tab.State != domain.TabIdle {
		s.Queue = append(s.Queue, item)
		c.logger.Info("Task queued", "session_id", sessionID, "tab_id", req.TabID, "queue_len", len(s.Queue))
		c.publishStateLocked(s)
		return nil
	}

	if err := c.spawnTaskLocked(s, tab, item); err != nil {
		return err
	}
	c.publishStateLocked(s)
	return nil
}

// CancelQueuedItem removes the queue entry at the given position without
// touching the running task.
func (c *Core) CancelQueuedItem(sessionID string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if index < 0 || index >= len(s.Queue) {
		return fmt.Errorf("queue index %d out of range: %w", index, errdefs.ErrInvalidArgument)
	}
	s.Queue = append(s.Queue[:index], s.Queue[index+1:]...)
	c.publishStateLocked(s)
	return nil
}

// spawnTaskLocked starts the agent process for one item and flips its tab
// busy. Spawn failures surface to the caller with no state change.
func (c *Core) spawnTaskLocked(s *domain.Session, tab *domain.Tab, item domain.QueuedItem) error {
	prompt := item.Text
	if item.Type == domain.QueuedCommand && !strings.HasPrefix(prompt, "/") {
		prompt = "/" + prompt
	}
	for _, img := range item.Images {
		prompt += "\nAttached image: " + img
	}

	inv, err := buildInvocation(s.ToolType, prompt, tab.AgentSessionID, tab.ReadOnlyMode)
	if err != nil {
		return err
	}
	ch := channel.Ai(s.ID, tab.ID)
	pid, err := c.spawner.Spawn(launcher.SpawnSpec{
		Channel: ch,
		Command: inv.Command,
		Args:    inv.Args,
		Cwd:     s.Cwd,
	})
	if err != nil {
		return fmt.Errorf("spawn agent for tab %s: %w", tab.ID, err)
	}

	tab.MarkBusy(time.Now())
	s.BusySource = domain.BusySourceAI
	c.taskText[ch.String()] = item.Text
	c.logger.Info("Task started", "channel", ch.String(), "pid", pid, "tool_type", s.ToolType)
	return nil
}

// drainQueueLocked consumes queue items after a tab finished. The head is
// taken strictly in FIFO order; if it targets a tab that is still busy the
// queue waits for that tab's own exit instead of skipping ahead.
func (c *Core) drainQueueLocked(s *domain.Session, finished *domain.Tab) {
	for len(s.Queue) > 0 {
		head := s.Queue[0]
		dest := s.Tab(head.TabID)
		if dest == nil {
			// Tab was closed while the item waited.
			s.Queue = s.Queue[1:]
			continue
		}
		if dest.State == domain.TabBusy && dest.ID != finished.ID {
			finished.MarkIdle()
			return
		}

		s.Queue = s.Queue[1:]
		if dest.ID != finished.ID {
			finished.MarkIdle()
		}
		if err := c.spawnTaskLocked(s, dest, head); err != nil {
			c.logger.Error("Failed to start queued task", "session_id", s.ID, "tab_id", dest.ID, "error", err)
			dest.MarkIdle()
			finished = dest
			continue
		}
		return
	}
	finished.MarkIdle()
}

// InterruptSession gracefully stops whatever made the session busy: the
// active tab's agent process, or the terminal when it holds the session.
// The interrupted task is logged as canceled so its exit does not count as
// a completion.
func (c *Core) InterruptSession(sessionID string) error {
	ch, err := c.busyChannel(sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.canceled[ch.String()] = true
	c.mu.Unlock()
	return c.spawner.Interrupt(ch)
}

// KillSession forcefully terminates the session's busy process. Escalation
// for processes that ignore the graceful interrupt.
func (c *Core) KillSession(sessionID string) error {
	ch, err := c.busyChannel(sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.canceled[ch.String()] = true
	c.mu.Unlock()
	return c.spawner.Kill(ch)
}

// busyChannel resolves which channel currently holds the session busy.
func (c *Core) busyChannel(sessionID string) (channel.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return channel.ID{}, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.Batch.Active() {
		if ch, ok := c.batchChannels[sessionID]; ok {
			return ch, nil
		}
	}
	if active := s.Tab(s.ActiveTabID); active != nil && active.State == domain.TabBusy {
		return channel.Ai(sessionID, active.ID), nil
	}
	for _, t := range s.Tabs {
		if t.State == domain.TabBusy {
			return channel.Ai(sessionID, t.ID), nil
		}
	}
	if s.TerminalRunning {
		return channel.Terminal(sessionID), nil
	}
	return channel.ID{}, fmt.Errorf("session %s has no running process: %w", sessionID, errdefs.ErrNotFound)
}

// publishStateLocked snapshots and publishes under the caller's lock. Bus
// publishes never block, so holding c.mu here is safe.
func (c *Core) publishStateLocked(s *domain.Session) {
	c.publishState(cloneSession(s))
}
