package core

import (
	"time"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/eventbus"
	"github.com/avoss/crewdeck/internal/launcher"
)

// HandleEvent is the launcher's sink. The launcher delivers events from a
// single dispatcher goroutine, so per-channel ordering holds here without
// extra coordination; the mutex only guards against concurrent API intents.
func (c *Core) HandleEvent(ev launcher.Event) {
	switch ev.Kind {
	case launcher.EventData:
		c.onOutput(ev, "stdout")
	case launcher.EventStderr:
		c.onOutput(ev, "stderr")
	case launcher.EventExit:
		c.onExit(ev)
	case launcher.EventCommandExit:
		c.logger.Debug("One-shot command finished", "channel", ev.Channel.String(), "exit_code", ev.ExitCode)
	case launcher.EventUsage:
		c.onUsage(ev)
	case launcher.EventAgentSessionID:
		c.onAgentSessionID(ev)
	case launcher.EventSlashCommands:
		c.onSlashCommands(ev)
	case launcher.EventAgentError:
		c.onAgentError(ev)
	}
}

func (c *Core) onOutput(ev launcher.Event, stream string) {
	c.mu.Lock()
	if _, ok := c.sessions[ev.Channel.SessionID]; !ok {
		c.mu.Unlock()
		return
	}
	c.lastActive[ev.Channel.SessionID] = time.Now()
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventOutput, Output: &eventbus.Output{
			SessionID: ev.Channel.SessionID,
			Channel:   ev.Channel.String(),
			Stream:    stream,
			Data:      string(ev.Data),
		}})
	}
}

func (c *Core) onExit(ev launcher.Event) {
	// Duplicate-exit guard: an exit is only trusted when the launcher no
	// longer lists a process for the channel. A respawn racing this event
	// shows up as an active entry, which marks the exit as stale.
	if c.spawner.IsActive(ev.Channel) {
		c.logger.Warn("Discarding stale exit event", "channel", ev.Channel.String(), "exit_code", ev.ExitCode)
		return
	}

	switch ev.Channel.Kind {
	case channel.KindCommand:
		// One-shot commands resolve synchronously in RunCommand.
	case channel.KindTerminal:
		c.onTerminalExit(ev)
	case channel.KindBatch:
		c.onBatchExit(ev)
	case channel.KindAi:
		c.onTaskExit(ev)
	}
}

func (c *Core) onTerminalExit(ev launcher.Event) {
	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.TerminalRunning = false
	if s.BusySource == domain.BusySourceTerminal {
		s.BusySource = ""
	}
	delete(c.canceled, ev.Channel.String())
	snap := cloneSession(s)
	c.mu.Unlock()

	c.logger.Info("Terminal exited", "session_id", ev.Channel.SessionID, "exit_code", ev.ExitCode)
	c.publishState(snap)
}

// onTaskExit finishes one tab task: completion accounting, error attachment
// on dirty exits, then the FIFO drain.
func (c *Core) onTaskExit(ev launcher.Event) {
	key := ev.Channel.String()

	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	tab := s.Tab(ev.Channel.TabID)
	if tab == nil {
		c.mu.Unlock()
		return
	}

	wasCanceled := c.canceled[key]
	delete(c.canceled, key)
	usage := c.taskUsage[key]
	delete(c.taskUsage, key)
	text := c.taskText[key]
	delete(c.taskText, key)
	c.lastActive[s.ID] = time.Now()

	var durationMs int64
	if tab.ThinkingStartTime != nil {
		durationMs = time.Since(*tab.ThinkingStartTime).Milliseconds()
	}

	if ev.ExitCode != 0 && !wasCanceled {
		if s.AgentError == nil {
			// Dirty exit with no prior error line from the agent.
			agentErr := classify(ev.Detail, ev.ExitCode)
			agentErr.TabID = tab.ID
			s.AgentError = &agentErr
		}
		tab.State = domain.TabError
		tab.ThinkingStartTime = nil
		errSnap := *s.AgentError
		snap := cloneSession(s)
		c.mu.Unlock()

		c.logger.Error("Task failed", "channel", key, "exit_code", ev.ExitCode, "kind", string(errSnap.Kind))
		c.publishAgentError(s.ID, errSnap)
		c.publishState(snap)
		return
	}

	if wasCanceled {
		c.logger.Info("Task canceled", "channel", key, "exit_code", ev.ExitCode)
	} else {
		tab.Usage.TaskCount++
		s.Usage.TaskCount++
		c.logger.Info("Task completed", "channel", key, "duration_ms", durationMs)
	}

	c.drainQueueLocked(s, tab)
	if s.BusySource == domain.BusySourceAI && s.State() != domain.SessionBusy {
		s.BusySource = ""
	}
	needsName := !wasCanceled && tab.Name == "" && c.opts.SynopsisEnabled && text != ""
	sessionID, tabID := s.ID, tab.ID
	toolType := s.ToolType
	cwd := s.Cwd
	snap := cloneSession(s)
	c.mu.Unlock()

	if !wasCanceled && c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventTaskCompleted, TaskCompleted: &eventbus.TaskCompleted{
			SessionID:  sessionID,
			TabID:      tabID,
			DurationMs: durationMs,
			Usage:      usage,
		}})
	}
	c.publishState(snap)

	if needsName {
		go c.runSynopsis(sessionID, tabID, toolType, cwd, text)
	}
}

func (c *Core) onUsage(ev launcher.Event) {
	delta := ev.Usage
	delta.TaskCount = 0

	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if tab := s.Tab(ev.Channel.TabID); tab != nil {
		tab.Usage.Add(delta)
	}
	s.Usage.Add(delta)
	c.taskUsage[ev.Channel.String()] = delta
	snap := cloneSession(s)
	c.mu.Unlock()

	if c.lifetime != nil {
		c.lifetime.Record(delta)
	}
	c.publishState(snap)
}

func (c *Core) onAgentSessionID(ev launcher.Event) {
	if ev.Channel.Kind != channel.KindAi {
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if tab := s.Tab(ev.Channel.TabID); tab != nil {
		tab.AgentSessionID = ev.AgentSessionID
	}
	c.mu.Unlock()
}

func (c *Core) onSlashCommands(ev launcher.Event) {
	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.SlashCommands = append([]string(nil), ev.SlashCommands...)
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishState(snap)
}

func (c *Core) onAgentError(ev launcher.Event) {
	if ev.Channel.Kind == channel.KindBatch {
		c.onBatchError(ev)
		return
	}

	c.mu.Lock()
	s, ok := c.sessions[ev.Channel.SessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	agentErr := classify(ev.Detail, 0)
	agentErr.TabID = ev.Channel.TabID
	s.AgentError = &agentErr
	if tab := s.Tab(ev.Channel.TabID); tab != nil {
		tab.State = domain.TabError
		tab.ThinkingStartTime = nil
	}
	snap := cloneSession(s)
	c.mu.Unlock()

	c.logger.Error("Agent error", "channel", ev.Channel.String(), "kind", string(agentErr.Kind), "detail", agentErr.Detail)
	c.publishAgentError(s.ID, agentErr)
	c.publishState(snap)
}

func (c *Core) publishAgentError(sessionID string, agentErr domain.AgentError) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.EventAgentError, AgentError: &eventbus.AgentErrorEvent{
		SessionID:   sessionID,
		TabID:       agentErr.TabID,
		Kind:        agentErr.Kind,
		Recoverable: agentErr.Recoverable,
	}})
}
