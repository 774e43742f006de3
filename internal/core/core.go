// Package core owns the orchestrator's authoritative state: sessions, tabs,
// the per-session execution queue, batch runs, and agent error recovery.
// Every mutation, whether an API intent or a launcher event, funnels through
// one mutex, so collaborators always observe a consistent snapshot.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/eventbus"
	"github.com/avoss/crewdeck/internal/launcher"
	"github.com/avoss/crewdeck/internal/sandbox"
	"github.com/avoss/crewdeck/internal/store"
)

// Spawner is the slice of the launcher the core drives. Tests substitute a
// fake that records spawns and feeds events back by hand.
type Spawner interface {
	Spawn(spec launcher.SpawnSpec) (int, error)
	Adopt(ch channel.ID, h launcher.Handle, cwd string) error
	Write(ch channel.ID, data []byte) error
	Interrupt(ch channel.ID) error
	Kill(ch channel.ID) error
	IsActive(ch channel.ID) bool
	ListActive() []launcher.ActiveProcess
	RunCommand(ctx context.Context, sessionID, shell, command, cwd string) (launcher.CommandResult, error)
	RunTool(ctx context.Context, sessionID, command string, args []string, cwd string) (launcher.CommandResult, error)
}

// LifetimeRecorder folds task usage into the process-wide lifetime counter.
type LifetimeRecorder interface {
	Record(delta domain.UsageStats)
}

// Options configures a Core.
type Options struct {
	// Shell runs one-shot terminal commands and host terminal sessions.
	Shell string
	// SynopsisEnabled toggles the background tab-naming task.
	SynopsisEnabled bool
	// Sandbox, when non-nil, runs terminal sessions in containers instead
	// of on the host.
	Sandbox sandbox.Manager
}

// Core is the orchestration hub. It implements launcher.Sink: the launcher's
// dispatcher goroutine delivers every process event into HandleEvent, which
// takes the same mutex as the API-facing methods.
type Core struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session

	// batchChannels maps session id to the channel of the batch task in
	// flight, so stale batch exits can be told apart from the live one.
	batchChannels map[string]channel.ID
	// canceled marks channels whose running task was interrupted by the
	// user; their exit is logged as canceled rather than completed.
	canceled map[string]bool
	// lastActive tracks per-session activity for the sandbox reaper.
	lastActive map[string]time.Time
	// taskUsage holds the usage delta reported for the task in flight on a
	// channel, consumed when its exit arrives.
	taskUsage map[string]domain.UsageStats
	// taskText holds the prompt of the task in flight, for the synopsis run.
	taskText map[string]string

	spawner  Spawner
	bus      *eventbus.Bus
	repo     store.Repository
	lifetime LifetimeRecorder
	opts     Options
	logger   *slog.Logger
}

// New wires a Core. repo and lifetime may be nil when persistence is
// disabled.
func New(spawner Spawner, bus *eventbus.Bus, repo store.Repository, lifetime LifetimeRecorder, opts Options, logger *slog.Logger) *Core {
	return &Core{
		sessions:      make(map[string]*domain.Session),
		batchChannels: make(map[string]channel.ID),
		canceled:      make(map[string]bool),
		lastActive:    make(map[string]time.Time),
		taskUsage:     make(map[string]domain.UsageStats),
		taskText:      make(map[string]string),
		spawner:       spawner,
		bus:           bus,
		repo:          repo,
		lifetime:      lifetime,
		opts:          opts,
		logger:        logger,
	}
}

func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// CreateSession registers a new session with one fresh tab and returns a
// snapshot of it.
func (c *Core) CreateSession(toolType string, inputMode domain.InputMode, cwd string, sandboxed bool) (*domain.Session, error) {
	if inputMode != domain.InputModeTerminal {
		if _, err := buildInvocation(toolType, "probe", "", false); err != nil {
			return nil, err
		}
	}
	if sandboxed && c.opts.Sandbox == nil {
		return nil, fmt.Errorf("sandbox support is not enabled: %w", errdefs.ErrInvalidArgument)
	}

	now := time.Now()
	tab := &domain.Tab{ID: newID(), State: domain.TabIdle, SaveToHistory: true, CreatedAt: now}
	s := &domain.Session{
		ID:          newID(),
		ToolType:    toolType,
		InputMode:   inputMode,
		Cwd:         cwd,
		Sandbox:     sandboxed,
		Tabs:        []*domain.Tab{tab},
		ActiveTabID: tab.ID,
		CreatedAt:   now,
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.lastActive[s.ID] = now
	snap := cloneSession(s)
	c.mu.Unlock()

	c.logger.Info("Session created", "session_id", s.ID, "tool_type", toolType, "input_mode", string(inputMode), "sandbox", sandboxed)
	c.publishState(snap)
	return snap, nil
}

// DeleteSession kills every process the session owns, stops its sandbox
// container if any, and removes it from the registry.
func (c *Core) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	sandboxed := s.Sandbox
	delete(c.sessions, sessionID)
	delete(c.batchChannels, sessionID)
	delete(c.lastActive, sessionID)
	c.mu.Unlock()

	for _, p := range c.spawner.ListActive() {
		if p.Channel.SessionID != sessionID {
			continue
		}
		if err := c.spawner.Kill(p.Channel); err != nil && !errdefs.IsNotFound(err) {
			c.logger.Warn("Failed to kill process during session delete", "channel", p.Channel.String(), "error", err)
		}
	}
	if sandboxed && c.opts.Sandbox != nil {
		if err := c.opts.Sandbox.StopContainer(ctx, sessionID); err != nil {
			c.logger.Warn("Failed to stop sandbox container", "session_id", sessionID, "error", err)
		}
	}

	c.bus.Publish(eventbus.Event{
		Type:           eventbus.EventSessionDeleted,
		SessionDeleted: &eventbus.SessionDeleted{SessionID: sessionID},
	})
	c.logger.Info("Session deleted", "session_id", sessionID)
	return nil
}

// Sessions returns snapshots of all sessions, ordered by creation time.
func (c *Core) Sessions() []*domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*domain.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Session returns a snapshot of one session.
func (c *Core) Session(sessionID string) (*domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	return cloneSession(s), nil
}

// AddTab opens a fresh conversation tab and makes it active.
func (c *Core) AddTab(sessionID string) (*domain.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	tab := &domain.Tab{ID: newID(), State: domain.TabIdle, SaveToHistory: true, CreatedAt: time.Now()}
	s.Tabs = append(s.Tabs, tab)
	s.ActiveTabID = tab.ID
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishState(snap)
	return snap, nil
}

// CloseTab removes a tab. Closing the last tab replaces it with a fresh one
// so the session never has zero tabs. A busy tab cannot be closed.
func (c *Core) CloseTab(sessionID, tabID string) (*domain.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	tab := s.Tab(tabID)
	if tab == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("tab %s: %w", tabID, errdefs.ErrNotFound)
	}
	if tab.State == domain.TabBusy {
		c.mu.Unlock()
		return nil, fmt.Errorf("tab %s is busy: %w", tabID, errdefs.ErrConflict)
	}

	// Drop queued items destined for the closing tab.
	if dropped := s.QueuedForTab(tabID); dropped > 0 {
		kept := s.Queue[:0]
		for _, item := range s.Queue {
			if item.TabID != tabID {
				kept = append(kept, item)
			}
		}
		s.Queue = kept
		c.logger.Info("Dropped queued items for closed tab", "session_id", sessionID, "tab_id", tabID, "count", dropped)
	}

	remaining := make([]*domain.Tab, 0, len(s.Tabs)-1)
	for _, t := range s.Tabs {
		if t.ID != tabID {
			remaining = append(remaining, t)
		}
	}
	if len(remaining) == 0 {
		fresh := &domain.Tab{ID: newID(), State: domain.TabIdle, SaveToHistory: true, CreatedAt: time.Now()}
		remaining = append(remaining, fresh)
	}
	s.Tabs = remaining
	if s.Tab(s.ActiveTabID) == nil {
		s.ActiveTabID = s.Tabs[len(s.Tabs)-1].ID
	}
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishState(snap)
	return snap, nil
}

// UpdateTab applies mutable tab settings: name, starred, read-only mode,
// history opt-out, and which tab is active.
func (c *Core) UpdateTab(sessionID, tabID string, apply func(t *domain.Tab)) (*domain.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	tab := s.Tab(tabID)
	if tab == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("tab %s: %w", tabID, errdefs.ErrNotFound)
	}
	apply(tab)
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishState(snap)
	return snap, nil
}

// SetActiveTab switches the session's active tab.
func (c *Core) SetActiveTab(sessionID, tabID string) (*domain.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.Tab(tabID) == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("tab %s: %w", tabID, errdefs.ErrNotFound)
	}
	s.ActiveTabID = tabID
	snap := cloneSession(s)
	c.mu.Unlock()

	c.publishState(snap)
	return snap, nil
}

// ExpiredSandboxSessions lists sandboxed sessions inactive for longer than
// ttl and without a live terminal process. Feeds the sandbox reaper.
func (c *Core) ExpiredSandboxSessions(ttl time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var out []string
	for id, s := range c.sessions {
		if !s.Sandbox || s.TerminalRunning {
			continue
		}
		if last, ok := c.lastActive[id]; ok && last.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RunCommand executes a one-shot shell command in the session's working
// directory and blocks until it finishes.
func (c *Core) RunCommand(ctx context.Context, sessionID, command string) (launcher.CommandResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return launcher.CommandResult{}, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	cwd := s.Cwd
	c.lastActive[sessionID] = time.Now()
	c.mu.Unlock()

	return c.spawner.RunCommand(ctx, sessionID, c.opts.Shell, command, cwd)
}

// StartTerminal spawns the session's interactive shell, sandboxed when the
// session asked for it. No-op if the terminal is already running.
func (c *Core) StartTerminal(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if s.TerminalRunning {
		c.mu.Unlock()
		return nil
	}
	sandboxed := s.Sandbox
	cwd := s.Cwd
	c.mu.Unlock()

	ch := channel.Terminal(sessionID)
	if sandboxed {
		if _, err := c.opts.Sandbox.EnsureContainer(ctx, sessionID); err != nil {
			return fmt.Errorf("ensure sandbox container: %w", err)
		}
		shell, err := c.opts.Sandbox.CreateShell(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("create sandbox shell: %w", err)
		}
		if err := c.spawner.Adopt(ch, shell, cwd); err != nil {
			if !errdefs.IsConflict(err) {
				return err
			}
			// A concurrent attach won the race; its shell serves both.
			_ = shell.Signal(false)
		}
	} else {
		_, err := c.spawner.Spawn(launcher.SpawnSpec{Channel: ch, Command: c.opts.Shell, Args: []string{"-i"}, Cwd: cwd})
		if err != nil && !errdefs.IsConflict(err) {
			return err
		}
	}

	c.mu.Lock()
	if s, ok := c.sessions[sessionID]; ok {
		s.TerminalRunning = true
		s.BusySource = domain.BusySourceTerminal
		c.lastActive[sessionID] = time.Now()
		snap := cloneSession(s)
		c.mu.Unlock()
		c.publishState(snap)
		return nil
	}
	c.mu.Unlock()
	return nil
}

// WriteTerminal forwards input bytes to the session's shell.
func (c *Core) WriteTerminal(sessionID string, data []byte) error {
	c.mu.Lock()
	c.lastActive[sessionID] = time.Now()
	c.mu.Unlock()
	return c.spawner.Write(channel.Terminal(sessionID), data)
}

// publishState pushes a session snapshot onto the event bus.
func (c *Core) publishState(snap *domain.Session) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.EventState, State: snap})
}

func cloneSession(s *domain.Session) *domain.Session {
	out := *s
	out.Tabs = make([]*domain.Tab, len(s.Tabs))
	for i, t := range s.Tabs {
		tc := *t
		if t.ThinkingStartTime != nil {
			ts := *t.ThinkingStartTime
			tc.ThinkingStartTime = &ts
		}
		out.Tabs[i] = &tc
	}
	out.Queue = append([]domain.QueuedItem(nil), s.Queue...)
	out.SlashCommands = append([]string(nil), s.SlashCommands...)
	if s.Batch != nil {
		bc := *s.Batch
		bc.Documents = append([]string(nil), s.Batch.Documents...)
		if s.Batch.Pause != nil {
			pc := *s.Batch.Pause
			bc.Pause = &pc
		}
		out.Batch = &bc
	}
	if s.AgentError != nil {
		ec := *s.AgentError
		out.AgentError = &ec
	}
	return &out
}
