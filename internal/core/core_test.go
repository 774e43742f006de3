package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
	"github.com/avoss/crewdeck/internal/domain"
	"github.com/avoss/crewdeck/internal/eventbus"
	"github.com/avoss/crewdeck/internal/launcher"
)

// fakeSpawner records spawns and lets tests deliver process lifecycle
// events by hand.
type fakeSpawner struct {
	mu         sync.Mutex
	active     map[string]launcher.SpawnSpec
	spawns     []launcher.SpawnSpec
	interrupts []channel.ID
	kills      []channel.ID
	spawnErr   error
	toolResult launcher.CommandResult
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{active: map[string]launcher.SpawnSpec{}}
}

func (f *fakeSpawner) Spawn(spec launcher.SpawnSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return 0, f.spawnErr
	}
	f.active[spec.Channel.String()] = spec
	f.spawns = append(f.spawns, spec)
	return 1000 + len(f.spawns), nil
}

func (f *fakeSpawner) Adopt(ch channel.ID, h launcher.Handle, cwd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[ch.String()] = launcher.SpawnSpec{Channel: ch, Cwd: cwd}
	return nil
}

func (f *fakeSpawner) Write(ch channel.ID, data []byte) error { return nil }

func (f *fakeSpawner) Interrupt(ch channel.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, ch)
	return nil
}

func (f *fakeSpawner) Kill(ch channel.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, ch)
	return nil
}

func (f *fakeSpawner) IsActive(ch channel.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[ch.String()]
	return ok
}

func (f *fakeSpawner) ListActive() []launcher.ActiveProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]launcher.ActiveProcess, 0, len(f.active))
	for _, spec := range f.active {
		out = append(out, launcher.ActiveProcess{Channel: spec.Channel})
	}
	return out
}

func (f *fakeSpawner) RunCommand(ctx context.Context, sessionID, shell, command, cwd string) (launcher.CommandResult, error) {
	return f.toolResult, nil
}

func (f *fakeSpawner) RunTool(ctx context.Context, sessionID, command string, args []string, cwd string) (launcher.CommandResult, error) {
	return f.toolResult, nil
}

// lastSpawn returns the most recent spawn.
func (f *fakeSpawner) lastSpawn(t *testing.T) launcher.SpawnSpec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawns) == 0 {
		t.Fatal("no spawns recorded")
	}
	return f.spawns[len(f.spawns)-1]
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

// exit removes the process from the fake inventory and delivers its exit
// to the sink, in the same order the real launcher does.
func (f *fakeSpawner) exit(c *Core, ch channel.ID, code int, detail string) {
	f.mu.Lock()
	delete(f.active, ch.String())
	f.mu.Unlock()
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventExit, ExitCode: code, Detail: detail})
}

type recordedUsage struct {
	mu     sync.Mutex
	deltas []domain.UsageStats
}

func (r *recordedUsage) Record(delta domain.UsageStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCore(t *testing.T) (*Core, *fakeSpawner) {
	t.Helper()
	f := newFakeSpawner()
	c := New(f, eventbus.New(testLogger()), nil, nil, Options{Shell: "/bin/sh"}, testLogger())
	return c, f
}

func mustCreateSession(t *testing.T, c *Core) *domain.Session {
	t.Helper()
	s, err := c.CreateSession("claude", domain.InputModeAI, t.TempDir(), false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func mustSession(t *testing.T, c *Core, id string) *domain.Session {
	t.Helper()
	s, err := c.Session(id)
	if err != nil {
		t.Fatalf("Session(%s): %v", id, err)
	}
	return s
}

func TestCreateSessionRejectsUnknownTool(t *testing.T) {
	c, _ := newTestCore(t)
	if _, err := c.CreateSession("clippy", domain.InputModeAI, t.TempDir(), false); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDispatchIdleTabSpawns(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: s.ActiveTabID, Text: "fix the build"}); err != nil {
		t.Fatalf("DispatchTask: %v", err)
	}

	spec := f.lastSpawn(t)
	if spec.Channel.Kind != channel.KindAi || spec.Channel.TabID != s.ActiveTabID {
		t.Fatalf("spawned on wrong channel: %s", spec.Channel.String())
	}
	if spec.Command != "claude" {
		t.Fatalf("command = %q", spec.Command)
	}
	got := mustSession(t, c, s.ID)
	if got.Tab(s.ActiveTabID).State != domain.TabBusy {
		t.Fatal("tab should be busy after dispatch")
	}
	if got.State() != domain.SessionBusy {
		t.Fatalf("session state = %s", got.State())
	}
}

func TestDispatchBusyTabQueuesInOrder(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	for _, text := range []string{"first", "second", "third"} {
		if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: text}); err != nil {
			t.Fatalf("DispatchTask(%s): %v", text, err)
		}
	}
	if n := f.spawnCount(); n != 1 {
		t.Fatalf("spawns = %d, want 1", n)
	}
	if got := mustSession(t, c, s.ID); len(got.Queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(got.Queue))
	}

	// Each exit consumes exactly the head, in order.
	ch := channel.Ai(s.ID, tabID)
	f.exit(c, ch, 0, "")
	if got := f.lastSpawn(t); got.Args[len(got.Args)-1] != "second" {
		t.Fatalf("drained %q, want second", got.Args[len(got.Args)-1])
	}
	f.exit(c, ch, 0, "")
	if got := f.lastSpawn(t); got.Args[len(got.Args)-1] != "third" {
		t.Fatalf("drained %q, want third", got.Args[len(got.Args)-1])
	}
	f.exit(c, ch, 0, "")

	got := mustSession(t, c, s.ID)
	if got.Tab(tabID).State != domain.TabIdle {
		t.Fatal("tab should be idle after the queue drains")
	}
	if len(got.Queue) != 0 {
		t.Fatalf("queue length = %d after drain", len(got.Queue))
	}
}

func TestDrainFlipsTabsAtomically(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabA := s.ActiveTabID

	s2, err := c.AddTab(s.ID)
	if err != nil {
		t.Fatalf("AddTab: %v", err)
	}
	tabB := s2.ActiveTabID

	// Both tabs busy, then one item queued per tab.
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabA, Text: "a1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabB, Text: "b1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabA, Text: "a2"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabB, Text: "b2"}); err != nil {
		t.Fatal(err)
	}

	// B finishes first, but the head targets still-busy A: B waits idle.
	f.exit(c, channel.Ai(s.ID, tabB), 0, "")
	got := mustSession(t, c, s.ID)
	if got.Tab(tabB).State != domain.TabIdle {
		t.Fatal("tab B should be idle while the head waits for A")
	}
	if len(got.Queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(got.Queue))
	}

	// A finishes: head a2 re-runs on A (busy stays busy).
	f.exit(c, channel.Ai(s.ID, tabA), 0, "")
	got = mustSession(t, c, s.ID)
	if got.Tab(tabA).State != domain.TabBusy {
		t.Fatal("tab A should run the next queued item")
	}

	// A finishes a2: head b2 flips A idle and B busy in one transition.
	f.exit(c, channel.Ai(s.ID, tabA), 0, "")
	got = mustSession(t, c, s.ID)
	if got.Tab(tabA).State != domain.TabIdle || got.Tab(tabB).State != domain.TabBusy {
		t.Fatalf("flip failed: A=%s B=%s", got.Tab(tabA).State, got.Tab(tabB).State)
	}
	if len(got.Queue) != 0 {
		t.Fatalf("queue length = %d after flip", len(got.Queue))
	}
}

func TestDuplicateExitIsDiscarded(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "task"}); err != nil {
		t.Fatal(err)
	}

	// The channel is still listed as active, so this exit is stale.
	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventExit, ExitCode: 0})

	got := mustSession(t, c, s.ID)
	if got.Tab(tabID).State != domain.TabBusy {
		t.Fatal("stale exit must not release the tab")
	}

	// The real exit lands once the inventory entry is gone.
	f.exit(c, ch, 0, "")
	got = mustSession(t, c, s.ID)
	if got.Tab(tabID).State != domain.TabIdle {
		t.Fatal("real exit should release the tab")
	}
}

func TestInterruptDiscardsRunningTask(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "long task"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "queued"}); err != nil {
		t.Fatal(err)
	}
	if err := c.InterruptSession(s.ID); err != nil {
		t.Fatalf("InterruptSession: %v", err)
	}
	if len(f.interrupts) != 1 {
		t.Fatalf("interrupts = %d", len(f.interrupts))
	}

	// The interrupted process exits dirty; no error attaches and the queue
	// drains as on a normal exit.
	f.exit(c, channel.Ai(s.ID, tabID), 130, "")
	got := mustSession(t, c, s.ID)
	if got.AgentError != nil {
		t.Fatal("canceled task must not attach an agent error")
	}
	if got.Tab(tabID).State != domain.TabBusy {
		t.Fatal("queued item should start after the canceled exit")
	}
	if got.Tab(tabID).Usage.TaskCount != 0 {
		t.Fatal("canceled task must not count as completed")
	}
}

func TestInterruptWithNothingRunning(t *testing.T) {
	c, _ := newTestCore(t)
	s := mustCreateSession(t, c)
	if err := c.InterruptSession(s.ID); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAgentErrorBlocksDispatchUntilRecovered(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "task"}); err != nil {
		t.Fatal(err)
	}
	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventAgentError, Detail: "rate limit exceeded"})
	f.exit(c, ch, 1, "")

	got := mustSession(t, c, s.ID)
	if got.State() != domain.SessionError {
		t.Fatalf("session state = %s, want error", got.State())
	}
	if got.AgentError.Kind != domain.ErrorRateLimited || !got.AgentError.Recoverable {
		t.Fatalf("error = %+v", got.AgentError)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "more"}); !errdefs.IsConflict(err) {
		t.Fatalf("dispatch during error should conflict, got %v", err)
	}

	if _, err := c.Recover(s.ID, RecoveryClear); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got = mustSession(t, c, s.ID)
	if got.AgentError != nil || got.Tab(tabID).State != domain.TabIdle {
		t.Fatal("clear should detach the error and idle the tab")
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "more"}); err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}
}

func TestRecoverRestartAgentDropsResumeHandle(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "task"}); err != nil {
		t.Fatal(err)
	}
	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventAgentSessionID, AgentSessionID: "agent-abc"})
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventAgentError, Detail: "something odd"})

	if _, err := c.Recover(s.ID, RecoveryRestartAgent); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(f.kills) != 1 {
		t.Fatalf("kills = %d, want 1", len(f.kills))
	}
	got := mustSession(t, c, s.ID)
	if got.Tab(tabID).AgentSessionID != "" {
		t.Fatal("restart must drop the resume handle")
	}

	// The killed process's exit arrives later and is benign: the tab is
	// already idle.
	f.exit(c, ch, 137, "")
	got = mustSession(t, c, s.ID)
	if got.AgentError != nil {
		t.Fatal("late exit after restart must not re-attach an error")
	}
}

func TestRecoverNewSessionOpensFreshTab(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "task"}); err != nil {
		t.Fatal(err)
	}
	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventAgentError, Detail: "invalid api key"})
	f.exit(c, ch, 1, "")

	got, err := c.Recover(s.ID, RecoveryNewSession)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(got.Tabs) != 2 {
		t.Fatalf("tabs = %d, want 2", len(got.Tabs))
	}
	if got.ActiveTabID == tabID {
		t.Fatal("active tab should be the fresh one")
	}
}

func TestResumeTokenPassedOnSecondTask(t *testing.T) {
	c, f := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "first"}); err != nil {
		t.Fatal(err)
	}
	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventAgentSessionID, AgentSessionID: "agent-123"})
	f.exit(c, ch, 0, "")

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "second"}); err != nil {
		t.Fatal(err)
	}
	spec := f.lastSpawn(t)
	found := false
	for i, a := range spec.Args {
		if a == "--resume" && i+1 < len(spec.Args) && spec.Args[i+1] == "agent-123" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second task should resume agent-123, args = %v", spec.Args)
	}
}

func TestUsageRollsUpToTabSessionAndLifetime(t *testing.T) {
	f := newFakeSpawner()
	recorder := &recordedUsage{}
	c := New(f, eventbus.New(testLogger()), nil, recorder, Options{Shell: "/bin/sh"}, testLogger())
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "task"}); err != nil {
		t.Fatal(err)
	}
	ch := channel.Ai(s.ID, tabID)
	delta := domain.UsageStats{InputTokens: 500, OutputTokens: 120, CacheReadTokens: 40000, CostUSD: 0.12}
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventUsage, Usage: delta})
	f.exit(c, ch, 0, "")

	got := mustSession(t, c, s.ID)
	tab := got.Tab(tabID)
	if tab.Usage.InputTokens != 500 || tab.Usage.CostUSD != 0.12 {
		t.Fatalf("tab usage = %+v", tab.Usage)
	}
	if tab.Usage.TaskCount != 1 || got.Usage.TaskCount != 1 {
		t.Fatal("completed task should bump task counts")
	}
	if got.Usage.OutputTokens != 120 {
		t.Fatalf("session usage = %+v", got.Usage)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.deltas) != 1 || recorder.deltas[0].CacheReadTokens != 40000 {
		t.Fatalf("lifetime deltas = %+v", recorder.deltas)
	}
}

func TestSlashCommandValidation(t *testing.T) {
	c, _ := newTestCore(t)
	s := mustCreateSession(t, c)
	tabID := s.ActiveTabID

	// Before discovery, any command passes through.
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "/compact", IsCommand: true}); err != nil {
		t.Fatalf("dispatch before discovery: %v", err)
	}

	ch := channel.Ai(s.ID, tabID)
	c.HandleEvent(launcher.Event{Channel: ch, Kind: launcher.EventSlashCommands, SlashCommands: []string{"compact", "init"}})

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabID, Text: "/frobnicate", IsCommand: true}); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("unknown command should be rejected, got %v", err)
	}
}

func TestCloseLastTabLeavesFreshOne(t *testing.T) {
	c, _ := newTestCore(t)
	s := mustCreateSession(t, c)

	got, err := c.CloseTab(s.ID, s.ActiveTabID)
	if err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	if len(got.Tabs) != 1 {
		t.Fatalf("tabs = %d, want 1", len(got.Tabs))
	}
	if got.Tabs[0].ID == s.ActiveTabID {
		t.Fatal("replacement tab should have a new id")
	}
	if got.Tabs[0].State != domain.TabIdle {
		t.Fatal("replacement tab should be idle")
	}
}

func TestCloseTabDropsItsQueuedItems(t *testing.T) {
	c, _ := newTestCore(t)
	s := mustCreateSession(t, c)
	tabA := s.ActiveTabID
	s2, err := c.AddTab(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	tabB := s2.ActiveTabID

	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabB, Text: "busy"}); err != nil {
		t.Fatal(err)
	}
	if err := c.DispatchTask(s.ID, TaskRequest{TabID: tabB, Text: "queued-b"}); err != nil {
		t.Fatal(err)
	}

	got, err := c.CloseTab(s.ID, tabA)
	if err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	// tabA had nothing queued; tabB's item survives.
	if len(got.Queue) != 1 || got.Queue[0].TabID != tabB {
		t.Fatalf("queue = %+v", got.Queue)
	}

	if _, err := c.CloseTab(s.ID, tabB); !errdefs.IsConflict(err) {
		t.Fatalf("closing a busy tab should conflict, got %v", err)
	}
}

func TestTerminalExitClearsBusySource(t *testing.T) {
	c, f := newTestCore(t)
	s, err := c.CreateSession("", domain.InputModeTerminal, t.TempDir(), false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := c.StartTerminal(context.Background(), s.ID); err != nil {
		t.Fatalf("StartTerminal: %v", err)
	}
	got := mustSession(t, c, s.ID)
	if !got.TerminalRunning || got.State() != domain.SessionBusy {
		t.Fatal("terminal should hold the session busy")
	}

	f.exit(c, channel.Terminal(s.ID), 0, "")
	got = mustSession(t, c, s.ID)
	if got.TerminalRunning || got.State() != domain.SessionIdle {
		t.Fatal("terminal exit should idle the session")
	}
}

func TestTerminalAttachConflictTreatedAsRunning(t *testing.T) {
	c, f := newTestCore(t)
	s, err := c.CreateSession("", domain.InputModeTerminal, t.TempDir(), false)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A concurrent attach already claimed the terminal channel: the shell
	// exists, so the losing attach shares it instead of failing.
	f.spawnErr = fmt.Errorf("channel busy: %w", errdefs.ErrConflict)
	if err := c.StartTerminal(context.Background(), s.ID); err != nil {
		t.Fatalf("conflict on the terminal channel should read as running, got %v", err)
	}
	got := mustSession(t, c, s.ID)
	if !got.TerminalRunning || got.State() != domain.SessionBusy {
		t.Fatal("session should report its terminal running")
	}
}
