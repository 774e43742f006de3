// Package launcher starts and supervises one OS process per logical
// channel. It knows nothing about sessions or tabs: a channel id is the
// only identity it understands. Output, exit, and metadata events flow to a
// single Sink through one dispatch queue so per-channel ordering is
// structural rather than incidental.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/avoss/crewdeck/internal/channel"
)

const (
	eventQueueDepth   = 1024
	stderrCaptureSize = 16 * 1024
	commandOutputMax  = 256 * 1024
	shutdownTimeout   = 5 * time.Second
)

// SpawnSpec describes an interactive process to start. The prompt travels
// in Args: every supported agent CLI takes it as an argument.
type SpawnSpec struct {
	Channel channel.ID
	Command string
	Args    []string
	Cwd     string
	Env     []string
}

// ActiveProcess is one entry of the live inventory.
type ActiveProcess struct {
	Channel channel.ID `json:"channel"`
	PID     int        `json:"pid"`
	Cwd     string     `json:"cwd"`
}

// Handle abstracts a running process so sandboxed shells can be adopted
// into the same inventory as host processes.
type Handle interface {
	PID() int
	Stdin() io.Writer
	Stdout() io.Reader
	// Stderr may return nil when the process runs under a TTY that merges
	// the streams.
	Stderr() io.Reader
	// Signal delivers a graceful stop when graceful is true, a forceful
	// kill otherwise.
	Signal(graceful bool) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
}

type proc struct {
	handle  Handle
	cwd     string
	capture *ringBuffer
}

// Launcher owns the active-process inventory and the event dispatch queue.
type Launcher struct {
	mu    sync.Mutex
	procs map[string]*proc
	// pending holds channel keys reserved between the conflict check and
	// inventory insertion, so concurrent spawns on one channel cannot both
	// pass the check while a process is still starting.
	pending map[string]struct{}
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates a launcher. Start must be called before any spawn.
func New(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		procs:   make(map[string]*proc),
		pending: make(map[string]struct{}),
		events:  make(chan Event, eventQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start begins delivering events to sink on a single dispatcher goroutine.
func (l *Launcher) Start(sink Sink) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.ctx.Done():
				return
			case ev := <-l.events:
				sink.HandleEvent(ev)
			}
		}
	}()
}

// Close force-kills every active process and stops event dispatch.
func (l *Launcher) Close() {
	l.mu.Lock()
	handles := make([]Handle, 0, len(l.procs))
	for _, p := range l.procs {
		handles = append(handles, p.handle)
	}
	l.mu.Unlock()

	for _, h := range handles {
		if err := h.Signal(false); err != nil {
			l.logger.Debug("Kill during shutdown failed", "pid", h.PID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		l.waitAllExited()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		l.logger.Warn("Launcher shutdown timeout, abandoning processes")
	}

	l.cancel()
	l.wg.Wait()
}

func (l *Launcher) waitAllExited() {
	for {
		l.mu.Lock()
		n := len(l.procs)
		l.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *Launcher) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

// reserve claims a channel key under one mutex hold. The claim blocks any
// other spawn on the channel until register converts it into an inventory
// entry or release abandons it.
func (l *Launcher) reserve(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.procs[key]; exists {
		return fmt.Errorf("channel %s already has an active process: %w", key, errdefs.ErrConflict)
	}
	if _, exists := l.pending[key]; exists {
		return fmt.Errorf("channel %s already has an active process: %w", key, errdefs.ErrConflict)
	}
	l.pending[key] = struct{}{}
	return nil
}

func (l *Launcher) release(key string) {
	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()
}

// Spawn starts an interactive process on the given channel. It fails fast
// with a not-found error when the executable is missing and never emits a
// pid in that case; all later failures surface as exit events.
func (l *Launcher) Spawn(spec SpawnSpec) (int, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return 0, fmt.Errorf("command not found: %s: %w", spec.Command, errdefs.ErrNotFound)
	}

	key := spec.Channel.String()
	if err := l.reserve(key); err != nil {
		return 0, err
	}

	cmd := exec.Command(path, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		l.release(key)
		return 0, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.release(key)
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.release(key)
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		l.release(key)
		return 0, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	h := &execHandle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	pid := l.register(spec.Channel, h, spec.Cwd)

	l.logger.Info("Process spawned", "channel", key, "command", spec.Command, "pid", pid, "cwd", spec.Cwd)
	return pid, nil
}

// Adopt registers an externally started process (a sandboxed shell) into
// the inventory and supervises it like any spawned one.
func (l *Launcher) Adopt(ch channel.ID, h Handle, cwd string) error {
	key := ch.String()
	if err := l.reserve(key); err != nil {
		return err
	}

	l.register(ch, h, cwd)
	l.logger.Info("Process adopted", "channel", key, "pid", h.PID(), "cwd", cwd)
	return nil
}

// register converts the caller's reservation into an inventory entry and
// starts the process's reader and waiter goroutines. Returns the pid.
func (l *Launcher) register(ch channel.ID, h Handle, cwd string) int {
	p := &proc{handle: h, cwd: cwd, capture: newRingBuffer(stderrCaptureSize)}

	l.mu.Lock()
	delete(l.pending, ch.String())
	l.procs[ch.String()] = p
	l.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		// Terminal output is raw bytes: prompts arrive without trailing
		// newlines, so line scanning would hold them back. Metadata
		// scanning only applies to agent channels.
		if ch.Kind == channel.KindTerminal {
			l.readRaw(ch, h.Stdout())
		} else {
			scanStream(ch, h.Stdout(), l.emit, l.logger)
		}
	}()

	if stderr := h.Stderr(); stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			l.readStderr(ch, stderr, p.capture)
		}()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		readers.Wait()
		code := h.Wait()

		// Remove from the inventory before the exit event goes out: the
		// router's duplicate-exit guard trusts an exit only when no process
		// is still listed for the channel.
		l.mu.Lock()
		delete(l.procs, ch.String())
		l.mu.Unlock()

		detail := ""
		if code != 0 {
			detail = p.capture.String()
		}
		l.logger.Info("Process exited", "channel", ch.String(), "pid", h.PID(), "exit_code", code)
		l.emit(Event{Channel: ch, Kind: EventExit, ExitCode: code, Detail: detail})
	}()

	return h.PID()
}

// readRaw forwards stdout chunks as-is, preserving partial lines.
func (l *Launcher) readRaw(ch channel.ID, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			l.emit(Event{Channel: ch, Kind: EventData, Data: data})
		}
		if err != nil {
			return
		}
	}
}

func (l *Launcher) readStderr(ch channel.ID, r io.Reader, capture *ringBuffer) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			_, _ = capture.Write(data)
			l.emit(Event{Channel: ch, Kind: EventStderr, Data: data})
		}
		if err != nil {
			return
		}
	}
}

func (l *Launcher) lookup(ch channel.ID) (*proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[ch.String()]
	if !ok {
		return nil, fmt.Errorf("no active process on channel %s: %w", ch.String(), errdefs.ErrNotFound)
	}
	return p, nil
}

// Write sends bytes to the process's stdin.
func (l *Launcher) Write(ch channel.ID, data []byte) error {
	p, err := l.lookup(ch)
	if err != nil {
		return err
	}
	stdin := p.handle.Stdin()
	if stdin == nil {
		return fmt.Errorf("channel %s does not accept input: %w", ch.String(), errdefs.ErrInvalidArgument)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write to channel %s: %w", ch.String(), err)
	}
	return nil
}

// Interrupt delivers a graceful terminate signal.
func (l *Launcher) Interrupt(ch channel.ID) error {
	p, err := l.lookup(ch)
	if err != nil {
		return err
	}
	l.logger.Info("Interrupting process", "channel", ch.String(), "pid", p.handle.PID())
	if err := p.handle.Signal(true); err != nil {
		return fmt.Errorf("interrupt channel %s: %w", ch.String(), err)
	}
	return nil
}

// Kill forcefully terminates the process. Escalation from Interrupt; can
// discard in-flight state.
func (l *Launcher) Kill(ch channel.ID) error {
	p, err := l.lookup(ch)
	if err != nil {
		return err
	}
	l.logger.Warn("Killing process", "channel", ch.String(), "pid", p.handle.PID())
	if err := p.handle.Signal(false); err != nil {
		return fmt.Errorf("kill channel %s: %w", ch.String(), err)
	}
	return nil
}

// IsActive reports whether a process is registered for the channel. A
// reserved channel counts as active: its process is starting and any exit
// event seen in that window belongs to a predecessor.
func (l *Launcher) IsActive(ch channel.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ch.String()
	if _, ok := l.procs[key]; ok {
		return true
	}
	_, ok := l.pending[key]
	return ok
}

// ListActive returns the live inventory, ordered by channel id.
func (l *Launcher) ListActive() []ActiveProcess {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ActiveProcess, 0, len(l.procs))
	for key, p := range l.procs {
		id, err := channel.Parse(key)
		if err != nil {
			continue
		}
		out = append(out, ActiveProcess{Channel: id, PID: p.handle.PID(), Cwd: p.cwd})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel.String() < out[j].Channel.String()
	})
	return out
}

// CommandResult is the outcome of a one-shot command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunCommand executes a one-shot shell command on the session's suffix-free
// channel and blocks until it exits. The process appears in the inventory
// while it runs, and its exit goes out on the command-exit event stream,
// distinct from the interactive one.
func (l *Launcher) RunCommand(ctx context.Context, sessionID, shell, command, cwd string) (CommandResult, error) {
	return l.runOneShot(ctx, sessionID, shell, []string{"-c", command}, cwd)
}

// RunTool executes a one-shot tool invocation (direct argv, no shell) on
// the session's suffix-free channel. Used for background helper tasks like
// the synopsis run.
func (l *Launcher) RunTool(ctx context.Context, sessionID, command string, args []string, cwd string) (CommandResult, error) {
	return l.runOneShot(ctx, sessionID, command, args, cwd)
}

func (l *Launcher) runOneShot(ctx context.Context, sessionID, command string, args []string, cwd string) (CommandResult, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return CommandResult{}, fmt.Errorf("command not found: %s: %w", command, errdefs.ErrNotFound)
	}

	ch := channel.Command(sessionID)
	key := ch.String()
	if err := l.reserve(key); err != nil {
		return CommandResult{}, err
	}

	cmd := exec.CommandContext(ctx, path, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitWriter(&stdout, commandOutputMax)
	cmd.Stderr = newLimitWriter(&stderr, commandOutputMax)

	if err := cmd.Start(); err != nil {
		l.release(key)
		return CommandResult{}, fmt.Errorf("start command: %w", err)
	}

	p := &proc{handle: &execHandle{cmd: cmd}, cwd: cwd, capture: newRingBuffer(stderrCaptureSize)}
	l.mu.Lock()
	delete(l.pending, key)
	l.procs[key] = p
	l.mu.Unlock()

	err = cmd.Wait()
	l.mu.Lock()
	delete(l.procs, key)
	l.mu.Unlock()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return CommandResult{}, fmt.Errorf("run command: %w", err)
		}
	}

	result := CommandResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	l.emit(Event{Channel: ch, Kind: EventCommandExit, ExitCode: code, Data: []byte(result.Stdout), Detail: result.Stderr})
	return result, nil
}

// limitWriter discards bytes past a cap.
type limitWriter struct {
	w   io.Writer
	max int
	n   int
}

func newLimitWriter(w io.Writer, max int) *limitWriter {
	return &limitWriter{w: w, max: max}
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if lw.n >= lw.max {
		return orig, nil
	}
	if lw.n+len(p) > lw.max {
		p = p[:lw.max-lw.n]
	}
	n, err := lw.w.Write(p)
	lw.n += n
	if err != nil {
		return n, err
	}
	return orig, nil
}
