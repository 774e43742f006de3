package launcher

import (
	"io"
	"os"
	"os/exec"
)

// execHandle adapts os/exec to the Handle interface for host processes.
type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdin() io.Writer {
	if h.stdin == nil {
		return nil
	}
	return h.stdin
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Signal(graceful bool) error {
	if h.cmd.Process == nil {
		return nil
	}
	if graceful {
		return h.cmd.Process.Signal(os.Interrupt)
	}
	return h.cmd.Process.Kill()
}

// Wait returns the exit code, mapping a spawn-level failure to -1.
func (h *execHandle) Wait() int {
	err := h.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
