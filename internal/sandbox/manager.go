// Package sandbox provides Docker-backed shells for sandboxed terminal
// sessions. A session flagged sandbox=true gets one container; its
// interactive shell runs as an exec session inside it instead of on the
// host.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

const (
	containerUser   = "1000"
	workDir         = "/workspace"
	stopTimeoutSecs = 10

	memoryLimitBytes = 512 * 1024 * 1024
	cpuQuota         = 50000
	pidsLimit        = 256

	defaultCols = 80
	defaultRows = 24

	sessionLabel = "crewdeck.session"
)

// Manager defines the interface for managing sandbox containers.
type Manager interface {
	// EnsureContainer ensures a running container exists for a session.
	EnsureContainer(ctx context.Context, sessionID string) (string, error)

	// StopContainer stops and removes a session's container.
	StopContainer(ctx context.Context, sessionID string) error

	// CreateShell starts an interactive shell exec session in the
	// session's container and returns a process handle for it.
	CreateShell(ctx context.Context, sessionID string) (*ShellHandle, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli     *client.Client
	image   string
	runtime string
	logger  *slog.Logger
}

// NewDockerManager creates a Docker-backed sandbox manager. runtime can be
// "" for the default Docker runtime or "runsc" for gVisor.
func NewDockerManager(image, runtime string, logger *slog.Logger) (*DockerManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	logger.Info("Sandbox docker client initialized", "image", image, "runtime", runtime)
	return &DockerManager{cli: cli, image: image, runtime: runtime, logger: logger}, nil
}

func containerName(sessionID string) string {
	return "crewdeck-" + sessionID
}

// EnsureContainer ensures a running container exists for a session.
func (m *DockerManager) EnsureContainer(ctx context.Context, sessionID string) (string, error) {
	name := containerName(sessionID)
	volumeName := name + "-data"

	inspect, err := m.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			return inspect.ID, nil
		}
		m.logger.Info("Restarting stopped sandbox container", "container_id", inspect.ID, "session_id", sessionID)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		return inspect.ID, nil
	}

	m.logger.Info("Creating sandbox container", "session_id", sessionID, "volume", volumeName)

	config := &container.Config{
		Image:      m.image,
		User:       containerUser,
		WorkingDir: workDir,
		Tty:        true,
		Labels:     map[string]string{sessionLabel: sessionID},
	}
	hostConfig := &container.HostConfig{
		Runtime: m.runtime,
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: workDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			m.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	m.logger.Info("Sandbox container started", "container_id", resp.ID, "session_id", sessionID)
	return resp.ID, nil
}

// StopContainer stops and removes a session's container. Idempotent.
func (m *DockerManager) StopContainer(ctx context.Context, sessionID string) error {
	name := containerName(sessionID)

	inspect, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", name, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Debug("Container stop returned error, continuing to remove", "container_id", inspect.ID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", inspect.ID, err)
	}

	m.logger.Info("Sandbox container removed", "container_id", inspect.ID, "session_id", sessionID)
	return nil
}

// CreateShell starts an interactive shell exec session in the session's
// container.
func (m *DockerManager) CreateShell(ctx context.Context, sessionID string) (*ShellHandle, error) {
	containerID, err := m.EnsureContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash"},
		User:         containerUser,
		ConsoleSize:  &[2]uint{defaultCols, defaultRows},
	}
	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create shell in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach to shell %s: %w", resp.ID, err)
	}

	m.logger.Info("Sandbox shell created", "exec_id", resp.ID, "container_id", containerID, "session_id", sessionID)
	return &ShellHandle{
		cli:    m.cli,
		execID: resp.ID,
		conn:   attachResp.Conn,
		reader: attachResp.Reader,
	}, nil
}

// ShellHandle is a running sandbox shell, adaptable to the launcher's
// process inventory.
type ShellHandle struct {
	cli    *client.Client
	execID string
	conn   io.WriteCloser
	reader io.Reader
	pid    int
}

// PID returns the exec process's pid inside the container namespace, once
// known. Zero until the first Wait poll resolves it.
func (h *ShellHandle) PID() int { return h.pid }

func (h *ShellHandle) Stdin() io.Writer  { return h.conn }
func (h *ShellHandle) Stdout() io.Reader { return h.reader }

// Stderr returns nil: the shell runs under a TTY, which merges the streams.
func (h *ShellHandle) Stderr() io.Reader { return nil }

// Signal delivers ETX to the TTY for a graceful stop; a forceful kill
// closes the attach connection, which hangs up the shell's controlling
// terminal.
func (h *ShellHandle) Signal(graceful bool) error {
	if graceful {
		_, err := h.conn.Write([]byte{0x03})
		return err
	}
	return h.conn.Close()
}

// Wait polls the exec session until it finishes and returns its exit code.
func (h *ShellHandle) Wait() int {
	ctx := context.Background()
	for {
		inspect, err := h.cli.ContainerExecInspect(ctx, h.execID)
		if err != nil {
			return -1
		}
		if h.pid == 0 && inspect.Pid != 0 {
			h.pid = inspect.Pid
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func ptr[T any](v T) *T {
	return &v
}
