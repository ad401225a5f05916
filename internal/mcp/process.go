package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"taskflow/internal/async"
	"taskflow/internal/logging"
)

// ProcessConfig describes how to launch one MCP server process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string // appended to the parent environment
}

// ProcessTransport runs an MCP server as a child process and frames traffic
// over its stdio. It implements Transport.
type ProcessTransport struct {
	command string
	args    []string
	env     []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	running bool

	stopChan chan struct{}
	waitDone chan error
	exited   chan struct{}

	logger logging.Logger
}

// NewProcessTransport builds a transport for the given command. The process
// is not started until Start.
func NewProcessTransport(cfg ProcessConfig) *ProcessTransport {
	t := &ProcessTransport{
		command: cfg.Command,
		args:    cfg.Args,
		exited:  make(chan struct{}, 1),
		logger:  logging.NewComponentLogger(fmt.Sprintf("mcp.process[%s]", cfg.Command)),
	}
	if len(cfg.Env) > 0 {
		t.env = append(t.env, os.Environ()...)
		for k, v := range cfg.Env {
			t.env = append(t.env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return t
}

// Start spawns the server process and begins draining its stderr.
func (t *ProcessTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("process already running")
	}

	resolved, err := resolveExecutable(t.command)
	if err != nil {
		return err
	}

	t.stopChan = make(chan struct{})
	t.waitDone = make(chan error, 1)

	t.logger.Info("starting MCP server: %s %v", t.command, t.args)

	cmd := exec.CommandContext(ctx, resolved, t.args...)
	cmd.Env = t.env

	if t.stdin, err = cmd.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if t.stdout, err = cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if t.stderr, err = cmd.StderrPipe(); err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.cmd = cmd
	t.running = true
	t.logger.Info("MCP server started, pid=%d", cmd.Process.Pid)

	async.Go(t.logger, "mcp.process.stderr", t.drainStderr)
	async.Go(t.logger, "mcp.process.wait", t.waitExit)
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Write sends one frame to the server's stdin.
func (t *ProcessTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.stdin == nil {
		return fmt.Errorf("process not running")
	}
	n, err := t.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(data))
	}
	return nil
}

// Reader exposes the server's stdout for the client's read loop.
func (t *ProcessTransport) Reader() io.Reader {
	return t.stdout
}

// Close stops the server, first by closing stdin, then by killing the process
// after a grace period.
func (t *ProcessTransport) Close() error {
	return t.stop(5 * time.Second)
}

func (t *ProcessTransport) stop(timeout time.Duration) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	stopChan := t.stopChan
	waitDone := t.waitDone
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	t.logger.Info("stopping MCP server (timeout %v)", timeout)
	if stopChan != nil {
		close(stopChan)
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case err := <-waitDone:
		t.logger.Info("process exited: %v", err)
		return nil
	case <-time.After(timeout):
		t.logger.Warn("graceful shutdown timed out, killing process")
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		return nil
	}
}

// Restart stops and relaunches the process with exponential backoff between
// attempts, capped at 16s.
func (t *ProcessTransport) Restart(ctx context.Context, maxAttempts int) error {
	if err := t.stop(5 * time.Second); err != nil {
		t.logger.Error("stop before restart failed: %v", err)
	}

	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("restart cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if err := t.Start(ctx); err != nil {
			t.logger.Error("restart attempt %d/%d failed: %v", attempt, maxAttempts, err)
			backoff *= 2
			if backoff > 16*time.Second {
				backoff = 16 * time.Second
			}
			continue
		}
		t.logger.Info("MCP server restarted on attempt %d", attempt)
		return nil
	}
	return fmt.Errorf("failed to restart after %d attempts", maxAttempts)
}

// IsRunning reports whether the process is alive.
func (t *ProcessTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Exited delivers one signal when the process dies without Close being
// called. The facade uses it to drop dead clients.
func (t *ProcessTransport) Exited() <-chan struct{} {
	return t.exited
}

func (t *ProcessTransport) drainStderr() {
	if t.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
			t.logger.Debug("[stderr] %s", scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		t.logger.Error("stderr read error: %v", err)
	}
}

func (t *ProcessTransport) waitExit() {
	if t.cmd == nil {
		return
	}
	err := t.cmd.Wait()

	select {
	case t.waitDone <- err:
	default:
	}

	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()

	if wasRunning {
		if err != nil {
			t.logger.Error("process exited unexpectedly: %v", err)
		} else {
			t.logger.Warn("process exited unexpectedly")
		}
		select {
		case t.exited <- struct{}{}:
		default:
		}
	}
}
