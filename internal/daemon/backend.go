package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.nightshift.dev/nightshift/internal/core"
)

// ErrBackendExited is returned by WaitReady when the backend dies before
// accepting connections.
var ErrBackendExited = errors.New("backend exited before becoming ready")

// Backend is the supervised child process.
type Backend struct {
	cmd     *exec.Cmd
	command string
	done    chan struct{}
	err     error
}

// StartBackend spawns the configured command. Its stdio is the daemon's own
// so backend output lands in the same log stream.
func StartBackend(cfg core.BackendConfig) (*Backend, error) {
	args := cfg.ExpandedArgs()
	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.Dir
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend %q: %w", cfg.Command, err)
	}

	b := &Backend{
		cmd:     cmd,
		command: strings.Join(append([]string{cfg.Command}, args...), " "),
		done:    make(chan struct{}),
	}
	go func() {
		b.err = cmd.Wait()
		close(b.done)
	}()
	return b, nil
}

func (b *Backend) Pid() int {
	return b.cmd.Process.Pid
}

// Command is the full command line the backend was started with.
func (b *Backend) Command() string {
	return b.command
}

// Done is closed once the backend has exited and been reaped.
func (b *Backend) Done() <-chan struct{} {
	return b.done
}

// Err is the exit status. Only valid after Done is closed.
func (b *Backend) Err() error {
	return b.err
}

func (b *Backend) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// WaitReady polls addr until a TCP connection succeeds. It fails when
// timeout passes, ctx is cancelled or the backend exits first.
func (b *Backend) WaitReady(ctx context.Context, addr string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dialer := net.Dialer{Timeout: interval}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-b.done:
			return fmt.Errorf("%w: %v", ErrBackendExited, b.err)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("backend not ready on %s after %s", addr, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM, waits up to grace for the backend to exit and then
// kills it. It returns once the process has been reaped.
func (b *Backend) Stop(grace time.Duration) {
	if !b.Alive() {
		return
	}

	pid := b.Pid()
	if err := b.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("Failed to signal backend", "pid", pid, "error", err)
	}

	select {
	case <-b.done:
		slog.Info("Backend stopped", "pid", pid)
		return
	case <-time.After(grace):
	}

	slog.Warn("Backend did not exit within grace period, killing", "pid", pid, "grace", grace)
	b.cmd.Process.Kill()

	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		slog.Error("Backend survived SIGKILL", "pid", pid)
	}
}
