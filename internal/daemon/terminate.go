package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// terminatePID sends SIGTERM, polls with signal 0 until the process is gone
// or timeout passes, then sends SIGKILL. It works for processes that are not
// our children, which is the case for a backend left by a previous daemon.
func terminatePID(pid int, timeout time.Duration, label string) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		slog.Warn(fmt.Sprintf("Failed to send SIGTERM to %s, forcing kill", label), "pid", pid, "error", err)
		return proc.Kill()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			slog.Debug(fmt.Sprintf("Process %s terminated gracefully", label), "pid", pid)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	slog.Warn(fmt.Sprintf("Process %s did not exit within %v, forcing kill", label, timeout), "pid", pid)
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if processAlive(pid) {
		return fmt.Errorf("process %d survived SIGKILL", pid)
	}
	return nil
}

// processAlive probes pid with signal 0. EPERM means it exists but belongs
// to someone else. A zombie counts as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if status, err := p.Status(); err == nil && slices.Contains(status, process.Zombie) {
			return false
		}
	}
	return true
}
