package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.nightshift.dev/nightshift/internal/core"
)

// PidMarker is the file recording the pid of the backend this daemon
// spawned. It lets the next daemon reclaim a backend orphaned by a crash.
type PidMarker struct {
	path string
}

func NewPidMarker(path string) *PidMarker {
	return &PidMarker{path: path}
}

func (m *PidMarker) Path() string {
	return m.path
}

// Read returns the recorded pid. A missing file returns os.ErrNotExist,
// content that is not a positive 32 bit integer returns an error.
func (m *PidMarker) Read() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid marker %s: %w", m.path, err)
	}
	if pid <= 0 || pid > math.MaxInt32 {
		return 0, fmt.Errorf("invalid pid marker %s: pid %d out of range", m.path, pid)
	}
	return pid, nil
}

func (m *PidMarker) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid marker directory: %w", err)
	}
	return os.WriteFile(m.path, []byte(strconv.Itoa(pid)), 0o644)
}

// Remove deletes the marker. A missing file is not an error.
func (m *PidMarker) Remove() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// reclaimStale terminates the backend named by the marker, if it is still
// running, and deletes the marker. It returns the pid that was terminated,
// or 0. Nothing here is fatal: an unreadable marker is just removed.
func reclaimStale(m *PidMarker, grace time.Duration) int {
	defer func() {
		if err := m.Remove(); err != nil {
			slog.Debug("Failed to remove pid marker", "path", m.path, "error", err)
		}
	}()

	pid, err := m.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Debug("Ignoring unreadable pid marker", "error", err)
		}
		return 0
	}

	if pid == os.Getpid() {
		return 0
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		slog.Debug("Stale backend already gone", "pid", pid)
		return 0
	}

	cmdline := "unknown"
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if c, err := p.Cmdline(); err == nil && c != "" {
			cmdline = c
		}
	}
	slog.Info("Reclaiming stale backend from previous daemon", "pid", pid, "cmdline", cmdline)

	if err := terminatePID(pid, grace, "stale backend"); err != nil {
		slog.Warn("Failed to terminate stale backend", "pid", pid, "error", err)
	}
	return pid
}

// RunningDaemon returns the pid recorded in the daemon pid file under
// configPath if that process is still alive.
func RunningDaemon(configPath string) (int, bool) {
	pid, err := NewPidMarker(filepath.Join(configPath, core.PidFileName)).Read()
	if err != nil || !processAlive(pid) {
		return 0, false
	}
	return pid, true
}
