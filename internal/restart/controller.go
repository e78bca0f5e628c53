// Package restart replaces the running daemon with a fresh copy of itself.
package restart

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.nightshift.dev/nightshift/internal/core"
)

// Controller kills the backend and execs the daemon binary in place.
type Controller struct {
	gen    *Generation
	grace  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	hooks []func(reason string)

	// swapped out in tests
	exec       func(argv0 string, argv []string, envv []string) error
	exit       func(code int)
	executable func() (string, error)
}

// NewController creates a controller. grace is the wait between SIGTERM and
// the liveness probe that decides on SIGKILL.
func NewController(gen *Generation, grace time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		gen:        gen,
		grace:      grace,
		logger:     logger,
		exec:       unix.Exec,
		exit:       os.Exit,
		executable: os.Executable,
	}
}

// BeforeExec registers fn to run after the backend is gone and before the
// image is replaced. Hooks must not block.
func (c *Controller) BeforeExec(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Restart terminates the backend and re-executes the daemon. On success it
// does not return; any failure exits the process with status 1. If a
// restart is already in flight or shutdown has begun the call returns
// immediately.
func (c *Controller) Restart(backendPID int, reason string) {
	// The flag must be visible before the backend sees SIGTERM, otherwise
	// the supervisor would treat the exit as a crash.
	if !c.gen.BeginRestart() {
		if c.gen.ShuttingDown() {
			c.logger.Info("Shutdown in progress, ignoring restart", "reason", reason)
		} else {
			c.logger.Debug("Restart already in flight", "reason", reason)
		}
		return
	}

	c.logger.Warn("Restarting daemon in place",
		"reason", reason,
		"generation", c.gen.Number,
		"backend_pid", backendPID)

	if backendPID > 0 {
		c.terminateBackend(backendPID)
	}

	c.mu.Lock()
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(reason)
	}

	if leaked := leakedDescriptors(); len(leaked) > 0 {
		c.logger.Warn("Descriptors without close-on-exec will leak into the new image", "fds", leaked)
	}

	target, err := c.target()
	if err != nil {
		c.logger.Error("Cannot resolve daemon executable for restart", "error", err)
		c.exit(1)
		return
	}

	env := NextEnv(os.Environ(), c.gen.Number+1)
	c.logger.Info("Replacing process image", "target", target, "next_generation", c.gen.Number+1)

	err = c.exec(target, os.Args, env)
	c.logger.Error("Exec failed", "target", target, "error", err)
	c.exit(1)
}

func (c *Controller) terminateBackend(pid int) {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		c.logger.Debug("Backend already gone", "pid", pid, "error", err)
		return
	}
	time.Sleep(c.grace)

	if unix.Kill(pid, 0) == nil {
		c.logger.Warn("Backend still alive after grace period, sending SIGKILL", "pid", pid, "grace", c.grace)
		unix.Kill(pid, unix.SIGKILL)
	}
}

func (c *Controller) target() (string, error) {
	if override := os.Getenv(core.EnvTestExecTarget); override != "" {
		return override, nil
	}
	return c.executable()
}

// NextEnv derives the environment for the next generation: the forced
// trigger is dropped so it fires once, and the restart markers are set.
func NextEnv(environ []string, nextGeneration int) []string {
	drop := map[string]bool{
		core.EnvTestForceThaw: true,
		core.EnvTestIsRestart: true,
		core.EnvGeneration:    true,
	}

	env := make([]string, 0, len(environ)+2)
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if drop[key] {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		core.EnvTestIsRestart+"=1",
		core.EnvGeneration+"="+strconv.Itoa(nextGeneration),
	)
}
