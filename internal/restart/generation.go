package restart

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.nightshift.dev/nightshift/internal/core"
)

const (
	stateRunning int32 = iota
	stateRestarting
	stateShuttingDown
)

// Generation describes one process image lifetime. Exec starts a new
// generation with the same pid. Restart and shutdown both claim the
// generation and the claim is never released in place.
type Generation struct {
	Number     int
	StartedAt  time.Time
	ViaRestart bool

	state      atomic.Int32
	backendPID atomic.Int64
}

// FromEnv builds the current generation from the variables the previous
// image passed through exec.
func FromEnv() *Generation {
	g := &Generation{
		Number:     1,
		StartedAt:  time.Now(),
		ViaRestart: os.Getenv(core.EnvTestIsRestart) != "",
	}
	if n, err := strconv.Atoi(os.Getenv(core.EnvGeneration)); err == nil && n > 0 {
		g.Number = n
	}
	return g
}

// BeginRestart marks a restart as in flight. Only the first caller gets
// true, and never once shutdown has begun.
func (g *Generation) BeginRestart() bool {
	return g.state.CompareAndSwap(stateRunning, stateRestarting)
}

// BeginShutdown claims the generation for a clean exit. It returns false
// only when a restart already owns it. Repeated calls keep returning true.
func (g *Generation) BeginShutdown() bool {
	if g.state.CompareAndSwap(stateRunning, stateShuttingDown) {
		return true
	}
	return g.state.Load() == stateShuttingDown
}

// Restarting reports whether a planned restart is under way, in which case
// a backend exit is expected rather than fatal.
func (g *Generation) Restarting() bool {
	return g.state.Load() == stateRestarting
}

// ShuttingDown reports whether a clean exit has claimed the generation.
func (g *Generation) ShuttingDown() bool {
	return g.state.Load() == stateShuttingDown
}

func (g *Generation) SetBackendPID(pid int) {
	g.backendPID.Store(int64(pid))
}

func (g *Generation) BackendPID() int {
	return int(g.backendPID.Load())
}

func (g *Generation) Uptime() time.Duration {
	return time.Since(g.StartedAt)
}
