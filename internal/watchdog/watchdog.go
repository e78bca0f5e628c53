// Package watchdog detects that the host suspended and resumed this process.
//
// A hibernated sandbox keeps CLOCK_REALTIME moving while the monotonic clock
// stands still, so a sleep that took far longer in wall time than in
// monotonic time means the process was frozen in between.
package watchdog

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"
)

// Restarter is invoked once divergence is detected. In production it
// replaces the process image and never returns.
type Restarter interface {
	Restart(backendPID int, reason string)
}

// Config controls the sampling loop.
type Config struct {
	Interval       time.Duration
	Threshold      time.Duration
	ForcedInterval time.Duration
	// Force makes the first tick declare divergence. Used to exercise the
	// restart path deterministically.
	Force bool
}

// ClockSample is one reading of both clocks, each as an offset from its
// own epoch.
type ClockSample struct {
	Wall time.Duration
	Mono time.Duration
}

// Clock reads both clocks as close together as possible.
type Clock interface {
	Sample() (ClockSample, error)
}

// Elapsed returns the wall and monotonic time between two samples. A clock
// that went backwards yields zero.
func Elapsed(prev, now ClockSample) (wall, mono time.Duration) {
	return saturatingSub(now.Wall, prev.Wall), saturatingSub(now.Mono, prev.Mono)
}

// IsDivergent reports whether wall time ran ahead of monotonic time by more
// than threshold. Equality is not divergence.
func IsDivergent(wall, mono, threshold time.Duration) bool {
	return wall > saturatingAdd(mono, threshold)
}

func saturatingSub(a, b time.Duration) time.Duration {
	if a <= b {
		return 0
	}
	return a - b
}

func saturatingAdd(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// Watchdog samples the clocks on a dedicated OS thread.
type Watchdog struct {
	cfg        Config
	backendPID int
	restarter  Restarter
	clock      Clock
	sleep      func(time.Duration)
	logger     *slog.Logger

	forced    atomic.Bool
	stopped   atomic.Bool
	ticks     atomic.Uint64
	anomalies atomic.Uint64
}

// New creates a watchdog for the given backend. A nil logger uses the
// default logger.
func New(cfg Config, backendPID int, restarter Restarter, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watchdog{
		cfg:        cfg,
		backendPID: backendPID,
		restarter:  restarter,
		clock:      systemClock{},
		sleep:      rawSleep,
		logger:     logger,
	}
	if cfg.Force {
		w.forced.Store(true)
	}
	return w
}

// Start launches the sampling loop. The goroutine stays locked to its OS
// thread for its whole life and sleeps in the kernel rather than on a
// runtime timer, so it keeps ticking when the scheduler's view of time is
// stale after a thaw.
func (w *Watchdog) Start() {
	go func() {
		runtime.LockOSThread()
		w.run()
	}()
}

// Trigger makes the next tick declare divergence regardless of the clocks.
func (w *Watchdog) Trigger(reason string) {
	w.logger.Info("Watchdog trigger requested", "reason", reason)
	w.forced.Store(true)
}

// Stop ends the loop. A tick that is sleeping when Stop is called does
// not sample or restart.
func (w *Watchdog) Stop() {
	w.stopped.Store(true)
}

// Ticks is the number of completed sampling iterations.
func (w *Watchdog) Ticks() uint64 {
	return w.ticks.Load()
}

// Anomalies is the number of ticks skipped because a clock read failed.
func (w *Watchdog) Anomalies() uint64 {
	return w.anomalies.Load()
}

func (w *Watchdog) interval() time.Duration {
	if w.cfg.Force && w.cfg.ForcedInterval > 0 {
		return w.cfg.ForcedInterval
	}
	return w.cfg.Interval
}

func (w *Watchdog) run() {
	interval := w.interval()
	w.logger.Info("Hibernation watchdog started",
		"interval", interval,
		"threshold", w.cfg.Threshold,
		"backend_pid", w.backendPID,
		"forced", w.cfg.Force)

	prev, err := w.clock.Sample()
	havePrev := err == nil
	if err != nil {
		w.anomalies.Add(1)
		w.logger.Warn("Watchdog clock read failed", "error", err)
	}

	for !w.stopped.Load() {
		w.sleep(interval)
		if w.stopped.Load() {
			return
		}

		now, err := w.clock.Sample()
		if err != nil {
			// Skip this tick and re-baseline on the next good read
			w.anomalies.Add(1)
			w.logger.Warn("Watchdog clock read failed, skipping tick", "error", err)
			havePrev = false
			continue
		}
		w.ticks.Add(1)

		if reason, divergent := w.check(prev, now, havePrev); divergent {
			w.logger.Warn("Hibernation resume detected", "reason", reason)
			w.restarter.Restart(w.backendPID, reason)
		}
		prev, havePrev = now, true
	}
}

// check evaluates one tick. A forced trigger is consumed here.
func (w *Watchdog) check(prev, now ClockSample, havePrev bool) (string, bool) {
	if w.forced.Swap(false) {
		return "forced trigger", true
	}
	if !havePrev {
		return "", false
	}

	wall, mono := Elapsed(prev, now)
	w.logger.Debug("Watchdog tick", "wall_elapsed", wall, "mono_elapsed", mono)
	if IsDivergent(wall, mono, w.cfg.Threshold) {
		return fmt.Sprintf("wall clock advanced %s while monotonic clock advanced %s", wall, mono), true
	}
	return "", false
}
