//go:build linux || darwin

package watchdog

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type systemClock struct{}

func (systemClock) Sample() (ClockSample, error) {
	wall, err := readClock(unix.CLOCK_REALTIME)
	if err != nil {
		return ClockSample{}, fmt.Errorf("realtime clock: %w", err)
	}
	mono, err := readClock(monotonicClock)
	if err != nil {
		return ClockSample{}, fmt.Errorf("monotonic clock: %w", err)
	}
	return ClockSample{Wall: wall, Mono: mono}, nil
}

func readClock(id int32) (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(id, &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Nano()), nil
}
