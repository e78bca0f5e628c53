package watchdog

import (
	"time"

	"golang.org/x/sys/unix"
)

// On macOS CLOCK_MONOTONIC keeps counting during sleep; the raw uptime
// clock is the one that stops.
const monotonicClock = unix.CLOCK_UPTIME_RAW

// rawSleep blocks the calling thread in select(2). Darwin has no nanosleep
// syscall, and select does not report the time left on EINTR, so the
// deadline is tracked on the monotonic clock.
func rawSleep(d time.Duration) {
	deadline, err := readClock(monotonicClock)
	if err != nil {
		time.Sleep(d)
		return
	}
	deadline += d

	for {
		now, err := readClock(monotonicClock)
		if err != nil || now >= deadline {
			return
		}
		tv := unix.NsecToTimeval(int64(deadline - now))
		_, err = unix.Select(0, nil, nil, nil, &tv)
		if err != nil && err != unix.EINTR {
			return
		}
	}
}
