package watchdog

import (
	"time"

	"golang.org/x/sys/unix"
)

// CLOCK_MONOTONIC does not advance while the system is suspended on Linux.
const monotonicClock = unix.CLOCK_MONOTONIC

// rawSleep blocks the calling thread in nanosleep(2), resuming after
// signal interruptions (the runtime preempts with SIGURG).
func rawSleep(d time.Duration) {
	req := unix.NsecToTimespec(int64(d))
	for {
		var rem unix.Timespec
		err := unix.Nanosleep(&req, &rem)
		if err != unix.EINTR {
			return
		}
		req = rem
	}
}
