package restart

import (
	"os"
	"runtime"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

func fdDir() string {
	if runtime.GOOS == "linux" {
		return "/proc/self/fd"
	}
	return "/dev/fd"
}

// leakedDescriptors lists open descriptors above stderr that lack
// FD_CLOEXEC. Go sets the flag on everything it opens, so anything listed
// here came from a raw syscall or an inherited descriptor.
func leakedDescriptors() []int {
	entries, err := os.ReadDir(fdDir())
	if err != nil {
		return nil
	}

	var leaked []int
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd <= 2 {
			continue
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			// the directory handle itself is already closed by now
			continue
		}
		if flags&unix.FD_CLOEXEC == 0 {
			leaked = append(leaked, fd)
		}
	}
	sort.Ints(leaked)
	return leaked
}
