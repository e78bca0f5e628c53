package daemon

import (
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a snapshot of a process used by the status command.
type ProcessInfo struct {
	PID       int
	Alive     bool
	Cmdline   string
	RSS       uint64
	StartedAt time.Time
}

// InspectProcess reports what can be learned about pid. Fields other than
// PID and Alive are best effort.
func InspectProcess(pid int) ProcessInfo {
	info := ProcessInfo{PID: pid}
	if pid <= 0 {
		return info
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return info
	}
	info.Alive = true

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	if created, err := p.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(created)
	}
	return info
}

// portListener returns the pid listening on the given TCP port, or 0 when
// the port is free or the owner cannot be determined.
func portListener(port int) int {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return 0
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) {
			return int(conn.Pid)
		}
	}
	return 0
}
