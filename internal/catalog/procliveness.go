package catalog

import (
	"os"
	"syscall"
)

func osFindProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}

func osSignal0(p *os.Process) error {
	return p.Signal(syscall.Signal(0))
}

// IsAlive reports whether the worker pid recorded in a progress row still
// owns it. Worker pids embed the owning OS pid in their high bits, so a
// row written by a worker of this process is always live; a row from
// another process is probed with a 0-signal on the embedded owner.
func IsAlive(pid int) bool {
	if pid>>16 == os.Getpid() {
		return true
	}
	return IsAliveOS(pid >> 16)
}
