//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports the recorded PID and whether that process is alive.
// A missing or unreadable file counts as not running.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	// kill(pid, 0) probes for existence without delivering anything.
	err = syscall.Kill(pid, 0)
	return pid, err == nil
}

// Signal delivers sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(pid, sig)
}
