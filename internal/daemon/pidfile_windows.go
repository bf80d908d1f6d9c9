//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded PID and whether that process is alive.
// A missing or unreadable file counts as not running.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	// FindProcess never fails on Windows, so probe with a zero signal.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil
}

// Signal delivers sig to the recorded process. Windows only honors kill
// reliably; termination requests degrade to that.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}
