//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach is a no-op on Windows, which has no session concept to detach
// into.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals lists the signals a long-running watcher should treat
// as a request for graceful shutdown. Windows only delivers interrupts.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// TermSignal asks a process to exit cleanly.
func TermSignal() syscall.Signal { return syscall.SIGTERM }

// KillSignal forces a process down when TermSignal was ignored.
func KillSignal() syscall.Signal { return syscall.SIGKILL }
