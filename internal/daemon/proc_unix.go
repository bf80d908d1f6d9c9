//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach puts the child into its own session so it survives the parent
// terminal closing.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ShutdownSignals lists the signals a long-running watcher should treat
// as a request for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// TermSignal asks a process to exit cleanly.
func TermSignal() syscall.Signal { return syscall.SIGTERM }

// KillSignal forces a process down when TermSignal was ignored.
func KillSignal() syscall.Signal { return syscall.SIGKILL }
