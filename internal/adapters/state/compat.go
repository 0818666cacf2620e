package state

import (
	"os"
	"runtime"
	"syscall"
)

// processExists checks if a process is running.
func processExists(pid int) bool {
	// Windows reports no access when signaling the current process.
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes liveness.
	return process.Signal(syscall.Signal(0)) == nil
}
