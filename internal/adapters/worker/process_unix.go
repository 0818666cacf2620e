//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the worker in its own process group and makes
// cancellation signal the whole group, so helpers it spawned stop too.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
}
