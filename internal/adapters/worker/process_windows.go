//go:build windows

package worker

import "os/exec"

// configureProcAttr is a no-op on Windows; cancellation kills the process.
func configureProcAttr(_ *exec.Cmd) {}
