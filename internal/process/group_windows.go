//go:build windows

package process

import (
	"os"
	"os/exec"
)

// setProcessGroup is a no-op on Windows; the child is killed directly.
func setProcessGroup(cmd *exec.Cmd) {}

// terminate kills the process. Windows has no SIGTERM equivalent for console
// children started without a console group.
func terminate(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}
