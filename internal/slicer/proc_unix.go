//go:build unix

package slicer

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcessGroup starts the slicer in its own process group and kills
// the whole group on cancel, so helpers it spawned go down with it
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Setpgid = true

	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}

		return err
	}
}
