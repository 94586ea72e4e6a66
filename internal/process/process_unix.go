//go:build !windows
// +build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in a new process group so signals reach
// everything it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return cmd.Process.Signal(sig)
	}

	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Already reaped.
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	if err := unix.Kill(-pgid, s); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}
