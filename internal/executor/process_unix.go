//go:build !windows

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// isolate puts the job in its own process group so children spawned by a
// shell command stop with it. Cancellation sends SIGTERM to the group and
// SIGKILL once grace has passed.
func isolate(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := signalGroup(cmd, syscall.SIGTERM)
		time.AfterFunc(grace, func() { _ = signalGroup(cmd, syscall.SIGKILL) })
		return err
	}
	cmd.WaitDelay = grace
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	// Setpgid makes the leader's pid the group id.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
