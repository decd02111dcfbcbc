//go:build windows

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// isolate detaches the job from the console group. exec's default Cancel
// kills the process; grace bounds how long Wait waits on its pipes.
func isolate(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	cmd.WaitDelay = grace
}
