//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// unixTerminator escalates SIGTERM to SIGKILL. Children are spawned in
// their own process group, so forced kills also sweep the group.
type unixTerminator struct{}

func newTerminator() terminator { return unixTerminator{} }

func (unixTerminator) Graceful(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func (unixTerminator) Forceful(pid int) error {
	// Group first so orphaned grandchildren do not survive the leader.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
