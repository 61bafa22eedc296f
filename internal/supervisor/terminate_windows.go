//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
)

// windowsTerminator shells out to taskkill; /T takes the process tree, /F
// forces termination.
type windowsTerminator struct{}

func newTerminator() terminator { return windowsTerminator{} }

func (windowsTerminator) Graceful(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run()
}

func (windowsTerminator) Forceful(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func setSysProcAttr(_ *exec.Cmd) {}
