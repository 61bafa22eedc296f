//go:build !windows

package main

import "syscall"

// daemonSysProcAttr detaches the child into its own session.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
