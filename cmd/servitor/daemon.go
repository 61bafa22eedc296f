package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/loykin/servitor"
)

// Daemon runs the reconciler loop in the foreground until SIGINT or
// SIGTERM, or forks into the background first with --daemonize.
func (c *command) Daemon(f DaemonFlags) error {
	if f.Daemonize {
		if err := daemonize(f.PidFile, f.LogFile); err != nil {
			return err
		}
	}

	mgr, err := c.manager()
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	if err := servitor.RegisterMetricsDefault(); err != nil {
		mgr.Logger().Warn("metrics registration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Logger().Info("daemon starting", "pid", os.Getpid())
	err = mgr.RunDaemon(ctx)
	if f.PidFile != "" {
		_ = removePidFile(f.PidFile)
	}
	mgr.Logger().Info("daemon stopped")
	return err
}

// daemonize re-executes the current binary detached from the terminal and
// exits the parent. The child sees a parent PID of 1 and returns at once.
func daemonize(pidFile string, logFile string) error {
	if os.Getppid() == 1 {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	var newArgs []string
	skipNext := false
	for _, arg := range os.Args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize":
			continue
		case "--pid-file", "--log-file":
			skipNext = true
			continue
		}
		newArgs = append(newArgs, arg)
	}
	if pidFile != "" {
		newArgs = append(newArgs, "--pid-file", pidFile)
	}
	if logFile != "" {
		newArgs = append(newArgs, "--log-file", logFile)
	}

	// #nosec 204
	cmd := exec.Command(executable, newArgs...)
	cmd.SysProcAttr = daemonSysProcAttr()
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cmd.Stdout = logF
		cmd.Stderr = logF
	} else {
		cmd.Stdout = nil
		cmd.Stderr = nil
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}

	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

func writePidFile(pidFile string, pid int) error {
	// #nosec 302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
