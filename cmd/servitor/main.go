package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	restartFlags := &RestartFlags{}
	statusFlags := &StatusFlags{}
	daemonFlags := &DaemonFlags{}

	servitorCommand := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(servitorCommand, startFlags),
		createStopCommand(servitorCommand, stopFlags),
		createRestartCommand(servitorCommand, restartFlags),
		createStatusCommand(servitorCommand, statusFlags),
		createDaemonCommand(servitorCommand, daemonFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "servitor",
		Short: "Service supervision tool",
		Long: `Servitor supervises locally configured backend services: it starts them
as child processes, tracks them through on-disk records, verifies port
ownership, and converges them to the configured desired state.

Examples:
  servitor start web --config=servitor.toml
  servitor start --all
  servitor status --json
  servitor daemon                  # reconcile loop in the foreground
  servitor daemon --daemonize      # detach into the background`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default servitor.toml)")

	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(servitorCommand command, flags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a configured service",
		Long: `Start one named service, or every enabled service with --all.
Starting a service that is already running and owns its port is a no-op.

Examples:
  servitor start web
  servitor start --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.Name = args[0]
			}
			return servitorCommand.Start(*flags)
		},
	}

	cmd.Flags().BoolVar(&flags.All, "all", false, "start every enabled service")

	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(servitorCommand command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a configured service",
		Long: `Stop one named service, or every configured service with --all.
Stopping a service that has no on-disk record never signals any process.

Examples:
  servitor stop web
  servitor stop --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.Name = args[0]
			}
			return servitorCommand.Stop(*flags)
		},
	}

	cmd.Flags().BoolVar(&flags.All, "all", false, "stop every configured service")

	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(servitorCommand command, flags *RestartFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a configured service",
		Long: `Stop then start one named service, guaranteeing a fresh process even
when the old one was already gone.

Examples:
  servitor restart web`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return servitorCommand.Restart(*flags)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(servitorCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show the observed state of configured services",
		Long: `Print a point-in-time snapshot per service: registry record, process
liveness and port ownership. With a name, only that service is shown.

Examples:
  servitor status
  servitor status web --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.Name = args[0]
			}
			return servitorCommand.Status(*flags)
		},
	}

	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the snapshot as JSON")

	return cmd
}

// createDaemonCommand creates the daemon subcommand
func createDaemonCommand(servitorCommand command, flags *DaemonFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loop",
		Long: `Run the reconciler until SIGINT or SIGTERM: every interval the desired
state is re-read from the config file and each service is converged.
When an HTTP address is configured the status API is served as well.

Examples:
  servitor daemon
  servitor daemon --daemonize --pid-file=/var/run/servitor.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return servitorCommand.Daemon(*flags)
		},
	}

	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "detach and run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pid-file", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "", "redirect daemon stdout/stderr to this file")

	return cmd
}
