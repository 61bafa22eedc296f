package main

// Flag structs decouple cobra wiring from the handlers so the handlers can
// be exercised directly in tests.

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// StartFlags holds flags for the start command.
type StartFlags struct {
	Name string
	All  bool
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	Name string
	All  bool
}

// RestartFlags holds flags for the restart command.
type RestartFlags struct {
	Name string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Name string
	JSON bool
}

// DaemonFlags holds flags for the daemon command.
type DaemonFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}
