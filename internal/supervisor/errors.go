package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/servitor/internal/probe"
)

var (
	// ErrPortConflict means Start refused to spawn because the service port
	// is already listened on by a process this supervisor does not own.
	ErrPortConflict = errors.New("port conflict")
	// ErrSpawnFailure means the executable could not be started.
	ErrSpawnFailure = errors.New("spawn failure")
	// ErrCrashedEarly means the process exited within the grace window.
	ErrCrashedEarly = errors.New("process exited during grace period")
	// ErrTermination means the process survived forced termination.
	ErrTermination = errors.New("process survived forced termination")
)

// PortConflictError carries what the probe saw when Start was refused.
type PortConflictError struct {
	Name  string
	Port  int
	Probe probe.Result
}

func (e *PortConflictError) Error() string {
	owner := "unknown owner"
	if e.Probe.State == probe.ListeningByPid {
		owner = fmt.Sprintf("pid %d", e.Probe.PID)
	}
	return fmt.Sprintf("service %q: port %d already listened on by %s", e.Name, e.Port, owner)
}

func (e *PortConflictError) Unwrap() error { return ErrPortConflict }

// EarlyExitError carries the tail of the attempt log for a process that
// died inside the grace window.
type EarlyExitError struct {
	Name    string
	PID     int
	LogPath string
	Tail    []string
}

func (e *EarlyExitError) Error() string {
	msg := fmt.Sprintf("service %q (pid %d) exited during grace period", e.Name, e.PID)
	if len(e.Tail) > 0 {
		msg += "; last output:\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

func (e *EarlyExitError) Unwrap() error { return ErrCrashedEarly }
