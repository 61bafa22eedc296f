// Package probe answers whether a local TCP port is being listened on and,
// best effort, which process owns the listening socket.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
)

type State int

const (
	// Free means nothing accepted a connection on the port.
	Free State = iota
	// ListeningByUnknown means the port is listened on but the owning
	// process could not be determined. Callers must never kill on this.
	ListeningByUnknown
	// ListeningByPid means the port is listened on by Result.PID.
	ListeningByPid
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case ListeningByUnknown:
		return "listening(unknown)"
	case ListeningByPid:
		return "listening(pid)"
	}
	return "invalid"
}

// Result is the outcome of one probe. It is computed fresh on every call and
// never cached.
type Result struct {
	State State
	PID   int
}

// OwnedBy reports whether the port is confirmed listened on by pid.
func (r Result) OwnedBy(pid int) bool {
	return r.State == ListeningByPid && r.PID == pid
}

// Prober probes local TCP ports.
type Prober interface {
	Probe(ctx context.Context, port int) Result
}

// TCPProber probes by dialing the loopback address with a short timeout and
// correlating the owner through the kernel connection table.
type TCPProber struct {
	Host    string        // defaults to 127.0.0.1
	Timeout time.Duration // defaults to 200ms
}

func (p TCPProber) Probe(ctx context.Context, port int) Result {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		// Refused or timed out: nobody is accepting on the port.
		return Result{State: Free}
	}
	_ = conn.Close()

	pid, err := listeningOwner(ctx, uint32(port)) // #nosec G115 -- port validated to 1..65535
	if err != nil || pid <= 0 {
		return Result{State: ListeningByUnknown}
	}
	return Result{State: ListeningByPid, PID: pid}
}

// listeningOwner scans the TCP connection table for a LISTEN socket on port
// and returns the owning PID, or 0 when the table does not expose it.
func listeningOwner(ctx context.Context, port uint32) (int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("connection table: %w", err)
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == port {
			return int(c.Pid), nil
		}
	}
	return 0, nil
}
