package probe

import (
	"context"
	"net"
	"os"
	"testing"
	"time"
)

func TestProbeFreePort(t *testing.T) {
	// Bind and immediately close to find a port nobody is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	res := TCPProber{}.Probe(context.Background(), port)
	if res.State != Free {
		t.Fatalf("state = %v, want Free", res.State)
	}
	if res.OwnedBy(os.Getpid()) {
		t.Fatal("free port reported owned")
	}
}

func TestProbeOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	res := TCPProber{Timeout: time.Second}.Probe(context.Background(), port)
	switch res.State {
	case ListeningByPid:
		if res.PID != os.Getpid() {
			t.Fatalf("owner pid = %d, want %d", res.PID, os.Getpid())
		}
		if !res.OwnedBy(os.Getpid()) {
			t.Fatal("OwnedBy false for confirmed owner")
		}
	case ListeningByUnknown:
		// The connection table is not readable everywhere (permissions);
		// unknown is an acceptable degraded answer, never Free.
	default:
		t.Fatalf("state = %v, want listening", res.State)
	}
}

func TestProbeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := TCPProber{}.Probe(ctx, 65000)
	if res.State != Free {
		t.Fatalf("state = %v, want Free on cancelled dial", res.State)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Free:               "free",
		ListeningByUnknown: "listening(unknown)",
		ListeningByPid:     "listening(pid)",
		State(99):          "invalid",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
