// Package status derives a point-in-time classification per service from
// registry, port probe and spec data. It never mutates anything.
package status

import (
	"context"
	"time"

	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/probe"
	"github.com/loykin/servitor/internal/registry"
)

// State is the classified condition of one service.
type State string

const (
	Disabled               State = "disabled"
	Running                State = "running"
	RunningPortConflict    State = "running(port-conflict)"
	RunningPortUnconfirmed State = "running(port-unconfirmed)"
	Stopped                State = "stopped"
	StoppedStaleRecord     State = "stopped(stale-record)"
)

// Observed is the derived state tuple for one service. It is computed fresh
// on every probe and never cached.
type Observed struct {
	RecordPresent bool
	PID           int
	Alive         bool
	Port          probe.Result
	LogPath       string
	CreatedAt     time.Time
}

// Observe derives the current Observed tuple for spec.
func Observe(ctx context.Context, reg *registry.Registry, prober probe.Prober, spec config.ServiceSpec) (Observed, error) {
	o := Observed{Port: prober.Probe(ctx, spec.Port)}
	rec, ok, err := reg.Get(spec.Name)
	if err != nil {
		return Observed{}, err
	}
	if ok {
		o.RecordPresent = true
		o.PID = rec.PID
		o.Alive = registry.IsAlive(rec.PID)
		o.LogPath = rec.LogPath
		o.CreatedAt = rec.CreatedAt
	}
	return o, nil
}

// Classify maps every observed combination to exactly one State. An unknown
// port owner is reported as unconfirmed, not as a conflict: the platform may
// simply be unable to attribute the socket to our own process.
func Classify(enabled bool, o Observed) State {
	if !enabled {
		return Disabled
	}
	if !o.RecordPresent {
		return Stopped
	}
	if !o.Alive {
		return StoppedStaleRecord
	}
	switch o.Port.State {
	case probe.ListeningByPid:
		if o.Port.PID == o.PID {
			return Running
		}
		return RunningPortConflict
	default: // Free or ListeningByUnknown
		return RunningPortUnconfirmed
	}
}

// Report is one row of a status snapshot.
type Report struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	State   State  `json:"state"`
	PID     int    `json:"pid,omitempty"`
	LogPath string `json:"log_path,omitempty"`
}

// Reporter produces read-only status snapshots.
type Reporter struct {
	Reg    *registry.Registry
	Prober probe.Prober
}

// Report classifies every spec. Per-service observation errors degrade that
// row to Stopped rather than aborting the whole snapshot.
func (r Reporter) Report(ctx context.Context, specs []config.ServiceSpec) []Report {
	out := make([]Report, 0, len(specs))
	for _, sp := range specs {
		row := Report{Name: sp.Name, Enabled: sp.Enabled, Port: sp.Port}
		o, err := Observe(ctx, r.Reg, r.Prober, sp)
		if err != nil {
			row.State = Stopped
			out = append(out, row)
			continue
		}
		row.State = Classify(sp.Enabled, o)
		if o.RecordPresent {
			row.PID = o.PID
			row.LogPath = o.LogPath
		}
		out = append(out, row)
	}
	return out
}
