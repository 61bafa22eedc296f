// Package supervisor owns process lifecycle for named services: starting,
// stopping and restarting them, with per-name serialization so concurrent
// lifecycle requests can never double-spawn.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/servitor/internal/command"
	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/history"
	"github.com/loykin/servitor/internal/metrics"
	"github.com/loykin/servitor/internal/probe"
	"github.com/loykin/servitor/internal/registry"
	"github.com/loykin/servitor/internal/sink"
)

// terminator is the platform termination capability: graceful first,
// forceful on escalation.
type terminator interface {
	Graceful(pid int) error
	Forceful(pid int) error
}

// Outcome classifies a Start that did not fail.
type Outcome int

const (
	Started Outcome = iota
	SkippedDisabled
	AlreadyRunning
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case SkippedDisabled:
		return "skipped, disabled"
	case AlreadyRunning:
		return "already running"
	}
	return "invalid"
}

// StartResult reports what Start did.
type StartResult struct {
	Outcome Outcome
	PID     int
	LogPath string
}

// StopResult reports what Stop did. Stopped is false when no registry
// record existed; in that case no process was touched.
type StopResult struct {
	Stopped bool
	PID     int
}

// Options configures a Supervisor.
type Options struct {
	LogDir          string
	GracePeriod     time.Duration // wait after spawn before liveness re-check
	StopWait        time.Duration // wait after graceful signal before escalation
	SettleDelay     time.Duration // pause between Stop and Start in Restart
	SinkJoinTimeout time.Duration // bound on joining drain goroutines
	Logger          *slog.Logger
	History         history.Sink
	Prober          probe.Prober
}

// Supervisor exposes Start/Stop/Restart per service name. Operations on the
// same name are mutually exclusive; different names proceed independently.
type Supervisor struct {
	reg    *registry.Registry
	prober probe.Prober
	term   terminator
	logger *slog.Logger
	hist   history.Sink

	logDir   string
	grace    time.Duration
	stopWait time.Duration
	settle   time.Duration
	sinkJoin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sinks map[string]*sink.Sink
}

func New(reg *registry.Registry, opts Options) *Supervisor {
	s := &Supervisor{
		reg:      reg,
		prober:   opts.Prober,
		term:     newTerminator(),
		logger:   opts.Logger,
		hist:     opts.History,
		logDir:   opts.LogDir,
		grace:    opts.GracePeriod,
		stopWait: opts.StopWait,
		settle:   opts.SettleDelay,
		sinkJoin: opts.SinkJoinTimeout,
		locks:    make(map[string]*sync.Mutex),
		sinks:    make(map[string]*sink.Sink),
	}
	if s.prober == nil {
		s.prober = probe.TCPProber{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.hist == nil {
		s.hist = history.Nop{}
	}
	if s.grace <= 0 {
		s.grace = config.DefaultGracePeriod
	}
	if s.stopWait <= 0 {
		s.stopWait = config.DefaultStopWait
	}
	if s.settle <= 0 {
		s.settle = time.Second
	}
	if s.sinkJoin <= 0 {
		s.sinkJoin = 2 * time.Second
	}
	return s
}

// Registry exposes the underlying registry for read-only collaborators.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Prober exposes the port prober shared with status and reconciler.
func (s *Supervisor) Prober() probe.Prober { return s.prober }

func (s *Supervisor) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk := s.locks[name]
	if lk == nil {
		lk = &sync.Mutex{}
		s.locks[name] = lk
	}
	return lk
}

func (s *Supervisor) setSink(name string, snk *sink.Sink) {
	s.mu.Lock()
	s.sinks[name] = snk
	s.mu.Unlock()
}

func (s *Supervisor) takeSink(name string) *sink.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	snk := s.sinks[name]
	delete(s.sinks, name)
	return snk
}

// Start brings the named service up, honoring the precondition ladder:
// disabled specs are skipped, a healthy confirmed process is a no-op, a
// degraded process is fully stopped first, a stale record is cleared, and a
// port held by a process we do not own refuses the start.
func (s *Supervisor) Start(ctx context.Context, spec config.ServiceSpec) (StartResult, error) {
	lk := s.nameLock(spec.Name)
	lk.Lock()
	defer lk.Unlock()
	return s.startLocked(ctx, spec)
}

func (s *Supervisor) startLocked(ctx context.Context, spec config.ServiceSpec) (StartResult, error) {
	if !spec.Enabled {
		s.logger.Info("start skipped, service disabled", "service", spec.Name)
		return StartResult{Outcome: SkippedDisabled}, nil
	}

	rec, ok, err := s.reg.Get(spec.Name)
	if err != nil {
		return StartResult{}, err
	}
	if ok {
		switch {
		case registry.IsAlive(rec.PID) && s.prober.Probe(ctx, spec.Port).OwnedBy(rec.PID):
			return StartResult{Outcome: AlreadyRunning, PID: rec.PID, LogPath: rec.LogPath}, nil
		case registry.IsAlive(rec.PID):
			// Degraded-running: the process is alive but the port is not
			// confirmed to it. Full stop, then start fresh.
			s.logger.Warn("service alive but port unconfirmed, restarting",
				"service", spec.Name, "pid", rec.PID, "port", spec.Port)
			if err := s.stopLocked(ctx, spec.Name, rec); err != nil {
				return StartResult{}, err
			}
		default:
			s.logger.Warn("clearing stale record", "service", spec.Name, "pid", rec.PID)
			metrics.IncStaleRecord(spec.Name)
			s.event(history.EventStaleRecord, spec.Name, rec.PID, "")
			if err := s.reg.Remove(spec.Name); err != nil {
				return StartResult{}, err
			}
		}
	}

	if res := s.prober.Probe(ctx, spec.Port); res.State != probe.Free {
		metrics.IncPortConflict(spec.Name)
		s.event(history.EventPortConflict, spec.Name, res.PID, res.State.String())
		return StartResult{}, &PortConflictError{Name: spec.Name, Port: spec.Port, Probe: res}
	}

	inv, err := command.Build(spec)
	if err != nil {
		return StartResult{}, err
	}
	snk, err := sink.Open(s.logDir, spec.Name, inv.Argv())
	if err != nil {
		return StartResult{}, err
	}

	cmd := exec.Command(inv.Path, inv.Args...) // #nosec G204 -- argv built by the command builder, never a shell
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	setSysProcAttr(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		snk.Join(0)
		return StartResult{}, fmt.Errorf("service %q: %w: %v", spec.Name, ErrSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		snk.Join(0)
		return StartResult{}, fmt.Errorf("service %q: %w: %v", spec.Name, ErrSpawnFailure, err)
	}
	if err := cmd.Start(); err != nil {
		snk.Join(0)
		return StartResult{}, fmt.Errorf("service %q: %w: %v", spec.Name, ErrSpawnFailure, err)
	}
	pid := cmd.Process.Pid
	s.logger.Info("service spawned", "service", spec.Name, "pid", pid, "log", snk.LogPath())

	newRec := registry.Record{Name: spec.Name, PID: pid, LogPath: snk.LogPath(), CreatedAt: time.Now().UTC()}
	if err := s.reg.Put(newRec); err != nil {
		// Without a record this child would be unstoppable by us; take it
		// back down rather than leak an unmanaged process.
		_ = s.term.Forceful(pid)
		snk.Join(s.sinkJoin)
		return StartResult{}, fmt.Errorf("service %q: persist record: %w", spec.Name, err)
	}
	snk.Attach(stdout, stderr)
	s.setSink(spec.Name, snk)
	go func() { _ = cmd.Wait() }() // reap; liveness is re-derived from the pid

	s.sleepBounded(ctx, s.grace)
	if !registry.IsAlive(pid) {
		tail := snk.Tail()
		if old := s.takeSink(spec.Name); old != nil {
			old.Join(s.sinkJoin)
		}
		_ = s.reg.Remove(spec.Name)
		metrics.IncEarlyCrash(spec.Name)
		s.event(history.EventCrashedEarly, spec.Name, pid, "")
		return StartResult{}, &EarlyExitError{Name: spec.Name, PID: pid, LogPath: newRec.LogPath, Tail: tail}
	}
	if res := s.prober.Probe(ctx, spec.Port); !res.OwnedBy(pid) {
		s.logger.Warn("service running but port not confirmed yet",
			"service", spec.Name, "pid", pid, "port", spec.Port, "probe", res.State.String())
	}

	metrics.IncStart(spec.Name)
	s.event(history.EventStarted, spec.Name, pid, "")
	return StartResult{Outcome: Started, PID: pid, LogPath: newRec.LogPath}, nil
}

// Stop brings the named service down. Without a registry record it touches
// nothing: an unregistered occupant of the port is never killed by this
// supervisor.
func (s *Supervisor) Stop(ctx context.Context, name string) (StopResult, error) {
	lk := s.nameLock(name)
	lk.Lock()
	defer lk.Unlock()

	rec, ok, err := s.reg.Get(name)
	if err != nil {
		return StopResult{}, err
	}
	if !ok {
		s.logger.Info("stop skipped, no registry record", "service", name)
		return StopResult{}, nil
	}
	if err := s.stopLocked(ctx, name, rec); err != nil {
		return StopResult{Stopped: true, PID: rec.PID}, err
	}
	return StopResult{Stopped: true, PID: rec.PID}, nil
}

// stopLocked terminates the recorded process tree and removes the record in
// all cases, so a later Start is never blocked by a dead record.
func (s *Supervisor) stopLocked(_ context.Context, name string, rec registry.Record) error {
	var termErr error
	if registry.IsAlive(rec.PID) {
		termErr = s.terminateTree(name, rec.PID)
	}
	if snk := s.takeSink(name); snk != nil {
		snk.Join(s.sinkJoin)
	}
	if err := s.reg.Remove(name); err != nil && termErr == nil {
		termErr = err
	}
	metrics.IncStop(name)
	s.event(history.EventStopped, name, rec.PID, "")
	s.logger.Info("service stopped", "service", name, "pid", rec.PID)
	return termErr
}

// terminateTree stops descendants first (the wrapper spawns the actual
// service as its child), then the recorded process, escalating from
// graceful to forceful after StopWait in each phase.
func (s *Supervisor) terminateTree(name string, pid int) error {
	kids := descendants(pid)
	for _, k := range kids {
		_ = s.term.Graceful(k)
	}
	deadline := time.Now().Add(s.stopWait)
	for _, k := range kids {
		if !waitDead(k, time.Until(deadline)) {
			s.logger.Warn("descendant unresponsive, escalating", "service", name, "pid", k)
			_ = s.term.Forceful(k)
		}
	}

	_ = s.term.Graceful(pid)
	if !waitDead(pid, s.stopWait) {
		s.logger.Warn("process unresponsive, escalating", "service", name, "pid", pid)
		if err := s.term.Forceful(pid); err != nil {
			return fmt.Errorf("service %q pid %d: %w: %v", name, pid, ErrTermination, err)
		}
		if !waitDead(pid, 2*time.Second) {
			return fmt.Errorf("service %q pid %d: %w", name, pid, ErrTermination)
		}
	}
	return nil
}

// Restart is always Stop, a settle delay, then Start: its contract is a
// guaranteed fresh process even when the service looks healthy.
func (s *Supervisor) Restart(ctx context.Context, spec config.ServiceSpec) (StartResult, error) {
	if _, err := s.Stop(ctx, spec.Name); err != nil {
		return StartResult{}, err
	}
	s.sleepBounded(ctx, s.settle)
	return s.Start(ctx, spec)
}

// ForceKillAll forcefully terminates every service with a live registry
// record and clears the records. Used past the shutdown deadline.
func (s *Supervisor) ForceKillAll() {
	recs, err := s.reg.List()
	if err != nil {
		s.logger.Error("force kill: list registry", "error", err)
		return
	}
	for _, rec := range recs {
		if registry.IsAlive(rec.PID) {
			s.logger.Warn("force killing past shutdown deadline", "service", rec.Name, "pid", rec.PID)
			_ = s.term.Forceful(rec.PID)
		}
		if snk := s.takeSink(rec.Name); snk != nil {
			snk.Join(100 * time.Millisecond)
		}
		_ = s.reg.Remove(rec.Name)
		metrics.IncStop(rec.Name)
		s.event(history.EventStopped, rec.Name, rec.PID, "forced at shutdown deadline")
	}
}

func (s *Supervisor) sleepBounded(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Supervisor) event(t history.EventType, name string, pid int, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.hist.Send(ctx, history.Event{
		Type: t, Name: name, PID: pid, OccurredAt: time.Now().UTC(), Detail: detail,
	}); err != nil {
		s.logger.Debug("history sink send failed", "event", string(t), "service", name, "error", err)
	}
}

// descendants returns all live descendant pids of pid, depth first.
func descendants(pid int) []int {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return nil
	}
	kids, err := p.Children()
	if err != nil {
		return nil
	}
	var out []int
	for _, k := range kids {
		out = append(out, descendants(int(k.Pid))...)
		out = append(out, int(k.Pid))
	}
	return out
}

// waitDead polls pid until it no longer refers to a live process or the
// timeout elapses.
func waitDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !registry.IsAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
