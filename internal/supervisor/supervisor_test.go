package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/servitor/internal/command"
	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/probe"
	"github.com/loykin/servitor/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// fixedProber always answers the same result.
type fixedProber struct {
	mu  sync.Mutex
	res probe.Result
}

func (f *fixedProber) set(res probe.Result) {
	f.mu.Lock()
	f.res = res
	f.mu.Unlock()
}

func (f *fixedProber) Probe(_ context.Context, _ int) probe.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res
}

// recordProber simulates a service that owns its port the instant its
// registry record exists and its process is alive.
type recordProber struct {
	reg  *registry.Registry
	name string
}

func (p recordProber) Probe(_ context.Context, _ int) probe.Result {
	rec, ok, err := p.reg.Get(p.name)
	if err != nil || !ok || !registry.IsAlive(rec.PID) {
		return probe.Result{State: probe.Free}
	}
	return probe.Result{State: probe.ListeningByPid, PID: rec.PID}
}

func newTestSupervisor(t *testing.T, prober probe.Prober) (*Supervisor, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	sup := New(reg, Options{
		LogDir:          t.TempDir(),
		GracePeriod:     200 * time.Millisecond,
		StopWait:        time.Second,
		SettleDelay:     50 * time.Millisecond,
		SinkJoinTimeout: 500 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prober:          prober,
	})
	t.Cleanup(sup.ForceKillAll)
	return sup, reg
}

func longSpec(name string) config.ServiceSpec {
	return config.ServiceSpec{Name: name, Enabled: true, Port: 19999, Command: "sleep 30"}
}

func TestStartDisabledIsSkipped(t *testing.T) {
	sup, reg := newTestSupervisor(t, &fixedProber{})
	res, err := sup.Start(context.Background(), config.ServiceSpec{Name: "off", Port: 1, Command: "sleep 1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Outcome != SkippedDisabled {
		t.Fatalf("outcome = %v, want SkippedDisabled", res.Outcome)
	}
	if _, ok, _ := reg.Get("off"); ok {
		t.Fatal("disabled start left a record")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	requireUnix(t)
	sup, reg := newTestSupervisor(t, &fixedProber{})
	spec := longSpec("life")

	res, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Outcome != Started || res.PID <= 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !registry.IsAlive(res.PID) {
		t.Fatal("child not alive after Start")
	}
	rec, ok, _ := reg.Get("life")
	if !ok || rec.PID != res.PID || rec.LogPath == "" {
		t.Fatalf("record mismatch: %+v ok=%v", rec, ok)
	}

	stop, err := sup.Stop(context.Background(), "life")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stop.Stopped || stop.PID != res.PID {
		t.Fatalf("unexpected stop result: %+v", stop)
	}
	if registry.IsAlive(res.PID) {
		t.Fatal("child alive after Stop")
	}
	if _, ok, _ := reg.Get("life"); ok {
		t.Fatal("record survived Stop")
	}
}

func TestStartAlreadyRunningIsNoop(t *testing.T) {
	requireUnix(t)
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	sup := New(reg, Options{
		LogDir:          t.TempDir(),
		GracePeriod:     100 * time.Millisecond,
		StopWait:        time.Second,
		SinkJoinTimeout: 500 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prober:          recordProber{reg: reg, name: "same"},
	})
	t.Cleanup(sup.ForceKillAll)
	spec := longSpec("same")

	first, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.Outcome != AlreadyRunning {
		t.Fatalf("outcome = %v, want AlreadyRunning", second.Outcome)
	}
	if second.PID != first.PID {
		t.Fatalf("pid changed: %d -> %d", first.PID, second.PID)
	}
}

func TestStartRefusesForeignPortOwner(t *testing.T) {
	prober := &fixedProber{}
	prober.set(probe.Result{State: probe.ListeningByPid, PID: 1})
	sup, reg := newTestSupervisor(t, prober)

	_, err := sup.Start(context.Background(), longSpec("conflict"))
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("err = %v, want ErrPortConflict", err)
	}
	var pce *PortConflictError
	if !errors.As(err, &pce) || pce.Probe.PID != 1 {
		t.Fatalf("conflict detail missing: %v", err)
	}
	if _, ok, _ := reg.Get("conflict"); ok {
		t.Fatal("refused start left a record")
	}
}

func TestStartRefusesUnknownPortOwner(t *testing.T) {
	prober := &fixedProber{}
	prober.set(probe.Result{State: probe.ListeningByUnknown})
	sup, _ := newTestSupervisor(t, prober)

	_, err := sup.Start(context.Background(), longSpec("unknown"))
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("err = %v, want ErrPortConflict", err)
	}
}

func TestStartCrashedEarly(t *testing.T) {
	requireUnix(t)
	sup, reg := newTestSupervisor(t, &fixedProber{})
	spec := config.ServiceSpec{
		Name: "crash", Enabled: true, Port: 19998,
		Command: "sh -c 'echo boom 1>&2; exit 3'",
	}

	_, err := sup.Start(context.Background(), spec)
	if !errors.Is(err, ErrCrashedEarly) {
		t.Fatalf("err = %v, want ErrCrashedEarly", err)
	}
	var eee *EarlyExitError
	if !errors.As(err, &eee) {
		t.Fatalf("err = %T, want *EarlyExitError", err)
	}
	if !strings.Contains(strings.Join(eee.Tail, "\n"), "boom") {
		t.Fatalf("tail missing crash output: %q", eee.Tail)
	}
	if _, ok, _ := reg.Get("crash"); ok {
		t.Fatal("record survived early crash")
	}
}

func TestStartClearsStaleRecord(t *testing.T) {
	requireUnix(t)
	sup, reg := newTestSupervisor(t, &fixedProber{})
	// A pid that is certainly dead: spawn and wait a short child.
	cmd := exec.Command("sleep", "0.01")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	deadPID := cmd.Process.Pid
	_ = cmd.Wait()
	if err := reg.Put(registry.Record{Name: "stale", PID: deadPID}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := sup.Start(context.Background(), longSpec("stale"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Outcome != Started || res.PID == deadPID {
		t.Fatalf("unexpected result after stale record: %+v", res)
	}
}

func TestStartMalformedCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t, &fixedProber{})
	spec := config.ServiceSpec{Name: "bad", Enabled: true, Port: 19997, Command: `run "broken`}
	_, err := sup.Start(context.Background(), spec)
	if !errors.Is(err, command.ErrMalformedCommand) {
		t.Fatalf("err = %v, want ErrMalformedCommand", err)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	sup, reg := newTestSupervisor(t, &fixedProber{})
	spec := config.ServiceSpec{Name: "noexec", Enabled: true, Port: 19996, Command: "/definitely/not/a/binary"}
	_, err := sup.Start(context.Background(), spec)
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("err = %v, want ErrSpawnFailure", err)
	}
	if _, ok, _ := reg.Get("noexec"); ok {
		t.Fatal("failed spawn left a record")
	}
}

func TestStopWithoutRecordTouchesNothing(t *testing.T) {
	requireUnix(t)
	sup, _ := newTestSupervisor(t, &fixedProber{})
	// An unmanaged process the supervisor knows nothing about.
	bystander := exec.Command("sleep", "30")
	if err := bystander.Start(); err != nil {
		t.Fatalf("start bystander: %v", err)
	}
	defer func() {
		_ = bystander.Process.Kill()
		_, _ = bystander.Process.Wait()
	}()

	res, err := sup.Stop(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Stopped {
		t.Fatal("Stop claimed to stop without a record")
	}
	if !registry.IsAlive(bystander.Process.Pid) {
		t.Fatal("unmanaged process was killed")
	}
}

func TestRestartSpawnsFreshProcess(t *testing.T) {
	requireUnix(t)
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	sup := New(reg, Options{
		LogDir:          t.TempDir(),
		GracePeriod:     100 * time.Millisecond,
		StopWait:        time.Second,
		SettleDelay:     20 * time.Millisecond,
		SinkJoinTimeout: 500 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prober:          recordProber{reg: reg, name: "fresh"},
	})
	t.Cleanup(sup.ForceKillAll)
	spec := longSpec("fresh")

	first, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := sup.Restart(context.Background(), spec)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if second.PID == first.PID {
		t.Fatalf("Restart reused pid %d", first.PID)
	}
	if registry.IsAlive(first.PID) {
		t.Fatal("old process survived Restart")
	}
}

func TestDegradedRestartSerialized(t *testing.T) {
	requireUnix(t)
	// The prober never confirms ownership, so every Start sees the live
	// process as degraded and must stop it before spawning a successor.
	sup, reg := newTestSupervisor(t, &fixedProber{})
	spec := longSpec("degraded")

	first, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := sup.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second.Outcome != Started || second.PID == first.PID {
		t.Fatalf("expected fresh process, got %+v after %d", second, first.PID)
	}
	if registry.IsAlive(first.PID) {
		t.Fatal("degraded process survived the restart")
	}
	rec, ok, _ := reg.Get("degraded")
	if !ok || rec.PID != second.PID {
		t.Fatalf("record points at %+v, want pid %d", rec, second.PID)
	}
}

func TestConcurrentStartsNeverDoubleSpawn(t *testing.T) {
	requireUnix(t)
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	sup := New(reg, Options{
		LogDir:          t.TempDir(),
		GracePeriod:     100 * time.Millisecond,
		StopWait:        time.Second,
		SinkJoinTimeout: 500 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Prober:          recordProber{reg: reg, name: "race"},
	})
	t.Cleanup(sup.ForceKillAll)
	spec := longSpec("race")

	const n = 4
	results := make([]StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sup.Start(context.Background(), spec)
		}(i)
	}
	wg.Wait()

	started := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Start %d: %v", i, errs[i])
		}
		if results[i].Outcome == Started {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("started %d processes, want exactly 1", started)
	}
	pid := results[0].PID
	for _, r := range results[1:] {
		if r.PID != pid {
			t.Fatalf("divergent pids: %d vs %d", pid, r.PID)
		}
	}
}

func TestForceKillAll(t *testing.T) {
	requireUnix(t)
	sup, reg := newTestSupervisor(t, &fixedProber{})
	res, err := sup.Start(context.Background(), longSpec("doomed"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sup.ForceKillAll()
	deadline := time.Now().Add(2 * time.Second)
	for registry.IsAlive(res.PID) {
		if time.Now().After(deadline) {
			t.Fatal("process survived ForceKillAll")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok, _ := reg.Get("doomed"); ok {
		t.Fatal("record survived ForceKillAll")
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		Started:         "started",
		SkippedDisabled: "skipped, disabled",
		AlreadyRunning:  "already running",
		Outcome(42):     "invalid",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", o, got, want)
		}
	}
}
