// Package reconciler runs the control loop that converges observed service
// state toward the desired state described by the enabled specs.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/metrics"
	"github.com/loykin/servitor/internal/probe"
	"github.com/loykin/servitor/internal/status"
	"github.com/loykin/servitor/internal/supervisor"
)

// LoadFunc yields the authoritative desired state for one tick. The
// reconciler never mutates the returned specs.
type LoadFunc func() ([]config.ServiceSpec, error)

type Reconciler struct {
	sup             *supervisor.Supervisor
	load            LoadFunc
	interval        time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

func New(sup *supervisor.Supervisor, load LoadFunc, interval, shutdownTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = config.DefaultReconcileInterval
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{sup: sup, load: load, interval: interval, shutdownTimeout: shutdownTimeout, logger: logger}
}

// Run ticks until ctx is cancelled, then performs an orderly stop of every
// service with a live registry record, bounded by the shutdown deadline.
func (r *Reconciler) Run(ctx context.Context) {
	r.Tick(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass. Per-service failures are logged
// and never abort the rest of the pass.
func (r *Reconciler) Tick(ctx context.Context) {
	started := time.Now()
	defer func() { metrics.ObserveReconcile(time.Since(started)) }()

	specs, err := r.load()
	if err != nil {
		r.logger.Error("reconcile: load desired state", "error", err)
		return
	}
	running := 0
	for _, sp := range specs {
		ok, err := r.reconcileService(ctx, sp)
		if err != nil {
			r.logger.Error("reconcile service", "service", sp.Name, "error", err)
		}
		if ok {
			running++
		}
	}
	metrics.SetRunningServices(running)
}

// reconcileService converges one service and reports whether it is running
// afterwards.
func (r *Reconciler) reconcileService(ctx context.Context, sp config.ServiceSpec) (bool, error) {
	o, err := status.Observe(ctx, r.sup.Registry(), r.sup.Prober(), sp)
	if err != nil {
		return false, err
	}
	switch st := status.Classify(sp.Enabled, o); st {
	case status.Disabled:
		// Disabled after being started: take it down.
		if o.RecordPresent {
			_, err := r.sup.Stop(ctx, sp.Name)
			return false, err
		}
		return false, nil

	case status.Running:
		return true, nil

	case status.StoppedStaleRecord:
		r.logger.Info("record is stale, restarting", "service", sp.Name, "pid", o.PID)
		metrics.IncReconcileRestart(sp.Name)
		res, err := r.sup.Start(ctx, sp)
		return err == nil && res.Outcome != supervisor.SkippedDisabled, err

	case status.RunningPortConflict, status.RunningPortUnconfirmed:
		r.logger.Warn("service degraded, stop then start",
			"service", sp.Name, "pid", o.PID, "state", string(st))
		metrics.IncReconcileRestart(sp.Name)
		if _, err := r.sup.Stop(ctx, sp.Name); err != nil {
			return false, err
		}
		res, err := r.sup.Start(ctx, sp)
		return err == nil && res.Outcome == supervisor.Started, err

	default: // status.Stopped
		if o.Port.State != probe.Free {
			// No record of our own but the port is taken: log, never kill.
			r.logger.Warn("port occupied by a process we do not own, taking no action",
				"service", sp.Name, "port", sp.Port, "probe", o.Port.State.String(), "owner_pid", o.Port.PID)
			metrics.IncPortConflict(sp.Name)
			return false, nil
		}
		res, err := r.sup.Start(ctx, sp)
		return err == nil && res.Outcome == supervisor.Started, err
	}
}

// shutdown stops the whole fleet, bounded by the shutdown deadline; anything
// still alive past the deadline is force-terminated directly.
func (r *Reconciler) shutdown() {
	r.logger.Info("shutting down all services", "timeout", r.shutdownTimeout)
	recs, err := r.sup.Registry().List()
	if err != nil {
		r.logger.Error("shutdown: list registry", "error", err)
		r.sup.ForceKillAll()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, rec := range recs {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				if _, err := r.sup.Stop(ctx, name); err != nil {
					r.logger.Error("shutdown stop", "service", name, "error", err)
				}
			}(rec.Name)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("all services stopped")
	case <-ctx.Done():
		r.sup.ForceKillAll()
	}
}
