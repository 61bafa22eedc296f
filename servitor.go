// Package servitor supervises a fleet of independently named backend
// services as child processes: starting, stopping and restarting them,
// tracking which are alive, and converging them to the desired state
// described by a service configuration file.
package servitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/history"
	"github.com/loykin/servitor/internal/history/factory"
	"github.com/loykin/servitor/internal/metrics"
	"github.com/loykin/servitor/internal/probe"
	"github.com/loykin/servitor/internal/reconciler"
	"github.com/loykin/servitor/internal/registry"
	"github.com/loykin/servitor/internal/server"
	"github.com/loykin/servitor/internal/status"
	"github.com/loykin/servitor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = config.ServiceSpec

type Settings = config.Settings

type StartResult = supervisor.StartResult

type StopResult = supervisor.StopResult

type Report = status.Report

type State = status.State

type Outcome = supervisor.Outcome

const (
	Started         = supervisor.Started
	SkippedDisabled = supervisor.SkippedDisabled
	AlreadyRunning  = supervisor.AlreadyRunning
)

// Error sentinels re-exported from the supervisor's taxonomy.
var (
	ErrPortConflict   = supervisor.ErrPortConflict
	ErrCrashedEarly   = supervisor.ErrCrashedEarly
	ErrSpawnFailure   = supervisor.ErrSpawnFailure
	ErrUnknownService = errors.New("unknown service")
)

// LoadSettings parses a TOML configuration file.
func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

// Manager bundles the supervisor, registry, probe and history sink for a
// single settings snapshot.
type Manager struct {
	mu       sync.RWMutex
	cfgPath  string
	settings *Settings
	reg      *registry.Registry
	sup      *supervisor.Supervisor
	hist     history.Sink
	logger   *slog.Logger
}

// NewFromFile builds a Manager whose desired state is re-read from the
// config file on every reconciliation tick.
func NewFromFile(path string) (*Manager, error) {
	settings, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := New(settings)
	if err != nil {
		return nil, err
	}
	m.cfgPath = path
	return m, nil
}

func New(settings *Settings) (*Manager, error) {
	logger := settings.Log.NewSlogger()
	reg, err := registry.New(settings.RegistryDir)
	if err != nil {
		return nil, err
	}
	var hist history.Sink = history.Nop{}
	if settings.HistoryDSN != "" {
		hist, err = factory.NewSinkFromDSN(settings.HistoryDSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
	}
	sup := supervisor.New(reg, supervisor.Options{
		LogDir:      settings.LogDir,
		GracePeriod: settings.GracePeriod,
		StopWait:    settings.StopWait,
		Logger:      logger,
		History:     hist,
	})
	return &Manager{settings: settings, reg: reg, sup: sup, hist: hist, logger: logger}, nil
}

// Logger returns the manager's slog logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// services returns the current spec list. When built from a file, the list
// is re-read so a disabled or edited spec takes effect on the next tick.
func (m *Manager) services(reload bool) []Spec {
	if reload && m.cfgPath != "" {
		if fresh, err := config.Load(m.cfgPath); err != nil {
			m.logger.Error("reload config", "path", m.cfgPath, "error", err)
		} else {
			m.mu.Lock()
			m.settings.Services = fresh.Services
			m.mu.Unlock()
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	specs := make([]Spec, len(m.settings.Services))
	copy(specs, m.settings.Services)
	return specs
}

func (m *Manager) findSpec(name string) (Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.settings.FindService(name)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return sp, nil
}

// Start starts one named service.
func (m *Manager) Start(ctx context.Context, name string) (StartResult, error) {
	sp, err := m.findSpec(name)
	if err != nil {
		return StartResult{}, err
	}
	return m.sup.Start(ctx, sp)
}

// StartAll starts every enabled service. Per-service failures never abort
// the rest of the batch; they are joined into the returned error.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, sp := range m.services(false) {
		if !sp.Enabled {
			continue
		}
		if _, err := m.sup.Start(ctx, sp); err != nil {
			m.logger.Error("start failed", "service", sp.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sp.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops one named service.
func (m *Manager) Stop(ctx context.Context, name string) (StopResult, error) {
	if _, err := m.findSpec(name); err != nil {
		return StopResult{}, err
	}
	return m.sup.Stop(ctx, name)
}

// StopAll stops every configured service that has a registry record.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, sp := range m.services(false) {
		if _, err := m.sup.Stop(ctx, sp.Name); err != nil {
			m.logger.Error("stop failed", "service", sp.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sp.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Restart stops then starts one named service, guaranteeing a fresh process.
func (m *Manager) Restart(ctx context.Context, name string) (StartResult, error) {
	sp, err := m.findSpec(name)
	if err != nil {
		return StartResult{}, err
	}
	return m.sup.Restart(ctx, sp)
}

// Status returns a read-only snapshot for every configured service.
func (m *Manager) Status(ctx context.Context) []Report {
	rep := status.Reporter{Reg: m.reg, Prober: m.sup.Prober()}
	return rep.Report(ctx, m.services(false))
}

// RunDaemon starts all enabled services and runs the reconciler until ctx
// is cancelled, serving the HTTP status API when configured.
func (m *Manager) RunDaemon(ctx context.Context) error {
	var srv *http.Server
	if m.settings.HTTPAddr != "" {
		rep := status.Reporter{Reg: m.reg, Prober: m.sup.Prober()}
		srv = server.NewServer(m.settings.HTTPAddr, rep, func() []Spec { return m.services(false) })
		m.logger.Info("http api listening", "addr", m.settings.HTTPAddr)
	}
	rec := reconciler.New(m.sup,
		func() ([]Spec, error) { return m.services(true), nil },
		m.settings.ReconcileInterval, m.settings.ShutdownTimeout, m.logger)
	rec.Run(ctx)
	if srv != nil {
		shctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}
	return nil
}

// Probe exposes a one-shot port probe, mainly for diagnostics.
func (m *Manager) Probe(ctx context.Context, port int) probe.Result {
	return m.sup.Prober().Probe(ctx, port)
}

// Close releases the history sink.
func (m *Manager) Close() error { return m.hist.Close() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
