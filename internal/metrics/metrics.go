package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"name"},
	)
	earlyCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "early_crashes_total",
			Help:      "Number of processes that exited within the grace window.",
		}, []string{"name"},
	)
	portConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "port_conflicts_total",
			Help:      "Starts refused because the port had a foreign or unknown owner.",
		}, []string{"name"},
	)
	staleRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "stale_records_total",
			Help:      "Registry records cleared because their PID was dead.",
		}, []string{"name"},
	)
	reconcileRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servitor",
			Subsystem: "reconciler",
			Name:      "restarts_total",
			Help:      "Services restarted by the reconciler.",
		}, []string{"name"},
	)
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "servitor",
			Subsystem: "reconciler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one reconciliation pass over all specs.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "servitor",
			Subsystem: "service",
			Name:      "running",
			Help:      "Services currently classified as running.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, earlyCrashes, portConflicts,
		staleRecords, reconcileRestarts, reconcileDuration, runningServices,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string)            { serviceStarts.WithLabelValues(name).Inc() }
func IncStop(name string)             { serviceStops.WithLabelValues(name).Inc() }
func IncEarlyCrash(name string)       { earlyCrashes.WithLabelValues(name).Inc() }
func IncPortConflict(name string)     { portConflicts.WithLabelValues(name).Inc() }
func IncStaleRecord(name string)      { staleRecords.WithLabelValues(name).Inc() }
func IncReconcileRestart(name string) { reconcileRestarts.WithLabelValues(name).Inc() }

func ObserveReconcile(d time.Duration) { reconcileDuration.Observe(d.Seconds()) }
func SetRunningServices(n int)         { runningServices.Set(float64(n)) }
