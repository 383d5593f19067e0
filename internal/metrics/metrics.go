package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of worker start attempts that failed.",
		}, []string{"name"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of worker exits by kind (clean, error, signal).",
		}, []string{"name", "status"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of respawns after a worker exit.",
		}, []string{"name"},
	)
	controlTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "control",
			Name:      "tokens_total",
			Help:      "Control channel tokens received by the supervisor.",
		}, []string{"name", "token"},
	)
	takeovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "generation",
			Name:      "takeovers_total",
			Help:      "Generation takeovers by result (ok, failed).",
		}, []string{"name", "result"},
	)
	generationNumber = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "daemonkit",
			Subsystem: "generation",
			Name:      "number",
			Help:      "Generation number of this supervisor.",
		}, []string{"name"},
	)
	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "reload",
			Name:      "attempts_total",
			Help:      "Reload attempts reported by the worker, by result (started, ignored, failed, timeout, cancelled).",
		}, []string{"name", "result"},
	)
	historyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "daemonkit",
			Subsystem: "history",
			Name:      "send_failures_total",
			Help:      "Lifecycle events the history sink failed to store.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerSpawns, workerSpawnFailures, workerExits, workerRestarts,
		controlTokens, takeovers, generationNumber, reloads, historyFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		workerSpawnFailures.WithLabelValues(name).Inc()
	}
}

func IncExit(name, status string) {
	if regOK.Load() {
		workerExits.WithLabelValues(name, status).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncToken(name, token string) {
	if regOK.Load() {
		controlTokens.WithLabelValues(name, token).Inc()
	}
}

func IncTakeover(name, result string) {
	if regOK.Load() {
		takeovers.WithLabelValues(name, result).Inc()
	}
}

func SetGeneration(name string, n uint64) {
	if regOK.Load() {
		generationNumber.WithLabelValues(name).Set(float64(n))
	}
}

func IncReload(name, result string) {
	if regOK.Load() {
		reloads.WithLabelValues(name, result).Inc()
	}
}

func IncHistoryFailure(name string) {
	if regOK.Load() {
		historyFailures.WithLabelValues(name).Inc()
	}
}
