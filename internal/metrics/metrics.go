package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelkeeper"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts per role.",
		}, []string{"role"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts after a process was found dead.",
		}, []string{"role"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"role"},
	)
	processUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "up",
			Help:      "Whether the process for a role was alive at the last check (1/0).",
		}, []string{"role"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Health probe attempts by result.",
		}, []string{"result"},
	)
	endpointChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "changes_total",
			Help:      "Number of times a different public URL was discovered.",
		},
	)
	propagations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "propagations_total",
			Help:      "Per-target propagation outcomes.",
		}, []string{"result"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processRestarts, processStops, processUp, probeAttempts, endpointChanges, propagations, currentStates}
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

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(role string) {
	if regOK.Load() {
		processStarts.WithLabelValues(role).Inc()
	}
}
func IncRestart(role string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(role).Inc()
	}
}
func IncStop(role string) {
	if regOK.Load() {
		processStops.WithLabelValues(role).Inc()
	}
}

func SetUp(role string, up bool) {
	if regOK.Load() {
		processUp.WithLabelValues(role).Set(boolValue(up))
	}
}

func IncProbe(ok bool) {
	if regOK.Load() {
		result := "failure"
		if ok {
			result = "success"
		}
		probeAttempts.WithLabelValues(result).Inc()
	}
}

func IncEndpointChange() {
	if regOK.Load() {
		endpointChanges.Inc()
	}
}

// IncPropagation records one target outcome: "changed", "unchanged",
// "skipped" or "error".
func IncPropagation(result string) {
	if regOK.Load() {
		propagations.WithLabelValues(result).Inc()
	}
}

// SetState marks state active and every other known state inactive.
func SetState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		currentStates.WithLabelValues(s).Set(boolValue(s == state))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
