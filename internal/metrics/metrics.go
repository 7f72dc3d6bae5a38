// Package metrics exposes the daemon's live state over Prometheus and a
// small JSON introspection surface (spec 6, 7). It owns its own
// prometheus.Registry rather than using the global default, the way
// cmd/node-cache's Metrics type does, so tests can construct an isolated
// collector without colliding with other packages' registrations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/registry"
)

const namespace = "ustd"

// FanoutReason labels why a per-app fan-out step was skipped.
type FanoutReason string

const (
	ReasonBenign FanoutReason = "benign_peer_death"
	ReasonError  FanoutReason = "error"
)

// Collector wires the registry and FD budget into live Prometheus gauges,
// plus counters the reconciler and session daemon increment as they run
// fan-out operations (spec 4.6/4.7's skip/abort outcomes).
type Collector struct {
	Registry *prometheus.Registry

	registeredApps prometheus.GaugeFunc
	fdBudgetInUse  prometheus.GaugeFunc

	fanoutSkipTotal  *prometheus.CounterVec
	fanoutAbortTotal *prometheus.CounterVec
}

// New builds a Collector reading live state from reg and fds. class is the
// fdbudget.Class to report usage for (ClassApps in practice).
func New(reg *registry.Registry, fds *fdbudget.Budget, class fdbudget.Class) *Collector {
	c := &Collector{Registry: prometheus.NewRegistry()}

	c.registeredApps = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "registered_apps",
		Help:      "Number of applications currently indexed by the registry.",
	}, func() float64 { return float64(reg.Len()) })

	c.fdBudgetInUse = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fdbudget",
		Name:      "in_use",
		Help:      "Number of file descriptors currently accounted against the apps class.",
	}, func() float64 { return float64(fds.InUse(class)) })

	c.fanoutSkipTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "fanout_skip_total",
		Help:      "Per-app fan-out steps skipped, by operation and reason.",
	}, []string{"op", "reason"})

	c.fanoutAbortTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "fanout_abort_total",
		Help:      "Fan-out operations aborted outright (out-of-memory), by operation.",
	}, []string{"op"})

	c.Registry.MustRegister(c.registeredApps, c.fdBudgetInUse, c.fanoutSkipTotal, c.fanoutAbortTotal)
	return c
}

// ObserveSkip records a per-app fan-out step skipped for op, for the given
// reason (spec 4.6/4.7: benign peer death is a debug-level skip, any other
// transport error is a logged skip).
func (c *Collector) ObserveSkip(op string, reason FanoutReason) {
	c.fanoutSkipTotal.WithLabelValues(op, string(reason)).Inc()
}

// ObserveAbort records a fan-out operation aborted by an out-of-memory
// response, the one error that propagates past every per-app recovery
// point (spec 7, precedence 1).
func (c *Collector) ObserveAbort(op string) {
	c.fanoutAbortTotal.WithLabelValues(op).Inc()
}
