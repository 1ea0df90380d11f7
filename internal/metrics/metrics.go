// Package metrics registers the process's Prometheus collectors, grouped
// the way cluster/delegate.go groups its cluster-traffic counters: plain
// Counter/CounterVec/Gauge/GaugeVec values constructed once and handed to the
// subsystems that update them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the watchdog process exposes.
type Metrics struct {
	NodeState      *prometheus.GaugeVec
	Quorum         prometheus.Gauge
	AuthRejections prometheus.Counter
	CommandTimeouts *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	LockGrants     *prometheus.CounterVec
	FailoversRun   *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgwatch_node_state",
			Help: "1 for the node's current state, 0 otherwise, labeled by node and state name.",
		}, []string{"node", "state"}),
		Quorum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwatch_quorum",
			Help: "Current quorum status: -1 lost, 0 on edge, 1 present.",
		}),
		AuthRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgwatch_auth_rejections_total",
			Help: "Total number of ADD_NODE handshakes rejected for an auth hash mismatch.",
		}),
		CommandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_command_timeouts_total",
			Help: "Total number of cluster commands that finalized by timeout rather than reply.",
		}, []string{"type"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_escalations_total",
			Help: "Total number of escalation/de-escalation programs forked.",
		}, []string{"direction"}),
		LockGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_lock_grants_total",
			Help: "Total number of failover lock table operations, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		FailoversRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwatch_failovers_total",
			Help: "Total number of failovers admitted and run, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.NodeState, m.Quorum, m.AuthRejections, m.CommandTimeouts,
		m.Escalations, m.LockGrants, m.FailoversRun,
	)
	return m
}
