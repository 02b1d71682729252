// Package metrics holds the orchestrator's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetplane"

// Heartbeat results.
const (
	HeartbeatAccepted     = "accepted"
	HeartbeatUnauthorized = "unauthorized"
	HeartbeatInvalid      = "invalid"
)

// Metrics holds all orchestrator metrics.
type Metrics struct {
	ConnectedNodes     prometheus.Gauge
	CommandsDispatched *prometheus.CounterVec
	CommandsQueued     prometheus.Counter
	CommandStatuses    *prometheus.CounterVec
	Heartbeats         *prometheus.CounterVec
	StaleUpdates       prometheus.Counter
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectedNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_nodes",
			Help:      "Number of agents with an open command connection",
		}),
		CommandsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Commands sent to agents, by type",
		}, []string{"type"}),
		CommandsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_queued_total",
			Help:      "Commands queued for an offline node",
		}),
		CommandStatuses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_status_updates_total",
			Help:      "Status updates received from agents, by status",
		}, []string{"status"}),
		Heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Agent heartbeats, by result",
		}, []string{"result"}),
		StaleUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_status_updates_total",
			Help:      "Status updates dropped because they would move a command backwards",
		}),
	}
}

// ObserveDispatch counts a command sent to an agent.
func (m *Metrics) ObserveDispatch(cmdType string) {
	m.CommandsDispatched.WithLabelValues(cmdType).Inc()
}

// ObserveStatus counts a status update.
func (m *Metrics) ObserveStatus(status string) {
	m.CommandStatuses.WithLabelValues(status).Inc()
}

// ObserveHeartbeat counts a heartbeat by result.
func (m *Metrics) ObserveHeartbeat(result string) {
	m.Heartbeats.WithLabelValues(result).Inc()
}

// SetConnectedNodes sets the connected-nodes gauge.
func (m *Metrics) SetConnectedNodes(n int) {
	m.ConnectedNodes.Set(float64(n))
}
