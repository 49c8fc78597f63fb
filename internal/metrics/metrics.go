// Package metrics wires the system's Prometheus instrumentation:
// gauges and counters registered once at startup and updated from the
// Facade and Resource Manager at the same points they already log.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentserver/sandboxd/internal/catalog"
)

// Metrics holds every collector the system exports.
type Metrics struct {
	ActiveSessions   *prometheus.GaugeVec
	TotalMemoryMiB   prometheus.Gauge
	TotalCPUCores    prometheus.Gauge
	OrphansReclaimed prometheus.Counter
	ExecutionTimeout *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	ToolErrors       *prometheus.CounterVec
}

// New registers all collectors against reg. Pass prometheus.NewRegistry()
// in production and a fresh registry per test to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_sessions",
			Help:      "Number of currently tracked sessions, by flavor.",
		}, []string{"flavor"}),
		TotalMemoryMiB: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "total_memory_mib",
			Help:      "Aggregate memory, in MiB, committed to active sessions.",
		}),
		TotalCPUCores: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "total_cpu_cores",
			Help:      "Aggregate CPU cores committed to active sessions.",
		}),
		OrphansReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "orphans_reclaimed_total",
			Help:      "Number of unowned provider sandboxes stopped by the orphan sweep.",
		}),
		ExecutionTimeout: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "execution_timeouts_total",
			Help:      "Number of execute_code/execute_command calls that failed with a timeout sub-kind.",
		}, []string{"tool"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "tool_calls_total",
			Help:      "Number of MCP tool invocations, by tool name.",
		}, []string{"tool"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "tool_errors_total",
			Help:      "Number of MCP tool invocations that returned an error, by tool name and error kind.",
		}, []string{"tool", "kind"}),
	}
}

// SetSessionGauges overwrites the active-session gauges from a fresh
// by-flavor breakdown, zeroing flavors absent from the snapshot so a
// flavor that drops to zero sessions doesn't stick at its last value.
func (m *Metrics) SetSessionGauges(byFlavor map[catalog.Flavor]int) {
	for _, f := range catalog.AllFlavors() {
		m.ActiveSessions.WithLabelValues(string(f)).Set(float64(byFlavor[f]))
	}
}
