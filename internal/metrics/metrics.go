// Package metrics defines the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the daemon.
// Using a struct (not global vars) keeps metrics testable and avoids
// registry conflicts when multiple tests run in parallel.
type Metrics struct {
	InjectionsTotal *prometheus.CounterVec
	HookRunsTotal   *prometheus.CounterVec
	HookDuration    *prometheus.HistogramVec

	SandboxOpsTotal *prometheus.CounterVec
	BridgesActive   prometheus.Gauge
	DockerHealthy   prometheus.Gauge
}

// NewMetrics creates and registers all daemon metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InjectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wopr_injections_total",
			Help: "Total injections processed, by decision (allow, deny, failed).",
		}, []string{"decision"}),

		HookRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wopr_hook_runs_total",
			Help: "Total hook executions, by phase and outcome (ok, block, failed).",
		}, []string{"phase", "outcome"}),

		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wopr_hook_duration_seconds",
			Help:    "Duration of hook pipeline runs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),

		SandboxOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wopr_sandbox_ops_total",
			Help: "Total sandbox operations, by op (create, destroy, exec) and outcome.",
		}, []string{"op", "outcome"}),

		BridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wopr_bridges_active",
			Help: "Number of live MCP socket bridges.",
		}),

		DockerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wopr_docker_healthy",
			Help: "Whether the docker daemon answers the availability probe (1=yes, 0=no).",
		}),
	}

	reg.MustRegister(
		m.InjectionsTotal,
		m.HookRunsTotal,
		m.HookDuration,
		m.SandboxOpsTotal,
		m.BridgesActive,
		m.DockerHealthy,
	)

	return m
}
