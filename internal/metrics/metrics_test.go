package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.InjectionsTotal == nil || m.HookRunsTotal == nil || m.HookDuration == nil {
		t.Fatal("expected injection and hook collectors to be non-nil")
	}
	if m.SandboxOpsTotal == nil || m.BridgesActive == nil || m.DockerHealthy == nil {
		t.Fatal("expected sandbox collectors to be non-nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	if !found["wopr_bridges_active"] {
		t.Error("expected wopr_bridges_active in gathered metrics")
	}
	if !found["wopr_docker_healthy"] {
		t.Error("expected wopr_docker_healthy in gathered metrics")
	}
}

func TestNewMetricsDoubleRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on double registration")
		}
	}()
	NewMetrics(reg)
}

func TestMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.InjectionsTotal.WithLabelValues("allow").Inc()
	m.InjectionsTotal.WithLabelValues("deny").Inc()
	m.InjectionsTotal.WithLabelValues("deny").Inc()

	m.HookRunsTotal.WithLabelValues("pre-inject", "ok").Inc()
	m.HookRunsTotal.WithLabelValues("pre-inject", "block").Inc()
	m.HookRunsTotal.WithLabelValues("post-inject", "failed").Inc()
	m.HookDuration.WithLabelValues("pre-inject").Observe(0.02)

	m.SandboxOpsTotal.WithLabelValues("create", "ok").Inc()
	m.BridgesActive.Set(2)
	m.DockerHealthy.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]int{}
	for _, f := range families {
		counts[f.GetName()] = len(f.GetMetric())
	}

	if counts["wopr_injections_total"] != 2 {
		t.Errorf("expected 2 decision series, got %d", counts["wopr_injections_total"])
	}
	if counts["wopr_hook_runs_total"] != 3 {
		t.Errorf("expected 3 hook run series, got %d", counts["wopr_hook_runs_total"])
	}
}
