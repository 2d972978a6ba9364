package promreg

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/simeonmiteff/redistap/internal/plugin"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPostProcessIncrementsRequestsAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	pp, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := plugin.Result{Prometheus: &plugin.PrometheusResult{Label: "foo", LatencyMillis: 12.5}}
	if err := pp.PostProcess(result); err != nil {
		t.Fatalf("PostProcess() error = %v", err)
	}

	if got := counterValue(t, pp.requests, "foo"); got != 1 {
		t.Errorf("requests_total{key=foo} = %v, want 1", got)
	}
	if got := counterValue(t, pp.errors, "foo"); got != 0 {
		t.Errorf("errors_total{key=foo} = %v, want 0", got)
	}
}

func TestPostProcessFlagsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	pp, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result := plugin.Result{Prometheus: &plugin.PrometheusResult{Label: "bar", IsError: true, LatencyMillis: 1}}
	if err := pp.PostProcess(result); err != nil {
		t.Fatalf("PostProcess() error = %v", err)
	}

	if got := counterValue(t, pp.errors, "bar"); got != 1 {
		t.Errorf("errors_total{key=bar} = %v, want 1", got)
	}
}

func TestPostProcessIgnoresNonPrometheusResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	pp, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := pp.PostProcess(plugin.Result{}); err != nil {
		t.Fatalf("PostProcess() error = %v", err)
	}
	if got := counterValue(t, pp.requests, ""); got != 0 {
		t.Errorf("requests_total{key=\"\"} = %v, want 0", got)
	}
}
