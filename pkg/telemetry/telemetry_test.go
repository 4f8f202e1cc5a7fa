package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loamctl/loam/pkg/engine"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := map[string]func(*Config){
		"bad format":        func(c *Config) { c.Logging.Format = "xml" },
		"bad exporter":      func(c *Config) { c.Tracing.Exporter = "jaeger" },
		"otlp no endpoint":  func(c *Config) { c.Tracing.Exporter = "otlp" },
		"bad sampling rate": func(c *Config) { c.Tracing.SamplingRate = 2 },
	}
	for name, mutate := range cases {
		bad := DefaultConfig()
		mutate(&bad)
		if err := bad.Validate(); err == nil {
			t.Errorf("%s: Validate succeeded", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != zerolog.DebugLevel {
		t.Error("debug not parsed")
	}
	if parseLevel("bogus") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "loam"})
	m.RecordRunCompleted("succeeded", 2*time.Second)
	m.RecordNodeResult("create", "applied")
	m.RecordProviderCall("mem", "create", 10*time.Millisecond)
	m.RecordProviderError("mem", "update", "conflict")
	m.SetResourceCount(3)
	m.Sink().Publish(engine.Event{Type: engine.EventStateCommit})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`loam_runs_completed_total{status="succeeded"} 1`,
		`loam_nodes_applied_total{action="create",status="applied"} 1`,
		`loam_provider_errors_total{class="conflict",operation="update",provider="mem"} 1`,
		`loam_resources_managed 3`,
		`loam_state_commits_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetricsDisabledNoop(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.RecordRunStarted()
	m.RecordRunCompleted("failed", time.Second)
	m.Sink().Publish(engine.Event{Type: engine.EventRunStarted})

	if err := m.Serve(context.Background()); err != nil {
		t.Errorf("Serve on disabled metrics: %v", err)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "loam", "test", "dev")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tracer.StartRunSpan(context.Background(), "run-1", "apply")
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.End()
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
