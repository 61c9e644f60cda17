package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLoggerJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer closer.Close()

	l := Component(logger, "machine")
	l.Info().Msg("dropped")
	l.Warn().Str("domain", "task").Msg("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "machine" || entry["domain"] != "task" || entry["message"] != "kept" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"unknown":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordTransition("task", "allowed", "validate", time.Millisecond)
	m.RecordTransition("task", "allowed", "validate", time.Millisecond)
	m.RecordTransition("task", "rejected", "execute", time.Millisecond)
	m.RecordGuard("task", "can_start_task", "blocked")
	m.RecordAction("task", "mark_completed", "success")
	m.SetHandlersLoaded("guard", 7)
	m.RecordLoadFailure("action", "project")

	if got := counterValue(t, m, "tollgate_transitions_total", map[string]string{"outcome": "allowed"}); got != 2 {
		t.Errorf("allowed transitions = %v, want 2", got)
	}
	if got := counterValue(t, m, "tollgate_guard_evaluations_total", map[string]string{"result": "blocked"}); got != 1 {
		t.Errorf("blocked guards = %v, want 1", got)
	}
	if got := counterValue(t, m, "tollgate_handlers_loaded", map[string]string{"kind": "guard"}); got != 7 {
		t.Errorf("handlers loaded = %v, want 7", got)
	}
	if got := counterValue(t, m, "tollgate_load_failures_total", map[string]string{"layer": "project"}); got != 1 {
		t.Errorf("load failures = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tollgate_action_executions_total") {
		t.Error("metrics endpoint does not expose action executions")
	}
}

func TestDisabledAndNilMetricsAreNoOps(t *testing.T) {
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	for _, m := range []*Metrics{nil, disabled} {
		m.RecordTransition("task", "allowed", "validate", time.Millisecond)
		m.RecordGuard("task", "g", "pass")
		m.RecordConditionFailure("task", "c")
		m.RecordAction("task", "a", "success")
		m.ObserveHandler("guard", "g", time.Millisecond)
		m.SetHandlersLoaded("guard", 1)
		m.RecordLoadFailure("guard", "bundled")

		families, err := m.Gatherer().Gather()
		if err != nil || len(families) != 0 {
			t.Errorf("expected no metrics, got %d families (err %v)", len(families), err)
		}
		if err := m.Serve(context.Background(), zerolog.Nop()); err != nil {
			t.Errorf("Serve() should return immediately, got %v", err)
		}
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "tollgate", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	ctx, span := tracer.StartTransitionSpan(context.Background(), "task", "todo", "wip", false)
	RecordError(span, errors.New("boom"))
	span.End()

	if id := TraceID(ctx); id != "" {
		t.Errorf("noop tracer produced trace ID %q", id)
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	var nilTracer *Tracer
	_, span = nilTracer.StartHandlerSpan(context.Background(), "guard", "can_start_task")
	RecordSuccess(span)
	span.End()
	if err := nilTracer.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() error = %v", err)
	}
}

func TestNewLoggerCloser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.log")
	_, closer, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	f, ok := closer.(*os.File)
	if !ok {
		t.Fatalf("closer for a file output is %T, want *os.File", closer)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write after Close() error = %v, want os.ErrClosed", err)
	}

	_, closer, err = NewLogger(LoggingConfig{Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger(stderr) error = %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stderr.Write(nil); err != nil {
		t.Errorf("closing a stderr logger must leave stderr open: %v", err)
	}
}

func TestNewAndNop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "disabled"

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tel.Metrics == nil || tel.Tracer == nil {
		t.Fatal("expected metrics and tracer to be built")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	cfg.ServiceName = ""
	if _, err := New(cfg); err == nil {
		t.Error("expected New to validate the config")
	}

	nop := Nop()
	ctx := nop.WithContext(context.Background())
	fallback := zerolog.New(os.Stderr)
	if got := LoggerFrom(ctx, fallback); got.GetLevel() != fallback.GetLevel() {
		t.Error("a disabled context logger should yield the fallback")
	}
}
