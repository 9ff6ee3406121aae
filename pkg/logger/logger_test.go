package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDetectEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if got := logger.DetectEnv(); got != logger.EnvDev {
		t.Fatalf("default should be dev, got %q", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := logger.DetectEnv(); got != logger.EnvStage {
		t.Fatalf("expected stage, got %q", got)
	}

	t.Setenv("APP_ENV", "production")
	if got := logger.DetectEnv(); got != logger.EnvProd {
		t.Fatalf("expected prod, got %q", got)
	}
}

func TestInit_DevStd_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{
		Service: "demo",
		Version: "v0.0.1",
		Env:     logger.EnvDev,
		Backend: logger.BackendStd,
		Level:   slog.LevelDebug,
		Output:  &buf,
	})
	slog.Info("Hello world")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected text output in dev/std, got JSON: %s", out)
	}
	if !strings.Contains(out, "Hello world") {
		t.Fatalf("message missing: %s", out)
	}
	if !strings.Contains(out, "service=demo") || !strings.Contains(out, "env=dev") {
		t.Fatalf("common attrs missing: %s", out)
	}
}

func TestInit_ProdZap_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{
		Service:          "demo",
		Version:          "1.2.3",
		Env:              logger.EnvProd,
		Backend:          logger.BackendZap,
		Level:            slog.LevelInfo,
		Output:           &buf,
		SampleInitial:    100000,
		SampleThereafter: 100000,
	})
	slog.Info("booted", slog.String("k", "v"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON line, got %s, err=%v", buf.String(), err)
	}
	if m["msg"] != "booted" || m["level"] != "INFO" || m["k"] != "v" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["service"] != "demo" || m["env"] != "prod" || m["version"] != "1.2.3" {
		t.Fatalf("attrs missing: %v", m)
	}
}

func TestInit_Zap_SamplesOnlyBelowWarn(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{
		Env:              logger.EnvProd,
		Backend:          logger.BackendZap,
		Level:            slog.LevelInfo,
		Output:           &buf,
		SampleInitial:    1,
		SampleThereafter: 1000,
	})
	for i := 0; i < 5; i++ {
		slog.Info("presence: online")
		slog.Warn("ws: outbound queue full, closing connection")
	}
	slog.Debug("below level")

	out := buf.String()
	if n := strings.Count(out, `"presence: online"`); n != 1 {
		t.Fatalf("info lines = %d, want 1 after sampling:\n%s", n, out)
	}
	if n := strings.Count(out, `"ws: outbound queue full, closing connection"`); n != 5 {
		t.Fatalf("warn lines = %d, want all 5:\n%s", n, out)
	}
	if strings.Contains(out, "below level") {
		t.Fatalf("debug record written at info level:\n%s", out)
	}
}

func TestFromContext_CarriesIDsAndTrace(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{Env: logger.EnvProd, Backend: logger.BackendStd, Output: &buf})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = logger.WithSession(ctx, "a", "c1")
	ctx = logger.With(ctx, "room_id", "r1")
	logger.FromContext(ctx).Info("with ids")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON, got %s: %v", buf.String(), err)
	}
	if m["user_id"] != "a" || m["conn_id"] != "c1" || m["room_id"] != "r1" {
		t.Fatalf("ids missing: %v", m)
	}
	if m["trace_id"] == nil || m["span_id"] == nil {
		t.Fatalf("trace_id/span_id missing: %v", m)
	}
}

func TestWithSession_TagsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{Env: logger.EnvProd, Backend: logger.BackendStd, Output: &buf})

	ctx := logger.WithSession(context.Background(), "a", "c1")
	ctx = logger.With(ctx, "room_id", "r1")
	ctx = logger.WithSession(ctx, "a", "c1")
	logger.FromContext(ctx).Info("tagged twice")

	out := buf.String()
	if n := strings.Count(out, `"user_id"`); n != 1 {
		t.Fatalf("user_id appears %d times: %s", n, out)
	}
	if n := strings.Count(out, `"conn_id"`); n != 1 {
		t.Fatalf("conn_id appears %d times: %s", n, out)
	}

	buf.Reset()
	logger.FromContext(logger.WithSession(ctx, "a", "c2")).Info("retagged")
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON, got %s: %v", buf.String(), err)
	}
	if m["conn_id"] != "c2" || strings.Count(buf.String(), `"conn_id"`) != 1 {
		t.Fatalf("retag should replace conn_id: %s", buf.String())
	}
}

func TestRing_CapturesAndWraps(t *testing.T) {
	ring := logger.NewRing(3)
	var buf bytes.Buffer
	logger.Init(logger.Config{Env: logger.EnvDev, Backend: logger.BackendStd, Output: &buf, Ring: ring})

	for i := 0; i < 5; i++ {
		slog.Info("event", "i", i)
	}

	got := ring.Recent()
	if len(got) != 3 || ring.Len() != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for j, e := range got {
		if e.Message != "event" {
			t.Fatalf("msg = %q", e.Message)
		}
		if want := int64(j + 2); e.Attrs["i"] != want {
			t.Fatalf("entry %d i = %v, want %d", j, e.Attrs["i"], want)
		}
		if e.Attrs["service"] != "presence-service" {
			t.Fatalf("common attrs not captured: %v", e.Attrs)
		}
	}
}

func TestRing_Groups(t *testing.T) {
	ring := logger.NewRing(4)
	l := logger.Init(logger.Config{Env: logger.EnvDev, Backend: logger.BackendStd, Output: &bytes.Buffer{}, Ring: ring})

	l.WithGroup("room").Info("joined", "id", "r1")

	got := ring.Recent()
	if len(got) != 1 || got[0].Attrs["room.id"] != "r1" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}
