package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSlogJSONIncludesFieldsAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "debug", Format: "json", Output: &buf}).With(String("component", "tracker"))

	ctx, log := WithRequestLogger(context.Background(), base)
	id := RequestIDFromContext(ctx)
	log.Info(ctx, "settled", Int("seq", 7), Bool("negative", false))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "settled" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if rec["component"] != "tracker" {
		t.Fatalf("component = %v", rec["component"])
	}
	if rec["seq"] != float64(7) {
		t.Fatalf("seq = %v", rec["seq"])
	}
	if rec["request_id"] != id {
		t.Fatalf("request_id = %v, want %s", rec["request_id"], id)
	}
}

func TestLevelFiltering(t *testing.T) {
	for _, backend := range []string{"slog", "zap"} {
		t.Run(backend, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(Config{Level: "warn", Format: "json", Backend: backend, Output: &buf})
			log.Info(context.Background(), "quiet")
			log.Warn(context.Background(), "loud")

			out := buf.String()
			if strings.Contains(out, "quiet") {
				t.Fatalf("info record leaked through warn level: %s", out)
			}
			if !strings.Contains(out, "loud") {
				t.Fatalf("warn record missing: %s", out)
			}
		})
	}
}

func TestZapJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json", Backend: "zap", Output: &buf})
	ctx, reqLog := WithRequestLogger(ContextWithRequestID(context.Background(), "req-1"), log)
	reqLog.With(String("node", "A")).Error(ctx, "bail", String("reason", "deadline"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if rec["node"] != "A" || rec["reason"] != "deadline" || rec["request_id"] != "req-1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestEnsureRequestIDKeepsExisting(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "fixed")
	ctx, id := EnsureRequestID(ctx)
	if id != "fixed" || RequestIDFromContext(ctx) != "fixed" {
		t.Fatalf("request id = %q", id)
	}

	_, fresh := EnsureRequestID(context.Background())
	if fresh == "" {
		t.Fatal("expected generated request id")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger on empty context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if _, ok := LoggerFromContext(ctx).(noopLogger); !ok {
		t.Fatal("nil logger should be stored as noop")
	}
	if got := Err(nil); got.Value != "" {
		t.Fatalf("Err(nil) = %v", got.Value)
	}
}
