package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerWritesEventKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "publisher", "test", "v1", "info")
	l.With(slog.String("dependency", "primary-transport")).Warn(context.Background(), "retry_attempt_failed", "send failed", slog.Int("attempt", 1))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event"] != "retry_attempt_failed" {
		t.Fatalf("expected event key, got %#v", rec["event"])
	}
	if rec["dependency"] != "primary-transport" || rec["version"] != "v1" {
		t.Fatalf("missing attrs: %#v", rec)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "publisher", "test", "", "warn")
	l.Info(context.Background(), "ignored", "below level")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
}
