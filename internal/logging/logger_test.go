package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{name: "json format with info level", level: slog.LevelInfo, format: "json"},
		{name: "text format with debug level", level: slog.LevelDebug, format: "text"},
		{name: "default format (json) with error level", level: slog.LevelError, format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWithContext_ConnectionID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := WithConnectionID(context.Background(), "conn-123")
	logger.InfoContext(ctx, "flow handled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if line[FieldConnectionID] != "conn-123" {
		t.Errorf("connection_id = %v, want conn-123", line[FieldConnectionID])
	}

	buf.Reset()
	logger.InfoContext(context.Background(), "no connection")
	if strings.Contains(buf.String(), FieldConnectionID) {
		t.Errorf("unexpected connection_id in output: %s", buf.String())
	}
}

func TestWithContext_ChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "text").With(Sink("archive")).WithGroup("write")

	logger.WarnContext(WithConnectionID(context.Background(), "conn-9"), "failed", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, "sink=archive") {
		t.Errorf("missing sink attr: %s", out)
	}
	if !strings.Contains(out, "conn-9") {
		t.Errorf("missing connection id: %s", out)
	}
	if !strings.Contains(out, "write.attempt=2") {
		t.Errorf("missing grouped attr: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped")
}

func TestConnectionIDFrom_Missing(t *testing.T) {
	if got := ConnectionIDFrom(context.Background()); got != "" {
		t.Errorf("ConnectionIDFrom() = %q, want empty", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"WARN":    slog.LevelWarn,
		" debug ": slog.LevelDebug,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFields(t *testing.T) {
	if a := Error(errors.New("boom")); a.Value.String() != "boom" {
		t.Errorf("Error() = %v", a.Value)
	}
	if a := Error(nil); a.Value.String() != "" {
		t.Errorf("Error(nil) = %v, want empty", a.Value)
	}
	if a := Duration(1500 * time.Millisecond); a.Value.Int64() != 1500 {
		t.Errorf("Duration() = %v, want 1500", a.Value)
	}
	if a := EventType("reportEditArc"); a.Key != FieldEventType {
		t.Errorf("EventType key = %s", a.Key)
	}
}
