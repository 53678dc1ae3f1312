package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInitWriterText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	if err := InitWriter(&buf, "info", "text"); err != nil {
		t.Fatal(err)
	}
	For("fsstore").Info("opened", "dir", "/tmp/x")
	For("fsstore").Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=fsstore") || !strings.Contains(out, "dir=/tmp/x") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("debug record written at info level")
	}
}

func TestInitWriterJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	if err := InitWriter(&buf, "debug", "JSON"); err != nil {
		t.Fatal(err)
	}
	For("oracle").Debug("fan-out", "op", "read")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if rec["component"] != "oracle" || rec["op"] != "read" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestInitRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWriter(&buf, "loud", "text"); err == nil {
		t.Error("unknown level should fail")
	}
	if err := InitWriter(&buf, "info", "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"  Error  ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): got %v, want %v", tt.input, got, tt.want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) should fail")
	}
}

func TestSetLevel(t *testing.T) {
	prev := Level()
	defer SetLevel(prev)

	SetLevel(slog.LevelWarn)
	if Level() != slog.LevelWarn {
		t.Errorf("SetLevel(Warn): got %v", Level())
	}
}

func TestDynamicHandlerFollowsLevel(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()
	SetLevel(slog.LevelWarn)

	h := For("test").Handler()
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should not be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestWithKeepsAttrs(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	For("channel").With("node", "alice").Info("payment sent")

	if v, ok := c.Attr(slog.LevelInfo, "payment sent", "node"); !ok || v.String() != "alice" {
		t.Fatalf("node attr = %v, %v", v, ok)
	}
	if v, ok := c.Attr(slog.LevelInfo, "payment sent", "component"); !ok || v.String() != "channel" {
		t.Fatalf("component attr = %v, %v", v, ok)
	}
}

func TestCaptureForTest(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	slog.Info("hello")
	slog.Warn("warning message")
	slog.Debug("debug detail")

	if n := len(c.Records()); n != 3 {
		t.Fatalf("expected 3 records, got %d", n)
	}
	if !c.Has(slog.LevelInfo, "hello") {
		t.Error("should have info 'hello'")
	}
	if !c.Has(slog.LevelWarn, "warning") {
		t.Error("should have warn 'warning'")
	}
	if c.Has(slog.LevelError, "hello") {
		t.Error("should not match error level")
	}
	if c.Count(slog.LevelDebug) != 1 || c.Count(slog.LevelError) != 0 {
		t.Errorf("unexpected counts: debug=%d error=%d", c.Count(slog.LevelDebug), c.Count(slog.LevelError))
	}
	if _, ok := c.Attr(slog.LevelInfo, "nonexistent", "component"); ok {
		t.Error("Attr should miss for unknown messages")
	}
}

func TestCaptureRestore(t *testing.T) {
	prev := slog.Default()
	prevLevel := Level()
	c := CaptureForTest()
	c.Restore()

	if slog.Default() != prev {
		t.Error("default logger not restored")
	}
	if Level() != prevLevel {
		t.Error("level not restored")
	}
}
