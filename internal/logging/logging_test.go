package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected 'key=value' in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON key field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("hidden")
	logger.Warn("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("info record should have been filtered, got: %s", output)
	}
	if !strings.Contains(output, "visible") {
		t.Errorf("warn record missing from output: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type captureForwarder struct {
	severity  string
	message   string
	component string
	count     int
}

func (c *captureForwarder) ForwardLog(severity, message, component string, _ time.Time) {
	c.severity = severity
	c.message = message
	c.component = component
	c.count++
}

func TestForwardHandler_ForwardsWarnAndAbove(t *testing.T) {
	var buf bytes.Buffer
	fw := &captureForwarder{}
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewForwardHandler(inner, fw, slog.LevelWarn))

	logger.Info("local only")
	if fw.count != 0 {
		t.Fatalf("info record should not be forwarded, count=%d", fw.count)
	}

	logger.Error("disk full")
	if fw.count != 1 {
		t.Fatalf("error record should be forwarded once, count=%d", fw.count)
	}
	if fw.severity != "ERROR" || fw.message != "disk full" {
		t.Errorf("forwarded %q/%q, want ERROR/disk full", fw.severity, fw.message)
	}

	// Local output still carries both records.
	if !strings.Contains(buf.String(), "local only") || !strings.Contains(buf.String(), "disk full") {
		t.Errorf("local output incomplete: %s", buf.String())
	}
}

func TestForwardHandler_ComponentFromAttrs(t *testing.T) {
	fw := &captureForwarder{}
	inner := slog.NewTextHandler(bytes.NewBuffer(nil), nil)
	logger := slog.New(NewForwardHandler(inner, fw, slog.LevelWarn)).With("component", "scheduler")

	logger.Warn("queue is deep")
	if fw.component != "scheduler" {
		t.Errorf("forwarded component = %q, want scheduler", fw.component)
	}
}
