package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	if _, err := NewStructuredLogger(&StructuredLoggerConfig{}); err == nil {
		t.Error("Expected error for nil output")
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	for _, logFn := range []func(string, ...map[string]interface{}){logger.Info, logger.Warn, logger.Error} {
		buf.Reset()
		logFn("visible message")
		if !strings.Contains(buf.String(), "visible message") {
			t.Errorf("message not found in output: %q", buf.String())
		}
	}
}

func TestStructuredFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Info("evicted", map[string]interface{}{"zeta": 1, "alpha": 2})

	out := buf.String()
	if !strings.Contains(out, "{alpha=2, zeta=1}") {
		t.Errorf("fields not sorted: %q", out)
	}
}

func TestWithComponentAndFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	child := logger.WithComponent("cache").WithField("tier", "high")
	child.Info("hello")

	out := buf.String()
	if !strings.Contains(out, "component=cache") || !strings.Contains(out, "tier=high") {
		t.Errorf("context fields missing: %q", out)
	}

	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "component=cache") {
		t.Error("child fields leaked into parent logger")
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.Warn("json message", map[string]interface{}{"count": 3})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "WARN" {
		t.Errorf("Level = %q, want WARN", entry.Level)
	}
	if entry.Message != "json message" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Fields["count"] != float64(3) {
		t.Errorf("count field = %v", entry.Fields["count"])
	}
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("scheduler", ERROR)

	scheduler := logger.WithComponent("scheduler")
	scheduler.Warn("suppressed")
	if buf.Len() > 0 {
		t.Errorf("component level not honored: %q", buf.String())
	}

	scheduler.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("error should pass component level")
	}

	buf.Reset()
	logger.WithComponent("cache").Warn("other component")
	if !strings.Contains(buf.String(), "other component") {
		t.Error("other components should use global level")
	}
}

func TestFormatfMethods(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.Debugf("value=%d", 7)
	logger.Infof("name=%s", "x")
	logger.Warnf("ratio=%.2f", 0.5)
	logger.Errorf("err=%v", "boom")

	out := buf.String()
	for _, want := range []string{"value=7", "name=x", "ratio=0.50", "err=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		IncludeCaller: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("with caller")
	if !strings.Contains(buf.String(), "structured_logger_test.go") {
		t.Errorf("caller should point at the test file: %q", buf.String())
	}

	buf.Reset()
	logger.Infof("with caller %d", 2)
	if !strings.Contains(buf.String(), "structured_logger_test.go") {
		t.Errorf("formatted caller should point at the test file: %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"trace", TRACE, false},
		{"DEBUG", DEBUG, false},
		{"info", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"ERROR", ERROR, false},
		{"loud", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseLogFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseLogFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseLogFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("dropped")
	logger.WithComponent("x").Info("dropped")
}
