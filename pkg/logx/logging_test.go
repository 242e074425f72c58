package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Warn("something failed", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["message"] != "something failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	log.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	// Must not panic.
	log.Info("nothing", String("k", "v"))
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "DEBUG", " warn ", "warning", "error", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestStackTraceNamesCaller(t *testing.T) {
	st := StackTrace(1, 4)
	if !strings.Contains(st, "TestStackTraceNamesCaller") {
		t.Fatalf("stack does not name the caller:\n%s", st)
	}
	if n := strings.Count(st, "\n  "); n == 0 || n > 4 {
		t.Fatalf("stack frames = %d, want 1..4", n)
	}
}

func TestNewConsoleIsUsable(t *testing.T) {
	log := NewConsole("error")
	if log.IsZero() {
		t.Fatal("console logger should not be the zero logger")
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be filtered at error level")
	}
}
