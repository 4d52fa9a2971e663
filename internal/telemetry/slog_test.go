package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// SetupLogger tests
// ---------------------------------------------------------------------------

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "warning", "error", "ERROR", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, level, r)
					}
				}()
				SetupLogger(format, level)
			})
		}
	}
	SetupLogger("text", "error")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "json", "info")
	defer SetupLogger("text", "error")

	buf.Reset()
	slog.Info("audit event dropped", "reason", "unknown_type")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "audit event dropped" || obj["reason"] != "unknown_type" {
		t.Errorf("unexpected record: %v", obj)
	}
}

func TestSetLogLevel_ChangesFilteringAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "text", "warn")
	defer SetupLogger("text", "error")

	buf.Reset()
	slog.Info("hidden before reload")
	if strings.Contains(buf.String(), "hidden before reload") {
		t.Fatal("info record appeared at warn level")
	}

	SetLogLevel("debug")
	slog.Debug("visible after reload")
	if !strings.Contains(buf.String(), "visible after reload") {
		t.Errorf("debug record missing after SetLogLevel: %q", buf.String())
	}
}
