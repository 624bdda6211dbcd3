package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.With("worker_id", "worker-1").Info("job completed", "job_id", "job1")
	log.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["message"] != "job completed" || entry["worker_id"] != "worker-1" || entry["job_id"] != "job1" || entry["level"] != "info" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestTeeWritesBothOutputs(t *testing.T) {
	var primary, file bytes.Buffer
	log, err := NewZapLogger(Config{Level: DebugLevel, Format: TextFormat, Output: &primary})
	if err != nil {
		t.Fatal(err)
	}
	log.Tee(&file).With("worker_id", "worker-2").Warn("retry scheduled")

	for name, out := range map[string]string{"primary": primary.String(), "file": file.String()} {
		if !strings.Contains(out, "retry scheduled") || !strings.Contains(out, "worker-2") {
			t.Fatalf("%s output missing entry: %q", name, out)
		}
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLogLevel("WARNING"); err != nil || lvl != WarnLevel {
		t.Fatalf("ParseLogLevel = %q, %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if f, err := ParseLogFormat("console"); err != nil || f != TextFormat {
		t.Fatalf("ParseLogFormat = %q, %v", f, err)
	}
	if _, err := NewZapLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid config")
	}
}
