package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn", "json")
	defer Init("info", "json")

	Info("hidden %d", 1)
	Warn("shown %s", "here")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
	if entry["message"] != "shown here" {
		t.Errorf("message = %v, want %q", entry["message"], "shown here")
	}
}

func TestInitWriterUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "verbose", "text")
	defer Init("info", "json")

	Debug("dropped")
	Info("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("debug line should be filtered at the default info level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("info line missing")
	}
}
