package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	logPath := filepath.Join(home, "logs", "system.jsonl")
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("listener ready", "addr", "127.0.0.1:18789", "connId", "conn-1")

	entry := readLastEntry(t, home)
	required := []string{"timestamp", "level", "msg", "component"}
	for _, key := range required {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "gateway" {
		t.Fatalf("expected component=gateway, got %#v", entry["component"])
	}
	if entry["connId"] != "conn-1" {
		t.Fatalf("expected connId propagation, got %#v", entry["connId"])
	}
	if _, ok := entry["time"]; ok {
		t.Fatalf("expected time key renamed to timestamp, entry: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("auth check",
		"api_key", "abc123",
		"header", "Authorization: Bearer super-secret-token",
	)

	entry := readLastEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("expected header redaction, got %#v", entry["header"])
	}
}

func TestNewLogger_LevelGate(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entry := readLastEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("expected only warn line, got %#v", entry["msg"])
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true, false)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("listener ready", "token", "super-secret")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.log"))
	if err != nil {
		t.Fatalf("read text log: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format, got JSON: %q", line)
	}
	if !strings.Contains(line, "timestamp=") {
		t.Fatalf("expected renamed timestamp key, got %q", line)
	}
	if strings.Contains(line, "super-secret") {
		t.Fatalf("token leaked through text handler: %q", line)
	}
}

func TestRedact(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		leaks string
	}{
		{"bearer token", "sending Bearer sk-abcdef1234567890abcdef", "sk-abcdef1234567890abcdef"},
		{"api key assignment", `api_key="AKIA1234567890ABCDEF"`, "AKIA1234567890ABCDEF"},
		{"google key", "key AIzaSyA1234567890abcdefghijklmnopqrstu in error", "AIzaSyA"},
		{"token uuid", "token: 123e4567-e89b-12d3-a456-426614174000", "123e4567"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Redact(tc.in)
			if strings.Contains(out, tc.leaks) {
				t.Fatalf("secret leaked through redaction: %q", out)
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Fatalf("expected [REDACTED] marker, got %q", out)
			}
		})
	}
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "session agent:main:main updated 3 messages"
	if out := Redact(in); out != in {
		t.Fatalf("plain text altered: %q", out)
	}
}
