package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat('') = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	if got := LevelString(LevelWarn); got != "warn" {
		t.Errorf("LevelString(warn) = %q", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "proctord" {
		t.Errorf("expected component proctord, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("proctord", "proctord.log")) {
		t.Errorf("unexpected log path %s", cfg.FilePath)
	}
}

func TestJSONOutputAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Component: "monitor", Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.WithSession("01HZX").Info("warning raised", "type", "tab-switch")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["component"] != "monitor" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["monitor_id"] != "01HZX" {
		t.Errorf("monitor_id = %v", entry["monitor_id"])
	}
	if entry["type"] != "tab-switch" {
		t.Errorf("type = %v", entry["type"])
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("session", "candidate_email", "a@example.com", "api_key", "k", "candidate", "c-1")

	out := buf.String()
	if strings.Contains(out, "a@example.com") || strings.Contains(out, "api_key=k") {
		t.Errorf("sensitive values leaked: %s", out)
	}
	if !strings.Contains(out, "candidate=c-1") {
		t.Errorf("plain attribute missing: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"auth_token", true},
		{"bearer", true},
		{"candidate_email", true},
		{"phone_number", true},
		{"monitor_id", false},
		{"candidate", false},
		{"type", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestSessionContext(t *testing.T) {
	ctx := ContextWithSession(context.Background(), "abc")
	if got := SessionFromContext(ctx); got != "abc" {
		t.Errorf("SessionFromContext = %q", got)
	}
	if got := SessionFromContext(nil); got != "" {
		t.Errorf("nil context gave %q", got)
	}
	if got := SessionFromContext(context.Background()); got != "" {
		t.Errorf("empty context gave %q", got)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proctord.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	line := []byte("observation recorded\n")
	n, err := rotator.Write(line)
	if err != nil || n != len(line) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	for i := 0; i < 4; i++ {
		if err := rotator.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 {
		t.Errorf("kept %d backups, want 2", len(backups))
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("current log missing: %v", err)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	if err := a.Log(AuditEvent{EventType: AuditWarning, SessionID: "s1", Action: "warn", Details: map[string]any{"seq": 1}}); err != nil {
		t.Fatal(err)
	}
	if err := a.Log(AuditEvent{EventType: AuditTermination, SessionID: "s1", Action: "terminate"}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventType != AuditTermination || ev.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}

	var nilAudit *AuditLogger
	if err := nilAudit.Log(AuditEvent{}); err != nil {
		t.Errorf("nil audit logger: %v", err)
	}
}

func TestOpenAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	a, err := OpenAuditLog(path, 10, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Log(AuditEvent{EventType: AuditSessionStart, Action: "start"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"event_type":"session_start"`) {
		t.Errorf("audit file = %s", data)
	}
}
