package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", JobID("j1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "job_id=j1") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestErr(t *testing.T) {
	attr := Err(errors.New("boom"))
	if attr.Key != KeyError || attr.Value.String() != "boom" {
		t.Errorf("Err = %v", attr)
	}
	if attr := Err(nil); attr.Key != "" {
		t.Errorf("Err(nil) key = %q, want empty group", attr.Key)
	}
}

func TestAnonymizeEmail(t *testing.T) {
	a := AnonymizeEmail("jane@example.com")
	if len(a) != 21 || !strings.HasPrefix(a, "user:") {
		t.Errorf("AnonymizeEmail = %q", a)
	}
	if a != AnonymizeEmail("jane@example.com") {
		t.Error("hash is not deterministic")
	}
	if AnonymizeEmail("") != "" {
		t.Error("empty email should stay empty")
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken(""); got != "<empty>" {
		t.Errorf("SanitizeToken(\"\") = %q", got)
	}
	if got := SanitizeToken("abcdef"); got != "[token:6 chars]" {
		t.Errorf("SanitizeToken = %q", got)
	}
}
