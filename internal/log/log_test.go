package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "text")
	defer SetOutput(os.Stderr, "text")
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	Info("hidden")
	Warn("shown", "page", 2)
	Error("failed", errors.New("boom"), "kind", "full")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "page=2") {
		t.Fatalf("warn line missing attrs: %q", out)
	}
	if !strings.Contains(out, "err=boom") || !strings.Contains(out, "kind=full") {
		t.Fatalf("error line missing attrs: %q", out)
	}
}
