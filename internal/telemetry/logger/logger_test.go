package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"default config", DefaultConfig()},
		{"text format", Config{Level: "debug", Format: "text"}},
		{"console format", Config{Level: "info", Format: "console"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if l := New(tt.cfg); l == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestLogger_JSONWithNode(t *testing.T) {
	var buf bytes.Buffer
	id := 3
	l := New(Config{Level: "debug", Format: "json", Output: &buf, NodeID: &id})

	l.Info("connected", "peer", 4)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "connected" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["node"] != float64(3) || entry["peer"] != float64(4) {
		t.Errorf("attributes = %v", entry)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: "text", Output: &buf})
	defer SetLevel("info")

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	SetLevel("debug")
	if GetLevel() != "debug" {
		t.Errorf("GetLevel() = %q", GetLevel())
	}
	l.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("debug record missing after SetLevel")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"debug", "debug", true},
		{"INFO", "info", true},
		{"warning", "warn", true},
		{"error", "error", true},
		{"bogus", "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			globalLevel.Set(parseLevel(tt.in))
			if got := GetLevel(); got != tt.want {
				t.Errorf("parseLevel(%q) -> %q, want %q", tt.in, got, tt.want)
			}
			if ValidLevel(tt.in) != tt.valid {
				t.Errorf("ValidLevel(%q) = %v", tt.in, !tt.valid)
			}
		})
	}
	SetLevel("info")
}
