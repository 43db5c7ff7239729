package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{" Warning ", LevelWarning, false},
		{"warn", LevelWarning, false},
		{"ERROR", LevelError, false},
		{"CRITICAL", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q): error %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

// The tests below swap the package-level logger and must not run in
// parallel with each other.

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarning)
	t.Cleanup(func() {
		SetLevel(LevelInfo)
		SetOutput(os.Stderr)
	})

	Debug("hidden debug")
	Info("hidden info")
	Warn("calendar unbound", "calendar", "family")
	Error("query failed", errors.New("503"), "calendar", "holidays")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains messages below WARNING:\n%s", out)
	}
	for _, want := range []string{"calendar unbound", "calendar=family", "query failed", "err=503", "calendar=holidays"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wkserver.log")
	if err := Configure(Options{File: path, Level: LevelDebug}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() {
		_ = Configure(Options{File: "stderr", Level: LevelInfo})
	})

	Debug("written to file", "n", 1)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file: got %q", data)
	}
	if bytes.Contains(data, []byte("\x1b[")) {
		t.Error("log file contains ANSI color codes")
	}
}

func TestConfigureBadPath(t *testing.T) {
	err := Configure(Options{File: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	if err == nil {
		t.Error("Configure with unwritable path: got nil error")
	}
}
