package cmd

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCommands_Registered(t *testing.T) {
	want := []string{"start", "stop", "version", "hash-token"}
	have := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		have[cmd.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("%s command not registered with rootCmd", name)
		}
	}
}

func TestStartCmd_FlagDefaults(t *testing.T) {
	dev, err := startCmd.Flags().GetBool("dev")
	if err != nil {
		t.Fatalf("failed to get dev flag: %v", err)
	}
	if dev {
		t.Error("dev flag should default to false")
	}

	addr, err := startCmd.Flags().GetString("addr")
	if err != nil {
		t.Fatalf("failed to get addr flag: %v", err)
	}
	if addr != "" {
		t.Errorf("addr default = %q, want empty", addr)
	}

	bypass, err := startCmd.Flags().GetBool("bypass")
	if err != nil {
		t.Fatalf("failed to get bypass flag: %v", err)
	}
	if bypass {
		t.Error("bypass flag should default to false")
	}
}

func TestStartCmd_Description(t *testing.T) {
	if startCmd.Short == "" {
		t.Error("start command missing Short description")
	}
	if startCmd.Long == "" {
		t.Error("start command missing Long description")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationOr(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if got := parseDurationOr("45s", time.Hour, "k", logger); got != 45*time.Second {
		t.Errorf("parseDurationOr(45s) = %v, want 45s", got)
	}
	if got := parseDurationOr("", time.Hour, "k", logger); got != time.Hour {
		t.Errorf("parseDurationOr(empty) = %v, want 1h", got)
	}
	if got := parseDurationOr("soon", time.Hour, "k", logger); got != time.Hour {
		t.Errorf("parseDurationOr(garbage) = %v, want 1h", got)
	}
}

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile = %d, want %d", got, os.Getpid())
	}
}

func TestReadPIDFile_Unreadable(t *testing.T) {
	if got := readPIDFile(filepath.Join(t.TempDir(), "absent.pid")); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(garbage, []byte("not a pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := readPIDFile(garbage); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}
}

func TestPIDFilePath_NotEmpty(t *testing.T) {
	if pidFilePath() == "" {
		t.Error("pidFilePath returned empty string")
	}
}
