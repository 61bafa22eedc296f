package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSloggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	lg := Config{Level: "debug", Format: "json", File: path}.NewSlogger()
	lg.Info("hello", "k", "v")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	body := string(b)
	if !strings.Contains(body, `"msg":"hello"`) || !strings.Contains(body, `"k":"v"`) {
		t.Fatalf("log body = %q", body)
	}
}

func TestNewSloggerLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	lg := Config{Level: "warn", File: path}.NewSlogger()
	lg.Info("invisible")
	lg.Warn("visible")

	b, _ := os.ReadFile(path)
	body := string(b)
	if strings.Contains(body, "invisible") {
		t.Fatalf("info leaked through warn level: %q", body)
	}
	if !strings.Contains(body, "visible") {
		t.Fatalf("warn suppressed: %q", body)
	}
}

func TestColorHandlerSelectedForTerminalOnly(t *testing.T) {
	// Color is requested but a file is configured: the file must get the
	// plain text handler, not ANSI escapes.
	path := filepath.Join(t.TempDir(), "daemon.log")
	lg := Config{Color: true, File: path}.NewSlogger()
	lg.Info("plain")

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "\x1b[") {
		t.Fatalf("ANSI escapes written to file: %q", string(b))
	}
}
