package config

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"Debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       LevelTrace,
		ReplaceAttr: ReplaceLogLevelNames,
	}))

	logger.Log(context.Background(), LevelTrace, "frame")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want level=TRACE", buf.String())
	}
}

func TestReplaceLogLevelNames_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "text")

	logger.Info("provider configured", "api_key", "sk-live-123", "Password", "hunter2", "model", "gpt-5-mini")

	out := buf.String()
	for _, secret := range []string{"sk-live-123", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "model=gpt-5-mini") {
		t.Errorf("output = %q, want model attribute intact", out)
	}
}

func TestConfigLogger(t *testing.T) {
	tests := []struct {
		format string
		level  string
		want   string
	}{
		{"json", "debug", `"level":"DEBUG"`},
		{"text", "trace", "level=TRACE"},
		{"", "", "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := Default()
			cfg.LogFormat = tt.format
			cfg.LogLevel = tt.level

			level, _ := ParseLogLevel(tt.level)
			cfg.Logger(&buf).Log(context.Background(), level, "ping")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}

	var buf bytes.Buffer
	cfg := Default()
	cfg.Logger(&buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged at default level: %q", buf.String())
	}
}
