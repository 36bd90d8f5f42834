// Copyright (C) 2025 Helio Labs (oss@heliolabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo}, // Unknown defaults to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "test",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("file test", "key", "value")
	logger.Debug("debug passes at debug level")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "test_") {
		t.Errorf("log file %q does not carry the service prefix", entries[0].Name())
	}

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "file test") {
		t.Error("log file missing entry message")
	}
	if !strings.Contains(string(content), `"service":"test"`) {
		t.Error("log file missing service attribute")
	}
}

func TestNew_LevelFilter(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "filter",
		Quiet:   true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("filtered out")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d (err %v)", len(entries), err)
	}
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(content), "filtered out") {
		t.Error("info entry leaked through warn filter")
	}
	if !strings.Contains(string(content), "kept") {
		t.Error("warn entry missing")
	}
}

func TestWith_SharesFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(Config{LogDir: dir, Service: "with", Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	child := logger.With("item_id", "abc")
	child.Info("from child")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, _ := os.ReadDir(dir)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), `"item_id":"abc"`) {
		t.Error("child attribute missing from file log")
	}
}

func TestClose_NoFile(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() without file error = %v", err)
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil || logger.Slog() == nil {
		t.Fatal("Default() returned an unusable logger")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %v", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %v", got)
	}
}
